// Package server wires the validation-cache subsystem's containers
// (SKI index, AS-path cache, change queue), its external collaborators
// (ROA store, ASPA store, RTR client, proxy transport, metrics), and
// the coordinator into one runnable process, mirroring
// core/bgpipe.go's role for the teacher's pipeline (global pflag+koanf
// config, one zerolog.Logger, a background goroutine per long-running
// component).
package server

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// Config is the fully parsed server configuration.
type Config struct {
	ListenAddr string
	LogLevel   string

	RTRAddr            string
	RTRTLS             bool
	RTRInsecureTLS     bool
	RTRRefreshInterval time.Duration
	RTRRetryInterval   time.Duration
	RTRExpireInterval  time.Duration

	VerifyRatePerSession float64
	ChangeQueueLockWait  time.Duration
}

// ParseFlags builds a Config from CLI args, mirroring core/config.go's
// pflag+koanf+posflag pipeline.
func ParseFlags(args []string) (Config, error) {
	f := pflag.NewFlagSet("srx-valcache", pflag.ContinueOnError)
	f.SortFlags = false

	f.String("listen", ":8080", "HTTP listen address for the proxy/metrics/healthz endpoints")
	f.String("log", "info", "log level (debug/info/warn/error/disabled)")

	f.String("rtr", "", "RTR cache server address (host:port); empty disables RTR ingestion")
	f.Bool("rtr-tls", false, "use TLS for the RTR connection")
	f.Bool("rtr-insecure", false, "do not verify the RTR server's TLS certificate")
	f.Duration("rtr-refresh", time.Hour, "RTR refresh interval")
	f.Duration("rtr-retry", 5*time.Minute, "RTR retry interval")
	f.Duration("rtr-expire", 2*time.Hour, "RTR expire interval")

	f.Float64("verify-rate", 0, "per-session VERIFY rate limit in requests/sec (0 = unlimited)")
	f.Duration("queue-lock-wait", 50*time.Millisecond, "change-queue bounded lock-acquisition timeout")

	if err := f.Parse(args); err != nil {
		return Config{}, err
	}

	k := koanf.New(".")
	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	return Config{
		ListenAddr:           k.String("listen"),
		LogLevel:             k.String("log"),
		RTRAddr:              k.String("rtr"),
		RTRTLS:               k.Bool("rtr-tls"),
		RTRInsecureTLS:       k.Bool("rtr-insecure"),
		RTRRefreshInterval:   k.Duration("rtr-refresh"),
		RTRRetryInterval:     k.Duration("rtr-retry"),
		RTRExpireInterval:    k.Duration("rtr-expire"),
		VerifyRatePerSession: k.Float64("verify-rate"),
		ChangeQueueLockWait:  k.Duration("queue-lock-wait"),
	}, nil
}

// NewLogger builds the process-wide zerolog.Logger, mirroring
// bgpipe.NewBgpipe's ConsoleWriter default and core/config.go's
// --log level wiring.
func NewLogger(level string) (zerolog.Logger, error) {
	log := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.DateTime,
	}).With().Timestamp().Logger()

	if level != "" {
		lvl, err := zerolog.ParseLevel(level)
		if err != nil {
			return log, fmt.Errorf("--log: %w", err)
		}
		log = log.Level(lvl)
	}
	return log, nil
}
