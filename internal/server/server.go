package server

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/nist-bgp/srx-valcache/internal/aspastore"
	"github.com/nist-bgp/srx-valcache/internal/aspathcache"
	"github.com/nist-bgp/srx-valcache/internal/changequeue"
	"github.com/nist-bgp/srx-valcache/internal/coordinator"
	"github.com/nist-bgp/srx-valcache/internal/metrics"
	"github.com/nist-bgp/srx-valcache/internal/proxy"
	"github.com/nist-bgp/srx-valcache/internal/roastore"
	"github.com/nist-bgp/srx-valcache/internal/rtr"
	"github.com/nist-bgp/srx-valcache/internal/skiindex"
)

// Server owns the validation cache's whole component graph: the
// containers of spec.md §4, the ROA/ASPA stores that supplement the
// opaque oracles of §1, the RTR ingestion adapter, the coordinator,
// and the router-facing proxy transport.
type Server struct {
	log zerolog.Logger
	cfg Config

	ski       *skiindex.Index
	pathCache *aspathcache.Cache
	queue     *changequeue.Queue

	roa   *roastore.Store
	aspas *aspastore.Store

	mx        *metrics.Metrics
	coord     *coordinator.Coordinator
	proxySrv  *proxy.Server
	rtrClient *rtr.Client

	httpSrv *http.Server
}

// New builds the fully wired Server from cfg. It does not start any
// goroutines; call Run to do that.
func New(log zerolog.Logger, cfg Config) *Server {
	ski := skiindex.New(log)
	pathCache := aspathcache.New(log)
	queue := changequeue.NewWithLockWait(log, cfg.ChangeQueueLockWait)

	roa := roastore.New()
	aspas := aspastore.New()

	mx := metrics.New(ski, pathCache, queue)

	coord := coordinator.New(log, ski, queue, pathCache, roa, aspas, NewOpaqueVerifier(), nil)
	proxySrv := proxy.NewServer(log, coord, mx, cfg.VerifyRatePerSession)
	coord.SetNotifier(proxySrv)

	s := &Server{
		log:       log.With().Str("component", "server").Logger(),
		cfg:       cfg,
		ski:       ski,
		pathCache: pathCache,
		queue:     queue,
		roa:       roa,
		aspas:     aspas,
		mx:        mx,
		coord:     coord,
		proxySrv:  proxySrv,
	}

	if cfg.RTRAddr != "" {
		s.rtrClient = rtr.New(log, rtr.Config{
			Addr:            cfg.RTRAddr,
			TLS:             cfg.RTRTLS,
			InsecureSkipTLS: cfg.RTRInsecureTLS,
			RefreshInterval: cfg.RTRRefreshInterval,
			RetryInterval:   cfg.RTRRetryInterval,
			ExpireInterval:  cfg.RTRExpireInterval,
		}, roa, coord, aspas, coord, mx)
	}

	s.httpSrv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: proxySrv.Handler(),
	}

	return s
}

// Run starts the HTTP/websocket listener, the RTR client (if
// configured), and the change-queue consumer, and blocks until ctx is
// cancelled. Mirrors core/bgpipe.go's Run: configure, start
// components, block, then propagate shutdown.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)

	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	rtrStop := make(chan struct{})
	if s.rtrClient != nil {
		go s.rtrClient.Run(rtrStop)
	}

	go s.coord.RunChangeConsumer(ctx, 20*time.Millisecond)

	select {
	case <-ctx.Done():
	case err := <-errc:
		s.log.Error().Err(err).Msg("listener failed")
	}

	if s.rtrClient != nil {
		s.rtrClient.Stop()
		close(rtrStop)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}
