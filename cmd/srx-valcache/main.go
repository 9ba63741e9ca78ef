// Command srx-valcache runs the SRx-style BGP path-security validation
// cache server: it serves the router-proxy protocol over HTTP/
// websocket, optionally ingests RPKI deltas from an RTR cache server,
// and answers VERIFY requests from the validation-cache subsystem in
// internal/.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nist-bgp/srx-valcache/internal/server"
)

func main() {
	cfg, err := server.ParseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	log, err := server.NewLogger(cfg.LogLevel)
	if err != nil {
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(log, cfg)
	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}
