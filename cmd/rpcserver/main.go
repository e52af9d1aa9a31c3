// Command rpcserver serves a few demo methods as JSON-RPC over its own
// standard input and output. Logs go to standard error.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mini-jsonrpc/config"
	"mini-jsonrpc/logging"
	"mini-jsonrpc/middleware"
	"mini-jsonrpc/server"
	"mini-jsonrpc/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rpcserver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logging.ConfigureLevel(logging.ProfileRuntime, cfg.Log.Level)
	logger := logging.Component("rpcserver")

	srv := server.NewServer()
	srv.Use(middleware.Logging(logging.Component("handler")))
	if cfg.Server.Rate > 0 {
		srv.Use(middleware.RateLimit(cfg.Server.Rate, cfg.Server.Burst))
	}
	if cfg.Server.HandlerTimeout > 0 {
		srv.Use(middleware.Timeout(cfg.Server.HandlerTimeout))
	}
	if err := registerDemo(srv); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Int("pid", os.Getpid()).Int("methods", srv.Methods()).Msg("serving on stdio")
	serveErr := srv.Serve(ctx, transport.NewStdio(transport.WithMaxLineBytes(cfg.Server.MaxLineBytes)))

	if err := srv.Shutdown(cfg.Server.ShutdownGrace); err != nil {
		logger.Warn().Err(err).Msg("shutdown")
	}
	logger.Info().Msg("stopped")
	return serveErr
}
