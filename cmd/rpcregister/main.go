// Command rpcregister publishes a subprocess endpoint in etcd and keeps its
// lease alive until interrupted, then removes it.
//
//	rpcregister -etcd 127.0.0.1:2379 -service arith -name a1 -- rpcserver -config a1.toml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mini-jsonrpc/config"
	"mini-jsonrpc/logging"
	"mini-jsonrpc/registry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rpcregister: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a TOML config file")
	etcd := flag.String("etcd", "", "comma separated etcd endpoints (overrides the config)")
	service := flag.String("service", "", "service name (overrides the config)")
	name := flag.String("name", "", "endpoint name, unique within the service")
	weight := flag.Int("weight", 1, "load balancing weight")
	version := flag.String("version", "", "endpoint version label")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logging.ConfigureLevel(logging.ProfileRuntime, cfg.Log.Level)
	logger := logging.Component("rpcregister")

	if *etcd != "" {
		cfg.Registry.Etcd = strings.Split(*etcd, ",")
	}
	if *service != "" {
		cfg.Registry.Service = *service
	}
	if len(cfg.Registry.Etcd) == 0 {
		return fmt.Errorf("no etcd endpoints configured")
	}
	if flag.NArg() == 0 {
		return fmt.Errorf("missing endpoint command after flags")
	}

	ep := registry.Endpoint{
		Name:    *name,
		Command: flag.Arg(0),
		Args:    flag.Args()[1:],
		Weight:  *weight,
		Version: *version,
	}
	if err := ep.Validate(); err != nil {
		return err
	}

	reg, err := registry.NewEtcdRegistry(cfg.Registry.Etcd)
	if err != nil {
		return err
	}
	defer reg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	regCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = reg.Register(regCtx, cfg.Registry.Service, ep, cfg.Registry.TTL)
	cancel()
	if err != nil {
		return err
	}
	logger.Info().Str("service", cfg.Registry.Service).Str("endpoint", ep.Name).Msg("registered, waiting for interrupt")

	<-ctx.Done()

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reg.Deregister(ctx, cfg.Registry.Service, ep.Name); err != nil {
		return err
	}
	logger.Info().Str("endpoint", ep.Name).Msg("deregistered")
	return nil
}
