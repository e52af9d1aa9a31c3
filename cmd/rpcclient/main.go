// Command rpcclient spawns a JSON-RPC endpoint, performs one call and
// prints the result to standard output.
//
//	rpcclient -method add -params '[2,3]' -- rpcserver
//	rpcclient -config client.toml -method echo -params '{"hi":1}'
//
// Without a command after the flags, the endpoint is chosen from the
// registry (etcd when configured, otherwise the [[endpoint]] entries of
// the config file).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mini-jsonrpc/client"
	"mini-jsonrpc/config"
	"mini-jsonrpc/loadbalance"
	"mini-jsonrpc/logging"
	"mini-jsonrpc/message"
	"mini-jsonrpc/registry"
	"mini-jsonrpc/transport"
)

func main() {
	err := run()
	var rpcErr *message.Error
	switch {
	case err == nil:
	case errors.As(err, &rpcErr):
		fmt.Fprintf(os.Stderr, "rpcclient: error %d: %s\n", rpcErr.Code, rpcErr.Message)
		if len(rpcErr.Data) > 0 {
			fmt.Fprintf(os.Stderr, "rpcclient: data: %s\n", rpcErr.Data)
		}
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "rpcclient: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a TOML config file")
	method := flag.String("method", "", "method to call")
	params := flag.String("params", "", "params as a JSON array or object")
	key := flag.String("key", "", "balancing key (defaults to the method)")
	notify := flag.Bool("notify", false, "send a notification and do not wait for a reply")
	flag.Parse()

	if *method == "" {
		return fmt.Errorf("-method is required")
	}
	var rawParams json.RawMessage
	if *params != "" {
		if !json.Valid([]byte(*params)) {
			return fmt.Errorf("-params is not valid JSON")
		}
		rawParams = json.RawMessage(*params)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logging.ConfigureLevel(logging.ProfileRuntime, cfg.Log.Level)

	reg, closeReg, err := openRegistry(cfg, flag.Args())
	if err != nil {
		return err
	}
	defer closeReg()

	bal, err := loadbalance.New(cfg.Client.Balancer)
	if err != nil {
		return err
	}

	clientOpts := []client.Option{
		client.WithMaxPending(cfg.Client.MaxPending),
		client.WithTimeout(cfg.Client.CallTimeout),
	}
	if cfg.Client.UUIDIDs {
		clientOpts = append(clientOpts, client.WithIDGenerator(client.UUIDGenerator()))
	}
	pool := client.NewPool(reg, bal, cfg.Registry.Service,
		client.WithDialer(client.SubprocessDialer(transport.WithMaxLineBytes(cfg.Server.MaxLineBytes))),
		client.WithClientOptions(clientOpts...),
	)
	defer pool.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *notify {
		return notifyOnce(ctx, reg, bal, cfg, *method, rawParams)
	}

	balanceKey := *key
	if balanceKey == "" {
		balanceKey = *method
	}
	var result json.RawMessage
	if err := pool.CallKey(ctx, balanceKey, *method, rawParams, &result); err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}

// openRegistry picks the endpoint source: the command line, etcd, or the
// static endpoints of the config file.
func openRegistry(cfg config.Config, argv []string) (registry.Registry, func(), error) {
	noop := func() {}
	if len(argv) > 0 {
		reg, err := registry.Static(cfg.Registry.Service, registry.Endpoint{
			Name:    "argv",
			Command: argv[0],
			Args:    argv[1:],
		})
		return reg, noop, err
	}
	if len(cfg.Registry.Etcd) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Etcd)
		if err != nil {
			return nil, noop, err
		}
		return reg, func() { reg.Close() }, nil
	}
	if len(cfg.Endpoints) == 0 {
		return nil, noop, fmt.Errorf("no endpoint: pass a command or configure [[endpoint]] or [registry] etcd")
	}
	eps := make([]registry.Endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		eps = append(eps, registry.Endpoint{Name: ep.Name, Command: ep.Command, Args: ep.Args, Weight: ep.Weight})
	}
	reg, err := registry.Static(cfg.Registry.Service, eps...)
	return reg, noop, err
}

// notifyOnce sends one notification to a picked endpoint and closes it,
// which waits for the child to exit.
func notifyOnce(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, cfg config.Config, method string, params json.RawMessage) error {
	eps, err := reg.Discover(ctx, cfg.Registry.Service)
	if err != nil {
		return err
	}
	ep, err := bal.Pick(method, eps)
	if err != nil {
		return err
	}
	t, err := transport.NewSubprocess(ep.Command, ep.Args, transport.WithName(ep.Name))
	if err != nil {
		return err
	}
	c := client.NewClient(t)
	if err := c.Start(); err != nil {
		return err
	}
	defer c.Close()
	return c.Notify(ctx, method, params)
}
