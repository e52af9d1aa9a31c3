// Package config loads settings for the mini-jsonrpc commands.
//
// Values are layered: Default() first, then an optional TOML file, then
// environment variables (MINIRPC_*). Later layers only override keys they
// actually set.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"
)

// Config is the full configuration shared by the commands.
type Config struct {
	Log       LogConfig
	Server    ServerConfig
	Client    ClientConfig
	Registry  RegistryConfig
	Endpoints []EndpointConfig
}

type LogConfig struct {
	Level string `env:"MINIRPC_LOG_LEVEL"`
}

// ServerConfig tunes the dispatcher and its transport.
type ServerConfig struct {
	Rate           float64       `env:"MINIRPC_SERVER_RATE"` // Requests per second, 0 disables limiting
	Burst          int           `env:"MINIRPC_SERVER_BURST"`
	HandlerTimeout time.Duration `env:"MINIRPC_SERVER_HANDLER_TIMEOUT"`
	MaxLineBytes   int           `env:"MINIRPC_MAX_LINE_BYTES"`
	ShutdownGrace  time.Duration `env:"MINIRPC_SERVER_SHUTDOWN_GRACE"`
}

// ClientConfig tunes outgoing calls.
type ClientConfig struct {
	MaxPending  int           `env:"MINIRPC_CLIENT_MAX_PENDING"`
	CallTimeout time.Duration `env:"MINIRPC_CLIENT_CALL_TIMEOUT"`
	UUIDIDs     bool          `env:"MINIRPC_CLIENT_UUID_IDS"`
	Balancer    string        `env:"MINIRPC_CLIENT_BALANCER"` // roundrobin, weighted, hash
}

// RegistryConfig selects where endpoints are discovered.
type RegistryConfig struct {
	Etcd    []string `env:"MINIRPC_ETCD_ENDPOINTS"`
	Service string   `env:"MINIRPC_SERVICE"`
	TTL     int64    `env:"MINIRPC_REGISTRY_TTL"`
}

// EndpointConfig describes a subprocess that speaks JSON-RPC on stdio.
type EndpointConfig struct {
	Name    string
	Command string
	Args    []string
	Weight  int
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Server: ServerConfig{
			HandlerTimeout: 30 * time.Second,
			MaxLineBytes:   4 * 1024 * 1024,
			ShutdownGrace:  5 * time.Second,
		},
		Client: ClientConfig{
			CallTimeout: 30 * time.Second,
			Balancer:    "roundrobin",
		},
		Registry: RegistryConfig{
			Service: "default",
			TTL:     10,
		},
	}
}

type fileConfig struct {
	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
	Server struct {
		Rate           float64 `toml:"rate"`
		Burst          int     `toml:"burst"`
		HandlerTimeout string  `toml:"handler_timeout"`
		MaxLineBytes   int     `toml:"max_line_bytes"`
		ShutdownGrace  string  `toml:"shutdown_grace"`
	} `toml:"server"`
	Client struct {
		MaxPending  int    `toml:"max_pending"`
		CallTimeout string `toml:"call_timeout"`
		UUIDIDs     bool   `toml:"uuid_ids"`
		Balancer    string `toml:"balancer"`
	} `toml:"client"`
	Registry struct {
		Etcd    []string `toml:"etcd"`
		Service string   `toml:"service"`
		TTL     int64    `toml:"ttl"`
	} `toml:"registry"`
	Endpoints []struct {
		Name    string   `toml:"name"`
		Command string   `toml:"command"`
		Args    []string `toml:"args"`
		Weight  int      `toml:"weight"`
	} `toml:"endpoint"`
}

// Load builds a Config from defaults, the TOML file at path (skipped when
// path is empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("load env config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}

	if meta.IsDefined("server", "rate") {
		cfg.Server.Rate = raw.Server.Rate
	}
	if meta.IsDefined("server", "burst") {
		cfg.Server.Burst = raw.Server.Burst
	}
	if meta.IsDefined("server", "handler_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Server.HandlerTimeout))
		if err != nil {
			return fmt.Errorf("parse server.handler_timeout: %w", err)
		}
		cfg.Server.HandlerTimeout = d
	}
	if meta.IsDefined("server", "max_line_bytes") {
		cfg.Server.MaxLineBytes = raw.Server.MaxLineBytes
	}
	if meta.IsDefined("server", "shutdown_grace") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Server.ShutdownGrace))
		if err != nil {
			return fmt.Errorf("parse server.shutdown_grace: %w", err)
		}
		cfg.Server.ShutdownGrace = d
	}

	if meta.IsDefined("client", "max_pending") {
		cfg.Client.MaxPending = raw.Client.MaxPending
	}
	if meta.IsDefined("client", "call_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Client.CallTimeout))
		if err != nil {
			return fmt.Errorf("parse client.call_timeout: %w", err)
		}
		cfg.Client.CallTimeout = d
	}
	if meta.IsDefined("client", "uuid_ids") {
		cfg.Client.UUIDIDs = raw.Client.UUIDIDs
	}
	if meta.IsDefined("client", "balancer") {
		cfg.Client.Balancer = strings.TrimSpace(raw.Client.Balancer)
	}

	if meta.IsDefined("registry", "etcd") {
		cfg.Registry.Etcd = normalizeList(raw.Registry.Etcd)
	}
	if meta.IsDefined("registry", "service") {
		cfg.Registry.Service = strings.TrimSpace(raw.Registry.Service)
	}
	if meta.IsDefined("registry", "ttl") {
		cfg.Registry.TTL = raw.Registry.TTL
	}

	for _, ep := range raw.Endpoints {
		weight := ep.Weight
		if weight <= 0 {
			weight = 1
		}
		cfg.Endpoints = append(cfg.Endpoints, EndpointConfig{
			Name:    strings.TrimSpace(ep.Name),
			Command: strings.TrimSpace(ep.Command),
			Args:    ep.Args,
			Weight:  weight,
		})
	}
	return nil
}

// Validate rejects settings the commands cannot run with.
func Validate(cfg Config) error {
	if cfg.Server.Rate < 0 {
		return fmt.Errorf("server.rate must not be negative")
	}
	if cfg.Server.Rate > 0 && cfg.Server.Burst <= 0 {
		return fmt.Errorf("server.burst must be positive when server.rate is set")
	}
	if cfg.Client.MaxPending < 0 {
		return fmt.Errorf("client.max_pending must not be negative")
	}
	switch cfg.Client.Balancer {
	case "roundrobin", "weighted", "hash":
	default:
		return fmt.Errorf("unknown client.balancer %q", cfg.Client.Balancer)
	}
	seen := make(map[string]struct{}, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		if ep.Name == "" || ep.Command == "" {
			return fmt.Errorf("endpoint requires name and command")
		}
		if _, dup := seen[ep.Name]; dup {
			return fmt.Errorf("duplicate endpoint %q", ep.Name)
		}
		seen[ep.Name] = struct{}{}
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
