package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
[log]
level = "debug"

[server]
rate = 50.0
burst = 10
handler_timeout = "2s"

[client]
max_pending = 64
balancer = "weighted"

[registry]
etcd = ["127.0.0.1:2379", " "]
service = "calc"

[[endpoint]]
name = "calc-1"
command = "rpcserver"
args = ["-config", "calc.toml"]
weight = 3

[[endpoint]]
name = "calc-2"
command = "rpcserver"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "minirpc.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.HandlerTimeout != 30*time.Second {
		t.Fatalf("expect default handler timeout, got %v", cfg.Server.HandlerTimeout)
	}
	if cfg.Client.Balancer != "roundrobin" {
		t.Fatalf("expect roundrobin, got %s", cfg.Client.Balancer)
	}
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Log.Level != "debug" {
		t.Fatalf("expect debug, got %s", cfg.Log.Level)
	}
	if cfg.Server.Rate != 50 || cfg.Server.Burst != 10 || cfg.Server.HandlerTimeout != 2*time.Second {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Server.ShutdownGrace != 5*time.Second {
		t.Fatalf("expect default shutdown grace, got %v", cfg.Server.ShutdownGrace)
	}
	if cfg.Client.MaxPending != 64 || cfg.Client.Balancer != "weighted" {
		t.Fatalf("unexpected client config %+v", cfg.Client)
	}
	if len(cfg.Registry.Etcd) != 1 || cfg.Registry.Service != "calc" {
		t.Fatalf("unexpected registry config %+v", cfg.Registry)
	}
	if len(cfg.Endpoints) != 2 {
		t.Fatalf("expect 2 endpoints, got %d", len(cfg.Endpoints))
	}
	if cfg.Endpoints[0].Weight != 3 || cfg.Endpoints[1].Weight != 1 {
		t.Fatalf("unexpected weights %+v", cfg.Endpoints)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("MINIRPC_SERVER_BURST", "99")
	t.Setenv("MINIRPC_CLIENT_CALL_TIMEOUT", "750ms")

	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Burst != 99 {
		t.Fatalf("expect env burst 99, got %d", cfg.Server.Burst)
	}
	if cfg.Client.CallTimeout != 750*time.Millisecond {
		t.Fatalf("expect env call timeout, got %v", cfg.Client.CallTimeout)
	}
	// Untouched by env.
	if cfg.Server.Rate != 50 {
		t.Fatalf("expect file rate 50, got %v", cfg.Server.Rate)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Server.Rate = 5
	if err := Validate(cfg); err == nil {
		t.Fatal("expect error for rate without burst")
	}

	cfg = Default()
	cfg.Client.Balancer = "random"
	if err := Validate(cfg); err == nil {
		t.Fatal("expect error for unknown balancer")
	}

	cfg = Default()
	cfg.Endpoints = []EndpointConfig{{Name: "a", Command: "x"}, {Name: "a", Command: "y"}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expect error for duplicate endpoint")
	}
}

func TestLoadBadDuration(t *testing.T) {
	if _, err := Load(writeConfig(t, "[server]\nhandler_timeout = \"soon\"\n")); err == nil {
		t.Fatal("expect duration parse error")
	}
}
