package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tqkvproxy.ini")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
[proxy]
listen = 127.0.0.1
port = 6380
workers = 4
backends = 10.0.0.1:6379@shard0, 10.0.0.2, 10.0.0.3:6381
hash_begin_delimiter = {
hash_end_delimiter = }
disable_commands = flushall, FLUSHDB
metrics = :9100
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != "127.0.0.1" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Port != 6380 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d", cfg.Workers)
	}
	if cfg.HashBeginDelimiter != '{' || cfg.HashEndDelimiter != '}' {
		t.Errorf("delimiters = %d %d", cfg.HashBeginDelimiter, cfg.HashEndDelimiter)
	}
	if cfg.MetricsListen != ":9100" {
		t.Errorf("MetricsListen = %q", cfg.MetricsListen)
	}

	if len(cfg.Backends) != 3 {
		t.Fatalf("got %d backends", len(cfg.Backends))
	}
	if cfg.Backends[0].Name != "shard0" {
		t.Errorf("backend 0 name = %q", cfg.Backends[0].Name)
	}
	// port defaults to 6379 whatever the proxy port, name defaults to host:port
	if cfg.Backends[1].Port != 6379 || cfg.Backends[1].Name != "10.0.0.2:6379" {
		t.Errorf("backend 1 = %+v", cfg.Backends[1])
	}
	if cfg.Backends[2].Port != 6381 {
		t.Errorf("backend 2 = %+v", cfg.Backends[2])
	}

	// command names are normalized to uppercase
	if len(cfg.DisableCommands) != 2 || cfg.DisableCommands[0] != "FLUSHALL" || cfg.DisableCommands[1] != "FLUSHDB" {
		t.Errorf("DisableCommands = %v", cfg.DisableCommands)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
[proxy]
backends = localhost
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 6379 {
		t.Errorf("Port = %d, want 6379", cfg.Port)
	}
	if cfg.Workers != 1 {
		t.Errorf("Workers = %d, want 1", cfg.Workers)
	}
	if cfg.HashBeginDelimiter != -1 || cfg.HashEndDelimiter != -1 {
		t.Errorf("delimiters = %d %d, want unset", cfg.HashBeginDelimiter, cfg.HashEndDelimiter)
	}
	if len(cfg.Backends) != 1 || cfg.Backends[0].Port != 6379 {
		t.Errorf("Backends = %+v", cfg.Backends)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[proxy]
port = 6380
workers = 2
backends = localhost
`)
	t.Setenv("TQKVPROXY_PORT", "7000")
	t.Setenv("TQKVPROXY_WORKERS", "8")
	t.Setenv("TQKVPROXY_LISTEN", "0.0.0.0")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 7000 || cfg.Workers != 8 || cfg.Listen != "0.0.0.0" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{Workers: 1}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate passed with no backends")
	}

	path := writeConfig(t, `
[proxy]
workers = 0
backends = localhost
`)
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := loaded.Validate(); err == nil {
		t.Error("Validate passed with zero workers")
	}
}
