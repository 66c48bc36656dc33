package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/mevdschee/tqkvproxy/ring"
)

// Config holds the proxy configuration
type Config struct {
	Listen             string      // Optional listen interface
	Port               int         // TCP port (default 6379)
	Workers            int         // Number of worker event loops
	Backends           []ring.Host // Ordered backend list; order defines ring indices
	HashBeginDelimiter int         // Hash tag begin byte, -1 when unset
	HashEndDelimiter   int         // Hash tag end byte, -1 when unset
	DisableCommands    []string    // Command names removed from the dispatch table
	MetricsListen      string      // Metrics endpoint address
}

// Load reads configuration from an INI file with environment variable overrides
func Load(path string) (*Config, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	sec := cfg.Section("proxy")

	config := &Config{
		Listen:             sec.Key("listen").String(),
		Port:               sec.Key("port").MustInt(6379),
		Workers:            sec.Key("workers").MustInt(1),
		HashBeginDelimiter: parseDelimiter(sec.Key("hash_begin_delimiter").String()),
		HashEndDelimiter:   parseDelimiter(sec.Key("hash_end_delimiter").String()),
		MetricsListen:      sec.Key("metrics").MustString(":9090"),
	}

	for _, name := range splitList(sec.Key("disable_commands").String()) {
		config.DisableCommands = append(config.DisableCommands, strings.ToUpper(name))
	}

	backends, err := ring.ParseNetlocList(splitList(sec.Key("backends").String()), 6379)
	if err != nil {
		return nil, err
	}
	config.Backends = backends

	// Environment variable overrides
	if v := os.Getenv("TQKVPROXY_LISTEN"); v != "" {
		config.Listen = v
	}
	if v := os.Getenv("TQKVPROXY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid TQKVPROXY_PORT: %q", v)
		}
		config.Port = port
	}
	if v := os.Getenv("TQKVPROXY_WORKERS"); v != "" {
		workers, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid TQKVPROXY_WORKERS: %q", v)
		}
		config.Workers = workers
	}
	if v := os.Getenv("TQKVPROXY_METRICS"); v != "" {
		config.MetricsListen = v
	}

	return config, nil
}

// Validate checks the startup invariants. A failure here should exit
// the process with status 2.
func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("no backends specified")
	}
	if c.Workers < 1 {
		return fmt.Errorf("at least 1 worker must be running")
	}
	return nil
}

// parseDelimiter accepts a single-byte delimiter, or returns -1 for an
// empty value.
func parseDelimiter(s string) int {
	if s == "" {
		return -1
	}
	return int(s[0])
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
