// Package config resolves the fixture server settings from defaults, an
// optional TOML or YAML file, the environment and the command line.
package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Listening ports of the two server variants.
const (
	// DefaultPort serves the variant with connection state recovery.
	DefaultPort = 3000
	// DefaultNoRecoveryPort serves the variant without it.
	DefaultNoRecoveryPort = 3001
)

// Config holds the resolved fixture server settings.
type Config struct {
	Port int
	// Namespace receives the default handlers.
	Namespace string
	// NoRecover disables connection state recovery.
	NoRecover bool

	// MaxDisconnection is the recovery window.
	MaxDisconnection time.Duration
	SkipMiddlewares  bool

	PingInterval time.Duration
	PingTimeout  time.Duration

	// TLS serves HTTPS using KeyFile and CertFile.
	TLS      bool
	KeyFile  string
	CertFile string
}

// DefaultPortFor returns the listening port of the variant.
func DefaultPortFor(noRecover bool) int {
	if noRecover {
		return DefaultNoRecoveryPort
	}
	return DefaultPort
}

// Default returns the settings of the recovering fixture server.
func Default() Config {
	return Config{
		Port:             DefaultPort,
		Namespace:        "/",
		MaxDisconnection: 2 * time.Minute,
		SkipMiddlewares:  true,
		PingInterval:     2 * time.Second,
		PingTimeout:      20 * time.Second,
		KeyFile:          "key.pem",
		CertFile:         "cert.pem",
	}
}

// DefaultNoRecovery returns the settings of the variant without connection
// state recovery.
func DefaultNoRecovery() Config {
	cfg := Default()
	cfg.Port = DefaultPortFor(true)
	cfg.NoRecover = true
	return cfg
}

// fileConfig mirrors the keys accepted in a config file. Pointers tell unset
// keys apart from zero values.
type fileConfig struct {
	Port             *int    `toml:"port" yaml:"port"`
	Namespace        *string `toml:"namespace" yaml:"namespace"`
	Recovery         *bool   `toml:"recovery" yaml:"recovery"`
	MaxDisconnection *string `toml:"max_disconnection" yaml:"max_disconnection"`
	SkipMiddlewares  *bool   `toml:"skip_middlewares" yaml:"skip_middlewares"`
	PingInterval     *string `toml:"ping_interval" yaml:"ping_interval"`
	PingTimeout      *string `toml:"ping_timeout" yaml:"ping_timeout"`
	TLS              *bool   `toml:"tls" yaml:"tls"`
	KeyFile          *string `toml:"key_file" yaml:"key_file"`
	CertFile         *string `toml:"cert_file" yaml:"cert_file"`
}

// Load parses args (without the program name) and applies, in order, the
// variant defaults, the config file, the environment and the flags.
func Load(args []string, getenv func(string) string) (Config, error) {
	fs := flag.NewFlagSet("fixture-server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "Path to a TOML or YAML config file")
	noRecovery := fs.Bool("no-recovery", false, "Run without connection state recovery")
	port := fs.Int("port", 0, "Override listening port")
	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	cfg := Default()
	if *noRecovery {
		cfg = DefaultNoRecovery()
	}

	if *configPath != "" {
		if err := LoadFile(*configPath, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := ApplyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}

	if *port > 0 {
		cfg.Port = *port
	}
	if *noRecovery {
		cfg.NoRecover = true
	}
	if ns := fs.Arg(0); ns != "" {
		cfg.Namespace = ns
	}

	return cfg, nil
}

// LoadFile overlays the keys present in a .toml, .yaml or .yml file.
func LoadFile(path string, cfg *Config) error {
	var raw fileConfig

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("load config %s: unsupported format", path)
	}

	return raw.apply(cfg)
}

func (raw fileConfig) apply(cfg *Config) error {
	if raw.Port != nil {
		cfg.Port = *raw.Port
	}
	if raw.Namespace != nil {
		cfg.Namespace = strings.TrimSpace(*raw.Namespace)
	}
	if raw.Recovery != nil {
		cfg.NoRecover = !*raw.Recovery
		if raw.Port == nil {
			cfg.Port = DefaultPortFor(cfg.NoRecover)
		}
	}
	if raw.SkipMiddlewares != nil {
		cfg.SkipMiddlewares = *raw.SkipMiddlewares
	}
	if raw.TLS != nil {
		cfg.TLS = *raw.TLS
	}
	if raw.KeyFile != nil {
		cfg.KeyFile = *raw.KeyFile
	}
	if raw.CertFile != nil {
		cfg.CertFile = *raw.CertFile
	}

	durations := []struct {
		name string
		raw  *string
		dst  *time.Duration
	}{
		{"max_disconnection", raw.MaxDisconnection, &cfg.MaxDisconnection},
		{"ping_interval", raw.PingInterval, &cfg.PingInterval},
		{"ping_timeout", raw.PingTimeout, &cfg.PingTimeout},
	}
	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(*d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = v
	}

	return nil
}

// ApplyEnv reads PORT, SSL, SSL_KEY and SSL_CERT.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if raw := strings.TrimSpace(getenv("PORT")); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse PORT: %w", err)
		}
		cfg.Port = port
	}
	if getenv("SSL") != "" {
		cfg.TLS = true
	}
	if v := getenv("SSL_KEY"); v != "" {
		cfg.KeyFile = v
	}
	if v := getenv("SSL_CERT"); v != "" {
		cfg.CertFile = v
	}
	return nil
}

// Addr returns the listen address for the configured port.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}
