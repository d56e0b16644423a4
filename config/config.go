package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultSecretEnv is consulted for the JWT secret when the config does not
// name another variable.
const DefaultSecretEnv = "ESCROW_JWT_SECRET"

type Config struct {
	ServiceName         string `toml:"ServiceName" yaml:"serviceName"`
	Environment         string `toml:"Environment" yaml:"environment"`
	ListenAddress       string `toml:"ListenAddress" yaml:"listen"`
	DataDir             string `toml:"DataDir" yaml:"dataDir"`
	ReadTimeoutSeconds  int    `toml:"ReadTimeout" yaml:"readTimeout"`
	WriteTimeoutSeconds int    `toml:"WriteTimeout" yaml:"writeTimeout"`
	IdleTimeoutSeconds  int    `toml:"IdleTimeout" yaml:"idleTimeout"`

	Registry   Registry   `toml:"Registry" yaml:"registry"`
	Policy     Policy     `toml:"Policy" yaml:"policy"`
	Tokens     []Token    `toml:"Tokens" yaml:"tokens"`
	Auth       Auth       `toml:"Auth" yaml:"auth"`
	RateLimit  RateLimit  `toml:"RateLimit" yaml:"rateLimit"`
	Logging    Logging    `toml:"Logging" yaml:"logging"`
	Telemetry  Telemetry  `toml:"Telemetry" yaml:"telemetry"`
	Simulation Simulation `toml:"Simulation" yaml:"simulation"`
	Webhooks   Webhooks   `toml:"Webhooks" yaml:"webhooks"`
}

// Default returns a configuration that boots a local market with a single
// native asset and no policy.
func Default() *Config {
	return &Config{
		ServiceName:         "escrowd",
		Environment:         "local",
		ListenAddress:       "127.0.0.1:8080",
		DataDir:             "./data",
		ReadTimeoutSeconds:  15,
		WriteTimeoutSeconds: 15,
		IdleTimeoutSeconds:  60,
		Registry: Registry{
			Address: "0x00000000000000000000000000000000000000e1",
			Owner:   "0x00000000000000000000000000000000000000a1",
			Locker:  "0x00000000000000000000000000000000000000c1",
		},
		Policy: Policy{FlatFee: "0"},
		Tokens: []Token{{
			Address: "0x00000000000000000000000000000000000000f1",
			Symbol:  "NHB",
			Native:  true,
		}},
		Auth: Auth{
			ClockSkewSeconds: 120,
			OptionalPaths:    []string{"/healthz", "/metrics"},
		},
		RateLimit: RateLimit{RequestsPerMinute: 600, Burst: 60},
		Logging:   Logging{MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28},
		Telemetry: Telemetry{Endpoint: "localhost:4318", Insecure: true},
		Webhooks:  Webhooks{Driver: "sqlite", QueueCapacity: 1024, MaxAttempts: 5, TimeoutSeconds: 10},
	}
}

// Load reads the configuration at path. Files ending in .yaml or .yml are
// decoded as YAML, everything else as TOML. An empty path yields the
// defaults. The result is validated before it is returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(path, raw, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decode(path string, raw []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("decode config %s: %w", path, err)
		}
	default:
		meta, err := toml.Decode(string(raw), cfg)
		if err != nil {
			return fmt.Errorf("decode config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("config file %s has unknown field %s", path, undecoded[0].String())
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	name := strings.TrimSpace(c.Auth.HMACSecretEnv)
	if name == "" {
		name = DefaultSecretEnv
	}
	if secret := strings.TrimSpace(os.Getenv(name)); secret != "" {
		c.Auth.HMACSecret = secret
	}
}

// JournalPath is where the leveldb event journal lives.
func (c *Config) JournalPath() string { return filepath.Join(c.DataDir, "journal") }

// WebhookDSN resolves the subscription store location.
func (c *Config) WebhookDSN() string {
	if dsn := strings.TrimSpace(c.Webhooks.DSN); dsn != "" {
		return dsn
	}
	return filepath.Join(c.DataDir, "webhooks.db")
}

// IndexPath is where the sqlite event index lives.
func (c *Config) IndexPath() string { return filepath.Join(c.DataDir, "events.db") }
