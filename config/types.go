package config

// Registry describes the identities the market runs under.
type Registry struct {
	Address string `toml:"Address" yaml:"address"`
	Owner   string `toml:"Owner" yaml:"owner"`
	Locker  string `toml:"Locker" yaml:"locker"`
}

// Policy seeds the registry's fee and vesting configuration at start-up. An
// empty FeeRecipient leaves the policy unset until the owner configures it.
type Policy struct {
	FeeRecipient        string   `toml:"FeeRecipient" yaml:"feeRecipient"`
	FlatFee             string   `toml:"FlatFee" yaml:"flatFee"`
	PercentFee          uint64   `toml:"PercentFee" yaml:"percentFee"`
	LockDurationSeconds int64    `toml:"LockDurationSeconds" yaml:"lockDurationSeconds"`
	Operators           []string `toml:"Operators" yaml:"operators"`
}

// Allocation credits an initial balance when the market boots.
type Allocation struct {
	Address string `toml:"Address" yaml:"address"`
	Amount  string `toml:"Amount" yaml:"amount"`
}

// Token registers a fungible asset with the in-process ledger.
type Token struct {
	Address     string       `toml:"Address" yaml:"address"`
	Symbol      string       `toml:"Symbol" yaml:"symbol"`
	Native      bool         `toml:"Native" yaml:"native"`
	Allocations []Allocation `toml:"Allocations" yaml:"allocations"`
}

// Auth configures bearer-token authentication at the HTTP edge.
type Auth struct {
	Enabled          bool     `toml:"Enabled" yaml:"enabled"`
	HMACSecret       string   `toml:"HMACSecret" yaml:"hmacSecret"`
	HMACSecretEnv    string   `toml:"HMACSecretEnv" yaml:"hmacSecretEnv"`
	Issuer           string   `toml:"Issuer" yaml:"issuer"`
	Audience         string   `toml:"Audience" yaml:"audience"`
	ClockSkewSeconds int      `toml:"ClockSkewSeconds" yaml:"clockSkewSeconds"`
	OptionalPaths    []string `toml:"OptionalPaths" yaml:"optionalPaths"`
}

// RateLimit bounds requests per client.
type RateLimit struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute" yaml:"requestsPerMinute"`
	Burst             int     `toml:"Burst" yaml:"burst"`
}

// Logging controls log output. An empty File logs to stdout.
type Logging struct {
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"maxSizeMB"`
	MaxBackups int    `toml:"MaxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"maxAgeDays"`
	Compress   bool   `toml:"Compress" yaml:"compress"`
}

// Telemetry wires the OTLP exporters.
type Telemetry struct {
	Endpoint string `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool   `toml:"Insecure" yaml:"insecure"`
	Headers  string `toml:"Headers" yaml:"headers"`
	Metrics  bool   `toml:"Metrics" yaml:"metrics"`
	Traces   bool   `toml:"Traces" yaml:"traces"`
}

// Webhooks configures outbound event delivery. Driver is "sqlite" or
// "postgres"; an empty sqlite DSN stores subscriptions under DataDir.
type Webhooks struct {
	Enabled        bool   `toml:"Enabled" yaml:"enabled"`
	Driver         string `toml:"Driver" yaml:"driver"`
	DSN            string `toml:"DSN" yaml:"dsn"`
	QueueCapacity  int    `toml:"QueueCapacity" yaml:"queueCapacity"`
	MaxAttempts    int    `toml:"MaxAttempts" yaml:"maxAttempts"`
	TimeoutSeconds int    `toml:"TimeoutSeconds" yaml:"timeoutSeconds"`
}

// Simulation replaces the wall clock with a manual one that only moves when
// advanced through the API.
type Simulation struct {
	Enabled   bool  `toml:"Enabled" yaml:"enabled"`
	StartUnix int64 `toml:"StartUnix" yaml:"startUnix"`
}
