// Package config loads server configuration from a JSON file with
// CONCORD_* environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"

	"concord/pkg/federation"
	"concord/pkg/types"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CONCORD_"

type Config struct {
	ServerName     string `json:"server_name" env:"SERVER_NAME"`
	SigningKeyPath string `json:"signing_key_path" env:"SIGNING_KEY_PATH"`
	DatabasePath   string `json:"database_path" env:"DATABASE_PATH"`
	ListenAddress  string `json:"listen_address" env:"LISTEN_ADDRESS"`
	MetricsAddress string `json:"metrics_address" env:"METRICS_ADDRESS"`
	LogLevel       string `json:"log_level" env:"LOG_LEVEL"`

	// Peers maps server names to dial addresses, e.g.
	// CONCORD_PEERS=b.example=10.0.0.2:8448,c.example=10.0.0.3:8448
	Peers map[string]string `json:"peers" env:"PEERS" envSeparator:"," envKeyValSeparator:"="`

	// VerifyKeys pins remote signing keys: server -> key id -> base64 key.
	VerifyKeys map[string]map[string]string `json:"verify_keys"`

	TLS        TLSConfig        `json:"tls" envPrefix:"TLS_"`
	Federation FederationConfig `json:"federation" envPrefix:"FEDERATION_"`
	Engine     EngineConfig     `json:"engine" envPrefix:"ENGINE_"`
	Telemetry  TelemetryConfig  `json:"telemetry" envPrefix:"TELEMETRY_"`
}

// TLSConfig enables mutual TLS between servers when CertFile is set.
type TLSConfig struct {
	CertFile string `json:"cert_file" env:"CERT_FILE"`
	KeyFile  string `json:"key_file" env:"KEY_FILE"`
	CAFile   string `json:"ca_file" env:"CA_FILE"`
}

func (t TLSConfig) Enabled() bool {
	return t.CertFile != ""
}

type FederationConfig struct {
	RetryAttempts    int      `json:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryBaseDelay   Duration `json:"retry_base_delay" env:"RETRY_BASE_DELAY"`
	RetryMaxDelay    Duration `json:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	RequestTimeout   Duration `json:"request_timeout" env:"REQUEST_TIMEOUT"`
	BackfillLimit    int      `json:"backfill_limit" env:"BACKFILL_LIMIT"`
	MaxPDUs          int      `json:"max_pdus" env:"MAX_PDUS"`
	MaxEDUs          int      `json:"max_edus" env:"MAX_EDUS"`
	SendInterval     Duration `json:"send_interval" env:"SEND_INTERVAL"`
	SweepInterval    Duration `json:"sweep_interval" env:"SWEEP_INTERVAL"`
	MaxParallelSends int      `json:"max_parallel_sends" env:"MAX_PARALLEL_SENDS"`
	MaxMessageSize   Size     `json:"max_message_size" env:"MAX_MESSAGE_SIZE"`

	// MaxWaitingPerOrigin bounds out-of-order events buffered per origin.
	MaxWaitingPerOrigin int `json:"max_waiting_per_origin" env:"MAX_WAITING_PER_ORIGIN"`
}

type EngineConfig struct {
	MaxWriters           int64 `json:"max_writers" env:"MAX_WRITERS"`
	MaxResolveIterations int   `json:"max_resolve_iterations" env:"MAX_RESOLVE_ITERATIONS"`
	StateCacheSize       int   `json:"state_cache_size" env:"STATE_CACHE_SIZE"`
}

// TelemetryConfig configures trace export. Tracing is off while
// OTLPEndpoint is empty.
type TelemetryConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `json:"service_name" env:"SERVICE_NAME"`
	SampleRatio  float64 `json:"sample_ratio" env:"SAMPLE_RATIO"`
}

// Default returns a configuration with every tunable set.
func Default() *Config {
	fed := federation.DefaultConfig("")
	return &Config{
		SigningKeyPath: "./data/signing.key",
		DatabasePath:   "./data/concord.db",
		ListenAddress:  ":8448",
		MetricsAddress: ":9090",
		LogLevel:       "info",
		Peers:          map[string]string{},
		VerifyKeys:     map[string]map[string]string{},
		Federation: FederationConfig{
			RetryAttempts:    fed.RetryAttempts,
			RetryBaseDelay:   Duration(fed.Backoff.Base),
			RetryMaxDelay:    Duration(fed.Backoff.Max),
			RequestTimeout:   Duration(fed.RequestTimeout),
			BackfillLimit:    fed.BackfillLimit,
			MaxPDUs:          fed.MaxPDUs,
			MaxEDUs:          fed.MaxEDUs,
			SendInterval:     Duration(fed.SendInterval),
			SweepInterval:    Duration(fed.SweepInterval),
			MaxParallelSends: fed.MaxParallelSends,
			MaxMessageSize:   16 * 1000 * 1000,

			MaxWaitingPerOrigin: fed.MaxWaitingPerOrigin,
		},
		Engine: EngineConfig{
			MaxWriters:           16,
			MaxResolveIterations: 32,
			StateCacheSize:       100000,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "concord",
			SampleRatio: 1,
		},
	}
}

// LoadConfig reads path over the defaults, applies environment overrides
// and validates the result. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data over the defaults without consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any CONCORD_* variables that are set.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerName == "" {
		errs = append(errs, errors.New("server_name is required"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path is required"))
	}
	if c.ListenAddress == "" {
		errs = append(errs, errors.New("listen_address is required"))
	}
	for name, addr := range c.Peers {
		if name == "" || addr == "" {
			errs = append(errs, fmt.Errorf("peer %q: name and address are required", name))
		}
		if name == c.ServerName {
			errs = append(errs, fmt.Errorf("peer %q is this server", name))
		}
	}
	if c.TLS.Enabled() && (c.TLS.KeyFile == "" || c.TLS.CAFile == "") {
		errs = append(errs, errors.New("tls: cert_file requires key_file and ca_file"))
	}

	f := c.Federation
	if f.RetryAttempts < 1 {
		errs = append(errs, errors.New("federation.retry_attempts must be at least 1"))
	}
	if f.RetryBaseDelay <= 0 || f.RetryMaxDelay < f.RetryBaseDelay {
		errs = append(errs, errors.New("federation: retry delays must satisfy 0 < base <= max"))
	}
	if f.MaxPDUs < 1 || f.MaxPDUs > federation.DefaultMaxPDUs {
		errs = append(errs, fmt.Errorf("federation.max_pdus must be in [1, %d]", federation.DefaultMaxPDUs))
	}
	if f.MaxEDUs < 0 || f.MaxEDUs > federation.DefaultMaxEDUs {
		errs = append(errs, fmt.Errorf("federation.max_edus must be in [0, %d]", federation.DefaultMaxEDUs))
	}
	if f.BackfillLimit < 1 {
		errs = append(errs, errors.New("federation.backfill_limit must be positive"))
	}
	if f.MaxParallelSends < 1 {
		errs = append(errs, errors.New("federation.max_parallel_sends must be positive"))
	}
	if f.MaxWaitingPerOrigin < 0 {
		errs = append(errs, errors.New("federation.max_waiting_per_origin cannot be negative"))
	}
	if f.SendInterval <= 0 || f.SweepInterval <= 0 {
		errs = append(errs, errors.New("federation: send and sweep intervals must be positive"))
	}

	if c.Engine.MaxWriters < 0 || c.Engine.MaxResolveIterations < 0 || c.Engine.StateCacheSize < 0 {
		errs = append(errs, errors.New("engine limits cannot be negative"))
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio must be in [0, 1]"))
	}
	return errors.Join(errs...)
}

// FederationConfig converts the federation section for the federation
// package.
func (c *Config) FederationConfig() federation.Config {
	fed := federation.DefaultConfig(types.ServerName(c.ServerName))
	f := c.Federation
	fed.RetryAttempts = f.RetryAttempts
	fed.Backoff.Base = f.RetryBaseDelay.Std()
	fed.Backoff.Max = f.RetryMaxDelay.Std()
	fed.RequestTimeout = f.RequestTimeout.Std()
	fed.BackfillLimit = f.BackfillLimit
	fed.MaxPDUs = f.MaxPDUs
	fed.MaxEDUs = f.MaxEDUs
	fed.SendInterval = f.SendInterval.Std()
	fed.SweepInterval = f.SweepInterval.Std()
	fed.MaxParallelSends = f.MaxParallelSends
	fed.MaxWaitingPerOrigin = f.MaxWaitingPerOrigin
	return fed
}

// PeerAddresses returns Peers keyed by server name.
func (c *Config) PeerAddresses() map[types.ServerName]string {
	out := make(map[types.ServerName]string, len(c.Peers))
	for name, addr := range c.Peers {
		out[types.ServerName(name)] = addr
	}
	return out
}
