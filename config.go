package rstream

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Default protocol values.
const (
	DefaultPort          = 5552
	DefaultInitialCredit = 10
	DefaultFrameMax      = 1048576
	DefaultHeartbeat     = 60 * time.Second
)

// AddressResolverConfig routes every dial through a fixed endpoint, typically a
// load balancer in front of the cluster.
//
// When enabled, the client dials the resolver endpoint repeatedly until the
// broker answering reports the address chosen from stream metadata.
type AddressResolverConfig struct {
	// Enabled turns address resolution on.
	Enabled bool `yaml:"enabled"`

	// Host and Port of the resolver endpoint. Empty Host falls back to Config.Host,
	// zero Port to Config.Port.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// BackoffConfig bounds the pause between address-resolver attempts.
type BackoffConfig struct {
	// Base is the first pause. Default: 50ms
	Base time.Duration `yaml:"base"`

	// Max caps every pause. Default: 2s
	Max time.Duration `yaml:"max"`
}

// Config is the configuration for a Client.
//
// All duration fields accept standard Go duration strings like "30s", "5m", "1h".
type Config struct {
	// Host and Port of the broker the locator connection is opened to.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// VHost is the virtual host. Default: "/"
	VHost string `yaml:"vhost"`

	// ConnectionName is reported to the broker and prefixes per-handle connection names.
	ConnectionName string `yaml:"connectionName"`

	// FrameMax is the largest frame the client proposes. The broker may lower it.
	FrameMax uint32 `yaml:"frameMax"`

	// Heartbeat is the proposed heartbeat interval.
	Heartbeat time.Duration `yaml:"heartbeat"`

	// InitialCredit is the credit granted with every subscribe. Default: 10
	InitialCredit uint16 `yaml:"initialCredit"`

	// RestartSettleDelay is how long Restart waits before reconnecting, giving the
	// cluster time to elect new leaders. Default: 5s
	RestartSettleDelay time.Duration `yaml:"restartSettleDelay"`

	// AddressResolver routes dials through a fixed endpoint.
	AddressResolver AddressResolverConfig `yaml:"addressResolver"`

	// ResolverBackoff bounds the pause between address-resolver attempts.
	ResolverBackoff BackoffConfig `yaml:"resolverBackoff"`
}

// DefaultConfig returns a Config with sensible defaults.
//
// Returns:
//   - Config: Configuration with default values
func DefaultConfig() Config {
	return Config{
		Host:               "localhost",
		Port:               DefaultPort,
		Username:           "guest",
		Password:           "guest",
		VHost:              "/",
		FrameMax:           DefaultFrameMax,
		Heartbeat:          DefaultHeartbeat,
		InitialCredit:      DefaultInitialCredit,
		RestartSettleDelay: 5 * time.Second,
		ResolverBackoff: BackoffConfig{
			Base: 50 * time.Millisecond,
			Max:  2 * time.Second,
		},
	}
}

// SetDefaults fills in missing configuration values with production defaults.
//
// Parameters:
//   - cfg: Config to apply defaults to (modified in place)
func SetDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Host == "" {
		cfg.Host = defaults.Host
	}
	if cfg.Port == 0 {
		cfg.Port = defaults.Port
	}
	if cfg.VHost == "" {
		cfg.VHost = defaults.VHost
	}
	if cfg.FrameMax == 0 {
		cfg.FrameMax = defaults.FrameMax
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = defaults.Heartbeat
	}
	if cfg.InitialCredit == 0 {
		cfg.InitialCredit = defaults.InitialCredit
	}
	if cfg.RestartSettleDelay == 0 {
		cfg.RestartSettleDelay = defaults.RestartSettleDelay
	}
	if cfg.ResolverBackoff.Base == 0 {
		cfg.ResolverBackoff.Base = defaults.ResolverBackoff.Base
	}
	if cfg.ResolverBackoff.Max == 0 {
		cfg.ResolverBackoff.Max = defaults.ResolverBackoff.Max
	}
	// Username/Password are left empty on purpose: anonymous brokers exist.
}

// Validate checks configuration constraints and returns error for invalid values.
//
// Hard Validation Rules:
//   - Host is set and 0 < Port <= 65535
//   - AddressResolver.Port, when set, is a valid port
//   - InitialCredit > 0 (a subscription without credit never receives data)
//   - RestartSettleDelay >= 0
//   - ResolverBackoff.Max >= ResolverBackoff.Base
//
// Returns:
//   - error: Validation error wrapping ErrInvalidConfig, nil if valid
func (cfg *Config) Validate() error {
	if cfg.Host == "" {
		return fmt.Errorf("%w: Host is required", ErrInvalidConfig)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("%w: Port (%d) must be in 1..65535", ErrInvalidConfig, cfg.Port)
	}
	if cfg.AddressResolver.Port < 0 || cfg.AddressResolver.Port > 65535 {
		return fmt.Errorf("%w: AddressResolver.Port (%d) must be in 0..65535", ErrInvalidConfig, cfg.AddressResolver.Port)
	}
	if cfg.InitialCredit == 0 {
		return fmt.Errorf("%w: InitialCredit must be > 0", ErrInvalidConfig)
	}
	if cfg.RestartSettleDelay < 0 {
		return fmt.Errorf("%w: RestartSettleDelay must be >= 0, got %v", ErrInvalidConfig, cfg.RestartSettleDelay)
	}
	if cfg.ResolverBackoff.Max < cfg.ResolverBackoff.Base {
		return fmt.Errorf(
			"%w: ResolverBackoff.Max (%v) must be >= ResolverBackoff.Base (%v)",
			ErrInvalidConfig, cfg.ResolverBackoff.Max, cfg.ResolverBackoff.Base,
		)
	}

	return nil
}

// ValidateWithWarnings logs warnings for non-recommended values.
//
// This is called after Validate() in Connect() to provide operator guidance.
//
// Parameters:
//   - logger: Logger instance for warning output
func (cfg *Config) ValidateWithWarnings(logger Logger) {
	if cfg.InitialCredit > 100 {
		logger.Warn(
			"InitialCredit is high, the broker may push far ahead of slow handlers",
			"initialCredit", cfg.InitialCredit,
			"recommended", DefaultInitialCredit,
		)
	}

	if cfg.RestartSettleDelay > 0 && cfg.RestartSettleDelay < time.Second {
		logger.Warn(
			"RestartSettleDelay is very short, restarts may race leader election",
			"restartSettleDelay", cfg.RestartSettleDelay,
			"recommended", "5s",
		)
	}

	if cfg.AddressResolver.Enabled && cfg.AddressResolver.Host == "" {
		logger.Warn(
			"address resolver enabled without a host, dialing Config.Host",
			"host", cfg.Host,
		)
	}
}

// resolverEndpoint returns the address every dial goes to when the resolver is enabled.
func (cfg *Config) resolverEndpoint() (string, int) {
	host, port := cfg.AddressResolver.Host, cfg.AddressResolver.Port
	if host == "" {
		host = cfg.Host
	}
	if port == 0 {
		port = cfg.Port
	}

	return host, port
}

// LoadConfig parses a YAML document into a Config and applies defaults.
//
// Parameters:
//   - data: YAML document
//
// Returns:
//   - *Config: Parsed configuration with defaults applied
//   - error: Parse error wrapping ErrInvalidConfig
//
// Example:
//
//	data, _ := os.ReadFile("rstream.yaml")
//	cfg, err := rstream.LoadConfig(data)
func LoadConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	SetDefaults(&cfg)

	return &cfg, nil
}

// TestConfig returns a configuration optimized for fast test execution.
//
// Returns:
//   - Config: Configuration with fast timings for tests
//
// Example:
//
//	cfg := rstream.TestConfig()
//	client, err := rstream.Connect(ctx, &cfg, cluster.Dialer())
func TestConfig() Config {
	cfg := DefaultConfig()

	cfg.RestartSettleDelay = 10 * time.Millisecond // 500x faster
	cfg.ResolverBackoff.Base = time.Millisecond
	cfg.ResolverBackoff.Max = 5 * time.Millisecond

	return cfg
}
