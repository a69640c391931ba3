// Package config handles the core's own configuration: grid geometry,
// fund-accounting tolerances, lock timeouts, and persistence-retry policy.
// Exchange credentials, CLI flags and transport settings belong to the
// collaborator processes that implement the consumed interfaces and are
// out of scope here.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for one running grid core.
type Config struct {
	Symbol      string            `yaml:"symbol" validate:"required"`
	Geometry    GeometryConfig    `yaml:"geometry"`
	Accounting  AccountingConfig  `yaml:"accounting"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Persistence PersistenceConfig `yaml:"persistence"`
	System      SystemConfig      `yaml:"system"`
}

// GeometryConfig describes the grid's price ladder.
type GeometryConfig struct {
	PriceInterval  float64 `yaml:"price_interval" validate:"required,min=0"`
	OrderSize      float64 `yaml:"order_size" validate:"required,min=0.00001"`
	BuyWindowSize  int     `yaml:"buy_window_size" validate:"required,min=1,max=500"`
	SellWindowSize int     `yaml:"sell_window_size" validate:"required,min=1,max=500"`
	PriceDecimals  int32   `yaml:"price_decimals" validate:"min=0,max=18"`
	QtyDecimals    int32   `yaml:"qty_decimals" validate:"min=0,max=18"`
}

// AccountingConfig tunes the fund model's tolerances and fee handling.
type AccountingConfig struct {
	// FeeReservationMultiplier must be >= 4 and is copied into
	// accountant.Config; the Accountant does not apply it when computing
	// Available() or when deducting fees.
	FeeReservationMultiplier float64 `yaml:"fee_reservation_multiplier" validate:"min=4"`
	// MinSpreadAvailableFactor is the multiple of dust size the Accountant
	// must see available before a spread correction is allowed to proceed.
	MinSpreadAvailableFactor float64 `yaml:"min_spread_available_factor" validate:"min=1"`
	// RelativeSlack and EpsilonPrice feed the Sync Engine's price
	// tolerance formula.
	RelativeSlack float64 `yaml:"relative_slack" validate:"min=0"`
	EpsilonPrice  float64 `yaml:"epsilon_price" validate:"min=0"`
	PersistRetry  RetryConfig `yaml:"persist_retry"`
}

// RetryConfig holds persistence-retry settings (3 attempts, exponential
// backoff by default). They are loaded and validated only: the
// Accountant and Manager build their retry policy from
// retrypolicy.DefaultPersistenceConfig() and do not read these fields.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" validate:"min=1,max=10"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// ConcurrencyConfig tunes the orchestrator's lock registry and pipeline
// timeouts.
type ConcurrencyConfig struct {
	LockTimeoutMS     int `yaml:"lock_timeout_ms" validate:"required,min=1"`
	PipelineTimeoutMS int `yaml:"pipeline_timeout_ms" validate:"required,min=1"`
	NotifyPoolSize    int `yaml:"notify_pool_size" validate:"min=1,max=64"`
}

// PersistenceConfig points at the reference SQLite adapter.
type PersistenceConfig struct {
	DSN string `yaml:"dsn" validate:"required"`
}

// SystemConfig contains ambient process settings.
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// ValidationError describes one failed field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment
// variable expansion.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate performs field-level validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Symbol == "" {
		errs = append(errs, "symbol is required")
	}
	if c.Geometry.PriceInterval <= 0 {
		errs = append(errs, "geometry.price_interval must be positive")
	}
	if c.Geometry.OrderSize <= 0 {
		errs = append(errs, "geometry.order_size must be positive")
	}
	if c.Accounting.FeeReservationMultiplier < 4 {
		errs = append(errs, "accounting.fee_reservation_multiplier must be >= 4")
	}
	if c.Accounting.MinSpreadAvailableFactor < 1 {
		errs = append(errs, "accounting.min_spread_available_factor must be >= 1")
	}
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		errs = append(errs, fmt.Sprintf("system.log_level must be one of: %s", strings.Join(validLevels, ", ")))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a reasonable configuration for tests and demos.
func DefaultConfig() *Config {
	return &Config{
		Symbol: "BTC/USD",
		Geometry: GeometryConfig{
			PriceInterval:  10.0,
			OrderSize:      0.01,
			BuyWindowSize:  10,
			SellWindowSize: 10,
			PriceDecimals:  2,
			QtyDecimals:    8,
		},
		Accounting: AccountingConfig{
			FeeReservationMultiplier: 4,
			MinSpreadAvailableFactor: 2,
			RelativeSlack:            0.0005,
			EpsilonPrice:             0.01,
			PersistRetry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 50 * time.Millisecond,
				MaxDelay:     2 * time.Second,
			},
		},
		Concurrency: ConcurrencyConfig{
			LockTimeoutMS:     5000,
			PipelineTimeoutMS: 15000,
			NotifyPoolSize:    4,
		},
		Persistence: PersistenceConfig{DSN: "gridcore.db"},
		System:      SystemConfig{LogLevel: "INFO"},
	}
}
