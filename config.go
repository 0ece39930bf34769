package scrapequota

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level quota engine configuration.
type Config struct {
	MonthlyQuota int `yaml:"monthly_quota"`
	DailyQuota   int `yaml:"daily_quota"`

	// WarningThreshold is the monthly usage fraction above which soft caps
	// start to bind and allowed decisions are flagged. EmergencyThreshold is
	// the fraction at which the circuit breaker trips for non-critical work.
	WarningThreshold   float64 `yaml:"warning_threshold"`
	EmergencyThreshold float64 `yaml:"emergency_threshold"`

	CircuitBreakerEnabled      bool `yaml:"circuit_breaker_enabled"`
	CircuitBreakerResetSeconds int  `yaml:"circuit_breaker_reset_seconds"`

	// PriorityAllocation and CategoryAllocation map to fractions of
	// MonthlyQuota. Fractions are advisory caps, not reservations, and need
	// not sum to 1.0. Only configured entries bind.
	PriorityAllocation map[Priority]float64 `yaml:"priority_allocation"`
	CategoryAllocation map[string]float64   `yaml:"category_allocation"`

	// Flush policy: persist state after every FlushEvery records, or when
	// FlushIntervalSeconds has elapsed since the last flush, whichever comes
	// first. Rollover always flushes immediately.
	FlushEvery           int `yaml:"flush_every"`
	FlushIntervalSeconds int `yaml:"flush_interval_seconds"`

	StatePath string `yaml:"state_path"`

	// TaskTypes registers distributor mappings at construction.
	TaskTypes []TaskTypeConfig `yaml:"task_types"`
}

// TaskTypeConfig maps a task type name to its quota priority and category.
type TaskTypeConfig struct {
	Name     string   `yaml:"name"`
	Priority Priority `yaml:"priority"`
	Category string   `yaml:"category"`
}

// CircuitBreakerResetDuration returns the configured breaker cooldown.
func (c Config) CircuitBreakerResetDuration() time.Duration {
	return time.Duration(c.CircuitBreakerResetSeconds) * time.Second
}

// FlushInterval returns the configured time-based flush period.
func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}

// DefaultConfig returns a Config with production defaults for a metered
// scraping proxy plan.
func DefaultConfig() Config {
	return Config{
		MonthlyQuota:               50000,
		DailyQuota:                 2000,
		WarningThreshold:           0.8,
		EmergencyThreshold:         0.95,
		CircuitBreakerEnabled:      true,
		CircuitBreakerResetSeconds: 3600,
		PriorityAllocation: map[Priority]float64{
			PriorityCritical:   0.10,
			PriorityHigh:       0.30,
			PriorityMedium:     0.35,
			PriorityLow:        0.15,
			PriorityBackground: 0.10,
		},
		CategoryAllocation:   map[string]float64{},
		FlushEvery:           20,
		FlushIntervalSeconds: 300,
	}
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("scrapequota: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("scrapequota: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.MonthlyQuota <= 0 {
		return fmt.Errorf("scrapequota: config: monthly_quota must be positive")
	}
	if c.DailyQuota <= 0 {
		return fmt.Errorf("scrapequota: config: daily_quota must be positive")
	}
	if c.WarningThreshold <= 0 || c.WarningThreshold > 1 {
		return fmt.Errorf("scrapequota: config: warning_threshold must be in (0,1]")
	}
	if c.EmergencyThreshold <= 0 || c.EmergencyThreshold > 1 {
		return fmt.Errorf("scrapequota: config: emergency_threshold must be in (0,1]")
	}
	if c.EmergencyThreshold < c.WarningThreshold {
		return fmt.Errorf("scrapequota: config: emergency_threshold %.2f below warning_threshold %.2f",
			c.EmergencyThreshold, c.WarningThreshold)
	}
	if c.CircuitBreakerEnabled && c.CircuitBreakerResetSeconds <= 0 {
		return fmt.Errorf("scrapequota: config: circuit_breaker_reset_seconds must be positive when the breaker is enabled")
	}

	for p, frac := range c.PriorityAllocation {
		if _, ok := priorityNames[p]; !ok {
			return fmt.Errorf("scrapequota: config: priority_allocation: unknown priority %d", int(p))
		}
		if frac < 0 || frac > 1 {
			return fmt.Errorf("scrapequota: config: priority_allocation[%s] must be in [0,1]", p)
		}
	}
	for cat, frac := range c.CategoryAllocation {
		if cat == "" {
			return fmt.Errorf("scrapequota: config: category_allocation: empty category name")
		}
		if frac < 0 || frac > 1 {
			return fmt.Errorf("scrapequota: config: category_allocation[%s] must be in [0,1]", cat)
		}
	}

	if c.FlushEvery < 0 {
		return fmt.Errorf("scrapequota: config: flush_every must not be negative")
	}
	if c.FlushIntervalSeconds < 0 {
		return fmt.Errorf("scrapequota: config: flush_interval_seconds must not be negative")
	}

	seen := make(map[string]bool, len(c.TaskTypes))
	for i, tt := range c.TaskTypes {
		if tt.Name == "" {
			return fmt.Errorf("scrapequota: config: task_types[%d]: name is required", i)
		}
		if seen[tt.Name] {
			return fmt.Errorf("scrapequota: config: duplicate task type %q", tt.Name)
		}
		seen[tt.Name] = true
	}

	return nil
}
