package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultConfigName   = "config.json"
	defaultDatabaseFile = "unimanager.db"
	defaultIdentityFile = "identity.age"
	defaultListenAddr   = "127.0.0.1:8080"
	envPrefix           = "UNIMANAGER_"
)

type Config struct {
	DatabasePath string `json:"database_path"`
	ListenAddr   string `json:"listen_addr"`
	APIToken     string `json:"api_token"`
	IdentityPath string `json:"identity_path"`

	BillingCycleMinutes int `json:"billing_cycle_minutes"`
	BalanceSweepMinutes int `json:"balance_sweep_minutes"`
	HealthPollMinutes   int `json:"health_poll_minutes"`

	HypervisorTimeoutSeconds int `json:"hypervisor_timeout_seconds"`
	TestTimeoutSeconds       int `json:"test_timeout_seconds"`

	EnableAutoBilling   bool   `json:"enable_auto_billing"`
	EnableAutoShutdown  bool   `json:"enable_auto_shutdown"`
	LowBalanceThreshold string `json:"low_balance_threshold"`

	NATSURL     string `json:"nats_url"`
	NATSSubject string `json:"nats_subject"`
	AuditBuffer int    `json:"audit_buffer"`

	LogLevel string `json:"log_level"`
	Dev      bool   `json:"dev"`
}

// DefaultDir is the directory holding config.json, the database and the
// age identity unless overridden.
func DefaultDir() (string, error) {
	if dir := os.Getenv(envPrefix + "HOME"); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "unimanager"), nil
}

func Default(configDir string) Config {
	return Config{
		DatabasePath:             filepath.Join(configDir, defaultDatabaseFile),
		ListenAddr:               defaultListenAddr,
		IdentityPath:             filepath.Join(configDir, defaultIdentityFile),
		BillingCycleMinutes:      60,
		BalanceSweepMinutes:      10,
		HealthPollMinutes:        5,
		HypervisorTimeoutSeconds: 30,
		TestTimeoutSeconds:       10,
		EnableAutoBilling:        true,
		EnableAutoShutdown:       true,
		LowBalanceThreshold:      "10.00",
		NATSSubject:              "unimanager.audit",
		AuditBuffer:              256,
		LogLevel:                 "info",
	}
}

// LoadConfig reads config.json from configDir, writing a default one on
// first use, then applies UNIMANAGER_* environment overrides.
func LoadConfig(configDir string) (Config, error) {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return Config{}, err
	}

	configPath := filepath.Join(configDir, defaultConfigName)

	var cfg Config
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg, err = createDefaultConfig(configPath, configDir)
		if err != nil {
			return Config{}, err
		}
	} else {
		file, err := os.ReadFile(configPath)
		if err != nil {
			return Config{}, err
		}
		cfg = Default(configDir)
		if err := json.Unmarshal(file, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", configPath, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func createDefaultConfig(configPath, configDir string) (Config, error) {
	cfg := Default(configDir)

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return Config{}, err
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"DATABASE_PATH":         &cfg.DatabasePath,
		"LISTEN_ADDR":           &cfg.ListenAddr,
		"API_TOKEN":             &cfg.APIToken,
		"IDENTITY_PATH":         &cfg.IdentityPath,
		"LOW_BALANCE_THRESHOLD": &cfg.LowBalanceThreshold,
		"NATS_URL":              &cfg.NATSURL,
		"NATS_SUBJECT":          &cfg.NATSSubject,
		"LOG_LEVEL":             &cfg.LogLevel,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"BILLING_CYCLE_MINUTES":      &cfg.BillingCycleMinutes,
		"BALANCE_SWEEP_MINUTES":      &cfg.BalanceSweepMinutes,
		"HEALTH_POLL_MINUTES":        &cfg.HealthPollMinutes,
		"HYPERVISOR_TIMEOUT_SECONDS": &cfg.HypervisorTimeoutSeconds,
		"TEST_TIMEOUT_SECONDS":       &cfg.TestTimeoutSeconds,
		"AUDIT_BUFFER":               &cfg.AuditBuffer,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = n
	}

	bools := map[string]*bool{
		"ENABLE_AUTO_BILLING":  &cfg.EnableAutoBilling,
		"ENABLE_AUTO_SHUTDOWN": &cfg.EnableAutoShutdown,
		"DEV":                  &cfg.Dev,
	}
	for key, dst := range bools {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = b
	}
	return nil
}

func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	for name, v := range map[string]int{
		"billing_cycle_minutes":      c.BillingCycleMinutes,
		"balance_sweep_minutes":      c.BalanceSweepMinutes,
		"health_poll_minutes":        c.HealthPollMinutes,
		"hypervisor_timeout_seconds": c.HypervisorTimeoutSeconds,
		"test_timeout_seconds":       c.TestTimeoutSeconds,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.AuditBuffer < 0 {
		return fmt.Errorf("audit_buffer must not be negative")
	}
	if _, err := c.LowBalance(); err != nil {
		return err
	}
	return nil
}

func (c Config) LowBalance() (decimal.Decimal, error) {
	if c.LowBalanceThreshold == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(c.LowBalanceThreshold)
	if err != nil {
		return decimal.Zero, fmt.Errorf("low_balance_threshold: %w", err)
	}
	return d, nil
}

func (c Config) BillingInterval() time.Duration {
	return time.Duration(c.BillingCycleMinutes) * time.Minute
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.BalanceSweepMinutes) * time.Minute
}

func (c Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthPollMinutes) * time.Minute
}

func (c Config) HypervisorTimeout() time.Duration {
	return time.Duration(c.HypervisorTimeoutSeconds) * time.Second
}

func (c Config) TestTimeout() time.Duration {
	return time.Duration(c.TestTimeoutSeconds) * time.Second
}
