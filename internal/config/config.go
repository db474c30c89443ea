package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	// Primary (document) store and repair queue backend.
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	// Secondary (relational) store.
	DatabaseURL string `yaml:"databaseURL"`

	StoreTimeout  string `yaml:"storeTimeout"`
	HealthTimeout string `yaml:"healthTimeout"`

	SyncInterval string `yaml:"syncInterval"`
	SyncOverlap  string `yaml:"syncOverlap"`

	RepairMaxRetries  int    `yaml:"repairMaxRetries"`
	RepairRetryDelay  string `yaml:"repairRetryDelay"`
	RepairConcurrency int    `yaml:"repairConcurrency"`

	AsyncSecondaryWrites bool `yaml:"asyncSecondaryWrites"`

	TokenSecret string `yaml:"tokenSecret"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	PayloadSecret string `yaml:"payloadSecret"`

	AnonQuota         int64    `yaml:"anonQuota"`
	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs"`
}

// Load reads config from path (defaults to config.yaml) and applies env
// overrides for deployment-specific values.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("QRFORGE_TOKEN_SECRET"); v != "" {
		cfg.TokenSecret = v
	}
	if v := os.Getenv("QRFORGE_PAYLOAD_SECRET"); v != "" {
		cfg.PayloadSecret = v
	}
	if v := os.Getenv("QRFORGE_SYNC_INTERVAL"); v != "" {
		cfg.SyncInterval = strings.TrimSpace(v)
	}
	if v := os.Getenv("QRFORGE_ANON_QUOTA"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.AnonQuota = n
		}
	}
	if v := os.Getenv("QRFORGE_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required (primary store)")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (secondary store)")
	}
	if strings.TrimSpace(cfg.TokenSecret) == "" {
		return errors.New("config: tokenSecret is required (set in config.yaml or QRFORGE_TOKEN_SECRET)")
	}
	if strings.TrimSpace(cfg.PayloadSecret) == "" {
		return errors.New("config: payloadSecret is required (set in config.yaml or QRFORGE_PAYLOAD_SECRET)")
	}
	if cfg.AnonQuota < 0 {
		return errors.New("config: anonQuota must be >= 0")
	}
	if cfg.RepairMaxRetries < 0 || cfg.RepairConcurrency < 0 {
		return errors.New("config: repair settings must be >= 0")
	}
	for _, field := range []struct{ name, value string }{
		{"storeTimeout", cfg.StoreTimeout},
		{"healthTimeout", cfg.HealthTimeout},
		{"syncInterval", cfg.SyncInterval},
		{"syncOverlap", cfg.SyncOverlap},
		{"repairRetryDelay", cfg.RepairRetryDelay},
		{"jwtLeeway", cfg.JWTLeeway},
	} {
		if _, err := ParseDuration(field.value); err != nil {
			return fmt.Errorf("config: invalid %s: %w", field.name, err)
		}
	}
	return nil
}

// ParseDuration parses an optional duration string; empty means zero,
// which callers interpret as "use the default".
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

// MustDuration is ParseDuration for already-validated config values.
func MustDuration(raw string) time.Duration {
	d, _ := ParseDuration(raw)
	return d
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
