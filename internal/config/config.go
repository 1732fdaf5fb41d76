package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const DefaultDenominations = "1,2,5,10,20,50,100,500"

type Config struct {
	Port          string
	AllowedOrigin string
	DatabaseURL   string
	AutoMigrate   bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AuthSecret            string
	AccessTokenTTLMinutes int
	AdminUsername         string
	AdminPassword         string

	// Denominations is the face value ladder seeded into the register,
	// ascending and without duplicates.
	Denominations          []int64
	InvoiceCacheTTLSeconds int
	NotifyChannel          string
	LowStockThreshold      int

	LogLevel  string
	LogFormat string
	LogOutput string
}

// Load reads an optional config.{toml,yaml} from the working directory or
// /etc/billing, then lets environment variables override every key.
func Load() (Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/billing")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	v.AutomaticEnv()
	applyDefaults(v)

	denominations, err := ParseDenominations(v.GetString("denominations"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port:                   v.GetString("port"),
		AllowedOrigin:          v.GetString("allowed_origin"),
		DatabaseURL:            strings.TrimSpace(v.GetString("database_url")),
		AutoMigrate:            v.GetBool("auto_migrate"),
		RedisAddr:              strings.TrimSpace(v.GetString("redis_addr")),
		RedisPassword:          v.GetString("redis_password"),
		RedisDB:                v.GetInt("redis_db"),
		AuthSecret:             strings.TrimSpace(v.GetString("auth_secret")),
		AccessTokenTTLMinutes:  v.GetInt("access_token_ttl_minutes"),
		AdminUsername:          strings.TrimSpace(v.GetString("admin_username")),
		AdminPassword:          v.GetString("admin_password"),
		Denominations:          denominations,
		InvoiceCacheTTLSeconds: v.GetInt("invoice_cache_ttl_seconds"),
		NotifyChannel:          strings.TrimSpace(v.GetString("notify_channel")),
		LowStockThreshold:      v.GetInt("low_stock_threshold"),
		LogLevel:               v.GetString("log_level"),
		LogFormat:              v.GetString("log_format"),
		LogOutput:              v.GetString("log_output"),
	}

	if cfg.AccessTokenTTLMinutes < 1 {
		cfg.AccessTokenTTLMinutes = 480
	}
	if cfg.InvoiceCacheTTLSeconds < 1 {
		cfg.InvoiceCacheTTLSeconds = 3600
	}
	if cfg.AdminUsername == "" {
		cfg.AdminUsername = "admin"
	}
	return cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("allowed_origin", "http://127.0.0.1:3000")
	v.SetDefault("auto_migrate", false)
	v.SetDefault("redis_db", 0)
	v.SetDefault("access_token_ttl_minutes", 480)
	v.SetDefault("admin_username", "admin")
	v.SetDefault("denominations", DefaultDenominations)
	v.SetDefault("invoice_cache_ttl_seconds", 3600)
	v.SetDefault("notify_channel", "billing.invoices")
	v.SetDefault("low_stock_threshold", 10)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_output", "stdout")
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) InvoiceCacheTTL() time.Duration {
	return time.Duration(c.InvoiceCacheTTLSeconds) * time.Second
}

// ParseDenominations parses a comma separated list of positive face values.
func ParseDenominations(raw string) ([]int64, error) {
	seen := make(map[int64]struct{})
	values := make([]int64, 0, 8)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		value, err := strconv.ParseInt(part, 10, 64)
		if err != nil || value <= 0 {
			return nil, fmt.Errorf("invalid denomination %q: must be a positive integer", part)
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		values = append(values, value)
	}
	if len(values) == 0 {
		return nil, errors.New("at least one denomination must be configured")
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	return values, nil
}
