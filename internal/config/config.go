// Package config loads runtime configuration from environment variables
// using viper, mirroring the viper-based config loading in
// evalgo-org-graphium and cklxx-elephant.ai (spec §6.5).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/taskforge/engine/internal/apperr"
)

// StorageProvider selects which storage.Backend implementation to build.
type StorageProvider string

const (
	StorageFile    StorageProvider = "file"
	StorageMongoDB StorageProvider = "mongodb"
	StorageRedis   StorageProvider = "redis"
)

// Config is the fully resolved runtime configuration (spec §6.5).
type Config struct {
	Host                     string
	Port                     int
	Mode                     string
	StorageProvider          StorageProvider
	StorageConnectionString  string
	FileDataDir              string
	FileLockTimeoutSeconds   int
	LogLevel                 string
	LogPretty                bool
	EnableAuth               bool
	SessionTimeoutSeconds    int
	DefaultMaxRetries        int
	DefaultLeaseDurationMins int
	ReaperIntervalMins       int
	SessionSecret            string
	EventsDBPath             string
}

// knownKeys is the allow-list of recognized <prefix>_* environment
// variables; Load rejects any <prefix>_* variable not in this set.
var knownKeys = []string{
	"HOST", "PORT", "MODE",
	"STORAGE_PROVIDER", "STORAGE_CONNECTION_STRING",
	"FILE_DATA_DIR", "FILE_LOCK_TIMEOUT",
	"LOG_LEVEL", "LOG_PRETTY",
	"ENABLE_AUTH", "SESSION_TIMEOUT",
	"DEFAULT_MAX_RETRIES", "DEFAULT_LEASE_DURATION", "REAPER_INTERVAL",
	"SESSION_SECRET", "EVENTS_DB_PATH",
}

// Load reads <prefix>_* environment variables into a Config, applying
// defaults for anything unset. It rejects unknown <prefix>_* keys present
// in the process environment, per spec §6.5 "unknown keys rejected".
func Load(prefix string, environ []string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.AutomaticEnv()

	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("MODE", "rpc")
	v.SetDefault("STORAGE_PROVIDER", "file")
	v.SetDefault("FILE_DATA_DIR", "./data")
	v.SetDefault("FILE_LOCK_TIMEOUT", 10)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("ENABLE_AUTH", true)
	v.SetDefault("SESSION_TIMEOUT", 86400)
	v.SetDefault("DEFAULT_MAX_RETRIES", 3)
	v.SetDefault("DEFAULT_LEASE_DURATION", 30)
	v.SetDefault("REAPER_INTERVAL", 5)
	v.SetDefault("SESSION_SECRET", "")
	v.SetDefault("EVENTS_DB_PATH", "./data/events.db")

	if err := rejectUnknownKeys(prefix, environ); err != nil {
		return nil, err
	}

	cfg := &Config{
		Host:                     v.GetString("HOST"),
		Port:                     v.GetInt("PORT"),
		Mode:                     v.GetString("MODE"),
		StorageProvider:          StorageProvider(v.GetString("STORAGE_PROVIDER")),
		StorageConnectionString:  v.GetString("STORAGE_CONNECTION_STRING"),
		FileDataDir:              v.GetString("FILE_DATA_DIR"),
		FileLockTimeoutSeconds:   v.GetInt("FILE_LOCK_TIMEOUT"),
		LogLevel:                 v.GetString("LOG_LEVEL"),
		LogPretty:                v.GetBool("LOG_PRETTY"),
		EnableAuth:               v.GetBool("ENABLE_AUTH"),
		SessionTimeoutSeconds:    v.GetInt("SESSION_TIMEOUT"),
		DefaultMaxRetries:        v.GetInt("DEFAULT_MAX_RETRIES"),
		DefaultLeaseDurationMins: v.GetInt("DEFAULT_LEASE_DURATION"),
		ReaperIntervalMins:       v.GetInt("REAPER_INTERVAL"),
		SessionSecret:            v.GetString("SESSION_SECRET"),
		EventsDBPath:             v.GetString("EVENTS_DB_PATH"),
	}

	switch cfg.StorageProvider {
	case StorageFile, StorageMongoDB, StorageRedis:
	default:
		return nil, apperr.Validationf("unknown storage provider %q", cfg.StorageProvider)
	}
	if cfg.StorageProvider != StorageFile && cfg.StorageConnectionString == "" {
		return nil, apperr.Validationf("%s_STORAGE_CONNECTION_STRING is required for provider %q", prefix, cfg.StorageProvider)
	}
	return cfg, nil
}

func rejectUnknownKeys(prefix string, environ []string) error {
	allowed := make(map[string]bool, len(knownKeys))
	for _, k := range knownKeys {
		allowed[prefix+"_"+k] = true
	}
	fullPrefix := prefix + "_"
	for _, kv := range environ {
		name := strings.SplitN(kv, "=", 2)[0]
		if !strings.HasPrefix(name, fullPrefix) {
			continue
		}
		if !allowed[name] {
			return apperr.Validationf("unknown configuration key %s", name)
		}
	}
	return nil
}

// ResolveAddr returns the "host:port" listen address.
func (c *Config) ResolveAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
