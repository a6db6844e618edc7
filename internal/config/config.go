package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	UnknownModeDeny       = "deny"
	UnknownModeComplement = "complement"

	envPrefix      = "AEGIS"
	configBaseName = "aegis-authz"
)

// Config holds server configuration
type Config struct {
	// Server settings
	Port     int
	Host     string
	GRPCPort int // 0 disables the gRPC listener

	// Policy settings
	PolicyDirectory string
	ReloadInterval  time.Duration // 0 disables polling
	ReloadBurst     int
	CostLimit       uint64
	UnknownMode     string

	// Audit settings
	AuditDatabase string // empty disables auditing

	// Control plane settings
	RedisAddr    string
	RedisChannel string

	// Operational settings
	LogLevel                string
	GracefulShutdownTimeout time.Duration
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	if c.GRPCPort != 0 && c.GRPCPort == c.Port {
		return fmt.Errorf("gRPC port must differ from HTTP port %d", c.Port)
	}

	if c.PolicyDirectory == "" {
		return fmt.Errorf("policy directory is required")
	}

	if c.ReloadInterval < 0 {
		return fmt.Errorf("reload interval must not be negative")
	}

	if c.ReloadBurst < 1 {
		return fmt.Errorf("reload burst must be at least 1, got %d", c.ReloadBurst)
	}

	if c.UnknownMode != UnknownModeDeny && c.UnknownMode != UnknownModeComplement {
		return fmt.Errorf("unknown mode must be '%s' or '%s'", UnknownModeDeny, UnknownModeComplement)
	}

	if c.RedisChannel == "" && c.RedisAddr != "" {
		return fmt.Errorf("redis channel required when redis address is set")
	}

	return nil
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Port:                    8080,
		Host:                    "0.0.0.0",
		PolicyDirectory:         "policies",
		ReloadInterval:          30 * time.Second,
		ReloadBurst:             3,
		CostLimit:               10000,
		UnknownMode:             UnknownModeDeny,
		RedisChannel:            "aegis:policies:reload",
		LogLevel:                "info",
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// flagKeys maps command line flag names to configuration keys
var flagKeys = map[string]string{
	"host":             "host",
	"port":             "port",
	"grpc-port":        "grpc_port",
	"policy-dir":       "policy_dir",
	"reload-interval":  "reload_interval",
	"reload-burst":     "reload_burst",
	"cost-limit":       "cost_limit",
	"unknown-mode":     "unknown_mode",
	"audit-db":         "audit_db",
	"redis-addr":       "redis_addr",
	"redis-channel":    "redis_channel",
	"log-level":        "log_level",
	"shutdown-timeout": "shutdown_timeout",
}

// RegisterFlags defines the server flags on fs, defaulting to DefaultConfig
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()

	fs.String("config", "", "Path to a config file (yaml, json or toml)")
	fs.String("host", d.Host, "Server host")
	fs.Int("port", d.Port, "HTTP server port")
	fs.Int("grpc-port", d.GRPCPort, "gRPC server port (0 disables)")
	fs.String("policy-dir", d.PolicyDirectory, "Directory containing RBAC policy files")
	fs.String("reload-interval", FormatDuration(d.ReloadInterval), "Policy directory polling interval (0s disables)")
	fs.Int("reload-burst", d.ReloadBurst, "Manual reloads allowed in a burst")
	fs.Uint64("cost-limit", d.CostLimit, "Per-condition evaluation cost limit (0 disables)")
	fs.String("unknown-mode", d.UnknownMode, "How the gRPC interceptor treats UNKNOWN: deny or complement")
	fs.String("audit-db", d.AuditDatabase, "SQLite audit database path (empty disables)")
	fs.String("redis-addr", d.RedisAddr, "Redis address for reload notifications (empty disables)")
	fs.String("redis-channel", d.RedisChannel, "Redis pub/sub channel for reload notifications")
	fs.String("log-level", d.LogLevel, "Log level (debug, info, warn, error)")
	fs.String("shutdown-timeout", FormatDuration(d.GracefulShutdownTimeout), "Graceful shutdown timeout")
}

// Load resolves configuration from defaults, an optional config file,
// AEGIS_* environment variables and flags, in increasing precedence.
// fs may be nil.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	d := DefaultConfig()

	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("grpc_port", d.GRPCPort)
	v.SetDefault("policy_dir", d.PolicyDirectory)
	v.SetDefault("reload_interval", FormatDuration(d.ReloadInterval))
	v.SetDefault("reload_burst", d.ReloadBurst)
	v.SetDefault("cost_limit", d.CostLimit)
	v.SetDefault("unknown_mode", d.UnknownMode)
	v.SetDefault("audit_db", d.AuditDatabase)
	v.SetDefault("redis_addr", d.RedisAddr)
	v.SetDefault("redis_channel", d.RedisChannel)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("shutdown_timeout", FormatDuration(d.GracefulShutdownTimeout))

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	configFile := ""
	if fs != nil {
		if f := fs.Lookup("config"); f != nil {
			configFile = f.Value.String()
		}
		for flagName, key := range flagKeys {
			if f := fs.Lookup(flagName); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", flagName, err)
				}
			}
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(configBaseName)
		v.AddConfigPath(".")
		v.AddConfigPath("config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	reloadInterval, err := ParseDuration(v.GetString("reload_interval"))
	if err != nil {
		return Config{}, fmt.Errorf("reload_interval: %w", err)
	}
	shutdownTimeout, err := ParseDuration(v.GetString("shutdown_timeout"))
	if err != nil {
		return Config{}, fmt.Errorf("shutdown_timeout: %w", err)
	}

	cfg := Config{
		Host:                    v.GetString("host"),
		Port:                    v.GetInt("port"),
		GRPCPort:                v.GetInt("grpc_port"),
		PolicyDirectory:         v.GetString("policy_dir"),
		ReloadInterval:          reloadInterval,
		ReloadBurst:             v.GetInt("reload_burst"),
		CostLimit:               v.GetUint64("cost_limit"),
		UnknownMode:             strings.ToLower(v.GetString("unknown_mode")),
		AuditDatabase:           v.GetString("audit_db"),
		RedisAddr:               v.GetString("redis_addr"),
		RedisChannel:            v.GetString("redis_channel"),
		LogLevel:                v.GetString("log_level"),
		GracefulShutdownTimeout: shutdownTimeout,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
