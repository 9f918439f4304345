// Package config loads the recognized service options from the environment
// (and an optional config file) with sensible defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration surface of the coordination service.
type Config struct {
	Service  ServiceConfig
	Server   ServerConfig
	Database DatabaseConfig
	NATS     NATSConfig
	Gateway  GatewayConfig
	Policy   PolicyConfig
	Workers  WorkerConfig
}

type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
	LogLevel    string
}

type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	URL string
}

type NATSConfig struct {
	URL string
}

// GatewayConfig configures the external messaging gateway adapter.
type GatewayConfig struct {
	BaseURL     string
	OrgID       string
	APIKey      string
	CountryCode string
	CallTimeout time.Duration
}

// PolicyConfig holds the governance and coordination thresholds. All of
// these are overridable without code change.
type PolicyConfig struct {
	AutoObserveFlagThreshold int
	PauseRecommendDisputes   int
	HealthyResponseRate      float64
	BroadcastExpiry          time.Duration
	FollowupDelay            time.Duration
	OTPLockDuration          time.Duration
	OTPMaxAttempts           int
	StalledRequestAge        time.Duration
	SilentBroadcastAge       time.Duration
}

type WorkerConfig struct {
	ExpirySweepInterval   time.Duration
	FollowupSweepInterval time.Duration
	SyncRetryInterval     time.Duration
	SyncMaxAttempts       int
}

// Load reads configuration from the environment (COORD_ prefix) and, when
// present, a coordination.yaml file in the working directory.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("service.name", "be-coordination")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")
	v.SetDefault("service.log_level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("nats.url", "")

	v.SetDefault("gateway.base_url", "")
	v.SetDefault("gateway.org_id", "")
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.country_code", "974")
	v.SetDefault("gateway.call_timeout", 10*time.Second)

	v.SetDefault("policy.auto_observe_flag_threshold", 3)
	v.SetDefault("policy.pause_recommend_disputes", 2)
	v.SetDefault("policy.healthy_response_rate", 0.5)
	v.SetDefault("policy.broadcast_expiry", 30*time.Minute)
	v.SetDefault("policy.followup_delay", 24*time.Hour)
	v.SetDefault("policy.otp_lock_duration", 15*time.Minute)
	v.SetDefault("policy.otp_max_attempts", 5)
	v.SetDefault("policy.stalled_request_age", 2*time.Hour)
	v.SetDefault("policy.silent_broadcast_age", 1*time.Hour)

	v.SetDefault("workers.expiry_sweep_interval", 30*time.Second)
	v.SetDefault("workers.followup_sweep_interval", 5*time.Minute)
	v.SetDefault("workers.sync_retry_interval", 1*time.Minute)
	v.SetDefault("workers.sync_max_attempts", 5)

	v.SetEnvPrefix("COORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("coordination")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		Service: ServiceConfig{
			Name:        v.GetString("service.name"),
			Version:     v.GetString("service.version"),
			Environment: v.GetString("service.environment"),
			LogLevel:    v.GetString("service.log_level"),
		},
		Server: ServerConfig{
			Port:            v.GetInt("server.port"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			IdleTimeout:     v.GetDuration("server.idle_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Database: DatabaseConfig{URL: v.GetString("database.url")},
		NATS:     NATSConfig{URL: v.GetString("nats.url")},
		Gateway: GatewayConfig{
			BaseURL:     v.GetString("gateway.base_url"),
			OrgID:       v.GetString("gateway.org_id"),
			APIKey:      v.GetString("gateway.api_key"),
			CountryCode: v.GetString("gateway.country_code"),
			CallTimeout: v.GetDuration("gateway.call_timeout"),
		},
		Policy: PolicyConfig{
			AutoObserveFlagThreshold: v.GetInt("policy.auto_observe_flag_threshold"),
			PauseRecommendDisputes:   v.GetInt("policy.pause_recommend_disputes"),
			HealthyResponseRate:      v.GetFloat64("policy.healthy_response_rate"),
			BroadcastExpiry:          v.GetDuration("policy.broadcast_expiry"),
			FollowupDelay:            v.GetDuration("policy.followup_delay"),
			OTPLockDuration:          v.GetDuration("policy.otp_lock_duration"),
			OTPMaxAttempts:           v.GetInt("policy.otp_max_attempts"),
			StalledRequestAge:        v.GetDuration("policy.stalled_request_age"),
			SilentBroadcastAge:       v.GetDuration("policy.silent_broadcast_age"),
		},
		Workers: WorkerConfig{
			ExpirySweepInterval:   v.GetDuration("workers.expiry_sweep_interval"),
			FollowupSweepInterval: v.GetDuration("workers.followup_sweep_interval"),
			SyncRetryInterval:     v.GetDuration("workers.sync_retry_interval"),
			SyncMaxAttempts:       v.GetInt("workers.sync_max_attempts"),
		},
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("COORD_DATABASE_URL is required")
	}
	return cfg, nil
}
