// Package config loads engine settings from defaults, an optional YAML file
// (EDGEFLEET_CONFIG) and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	alertapp "edgefleet/internal/alerts/application"
	alerts "edgefleet/internal/alerts/domain"
	devices "edgefleet/internal/devices/domain"
	health "edgefleet/internal/health/domain"
	installation "edgefleet/internal/installation/domain"
)

// Config is the engine configuration.
type Config struct {
	HTTPAddr     string             `yaml:"http_addr"`
	DatabaseURL  string             `yaml:"database_url"`
	Log          LogConfig          `yaml:"log"`
	Auth         AuthConfig         `yaml:"auth"`
	Devices      devices.Profiles   `yaml:"devices"`
	Installation InstallationConfig `yaml:"installation"`
	Health       HealthConfig       `yaml:"health"`
	Alerts       AlertsConfig       `yaml:"alerts"`
	Notify       NotifyConfig       `yaml:"notify"`
	Redis        RedisConfig        `yaml:"redis"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Predictive   PredictiveConfig   `yaml:"predictive"`
}

// LogConfig selects zap level and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuthConfig holds operator and device secrets.
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	IngestSecret  string        `yaml:"ingest_secret"`
	IngestMaxSkew time.Duration `yaml:"ingest_max_skew"`
}

// InstallationConfig configures the validator and its probes.
type InstallationConfig struct {
	Catalog      installation.Catalog `yaml:"catalog"`
	ProbeTimeout time.Duration        `yaml:"probe_timeout"`
	MasterData   MasterDataConfig     `yaml:"master_data"`
}

// MasterDataConfig points at the store master-data service.
type MasterDataConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// HealthConfig tunes classification.
type HealthConfig struct {
	HysteresisSamples int `yaml:"hysteresis_samples"`
}

// AlertsConfig tunes the alert lifecycle.
type AlertsConfig struct {
	Escalation alertapp.EscalationPolicy `yaml:"escalation"`
}

// NotifyConfig configures outbound alert channels. Empty targets are disabled.
type NotifyConfig struct {
	WebhookURL        string        `yaml:"webhook_url"`
	Template          string        `yaml:"template"`
	RatePerSecond     float64       `yaml:"rate_per_second"`
	Burst             int           `yaml:"burst"`
	DedupeWindow      time.Duration `yaml:"dedupe_window"`
	QueueSize         int           `yaml:"queue_size"`
	Timeout           time.Duration `yaml:"timeout"`
	NATSURL           string        `yaml:"nats_url"`
	NATSPrefix        string        `yaml:"nats_prefix"`
	RedisStream       string        `yaml:"redis_stream"`
	RedisStreamMaxLen int64         `yaml:"redis_stream_max_len"`
	// Events and MinSeverity limit what reaches the outbound channels. The SSE stream sees everything.
	Events      []string `yaml:"events"`
	MinSeverity string   `yaml:"min_severity"`
}

// RedisConfig is shared by the notification stream and the fleet cache.
type RedisConfig struct {
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	SummaryTTL time.Duration `yaml:"summary_ttl"`
}

// MQTTConfig enables the MQTT telemetry subscriber when Broker is set.
type MQTTConfig struct {
	Broker   string        `yaml:"broker"`
	ClientID string        `yaml:"client_id"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	QoS      byte          `yaml:"qos"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SchedulerConfig sets sweep cadences.
type SchedulerConfig struct {
	OfflineSweep    time.Duration `yaml:"offline_sweep"`
	EscalationSweep time.Duration `yaml:"escalation_sweep"`
}

// PredictiveConfig tunes forecasts.
type PredictiveConfig struct {
	Window      time.Duration `yaml:"window"`
	Concurrency int           `yaml:"concurrency"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		Log:      LogConfig{Level: "info", Format: "json"},
		Auth:     AuthConfig{IngestMaxSkew: 5 * time.Minute},
		Installation: InstallationConfig{
			Catalog:      installation.Catalog{Default: installation.DefaultRequirements()},
			ProbeTimeout: 30 * time.Second,
			MasterData:   MasterDataConfig{Timeout: 10 * time.Second},
		},
		Health: HealthConfig{HysteresisSamples: health.DefaultHysteresisSamples},
		Alerts: AlertsConfig{Escalation: alertapp.DefaultEscalationPolicy()},
		Notify: NotifyConfig{
			RatePerSecond: 5,
			Burst:         10,
			DedupeWindow:  10 * time.Minute,
			QueueSize:     256,
			Timeout:       5 * time.Second,
			NATSPrefix:    "edgefleet.alerts",
		},
		Redis:      RedisConfig{SummaryTTL: 30 * time.Second},
		MQTT:       MQTTConfig{ClientID: "edgefleet-engine", QoS: 1, Timeout: 10 * time.Second},
		Scheduler:  SchedulerConfig{OfflineSweep: time.Minute, EscalationSweep: time.Minute},
		Predictive: PredictiveConfig{Window: 7 * 24 * time.Hour, Concurrency: 4},
	}
}

// Load reads .env when present, then EDGEFLEET_CONFIG, then environment overrides.
func Load() (Config, error) {
	_ = godotenv.Load()
	return LoadFile(os.Getenv("EDGEFLEET_CONFIG"))
}

// LoadFile loads path (optional) over the defaults and applies environment overrides.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

// Validate checks required settings.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("config: DATABASE_URL or PG_DSN is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("config: AUTH_JWT_SECRET is required"))
	}
	if c.Auth.IngestSecret == "" {
		errs = append(errs, errors.New("config: INGEST_HMAC_SECRET is required"))
	}
	if c.Notify.MinSeverity != "" && !alerts.Severity(c.Notify.MinSeverity).Valid() {
		errs = append(errs, fmt.Errorf("config: unknown notify min_severity %q", c.Notify.MinSeverity))
	}
	return errors.Join(errs...)
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DatabaseURL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", cfg.DatabaseURL))
	cfg.Log.Level = getenvDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenvDefault("LOG_FORMAT", cfg.Log.Format)
	cfg.Auth.JWTSecret = getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", cfg.Auth.JWTSecret))
	cfg.Auth.IngestSecret = getenvDefault("INGEST_HMAC_SECRET", cfg.Auth.IngestSecret)
	cfg.Auth.IngestMaxSkew = getenvDuration("INGEST_MAX_SKEW", cfg.Auth.IngestMaxSkew)
	cfg.Installation.MasterData.BaseURL = getenvDefault("MASTERDATA_BASE_URL", cfg.Installation.MasterData.BaseURL)
	cfg.Installation.MasterData.Token = getenvDefault("MASTERDATA_TOKEN", cfg.Installation.MasterData.Token)
	cfg.Notify.WebhookURL = getenvDefault("ALERT_WEBHOOK_URL", cfg.Notify.WebhookURL)
	cfg.Notify.NATSURL = getenvDefault("NATS_URL", cfg.Notify.NATSURL)
	cfg.Notify.MinSeverity = getenvDefault("ALERT_NOTIFY_MIN_SEVERITY", cfg.Notify.MinSeverity)
	if events := os.Getenv("ALERT_NOTIFY_EVENTS"); events != "" {
		cfg.Notify.Events = nil
		for _, name := range strings.Split(events, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.Notify.Events = append(cfg.Notify.Events, name)
			}
		}
	}
	cfg.Redis.Addr = getenvDefault("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getenvDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getenvIntDefault("REDIS_DB", cfg.Redis.DB)
	cfg.MQTT.Broker = getenvDefault("MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.Username = getenvDefault("MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = getenvDefault("MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.Scheduler.OfflineSweep = getenvDuration("OFFLINE_SWEEP_INTERVAL", cfg.Scheduler.OfflineSweep)
	cfg.Scheduler.EscalationSweep = getenvDuration("ESCALATION_SWEEP_INTERVAL", cfg.Scheduler.EscalationSweep)
	if redisStream := os.Getenv("ALERT_REDIS_STREAM"); redisStream != "" {
		cfg.Notify.RedisStream = strings.TrimSpace(redisStream)
	}
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
