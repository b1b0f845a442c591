package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"time"
)

type Config struct {
	Port             string
	PlatformBaseURL  string
	PlatformToken    string
	PlatformTimeout  time.Duration
	MQTTBrokerURL    string
	NotifyTopic      string
	RedisAddr        string
	RedisPassword    string
	Postgres         DBConfig
	JWTPublicKeyPath string
	PollInterval     time.Duration
	PollDebounce     time.Duration
	OnlineCacheTTL   time.Duration
	Devices          []Device
	Schedules        []ScheduleEntry
	LogLevel         string
}

type DBConfig struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

// Device is one polled/controllable device binding.
type Device struct {
	GreenhouseID string `json:"greenhouse_id"`
	DeviceID     string `json:"device_id"`
}

// ScheduleEntry mirrors schedule.Entry; kept as plain JSON here so config
// stays dependency-free.
type ScheduleEntry struct {
	Spec         string `json:"spec"`
	GreenhouseID string `json:"greenhouse_id"`
	DeviceID     string `json:"device_id"`
	Method       string `json:"method"`
	Params       any    `json:"params,omitempty"`
	TimeoutMS    int    `json:"timeout_ms,omitempty"`
}

func Load() *Config {
	cfg := &Config{
		Port:             getEnv("GREENHOUSE_PORT", "8085"),
		PlatformBaseURL:  getEnv("PLATFORM_BASE_URL", "http://iot-platform:8080"),
		PlatformToken:    os.Getenv("PLATFORM_TOKEN"),
		PlatformTimeout:  getEnvDuration("PLATFORM_TIMEOUT", 30*time.Second),
		MQTTBrokerURL:    os.Getenv("MQTT_BROKER_URL"),
		NotifyTopic:      getEnv("NOTIFY_TOPIC", "greenhouse/notifications/control_action"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		JWTPublicKeyPath: os.Getenv("JWT_PUBLIC_KEY_PATH"),
		PollInterval:     getEnvDuration("POLL_INTERVAL", 5*time.Second),
		PollDebounce:     getEnvDuration("POLL_DEBOUNCE", 2*time.Second),
		OnlineCacheTTL:   getEnvDuration("ONLINE_CACHE_TTL", 10*time.Second),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		Postgres: DBConfig{
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			DBName:   getEnv("POSTGRES_DB", "greenhouse"),
			Host:     getEnv("POSTGRES_HOST", "postgres"),
			Port:     getEnv("POSTGRES_PORT", "5432"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
	}
	if v := os.Getenv("GREENHOUSE_DEVICES"); v != "" {
		if err := json.Unmarshal([]byte(v), &cfg.Devices); err != nil {
			slog.Error("GREENHOUSE_DEVICES is not valid json", "error", err)
		}
	}
	if v := os.Getenv("GREENHOUSE_SCHEDULES"); v != "" {
		if err := json.Unmarshal([]byte(v), &cfg.Schedules); err != nil {
			slog.Error("GREENHOUSE_SCHEDULES is not valid json", "error", err)
		}
	}
	slog.Info("config loaded", "port", cfg.Port, "platform", cfg.PlatformBaseURL, "devices", len(cfg.Devices), "schedules", len(cfg.Schedules))
	return cfg
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getEnvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("invalid duration env, using default", "key", k, "value", v, "default", def)
	}
	return def
}
