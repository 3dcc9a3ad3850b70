package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. QA_SERVER_ADDRESS
const EnvPrefix = "QA"

// Config is the complete service configuration
type Config struct {
	App       AppConfig        `mapstructure:"app"`
	Server    ServerConfig     `mapstructure:"server"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Worker    WorkerConfig     `mapstructure:"worker"`
	NATS      NATSConfig       `mapstructure:"nats"`
	QA        QAConfig         `mapstructure:"qa"`
	Notion    NotionConfig     `mapstructure:"notion"`
	Health    HealthConfig     `mapstructure:"health"`
	Alerts    AlertsConfig     `mapstructure:"alerts"`
	Schedules []ScheduleConfig `mapstructure:"schedules"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

type StorageConfig struct {
	DBPath            string        `mapstructure:"db_path"`
	LogDir            string        `mapstructure:"log_dir"`
	Retention         time.Duration `mapstructure:"retention"`
	RetentionSchedule string        `mapstructure:"retention_schedule"`
}

type WorkerConfig struct {
	StalenessThresholdSeconds int           `mapstructure:"staleness_threshold_seconds"`
	PollInterval              time.Duration `mapstructure:"poll_interval"`
	StopTimeout               time.Duration `mapstructure:"stop_timeout"`
	HeartbeatInterval         time.Duration `mapstructure:"heartbeat_interval"`
	LogFlushInterval          time.Duration `mapstructure:"log_flush_interval"`
}

// StalenessThreshold returns the heartbeat staleness threshold
func (w WorkerConfig) StalenessThreshold() time.Duration {
	return time.Duration(w.StalenessThresholdSeconds) * time.Second
}

type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries"`
}

type QAConfig struct {
	Workspace          string        `mapstructure:"workspace"`
	Command            string        `mapstructure:"command"`
	Args               []string      `mapstructure:"args"`
	Timeout            time.Duration `mapstructure:"timeout"`
	DockerImage        string        `mapstructure:"docker_image"`
	DefaultProject     string        `mapstructure:"default_project"`
	DefaultBranch      string        `mapstructure:"default_branch"`
	DefaultTriggeredBy string        `mapstructure:"default_triggered_by"`
}

type NotionConfig struct {
	SyncURL         string        `mapstructure:"sync_url"`
	Token           string        `mapstructure:"token"`
	Timeout         time.Duration `mapstructure:"timeout"`
	DefaultDatabase string        `mapstructure:"default_database"`
}

type HealthConfig struct {
	DiskPath               string        `mapstructure:"disk_path"`
	DiskThresholdPercent   float64       `mapstructure:"disk_threshold_percent"`
	MemoryThresholdPercent float64       `mapstructure:"memory_threshold_percent"`
	Interval               time.Duration `mapstructure:"interval"`
}

type AlertsConfig struct {
	WebhookURL     string            `mapstructure:"webhook_url"`
	WebhookHeaders map[string]string `mapstructure:"webhook_headers"`
}

// ScheduleConfig describes a cron schedule that enqueues a task
type ScheduleConfig struct {
	Name       string                 `mapstructure:"name"`
	Expression string                 `mapstructure:"expression"`
	Type       string                 `mapstructure:"type"`
	Priority   string                 `mapstructure:"priority"`
	Payload    map[string]interface{} `mapstructure:"payload"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "qa-queue")

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.development", false)

	v.SetDefault("storage.db_path", "data/runs.db")
	v.SetDefault("storage.log_dir", "data/runs")
	v.SetDefault("storage.retention", 30*24*time.Hour)
	v.SetDefault("storage.retention_schedule", "@daily")

	v.SetDefault("worker.staleness_threshold_seconds", 120)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.stop_timeout", 10*time.Second)
	v.SetDefault("worker.heartbeat_interval", 10*time.Second)
	v.SetDefault("worker.log_flush_interval", time.Second)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.connect_retries", 5)

	v.SetDefault("qa.workspace", "workspace")
	v.SetDefault("qa.command", "npm")
	v.SetDefault("qa.args", []string{"test"})
	v.SetDefault("qa.timeout", 30*time.Minute)
	v.SetDefault("qa.docker_image", "")
	v.SetDefault("qa.default_project", "web")
	v.SetDefault("qa.default_branch", "main")
	v.SetDefault("qa.default_triggered_by", "api")

	v.SetDefault("notion.sync_url", "")
	v.SetDefault("notion.token", "")
	v.SetDefault("notion.timeout", 5*time.Minute)
	v.SetDefault("notion.default_database", "")

	v.SetDefault("health.disk_path", "/")
	v.SetDefault("health.disk_threshold_percent", 90.0)
	v.SetDefault("health.memory_threshold_percent", 90.0)
	v.SetDefault("health.interval", 30*time.Second)

	v.SetDefault("alerts.webhook_url", "")
}

// Load reads configuration from defaults, an optional YAML file, a .env
// file and QA_ prefixed environment variables, in increasing precedence.
// An empty path searches ./config/config.yaml.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no usable fallback
func (c *Config) Validate() error {
	if c.Worker.StalenessThresholdSeconds <= 0 {
		return fmt.Errorf("worker.staleness_threshold_seconds must be positive, got %d", c.Worker.StalenessThresholdSeconds)
	}
	if c.Server.Address == "" {
		return errors.New("server.address is required")
	}
	if c.Storage.DBPath == "" || c.Storage.LogDir == "" {
		return errors.New("storage.db_path and storage.log_dir are required")
	}
	if c.QA.Command == "" {
		return errors.New("qa.command is required")
	}
	for _, s := range c.Schedules {
		if s.Name == "" || s.Expression == "" {
			return fmt.Errorf("schedule %q requires a name and an expression", s.Name)
		}
	}
	return nil
}
