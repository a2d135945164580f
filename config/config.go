package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Chainflow ChainflowConfig `yaml:"chainflow"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Engine    EngineConfig    `yaml:"engine"`
	State     StateConfig     `yaml:"state"`
	Bus       BusConfig       `yaml:"bus"`
	Sink      SinkConfig      `yaml:"sink"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Refdata   RefdataConfig   `yaml:"refdata"`
}

type ChainflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
	Report bool   `yaml:"report"`
}

type MetricsConfig struct {
	PrometheusAddr string           `yaml:"prometheus_addr"`
	ChannelSize    bool             `yaml:"channel_size"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type ChannelsConfig struct {
	EventBuffer   int `yaml:"event_buffer"`
	DerivedBuffer int `yaml:"derived_buffer"`
}

type EngineConfig struct {
	Workers        int           `yaml:"workers"`
	WorkerBuffer   int           `yaml:"worker_buffer"`
	EventTimeout   time.Duration `yaml:"event_timeout"`
	LateTolerance  time.Duration `yaml:"late_tolerance"`
	IdleFlush      time.Duration `yaml:"idle_flush"`
	RollingRefresh time.Duration `yaml:"rolling_refresh"`
}

type StateConfig struct {
	Dir                string        `yaml:"dir"`
	WALBuffer          int           `yaml:"wal_buffer"`
	WALFlushInterval   time.Duration `yaml:"wal_flush_interval"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	CheckpointWALBytes int64         `yaml:"checkpoint_wal_bytes"`
	RecoveryBudget     time.Duration `yaml:"recovery_budget"`
	Retry              RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type BusConfig struct {
	Brokers        []string        `yaml:"brokers"`
	GroupID        string          `yaml:"group_id"`
	TradesTopic    string          `yaml:"trades_topic"`
	TransfersTopic string          `yaml:"transfers_topic"`
	CommitInterval time.Duration   `yaml:"commit_interval"`
	Output         BusOutputConfig `yaml:"output"`
}

type BusOutputConfig struct {
	Enabled     bool   `yaml:"enabled"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type SinkConfig struct {
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

type ClickHouseConfig struct {
	Enabled      bool          `yaml:"enabled"`
	DSN          string        `yaml:"dsn"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type ArchiveConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Region          string        `yaml:"region"`
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

type RefdataConfig struct {
	Source            string        `yaml:"source"`
	RefreshInterval   time.Duration `yaml:"refresh_interval"`
	RequestsPerSecond int           `yaml:"requests_per_second"`
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} placeholders with environment values.
// Unset variables expand to the empty string.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// LoadConfig reads, expands and validates the engine configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Metrics: MetricsConfig{
			ChannelSize: true,
		},
	}
	if err := yaml.Unmarshal(expandEnv(data), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override archive credentials from environment when present
	if config.Archive.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Archive.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Archive.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Archive.S3.Region = strings.TrimSpace(v)
		}
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Channels.EventBuffer <= 0 {
		cfg.Channels.EventBuffer = 4096
	}
	if cfg.Channels.DerivedBuffer <= 0 {
		cfg.Channels.DerivedBuffer = 8192
	}
	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = 8
	}
	if cfg.Engine.WorkerBuffer <= 0 {
		cfg.Engine.WorkerBuffer = 1024
	}
	if cfg.Engine.EventTimeout <= 0 {
		cfg.Engine.EventTimeout = 5 * time.Second
	}
	if cfg.Engine.LateTolerance < 0 {
		cfg.Engine.LateTolerance = 0
	}
	if cfg.Engine.IdleFlush <= 0 {
		cfg.Engine.IdleFlush = 5 * time.Second
	}
	if cfg.Engine.RollingRefresh <= 0 {
		cfg.Engine.RollingRefresh = 15 * time.Second
	}
	if cfg.State.Dir == "" {
		cfg.State.Dir = "data"
	}
	if cfg.State.WALBuffer <= 0 {
		cfg.State.WALBuffer = 8192
	}
	if cfg.State.WALFlushInterval <= 0 {
		cfg.State.WALFlushInterval = time.Second
	}
	if cfg.State.CheckpointInterval <= 0 {
		cfg.State.CheckpointInterval = time.Minute
	}
	if cfg.State.CheckpointWALBytes <= 0 {
		cfg.State.CheckpointWALBytes = 256 << 20
	}
	if cfg.State.RecoveryBudget <= 0 {
		cfg.State.RecoveryBudget = 30 * time.Second
	}
	if cfg.State.Retry.MaxAttempts <= 0 {
		cfg.State.Retry.MaxAttempts = 5
	}
	if cfg.State.Retry.BaseDelay <= 0 {
		cfg.State.Retry.BaseDelay = 200 * time.Millisecond
	}
	if cfg.State.Retry.MaxDelay <= 0 {
		cfg.State.Retry.MaxDelay = 10 * time.Second
	}
	if cfg.Bus.CommitInterval <= 0 {
		cfg.Bus.CommitInterval = time.Second
	}
	if cfg.Sink.ClickHouse.BatchSize <= 0 {
		cfg.Sink.ClickHouse.BatchSize = 1000
	}
	if cfg.Sink.ClickHouse.BatchTimeout <= 0 {
		cfg.Sink.ClickHouse.BatchTimeout = 2 * time.Second
	}
	if cfg.Archive.S3.FlushInterval <= 0 {
		cfg.Archive.S3.FlushInterval = time.Minute
	}
	if cfg.Refdata.RefreshInterval <= 0 {
		cfg.Refdata.RefreshInterval = 5 * time.Minute
	}
	if cfg.Refdata.RequestsPerSecond <= 0 {
		cfg.Refdata.RequestsPerSecond = 5
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Chainflow.Name == "" {
		return fmt.Errorf("chainflow.name is required")
	}
	if len(cfg.Bus.Brokers) == 0 {
		return fmt.Errorf("bus.brokers is required")
	}
	if cfg.Bus.TradesTopic == "" {
		return fmt.Errorf("bus.trades_topic is required")
	}
	if cfg.Bus.GroupID == "" {
		return fmt.Errorf("bus.group_id is required")
	}
	if cfg.Sink.ClickHouse.Enabled && cfg.Sink.ClickHouse.DSN == "" {
		return fmt.Errorf("sink.clickhouse.dsn is required when the sink is enabled")
	}
	if cfg.Archive.S3.Enabled {
		if cfg.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when the archive is enabled")
		}
		if !isValidBucketName(cfg.Archive.S3.Bucket) {
			return fmt.Errorf("archive.s3.bucket %q is not a valid bucket name", cfg.Archive.S3.Bucket)
		}
	}
	return nil
}

func isValidBucketName(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	for _, r := range name {
		if !(r == '-' || r == '.' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return name[0] != '-' && name[len(name)-1] != '-'
}
