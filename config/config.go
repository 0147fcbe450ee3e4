package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	BehaviorWatch BehaviorWatchConfig `yaml:"behaviorwatch"`
}

// BehaviorWatchConfig is the project configuration.
type BehaviorWatchConfig struct {
	Input    InputConfig    `yaml:"input"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Rules    RulesConfig    `yaml:"rules"`
	Signals  SignalsConfig  `yaml:"signals"`
	Notify   NotifyConfig   `yaml:"notify"`
	State    StateConfig    `yaml:"state"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// InputConfig controls the queue consumer.
type InputConfig struct {
	Mode  string      `yaml:"mode"` // redis|amqp
	Redis RedisConfig `yaml:"redis"`
	AMQP  AMQPConfig  `yaml:"amqp"`
}

// RedisConfig controls Redis list input.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	ActivityKey  string        `yaml:"activity_key"`
	SignalKey    string        `yaml:"signal_key"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// AMQPConfig controls RabbitMQ input.
type AMQPConfig struct {
	URL           string        `yaml:"url"`
	ActivityQueue string        `yaml:"activity_queue"`
	SignalQueue   string        `yaml:"signal_queue"`
	Prefetch      int           `yaml:"prefetch"`
	BlockTimeout  time.Duration `yaml:"block_timeout"`
}

// PipelineConfig controls ingestion workers.
type PipelineConfig struct {
	Workers int `yaml:"workers"`
}

// AnalysisConfig controls the periodic driver and detector thresholds.
type AnalysisConfig struct {
	Interval           time.Duration `yaml:"interval"`
	Workers            int           `yaml:"workers"`
	Retention          time.Duration `yaml:"retention"`
	DedupeWindow       time.Duration `yaml:"dedupe_window"`
	RecentCapacity     int           `yaml:"recent_capacity"`
	LogCapacity        int           `yaml:"log_capacity"`
	LoginHourTolerance int           `yaml:"login_hour_tolerance"`
	DeviceSimilarity   float64       `yaml:"device_similarity"`
	APIRateHigh        float64       `yaml:"api_rate_high"`
	APIRateCritical    float64       `yaml:"api_rate_critical"`
	LargeTransferBytes int64         `yaml:"large_transfer_bytes"`
	LargeTransferCount int           `yaml:"large_transfer_count"`
	SensitiveKeywords  []string      `yaml:"sensitive_keywords"`
}

// AlertsConfig controls alert retention and the alert journal.
type AlertsConfig struct {
	MaxAlerts int           `yaml:"max_alerts"`
	Journal   JournalConfig `yaml:"journal"`
}

// JournalConfig controls where alert lifecycle events are written.
type JournalConfig struct {
	Mode          string                 `yaml:"mode"` // none|file|http|clickhouse
	File          FileOutputConfig       `yaml:"file"`
	HTTP          HTTPOutputConfig       `yaml:"http"`
	ClickHouse    ClickHouseOutputConfig `yaml:"clickhouse"`
	BufferSize    int                    `yaml:"buffer_size"`
	BatchSize     int                    `yaml:"batch_size"`
	FlushInterval time.Duration          `yaml:"flush_interval"`
}

// FileOutputConfig config for local JSON output.
type FileOutputConfig struct {
	Path     string `yaml:"path"`
	MaxBytes int64  `yaml:"max_bytes"` // rotate past this size; 0 disables
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
	Gzip    bool              `yaml:"gzip"`
}

// ClickHouseOutputConfig config for ClickHouse HTTP JSONEachRow writes.
type ClickHouseOutputConfig struct {
	URL      string            `yaml:"url"`
	Database string            `yaml:"database"`
	Table    string            `yaml:"table"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
}

// RulesConfig points at the alert rule and channel definitions.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// SignalsConfig controls Sigma evaluation of raw signals.
type SignalsConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Path      string            `yaml:"path"`
	Sources   map[string]string `yaml:"sources"` // signal source -> logsource product
	AlertType string            `yaml:"alert_type"`
	Source    string            `yaml:"source"`
}

// NotifyConfig controls notification delivery.
type NotifyConfig struct {
	Workers         int        `yaml:"workers"`
	QueueSize       int        `yaml:"queue_size"`
	CriticalChannel string     `yaml:"critical_channel"`
	SMTP            SMTPConfig `yaml:"smtp"`
	// Broadcast publishes alerts to a Redis pub/sub channel for live consoles.
	Broadcast BroadcastConfig `yaml:"broadcast"`
}

// SMTPConfig configures the email relay.
type SMTPConfig struct {
	Addr     string `yaml:"addr"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// BroadcastConfig configures the Redis pub/sub broadcaster.
type BroadcastConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

// StateConfig controls Redis risk snapshots.
type StateConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// MetricsConfig controls the ops HTTP server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file and fills defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *Config) {
	bw := &cfg.BehaviorWatch

	if bw.Input.Mode == "" {
		bw.Input.Mode = "redis"
	}
	if bw.Input.Redis.Addr == "" {
		bw.Input.Redis.Addr = "127.0.0.1:6379"
	}
	if bw.Input.Redis.ActivityKey == "" && bw.Input.Redis.SignalKey == "" {
		bw.Input.Redis.ActivityKey = "behaviorwatch:activity"
		bw.Input.Redis.SignalKey = "behaviorwatch:signals"
	}
	if bw.Input.Redis.BlockTimeout == 0 {
		bw.Input.Redis.BlockTimeout = 5 * time.Second
	}
	if bw.Input.AMQP.ActivityQueue == "" && bw.Input.AMQP.SignalQueue == "" {
		bw.Input.AMQP.ActivityQueue = "behaviorwatch.activity"
		bw.Input.AMQP.SignalQueue = "behaviorwatch.signals"
	}
	if bw.Input.AMQP.BlockTimeout == 0 {
		bw.Input.AMQP.BlockTimeout = 5 * time.Second
	}

	if bw.Pipeline.Workers <= 0 {
		bw.Pipeline.Workers = 8
	}

	if bw.Analysis.Interval <= 0 {
		bw.Analysis.Interval = 5 * time.Minute
	}
	if bw.Analysis.Workers <= 0 {
		bw.Analysis.Workers = 4
	}
	if bw.Analysis.Retention <= 0 {
		bw.Analysis.Retention = 7 * 24 * time.Hour
	}
	if bw.Analysis.DedupeWindow <= 0 {
		bw.Analysis.DedupeWindow = 24 * time.Hour
	}
	if bw.Analysis.RecentCapacity <= 0 {
		bw.Analysis.RecentCapacity = 1000
	}
	if bw.Analysis.LogCapacity <= 0 {
		bw.Analysis.LogCapacity = 100000
	}

	if bw.Alerts.MaxAlerts <= 0 {
		bw.Alerts.MaxAlerts = 10000
	}
	if bw.Alerts.Journal.Mode == "" {
		bw.Alerts.Journal.Mode = "none"
	}
	if bw.Alerts.Journal.File.Path == "" {
		bw.Alerts.Journal.File.Path = "output/alerts.jsonl"
	}
	if bw.Alerts.Journal.ClickHouse.Database == "" {
		bw.Alerts.Journal.ClickHouse.Database = "behaviorwatch"
	}
	if bw.Alerts.Journal.ClickHouse.Table == "" {
		bw.Alerts.Journal.ClickHouse.Table = "alert_events"
	}
	if bw.Alerts.Journal.BatchSize <= 0 {
		bw.Alerts.Journal.BatchSize = 200
	}
	if bw.Alerts.Journal.FlushInterval <= 0 {
		bw.Alerts.Journal.FlushInterval = 2 * time.Second
	}

	if bw.Signals.AlertType == "" {
		bw.Signals.AlertType = "ids"
	}
	if bw.Signals.Source == "" {
		bw.Signals.Source = "signal-detector"
	}
	if bw.Signals.Sources == nil {
		bw.Signals.Sources = map[string]string{"winlogbeat": "windows", "sysmon": "windows", "auditbeat": "linux"}
	}

	if bw.Notify.Workers <= 0 {
		bw.Notify.Workers = 4
	}
	if bw.Notify.QueueSize <= 0 {
		bw.Notify.QueueSize = 1024
	}
	if bw.Notify.Broadcast.Addr == "" {
		bw.Notify.Broadcast.Addr = bw.Input.Redis.Addr
	}
	if bw.Notify.Broadcast.Channel == "" {
		bw.Notify.Broadcast.Channel = "behaviorwatch:alerts"
	}

	if bw.State.Addr == "" {
		bw.State.Addr = bw.Input.Redis.Addr
	}
	if bw.State.KeyPrefix == "" {
		bw.State.KeyPrefix = "behaviorwatch:profiles"
	}

	if bw.Metrics.Listen == "" {
		bw.Metrics.Listen = ":9090"
	}

	if bw.Logging.Level == "" {
		bw.Logging.Level = "info"
	}
}
