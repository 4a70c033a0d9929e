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
	Bookflow   BookflowConfig   `yaml:"bookflow"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Engine     EngineConfig     `yaml:"engine"`
	Reader     ReaderConfig     `yaml:"reader"`
	Source     SourceConfig     `yaml:"source"`
	Storage    StorageConfig    `yaml:"storage"`
	API        APIConfig        `yaml:"api"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type BookflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	RawBuffer int `yaml:"raw_buffer"`
}

type ProcessorConfig struct {
	MaxWorkers  int `yaml:"max_workers"`
	WorkerQueue int `yaml:"worker_queue"`
}

// EngineConfig sizes the reconciliation engine. BufferCap bounds how many
// deltas are retained per instrument while waiting for a snapshot baseline.
type EngineConfig struct {
	Shards    int `yaml:"shards"`
	TopN      int `yaml:"top_n"`
	BufferCap int `yaml:"buffer_cap"`
	InboxSize int `yaml:"inbox_size"`
}

type ReaderConfig struct {
	Timeout   time.Duration   `yaml:"timeout"`
	Workers   int             `yaml:"workers"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retry     RetryConfig     `yaml:"retry"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type RetryConfig struct {
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type SourceConfig struct {
	Binance ExchangeSourceConfig `yaml:"binance"`
	Kucoin  ExchangeSourceConfig `yaml:"kucoin"`
}

type ExchangeSourceConfig struct {
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	Snapshot       SnapshotConfig       `yaml:"snapshot"`
	Delta          DeltaConfig          `yaml:"delta"`
}

type SnapshotConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Limit   int           `yaml:"limit"`
	Delay   time.Duration `yaml:"delay"`
}

type DeltaConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	IntervalMs int    `yaml:"interval_ms"`
}

type StorageConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
	S3    S3Config    `yaml:"s3"`
}

type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	Queue        int           `yaml:"queue"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	FlushSize       int           `yaml:"flush_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	Queue           int           `yaml:"queue"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	WSQueue int    `yaml:"ws_queue"`
}

type CloudWatchConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Region         string        `yaml:"region"`
	Namespace      string        `yaml:"namespace"`
	Dashboard      string        `yaml:"dashboard"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Minimum per-instrument delta retention. Anything smaller cannot hold the
// deltas that arrive during a single snapshot round trip.
const minBufferCap = 64

func defaults() Config {
	return Config{
		Channels:  ChannelsConfig{RawBuffer: 4096},
		Processor: ProcessorConfig{MaxWorkers: 4, WorkerQueue: 1024},
		Engine: EngineConfig{
			Shards:    4,
			TopN:      5,
			BufferCap: 1000,
			InboxSize: 4096,
		},
		Reader: ReaderConfig{
			Timeout: 10 * time.Second,
			Workers: 4,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 5,
				BurstSize:         5,
			},
			Retry: RetryConfig{
				BaseDelay:         500 * time.Millisecond,
				MaxDelay:          30 * time.Second,
				BackoffMultiplier: 2,
			},
		},
		Source: SourceConfig{
			Binance: ExchangeSourceConfig{
				Snapshot: SnapshotConfig{URL: "https://fapi.binance.com/fapi/v1/depth", Limit: 50},
				Delta:    DeltaConfig{IntervalMs: 100},
			},
			Kucoin: ExchangeSourceConfig{
				Snapshot: SnapshotConfig{URL: "https://api-futures.kucoin.com/api/v1/level2/snapshot"},
			},
		},
		Storage: StorageConfig{
			Kafka: KafkaConfig{Topic: "bookflow.quotes", BatchSize: 100, BatchTimeout: 50 * time.Millisecond, Queue: 4096},
			S3:    S3Config{Prefix: "quotes", FlushSize: 5000, FlushInterval: time.Minute, Queue: 8192},
		},
		API:        APIConfig{Addr: ":8080", WSQueue: 256},
		CloudWatch: CloudWatchConfig{Namespace: "BookFlow", Dashboard: "BookFlow", ReportInterval: 30 * time.Second},
		Logging:    LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		config.Storage.Kafka.Brokers = brokers
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Bookflow.Name == "" {
		return fmt.Errorf("bookflow.name is required")
	}

	if cfg.Bookflow.Version == "" {
		return fmt.Errorf("bookflow.version is required")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}

	if cfg.Processor.MaxWorkers <= 0 {
		return fmt.Errorf("processor.max_workers must be greater than 0")
	}
	if cfg.Processor.WorkerQueue <= 0 {
		return fmt.Errorf("processor.worker_queue must be greater than 0")
	}

	if cfg.Engine.Shards <= 0 {
		return fmt.Errorf("engine.shards must be greater than 0")
	}
	if cfg.Engine.TopN <= 0 {
		return fmt.Errorf("engine.top_n must be greater than 0")
	}
	if cfg.Engine.BufferCap < minBufferCap {
		return fmt.Errorf("engine.buffer_cap must be at least %d", minBufferCap)
	}
	if cfg.Engine.InboxSize <= 0 {
		return fmt.Errorf("engine.inbox_size must be greater than 0")
	}

	if cfg.Reader.Timeout <= 0 {
		return fmt.Errorf("reader.timeout must be greater than 0")
	}
	if cfg.Reader.Workers <= 0 {
		return fmt.Errorf("reader.workers must be greater than 0")
	}
	if cfg.Reader.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("reader.rate_limit.requests_per_second must be greater than 0")
	}
	if cfg.Reader.Retry.BaseDelay <= 0 || cfg.Reader.Retry.MaxDelay < cfg.Reader.Retry.BaseDelay {
		return fmt.Errorf("reader.retry requires 0 < base_delay <= max_delay")
	}
	if cfg.Reader.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("reader.retry.backoff_multiplier must be at least 1")
	}

	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Storage.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.topic is required when kafka is enabled")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
		if cfg.Storage.S3.FlushSize <= 0 || cfg.Storage.S3.FlushInterval <= 0 {
			return fmt.Errorf("storage.s3.flush_size and storage.s3.flush_interval must be greater than 0")
		}
	}

	if cfg.API.Enabled && cfg.API.Addr == "" {
		return fmt.Errorf("api.addr is required when the api is enabled")
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
