package config

import (
	"fmt"
	"gopkg.in/yaml.v3"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const DefaultConfigPath = "config/config.yml"

type Config struct {
	Tickvault    TickvaultConfig    `yaml:"tickvault"`
	Logging      LoggingConfig      `yaml:"logging"`
	Data         DataConfig         `yaml:"data"`
	Loader       LoaderConfig       `yaml:"loader"`
	Transport    TransportConfig    `yaml:"transport"`
	Collector    CollectorConfig    `yaml:"collector"`
	Distribution DistributionConfig `yaml:"distribution"`
	Snapshot     SnapshotConfig     `yaml:"snapshot"`
	Storage      StorageConfig      `yaml:"storage"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Dashboard    DashboardConfig    `yaml:"dashboard"`
}

type TickvaultConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Node    string `yaml:"node"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

// DataConfig locates the monthly archives on disk.
type DataConfig struct {
	Dir     string   `yaml:"dir"`
	Symbols []string `yaml:"symbols"`
}

type LoaderConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Reference         string        `yaml:"reference"`
	BatchSize         int           `yaml:"batch_size"`
	Workers           int           `yaml:"workers"`
	DownloadTimeout   time.Duration `yaml:"download_timeout"`
	RequestsPerSecond int           `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

type TransportConfig struct {
	Addr              string        `yaml:"addr"`
	MaxFrameSize      uint32        `yaml:"max_frame_size"`
	MaxReplyFrameSize uint32        `yaml:"max_reply_frame_size"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ReconnectMin      time.Duration `yaml:"reconnect_min"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
}

type CollectorConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BaseURL           string        `yaml:"base_url"`
	ChannelBuffer     int           `yaml:"channel_buffer"`
	ProcessorWorkers  int           `yaml:"processor_workers"`
	Timeout           time.Duration `yaml:"timeout"`
	TradesInterval    time.Duration `yaml:"trades_interval"`
	CandlesInterval   time.Duration `yaml:"candles_interval"`
	DepthInterval     time.Duration `yaml:"depth_interval"`
	TradeLimit        int           `yaml:"trade_limit"`
	KlineLimit        int           `yaml:"kline_limit"`
	DepthLimit        int           `yaml:"depth_limit"`
	RequestsPerSecond int           `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Stream            StreamConfig  `yaml:"stream"`
}

type StreamConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type DistributionConfig struct {
	RecentMonths int `yaml:"recent_months"`
	FullMonths   int `yaml:"full_months"`
	Workers      int `yaml:"workers"`
}

type SnapshotConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Dir         string        `yaml:"dir"`
	Interval    time.Duration `yaml:"interval"`
	Compression string        `yaml:"compression"`
	Restore     bool          `yaml:"restore"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	CloudWatch      bool          `yaml:"cloudwatch"`
	Namespace       string        `yaml:"namespace"`
	Region          string        `yaml:"region"`
	ReportInterval  time.Duration `yaml:"report_interval"`
	ChannelInterval time.Duration `yaml:"channel_interval"`
}

type DashboardConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	LogHistory int    `yaml:"log_history"`
}

// Default returns the values used for keys absent from the file.
func Default() Config {
	return Config{
		Tickvault: TickvaultConfig{Name: "tickvault", Version: "1.0", Node: "tickvault"},
		Logging:   LoggingConfig{Level: "info", Format: "json", Output: "stdout", MaxAge: 7},
		Data:      DataConfig{Dir: "data"},
		Loader: LoaderConfig{
			BaseURL:           "https://data.binance.vision/data/futures/um/monthly",
			BatchSize:         10_000,
			Workers:           4,
			DownloadTimeout:   10 * time.Minute,
			RequestsPerSecond: 2,
			Burst:             1,
		},
		Transport: TransportConfig{
			Addr:              "127.0.0.1:7400",
			MaxFrameSize:      10 << 20,
			MaxReplyFrameSize: 1 << 30,
			WriteTimeout:      30 * time.Second,
			HandshakeTimeout:  10 * time.Second,
			RequestTimeout:    10 * time.Minute,
			ReconnectMin:      500 * time.Millisecond,
			ReconnectMax:      30 * time.Second,
		},
		Collector: CollectorConfig{
			Enabled:           true,
			BaseURL:           "https://fapi.binance.com",
			ChannelBuffer:     1024,
			ProcessorWorkers:  2,
			Timeout:           10 * time.Second,
			TradesInterval:    30 * time.Second,
			CandlesInterval:   time.Minute,
			DepthInterval:     5 * time.Second,
			TradeLimit:        400,
			KlineLimit:        300,
			DepthLimit:        50,
			RequestsPerSecond: 10,
			Burst:             10,
			Stream: StreamConfig{
				URL:           "wss://fstream.binance.com/ws",
				FlushInterval: time.Second,
			},
		},
		Distribution: DistributionConfig{RecentMonths: 2, FullMonths: 12, Workers: 4},
		Snapshot: SnapshotConfig{
			Dir:         "snapshots",
			Interval:    15 * time.Minute,
			Compression: "snappy",
			Restore:     true,
		},
		Metrics: MetricsConfig{
			Namespace:       "TickVault",
			ReportInterval:  time.Minute,
			ChannelInterval: 30 * time.Second,
		},
		Dashboard: DashboardConfig{Address: "0.0.0.0:8080", LogHistory: 200},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultConfigPath, map[string]string{
		environmentProduction: "config/config.production.yml",
		environmentStaging:    "config/config.staging.yml",
	})

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	for i, s := range config.Data.Symbols {
		config.Data.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("TICKVAULT_ADDR"); v != "" {
		config.Transport.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Logging.Level = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("TICKVAULT_STREAM"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			config.Collector.Stream.Enabled = b
		}
	}

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
	if config.Metrics.CloudWatch && config.Metrics.Region == "" {
		config.Metrics.Region = strings.TrimSpace(os.Getenv("AWS_REGION"))
	}
}

var referenceRegexp = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

func validateConfig(cfg *Config) error {
	if cfg.Tickvault.Name == "" {
		return fmt.Errorf("tickvault.name is required")
	}
	if cfg.Tickvault.Version == "" {
		return fmt.Errorf("tickvault.version is required")
	}
	if cfg.Data.Dir == "" {
		return fmt.Errorf("data.dir is required")
	}

	if cfg.Loader.Reference != "" && !referenceRegexp.MatchString(cfg.Loader.Reference) {
		return fmt.Errorf("loader.reference '%s' must look like YYYY-MM", cfg.Loader.Reference)
	}
	if cfg.Loader.BatchSize <= 0 {
		return fmt.Errorf("loader.batch_size must be greater than 0")
	}
	if cfg.Loader.Workers <= 0 {
		return fmt.Errorf("loader.workers must be greater than 0")
	}

	if cfg.Transport.Addr == "" {
		return fmt.Errorf("transport.addr is required")
	}
	if cfg.Transport.MaxFrameSize == 0 {
		return fmt.Errorf("transport.max_frame_size must be greater than 0")
	}
	if cfg.Transport.MaxReplyFrameSize < cfg.Transport.MaxFrameSize {
		return fmt.Errorf("transport.max_reply_frame_size must not be lower than transport.max_frame_size")
	}
	if cfg.Transport.ReconnectMax < cfg.Transport.ReconnectMin {
		return fmt.Errorf("transport.reconnect_max must not be lower than transport.reconnect_min")
	}

	if cfg.Collector.Enabled {
		if cfg.Collector.ChannelBuffer <= 0 {
			return fmt.Errorf("collector.channel_buffer must be greater than 0")
		}
		if cfg.Collector.ProcessorWorkers <= 0 {
			return fmt.Errorf("collector.processor_workers must be greater than 0")
		}
		if cfg.Collector.TradesInterval <= 0 || cfg.Collector.CandlesInterval <= 0 || cfg.Collector.DepthInterval <= 0 {
			return fmt.Errorf("collector intervals must be greater than 0")
		}
		if len(cfg.Data.Symbols) == 0 && IsProductionLike(getAppEnvironment()) {
			return fmt.Errorf("data.symbols is required in %s", getAppEnvironment())
		}
	}

	if cfg.Distribution.RecentMonths <= 0 {
		return fmt.Errorf("distribution.recent_months must be greater than 0")
	}
	if cfg.Distribution.FullMonths < cfg.Distribution.RecentMonths {
		return fmt.Errorf("distribution.full_months must not be lower than distribution.recent_months")
	}

	if cfg.Snapshot.Enabled {
		if cfg.Snapshot.Dir == "" {
			return fmt.Errorf("snapshot.dir is required when snapshots are enabled")
		}
		if cfg.Snapshot.Interval <= 0 {
			return fmt.Errorf("snapshot.interval must be greater than 0")
		}
		switch cfg.Snapshot.Compression {
		case "snappy", "gzip", "none", "":
		default:
			return fmt.Errorf("snapshot.compression '%s' is not supported", cfg.Snapshot.Compression)
		}
	}

	if cfg.Storage.S3.Enabled {
		if !cfg.Snapshot.Enabled {
			return fmt.Errorf("storage.s3 requires snapshot.enabled")
		}
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
	}

	if cfg.Metrics.CloudWatch && cfg.Metrics.Region == "" {
		return fmt.Errorf("metrics.region is required when cloudwatch is enabled")
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
