package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Loader     LoaderConfig     `yaml:"loader"`
	Planner    PlannerConfig    `yaml:"planner"`
	Search     SearchConfig     `yaml:"search"`
	Gradient   GradientConfig   `yaml:"gradient"`
	Tasks      TasksConfig      `yaml:"tasks"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	API        APIConfig        `yaml:"api"`
	Audit      AuditConfig      `yaml:"audit"`
}

type StorageConfig struct {
	Backend        string `yaml:"backend"`
	LocalDir       string `yaml:"local_dir"`
	S3Endpoint     string `yaml:"s3_endpoint"`
	S3Region       string `yaml:"s3_region"`
	MinioEndpoint  string `yaml:"minio_endpoint"`
	MinioAccessKey string `yaml:"minio_access_key"`
	MinioSecretKey string `yaml:"minio_secret_key"`
	MinioUseSSL    bool   `yaml:"minio_use_ssl"`
	ListPageSize   int    `yaml:"list_page_size"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

type LoaderConfig struct {
	Attempts int           `yaml:"attempts"`
	Pause    time.Duration `yaml:"pause"`
}

type PlannerConfig struct {
	DefaultBatchSize int    `yaml:"default_batch_size"`
	PrefixBatchSize  int    `yaml:"prefix_batch_size"`
	MaxParallelism   int    `yaml:"max_parallelism"`
	KeyListShard     string `yaml:"key_list_shard"`
	ThumbnailsBucket string `yaml:"thumbnails_bucket"`
}

type SearchConfig struct {
	// WriteBatchFiles also writes every batch to the search bucket.
	WriteBatchFiles bool          `yaml:"write_batch_files"`
	ResultsKey      string        `yaml:"results_key"`
	ExportParquet   bool          `yaml:"export_parquet"`
	Timeout         time.Duration `yaml:"timeout"`
}

type GradientConfig struct {
	PoolSize int `yaml:"pool_size"`
}

type TasksConfig struct {
	Backend       string        `yaml:"backend"` // "dynamodb" | "redis" | "sqlite"
	Table         string        `yaml:"table"`
	AWSRegion     string        `yaml:"aws_region"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	SQLitePath    string        `yaml:"sqlite_path"`
	GzipThreshold int           `yaml:"gzip_threshold"`
	Compression   string        `yaml:"compression"` // "gzip" | "zstd"
	TTL           time.Duration `yaml:"ttl"`
}

type DispatchConfig struct {
	Mode          string   `yaml:"mode"` // "local" | "kafka"
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	ConsumerGroup string   `yaml:"consumer_group"`
	Workers       int      `yaml:"workers"`
	RatePerSecond float64  `yaml:"rate_per_second"`
	MaxRetry      int      `yaml:"max_retry"`
	BackoffMs     int      `yaml:"backoff_ms"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type APIConfig struct {
	Address string `yaml:"address"`
}

type AuditConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	BackupDir string `yaml:"backup_dir"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Storage: StorageConfig{
			Backend:      "local",
			LocalDir:     "./data",
			ListPageSize: 1000,
		},
		Logging: LoggingConfig{Format: "json", Level: "info"},
		Metrics: MetricsConfig{Enabled: true, Namespace: "cds_search"},
		Loader: LoaderConfig{
			Attempts: 5,
			Pause:    200 * time.Millisecond,
		},
		Planner: PlannerConfig{
			DefaultBatchSize: 40,
			PrefixBatchSize:  50,
			MaxParallelism:   1000,
		},
		Search: SearchConfig{
			ResultsKey: "results.json",
			Timeout:    15 * time.Minute,
		},
		Gradient: GradientConfig{PoolSize: 4},
		Tasks: TasksConfig{
			Backend:       "sqlite",
			Table:         "cds-search-tasks",
			SQLitePath:    "./data/tasks.db",
			GzipThreshold: 64 * 1024,
			TTL:           time.Hour,
		},
		Dispatch: DispatchConfig{
			Mode:          "local",
			Topic:         "cds-search-batches",
			ConsumerGroup: "cds-search-workers",
			Workers:       4,
			MaxRetry:      3,
			BackoffMs:     1000,
		},
		Checkpoint: CheckpointConfig{Dir: "./checkpoints"},
		API:        APIConfig{Address: ":8080"},
		Audit:      AuditConfig{BackupDir: "./audit"},
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// CONFIG_FILE and environment variables, in increasing precedence.
// A .env file in the working directory is loaded first when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad is Load for main; it exits on error.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	return cfg
}

// Validate checks settings that have no usable fallback.
func (c Config) Validate() error {
	switch c.Tasks.Backend {
	case "dynamodb", "redis", "sqlite":
	default:
		return fmt.Errorf("unknown task table backend: %s", c.Tasks.Backend)
	}
	switch c.Tasks.Compression {
	case "", "gzip", "zstd":
	default:
		return fmt.Errorf("unknown task compression: %s", c.Tasks.Compression)
	}
	switch c.Dispatch.Mode {
	case "local":
	case "kafka":
		if len(c.Dispatch.Brokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS required for kafka dispatch")
		}
	default:
		return fmt.Errorf("unknown dispatch mode: %s", c.Dispatch.Mode)
	}
	if c.Loader.Attempts < 1 {
		return fmt.Errorf("loader attempts must be positive, got %d", c.Loader.Attempts)
	}
	if c.Planner.MaxParallelism < 1 {
		return fmt.Errorf("max parallelism must be positive, got %d", c.Planner.MaxParallelism)
	}
	return nil
}

func applyEnv(c *Config) {
	c.Storage.Backend = getenvDefault("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.LocalDir = getenvDefault("LOCAL_DIR", c.Storage.LocalDir)
	c.Storage.S3Endpoint = getenvDefault("S3_ENDPOINT", c.Storage.S3Endpoint)
	c.Storage.S3Region = getenvDefault("S3_REGION", c.Storage.S3Region)
	c.Storage.MinioEndpoint = getenvDefault("MINIO_ENDPOINT", c.Storage.MinioEndpoint)
	c.Storage.MinioAccessKey = getenvDefault("MINIO_ACCESS_KEY", c.Storage.MinioAccessKey)
	c.Storage.MinioSecretKey = getenvDefault("MINIO_SECRET_KEY", c.Storage.MinioSecretKey)
	c.Storage.MinioUseSSL = getenvBool("MINIO_USE_SSL", c.Storage.MinioUseSSL)
	c.Storage.ListPageSize = getenvInt("LIST_PAGE_SIZE", c.Storage.ListPageSize)

	c.Logging.Format = getenvDefault("LOG_FORMAT", c.Logging.Format)
	c.Logging.Level = getenvDefault("LOG_LEVEL", c.Logging.Level)

	c.Metrics.Enabled = getenvBool("METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Namespace = getenvDefault("METRICS_NAMESPACE", c.Metrics.Namespace)

	c.Loader.Attempts = getenvInt("LOADER_ATTEMPTS", c.Loader.Attempts)
	c.Loader.Pause = getenvDuration("LOADER_PAUSE", c.Loader.Pause)

	c.Planner.DefaultBatchSize = getenvInt("BATCH_SIZE", c.Planner.DefaultBatchSize)
	c.Planner.PrefixBatchSize = getenvInt("PREFIX_BATCH_SIZE", c.Planner.PrefixBatchSize)
	c.Planner.MaxParallelism = getenvInt("MAX_PARALLELISM", c.Planner.MaxParallelism)
	c.Planner.KeyListShard = getenvDefault("KEY_LIST_SHARD", c.Planner.KeyListShard)
	c.Planner.ThumbnailsBucket = getenvDefault("SEARCHED_THUMBNAILS_BUCKET", c.Planner.ThumbnailsBucket)

	c.Search.WriteBatchFiles = getenvBool("WRITE_BATCH_FILES", c.Search.WriteBatchFiles)
	c.Search.ResultsKey = getenvDefault("SEARCH_RESULTS_KEY", c.Search.ResultsKey)
	c.Search.ExportParquet = getenvBool("EXPORT_PARQUET", c.Search.ExportParquet)
	c.Search.Timeout = getenvDuration("SEARCH_TIMEOUT", c.Search.Timeout)

	c.Gradient.PoolSize = getenvInt("GRADIENT_POOL_SIZE", c.Gradient.PoolSize)

	c.Tasks.Backend = getenvDefault("TASKS_BACKEND", c.Tasks.Backend)
	c.Tasks.Table = getenvDefault("SEARCH_TASKS_TABLE", c.Tasks.Table)
	c.Tasks.AWSRegion = getenvDefault("AWS_REGION", c.Tasks.AWSRegion)
	c.Tasks.RedisAddr = getenvDefault("REDIS_ADDR", c.Tasks.RedisAddr)
	c.Tasks.RedisPassword = getenvDefault("REDIS_PASSWORD", c.Tasks.RedisPassword)
	c.Tasks.SQLitePath = getenvDefault("TASKS_SQLITE_PATH", c.Tasks.SQLitePath)
	c.Tasks.GzipThreshold = getenvInt("TASKS_GZIP_THRESHOLD", c.Tasks.GzipThreshold)
	c.Tasks.Compression = getenvDefault("TASKS_COMPRESSION", c.Tasks.Compression)
	c.Tasks.TTL = getenvDuration("TASKS_TTL", c.Tasks.TTL)

	c.Dispatch.Mode = getenvDefault("DISPATCH_MODE", c.Dispatch.Mode)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Dispatch.Brokers = splitList(v)
	}
	c.Dispatch.Topic = getenvDefault("KAFKA_TOPIC", c.Dispatch.Topic)
	c.Dispatch.ConsumerGroup = getenvDefault("KAFKA_CONSUMER_GROUP", c.Dispatch.ConsumerGroup)
	c.Dispatch.Workers = getenvInt("DISPATCH_WORKERS", c.Dispatch.Workers)
	c.Dispatch.RatePerSecond = getenvFloat("DISPATCH_RATE", c.Dispatch.RatePerSecond)
	c.Dispatch.MaxRetry = getenvInt("DISPATCH_MAX_RETRY", c.Dispatch.MaxRetry)
	c.Dispatch.BackoffMs = getenvInt("DISPATCH_BACKOFF_MS", c.Dispatch.BackoffMs)

	c.Catalog.PostgresDSN = getenvDefault("CATALOG_DSN", c.Catalog.PostgresDSN)

	c.Checkpoint.Enabled = getenvBool("CHECKPOINT_ENABLED", c.Checkpoint.Enabled)
	c.Checkpoint.Dir = getenvDefault("CHECKPOINT_DIR", c.Checkpoint.Dir)

	c.API.Address = getenvDefault("API_ADDRESS", c.API.Address)

	c.Audit.Enabled = getenvBool("AUDIT_ENABLED", c.Audit.Enabled)
	c.Audit.Endpoint = getenvDefault("AUDIT_ENDPOINT", c.Audit.Endpoint)
	c.Audit.BackupDir = getenvDefault("AUDIT_DIR", c.Audit.BackupDir)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
		slog.Warn("ignoring invalid integer", "key", key, "value", v)
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
		slog.Warn("ignoring invalid number", "key", key, "value", v)
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
		slog.Warn("ignoring invalid duration", "key", key, "value", v)
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
