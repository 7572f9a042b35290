package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the engine
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logger      LoggerConfig      `mapstructure:"logger"`
	Server      ServerConfig      `mapstructure:"server"`
	GRPC        GRPCConfig        `mapstructure:"grpc"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Neo4j       Neo4jConfig       `mapstructure:"neo4j"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	S3          S3Config          `mapstructure:"s3"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Dedup       DedupConfig       `mapstructure:"dedup"`
	Enrichment  EnrichmentConfig  `mapstructure:"enrichment"`
	Correlation CorrelationConfig `mapstructure:"correlation"`
	ChangeFeed  ChangeFeedConfig  `mapstructure:"changefeed"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	CORS        CORSConfig        `mapstructure:"cors"`
	APIKeys     []APIKeyConfig    `mapstructure:"api_keys"`

	// FeedsFile is the YAML feed catalog
	FeedsFile string `mapstructure:"feeds_file"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Version     string `mapstructure:"version"`
	Debug       bool   `mapstructure:"debug"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	TimeFormat string `mapstructure:"time_format"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	HTTPPort        int           `mapstructure:"http_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

type GRPCConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type AdminConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// StorageConfig selects the Store backend
type StorageConfig struct {
	Backend      string `mapstructure:"backend"`
	MaxBatchSize int    `mapstructure:"max_batch_size"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Schema          string        `mapstructure:"schema"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&search_path=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode, c.Schema,
	)
}

type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
	TLS       bool   `mapstructure:"tls"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type Neo4jConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	URI                string `mapstructure:"uri"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	Database           string `mapstructure:"database"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MaxLifetimeMinutes int    `mapstructure:"max_lifetime_minutes"`
}

type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	StreamName    string `mapstructure:"stream_name"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type S3Config struct {
	Enabled        bool   `mapstructure:"enabled"`
	Region         string `mapstructure:"region"`
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Endpoint       string `mapstructure:"endpoint"`
	AccessKey      string `mapstructure:"access_key"`
	SecretKey      string `mapstructure:"secret_key"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// SchedulerConfig controls sync fan-out, backoff and quarantine
type SchedulerConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	Workers      int            `mapstructure:"workers"`
	TypeCaps     map[string]int `mapstructure:"type_caps"`
	TickInterval time.Duration  `mapstructure:"tick_interval"`
	BackoffBase  time.Duration  `mapstructure:"backoff_base"`
	BackoffMax   time.Duration  `mapstructure:"backoff_max"`
	// MaxConsecutiveFailures moves a feed into quarantine
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	JobDeadline            time.Duration `mapstructure:"job_deadline"`
	GracePeriod            time.Duration `mapstructure:"grace_period"`
	HistoryRetention       time.Duration `mapstructure:"history_retention"`
	StateFile              string        `mapstructure:"state_file"`
	LockTTL                time.Duration `mapstructure:"lock_ttl"`
}

// DedupConfig sizes the identity resolver
type DedupConfig struct {
	Stripes            int     `mapstructure:"stripes"`
	BloomCapacity      uint    `mapstructure:"bloom_capacity"`
	BloomFalsePositive float64 `mapstructure:"bloom_false_positive"`
}

// EnrichmentConfig tunes the scoring and synthesis stages
type EnrichmentConfig struct {
	FeedWeights        map[string]float64 `mapstructure:"feed_weights"`
	FreshnessHalfLife  time.Duration      `mapstructure:"freshness_half_life"`
	RelatedPrefixLen   int                `mapstructure:"related_prefix_len"`
	RelatedPrefixLenV6 int                `mapstructure:"related_prefix_len_v6"`
	GeoTableFile       string             `mapstructure:"geo_table_file"`
	StageTimeout       time.Duration      `mapstructure:"stage_timeout"`
}

type CorrelationConfig struct {
	StrongThreshold float64       `mapstructure:"strong_threshold"`
	Shards          int           `mapstructure:"shards"`
	InfraWindow     time.Duration `mapstructure:"infra_window"`
	MaxInfraPeers   int           `mapstructure:"max_infra_peers"`
}

type ChangeFeedConfig struct {
	// Retention is the number of events kept per tenant for replay
	Retention  int `mapstructure:"retention"`
	BufferSize int `mapstructure:"buffer_size"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// APIKeyConfig grants a caller permissions on one tenant
type APIKeyConfig struct {
	Key         string   `mapstructure:"key"`
	Caller      string   `mapstructure:"caller"`
	TenantID    string   `mapstructure:"tenant_id"`
	Permissions []string `mapstructure:"permissions"`
}

// Load reads configuration from an optional file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tiace")
	}

	v.SetEnvPrefix("TIACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only sees keys viper already knows about
	for _, key := range []string{
		"storage.backend",
		"database.host", "database.port", "database.user", "database.password", "database.dbname", "database.sslmode",
		"redis.enabled", "redis.host", "redis.port", "redis.password", "redis.tls",
		"neo4j.enabled", "neo4j.uri", "neo4j.password",
		"nats.enabled", "nats.url",
		"kafka.enabled", "s3.enabled", "s3.bucket",
		"app.environment", "logger.level", "feeds_file",
	} {
		_ = v.BindEnv(key, "TIACE_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
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

// LoadDefault loads configuration with default path
func LoadDefault() (*Config, error) {
	return Load("")
}

// Validate checks settings that would otherwise fail late
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("storage.backend must be memory or postgres, got %q", c.Storage.Backend)
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be positive")
	}
	if c.Scheduler.BackoffBase <= 0 || c.Scheduler.BackoffMax < c.Scheduler.BackoffBase {
		return fmt.Errorf("scheduler backoff: base %s, max %s", c.Scheduler.BackoffBase, c.Scheduler.BackoffMax)
	}
	if c.Correlation.StrongThreshold <= 0 || c.Correlation.StrongThreshold > 1 {
		return fmt.Errorf("correlation.strong_threshold must be in (0,1]")
	}
	if c.Dedup.Stripes < 1 {
		return fmt.Errorf("dedup.stripes must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tiace")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.version", "dev")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.time_format", time.RFC3339)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8090)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("grpc.enabled", false)
	v.SetDefault("grpc.port", 9090)
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.port", 9100)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.max_batch_size", 1000)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "tiace")
	v.SetDefault("database.dbname", "tiace")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.schema", "public")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.key_prefix", "tiace:")

	v.SetDefault("neo4j.database", "neo4j")
	v.SetDefault("neo4j.max_connections", 50)
	v.SetDefault("neo4j.max_lifetime_minutes", 60)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.stream_name", "TIACE_CHANGES")
	v.SetDefault("nats.subject_prefix", "tiace")

	v.SetDefault("kafka.topic", "tiace.changes")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.prefix", "exports")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("scheduler.type_caps", map[string]int{"misp": 4, "taxii": 4, "commercial": 2, "opensource": 4, "custom": 2})
	v.SetDefault("scheduler.tick_interval", 5*time.Second)
	v.SetDefault("scheduler.backoff_base", time.Minute)
	v.SetDefault("scheduler.backoff_max", 6*time.Hour)
	v.SetDefault("scheduler.max_consecutive_failures", 10)
	v.SetDefault("scheduler.job_deadline", 30*time.Minute)
	v.SetDefault("scheduler.grace_period", 10*time.Second)
	v.SetDefault("scheduler.history_retention", 30*24*time.Hour)
	v.SetDefault("scheduler.state_file", "tiace-state.db")
	v.SetDefault("scheduler.lock_ttl", 35*time.Minute)

	v.SetDefault("dedup.stripes", 256)
	v.SetDefault("dedup.bloom_capacity", 1_000_000)
	v.SetDefault("dedup.bloom_false_positive", 0.01)

	v.SetDefault("enrichment.freshness_half_life", 7*24*time.Hour)
	v.SetDefault("enrichment.related_prefix_len", 24)
	v.SetDefault("enrichment.related_prefix_len_v6", 48)
	v.SetDefault("enrichment.stage_timeout", 5*time.Second)

	v.SetDefault("correlation.strong_threshold", 0.7)
	v.SetDefault("correlation.shards", 16)
	v.SetDefault("correlation.infra_window", 72*time.Hour)
	v.SetDefault("correlation.max_infra_peers", 32)

	v.SetDefault("changefeed.retention", 10000)
	v.SetDefault("changefeed.buffer_size", 256)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.requests_per_minute", 600)

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Accept", "Authorization", "Content-Type", "X-Tenant-ID", "X-Request-ID"})
	v.SetDefault("cors.max_age", 300)
}
