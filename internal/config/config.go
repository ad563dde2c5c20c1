package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Receiver  ReceiverConfig  `yaml:"receiver"`
	Encoder   EncoderConfig   `yaml:"encoder"`
	Search    SearchConfig    `yaml:"search"`
	Ranker    RankerConfig    `yaml:"ranker"`
	Grouping  GroupingConfig  `yaml:"grouping"`
	Rules     RulesConfig     `yaml:"rules"`
	Snooze    SnoozeConfig    `yaml:"snooze"`
	Threshold ThresholdConfig `yaml:"threshold"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	BindAddr string `yaml:"bindAddr"`
	// APIToken guards the management API; empty disables auth.
	APIToken string `yaml:"apiToken"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig selects the alert history store. Driver is postgres or
// sqlite; DSN overrides the discrete postgres fields.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

func (d DatabaseConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"groupID"`
}

type ReceiverConfig struct {
	BasicUser string `yaml:"basicUser"`
	BasicPass string `yaml:"basicPass"`
	Bearer    string `yaml:"bearer"`
	DedupSize int    `yaml:"dedupSize"`
	DedupTTL  string `yaml:"dedupTTL"`
}

// EncoderConfig selects the embedding backend: "hashing" (local) or
// "http" (external runtime).
type EncoderConfig struct {
	Backend   string  `yaml:"backend"`
	Dimension int     `yaml:"dimension"`
	URL       string  `yaml:"url"`
	Model     string  `yaml:"model"`
	Timeout   string  `yaml:"timeout"`
	RPS       float64 `yaml:"rps"`
	Burst     int     `yaml:"burst"`
	BatchSize int     `yaml:"batchSize"`
}

type SearchConfig struct {
	IndexType       string `yaml:"indexType"`
	IndexPath       string `yaml:"indexPath"`
	NList           int    `yaml:"nlist"`
	NProbe          int    `yaml:"nprobe"`
	LSHTables       int    `yaml:"lshTables"`
	LSHBits         int    `yaml:"lshBits"`
	M               int    `yaml:"m"`
	EfConstruction  int    `yaml:"efConstruction"`
	EfSearch        int    `yaml:"efSearch"`
	PQM             int    `yaml:"pqM"`
	PQCentroids     int    `yaml:"pqCentroids"`
	CompactInterval string `yaml:"compactInterval"`
}

type RankerConfig struct {
	ModelPath           string   `yaml:"modelPath"`
	NoiseThreshold      float64  `yaml:"noiseThreshold"`
	FalseNegativeTarget float64  `yaml:"falseNegativeTarget"`
	CriticalServices    []string `yaml:"criticalServices"`
	// Cache is redis, lru or none.
	Cache     string `yaml:"cache"`
	CacheSize int    `yaml:"cacheSize"`
	CacheTTL  string `yaml:"cacheTTL"`
	// TrainingWindow bounds the history used by `alertiq train`.
	TrainingWindow string `yaml:"trainingWindow"`
}

type GroupingConfig struct {
	LabelWeight              float64 `yaml:"labelWeight"`
	NameWeight               float64 `yaml:"nameWeight"`
	ContextWeight            float64 `yaml:"contextWeight"`
	MergeSuggestionThreshold float64 `yaml:"mergeSuggestionThreshold"`
	ExpiryInterval           string  `yaml:"expiryInterval"`
}

type RulesConfig struct {
	File                       string  `yaml:"file"`
	DefaultSimilarityThreshold float64 `yaml:"defaultSimilarityThreshold"`
	DefaultTimeWindow          string  `yaml:"defaultTimeWindow"`
}

type SnoozeConfig struct {
	// Store is redis or memory.
	Store                string `yaml:"store"`
	KeyPrefix            string `yaml:"keyPrefix"`
	MinDuration          string `yaml:"minDuration"`
	MaxDuration          string `yaml:"maxDuration"`
	DefaultDuration      string `yaml:"defaultDuration"`
	AutoUnsnoozeOnChange *bool  `yaml:"autoUnsnoozeOnChange"`
	AuditRetention       string `yaml:"auditRetention"`
	SweepInterval        string `yaml:"sweepInterval"`
}

type ThresholdConfig struct {
	Path              string `yaml:"path"`
	OptimizeInterval  string `yaml:"optimizeInterval"`
	PerformanceWindow string `yaml:"performanceWindow"`
}

type PipelineConfig struct {
	Workers         int     `yaml:"workers"`
	QueueSize       int     `yaml:"queueSize"`
	StageTimeout    string  `yaml:"stageTimeout"`
	SearchK         int     `yaml:"searchK"`
	SearchThreshold float64 `yaml:"searchThreshold"`
	IndexAlerts     *bool   `yaml:"indexAlerts"`
}

// MetricsConfig points the false-negative rate provider at Prometheus. An
// empty PrometheusURL computes the rate from the history store instead.
type MetricsConfig struct {
	PrometheusURL      string `yaml:"prometheusURL"`
	FNRQuery           string `yaml:"fnrQuery"`
	FNRTimeout         string `yaml:"fnrTimeout"`
	FNRRefreshInterval string `yaml:"fnrRefreshInterval"`
}

// Load builds the configuration from environment variables, overlays the
// optional YAML (or JSON) file and fills omitted fields with defaults.
func Load(path string) (*Config, error) {
	cfg := fromEnv()
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, err
		}
	}
	cfg.fillDefaults()
	return cfg, nil
}

func fromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddr: getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
			APIToken: getEnv("ALERTIQ_API_TOKEN", ""),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			DSN:      getEnv("DB_DSN", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "alertiq"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvBool("KAFKA_ENABLED", false),
			Brokers: splitList(getEnv("KAFKA_BROKERS", "")),
			Topic:   getEnv("KAFKA_TOPIC", "alerts"),
			GroupID: getEnv("KAFKA_GROUP_ID", "alertiq"),
		},
		Receiver: ReceiverConfig{
			BasicUser: getEnv("ALERT_WEBHOOK_BASIC_USER", ""),
			BasicPass: getEnv("ALERT_WEBHOOK_BASIC_PASS", ""),
			Bearer:    getEnv("ALERT_WEBHOOK_BEARER", ""),
			DedupSize: getEnvInt("ALERT_WEBHOOK_DEDUP_SIZE", 10000),
			DedupTTL:  getEnv("ALERT_WEBHOOK_DEDUP_TTL", "10m"),
		},
		Encoder: EncoderConfig{
			Backend:   getEnv("ENCODER_BACKEND", "hashing"),
			Dimension: getEnvInt("ENCODER_DIMENSION", 384),
			URL:       getEnv("ENCODER_URL", ""),
			Model:     getEnv("ENCODER_MODEL", ""),
			Timeout:   getEnv("ENCODER_TIMEOUT", "5s"),
			RPS:       getEnvFloat("ENCODER_RPS", 0),
		},
		Search: SearchConfig{
			IndexType:       getEnv("SEARCH_INDEX_TYPE", "HNSW"),
			IndexPath:       getEnv("SEARCH_INDEX_PATH", ""),
			CompactInterval: getEnv("SEARCH_COMPACT_INTERVAL", "6h"),
		},
		Ranker: RankerConfig{
			ModelPath:      getEnv("RANKER_MODEL_PATH", ""),
			NoiseThreshold: getEnvFloat("RANKER_NOISE_THRESHOLD", 0),
			Cache:          getEnv("RANKER_CACHE", "lru"),
			CacheSize:      getEnvInt("RANKER_CACHE_SIZE", 10000),
			CacheTTL:       getEnv("RANKER_CACHE_TTL", "5m"),
			TrainingWindow: getEnv("RANKER_TRAINING_WINDOW", "720h"),
		},
		Grouping: GroupingConfig{
			ExpiryInterval: getEnv("GROUPING_EXPIRY_INTERVAL", "1m"),
		},
		Rules: RulesConfig{
			File: getEnv("ALERT_RULES_CONFIG_FILE", ""),
		},
		Snooze: SnoozeConfig{
			Store:         getEnv("SNOOZE_STORE", "redis"),
			KeyPrefix:     getEnv("SNOOZE_KEY_PREFIX", ""),
			SweepInterval: getEnv("SNOOZE_SWEEP_INTERVAL", "1h"),
		},
		Threshold: ThresholdConfig{
			Path:              getEnv("THRESHOLD_CONFIG_PATH", "thresholds.json"),
			OptimizeInterval:  getEnv("THRESHOLD_OPTIMIZE_INTERVAL", "1h"),
			PerformanceWindow: getEnv("THRESHOLD_PERFORMANCE_WINDOW", "24h"),
		},
		Pipeline: PipelineConfig{
			Workers:      getEnvInt("PIPELINE_WORKERS", 8),
			QueueSize:    getEnvInt("PIPELINE_QUEUE_SIZE", 1024),
			StageTimeout: getEnv("PIPELINE_STAGE_TIMEOUT", "2s"),
		},
		Metrics: MetricsConfig{
			PrometheusURL:      getEnv("PROMETHEUS_URL", ""),
			FNRQuery:           getEnv("PROMETHEUS_FNR_QUERY", ""),
			FNRTimeout:         getEnv("PROMETHEUS_QUERY_TIMEOUT", "10s"),
			FNRRefreshInterval: getEnv("FNR_REFRESH_INTERVAL", "1m"),
		},
	}
}

// fill reasonable defaults when fields omitted in file
func (c *Config) fillDefaults() {
	if c.Server.BindAddr == "" {
		c.Server.BindAddr = "0.0.0.0:8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Encoder.Backend == "" {
		c.Encoder.Backend = "hashing"
	}
	if c.Encoder.Dimension <= 0 {
		c.Encoder.Dimension = 384
	}
	if c.Search.IndexType == "" {
		c.Search.IndexType = "HNSW"
	}
	if c.Ranker.Cache == "" {
		c.Ranker.Cache = "lru"
	}
	if c.Snooze.Store == "" {
		c.Snooze.Store = "redis"
	}
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = 8
	}
	if c.Pipeline.QueueSize <= 0 {
		c.Pipeline.QueueSize = 1024
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "alerts"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "alertiq"
	}
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}
	return nil
}

// ParseDuration parses s, falling back to d when s is empty or invalid.
func ParseDuration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return d
}

// BoolOr dereferences an optional flag.
func BoolOr(b *bool, d bool) bool {
	if b == nil {
		return d
	}
	return *b
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
