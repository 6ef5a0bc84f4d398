package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Qdrant   QdrantConfig   `mapstructure:"qdrant"`
	Vector   VectorConfig   `mapstructure:"vector"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Detector DetectorConfig `mapstructure:"detector"`
	Session  SessionConfig  `mapstructure:"session"`
	Lock     LockConfig     `mapstructure:"lock"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
	// MaxUploadMB bounds the multipart image size accepted by the API.
	MaxUploadMB int `mapstructure:"max_upload_mb"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	URL             string        `mapstructure:"url"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the connection string for the configured driver.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		if c.URL != "" {
			return c.URL
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	}
	return c.Path
}

type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
	APIKey     string `mapstructure:"api_key"`
	UseTLS     bool   `mapstructure:"use_tls"`
}

type VectorConfig struct {
	Backend    string `mapstructure:"backend"` // qdrant, memory
	Dimensions int    `mapstructure:"dimensions"`
}

type StorageConfig struct {
	Type      string `mapstructure:"type"` // s3, r2, s3compatible, local
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
	LocalPath string `mapstructure:"local_path"`
}

type DetectorConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SessionConfig struct {
	ExpiryHours      int           `mapstructure:"expiry_hours"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
	SweepInProcess   bool          `mapstructure:"sweep_in_process"`
	SweepConcurrency int           `mapstructure:"sweep_concurrency"`
	MatchTopK        int           `mapstructure:"match_top_k"`
	MatchThreshold   float32       `mapstructure:"match_threshold"`
	SearchTopK       int           `mapstructure:"search_top_k"`
	SearchThreshold  float32       `mapstructure:"search_threshold"`
}

// maxExpiryHours is the largest expiry representable as a time.Duration.
const maxExpiryHours = int(math.MaxInt64 / int64(time.Hour))

// Expiry returns the session lifetime, saturating at the largest duration.
func (c *SessionConfig) Expiry() time.Duration {
	if c.ExpiryHours > maxExpiryHours {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(c.ExpiryHours) * time.Hour
}

type LockConfig struct {
	Backend       string        `mapstructure:"backend"` // local, redis
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
}

// Validate rejects configurations the services cannot start with.
func (c *Config) Validate() error {
	if c.Vector.Dimensions <= 0 {
		return fmt.Errorf("vector.dimensions must be positive, got %d", c.Vector.Dimensions)
	}
	switch c.Vector.Backend {
	case "qdrant", "memory":
	default:
		return fmt.Errorf("unknown vector.backend %q", c.Vector.Backend)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	switch c.Storage.Type {
	case "s3", "r2", "s3compatible", "":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for object storage")
		}
	case "local":
		if c.Storage.LocalPath == "" {
			return fmt.Errorf("storage.local_path is required for local storage")
		}
	default:
		return fmt.Errorf("unknown storage.type %q", c.Storage.Type)
	}
	switch c.Lock.Backend {
	case "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("lock.redis_addr is required for the redis lock backend")
		}
	default:
		return fmt.Errorf("unknown lock.backend %q", c.Lock.Backend)
	}
	if c.Session.ExpiryHours <= 0 || c.Session.ExpiryHours > maxExpiryHours {
		return fmt.Errorf("session.expiry_hours must be within [1, %d], got %d", maxExpiryHours, c.Session.ExpiryHours)
	}
	if c.Session.MatchThreshold < -1 || c.Session.MatchThreshold > 1 {
		return fmt.Errorf("session.match_threshold must be within [-1, 1]")
	}
	if c.Session.SearchThreshold < -1 || c.Session.SearchThreshold > 1 {
		return fmt.Errorf("session.search_threshold must be within [-1, 1]")
	}
	return nil
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets and deployment endpoints
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("qdrant.host", "QDRANT_HOST")
	v.BindEnv("qdrant.port", "QDRANT_PORT")
	v.BindEnv("qdrant.api_key", "QDRANT_API_KEY")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "AWS_ACCESS_KEY_ID")
	v.BindEnv("storage.secret_key", "AWS_SECRET_ACCESS_KEY")
	v.BindEnv("storage.bucket", "AWS_S3_BUCKET")
	v.BindEnv("storage.region", "AWS_REGION")
	v.BindEnv("detector.base_url", "DETECTOR_BASE_URL")
	v.BindEnv("detector.api_key", "DETECTOR_API_KEY")
	v.BindEnv("session.expiry_hours", "SESSION_EXPIRY_HOURS")
	v.BindEnv("session.match_threshold", "FACE_SIMILARITY_THRESHOLD")
	v.BindEnv("lock.redis_addr", "REDIS_ADDR")
	v.BindEnv("lock.redis_password", "REDIS_PASSWORD")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", false)
	v.SetDefault("server.cors.allowed_origins", []string{"http://localhost:3000", "http://localhost:8000"})
	v.SetDefault("server.max_upload_mb", 10)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/sessions.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection", "face_sessions")
	v.SetDefault("vector.backend", "qdrant")
	v.SetDefault("vector.dimensions", 512)
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_path", "./data/storage")
	v.SetDefault("storage.bucket", "face-emotion-bucket")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("detector.base_url", "http://localhost:9000")
	v.SetDefault("detector.timeout", 30*time.Second)
	v.SetDefault("session.expiry_hours", 24)
	v.SetDefault("session.cleanup_interval", time.Hour)
	v.SetDefault("session.sweep_in_process", true)
	v.SetDefault("session.sweep_concurrency", 4)
	v.SetDefault("session.match_top_k", 5)
	v.SetDefault("session.match_threshold", 0.6)
	v.SetDefault("session.search_top_k", 10)
	v.SetDefault("session.search_threshold", 0.5)
	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.ttl", 30*time.Second)
}
