package config

import (
	"fmt"
	"time"

	"callsession-backend/pkg/env"
)

// Config holds all configuration for the call service
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cassandra CassandraConfig
	Media     MediaConfig
	Call      CallConfig
	Push      PushConfig
	JWT       JWTConfig
	Log       LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int
	Environment string // development, staging, production
	ServiceName string
	CORSOrigins []string
}

// StoreConfig selects where calls are kept
type StoreConfig struct {
	Driver    string   // cockroach, memory
	SeedUsers []string // user ids registered in the memory directory
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// CassandraConfig holds the call event journal configuration
type CassandraConfig struct {
	Enabled     bool
	Hosts       []string
	Keyspace    string
	Username    string
	Password    string
	Consistency string
	Timeout     time.Duration
}

// MediaConfig holds the media relay credentials used to sign tokens
type MediaConfig struct {
	AppID          string
	AppCertificate string
	TokenTTL       time.Duration
}

// CallConfig holds call lifecycle tunables
type CallConfig struct {
	RingTimeout   time.Duration
	SweepInterval time.Duration
	InitiateLimit int // per user per minute
}

// PushConfig holds push notification configuration
type PushConfig struct {
	Provider        string // mock, fcm, apns
	FirebaseProject string
	FirebaseCreds   string
	APNsKeyPath     string
	APNsKeyID       string
	APNsTeamID      string
	APNsBundleID    string
	APNsProduction  bool
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        env.GetInt("PORT", 8083),
			Environment: env.GetString("ENV", "development"),
			ServiceName: env.GetString("SERVICE_NAME", "call-service"),
			CORSOrigins: env.GetStringSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Store: StoreConfig{
			Driver:    env.GetString("CALL_STORE", "cockroach"),
			SeedUsers: env.GetStringSlice("MEMORY_SEED_USERS", nil),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "callsession"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		Cassandra: CassandraConfig{
			Enabled:     env.GetBool("CASSANDRA_ENABLED", false),
			Hosts:       env.GetStringSlice("CASSANDRA_HOSTS", []string{"localhost"}),
			Keyspace:    env.GetString("CASSANDRA_KEYSPACE", "callsession"),
			Username:    env.GetString("CASSANDRA_USER", ""),
			Password:    env.GetStringFromFile("CASSANDRA_PASSWORD", ""),
			Consistency: env.GetString("CASSANDRA_CONSISTENCY", "QUORUM"),
			Timeout:     env.GetDuration("CASSANDRA_TIMEOUT", 600*time.Millisecond),
		},
		Media: MediaConfig{
			AppID:          env.GetString("MEDIA_APP_ID", ""),
			AppCertificate: env.GetStringFromFile("MEDIA_APP_CERTIFICATE", ""),
			TokenTTL:       env.GetDuration("MEDIA_TOKEN_TTL", time.Hour),
		},
		Call: CallConfig{
			RingTimeout:   env.GetDuration("CALL_RING_TIMEOUT", 45*time.Second),
			SweepInterval: env.GetDuration("CALL_SWEEP_INTERVAL", 10*time.Second),
			InitiateLimit: env.GetInt("CALL_INITIATE_LIMIT", 20),
		},
		Push: PushConfig{
			Provider:        env.GetString("PUSH_PROVIDER", "mock"),
			FirebaseProject: env.GetString("FIREBASE_PROJECT_ID", ""),
			FirebaseCreds:   env.GetStringFromFile("FIREBASE_CREDENTIALS", ""),
			APNsKeyPath:     env.GetString("APNS_KEY_PATH", ""),
			APNsKeyID:       env.GetString("APNS_KEY_ID", ""),
			APNsTeamID:      env.GetString("APNS_TEAM_ID", ""),
			APNsBundleID:    env.GetString("APNS_BUNDLE_ID", ""),
			APNsProduction:  env.GetBool("APNS_PRODUCTION", false),
		},
		JWT: JWTConfig{
			Secret: env.GetStringFromFile("JWT_SECRET", ""),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
//
// Missing media credentials are not an error here: the service starts and
// reports CONFIGURATION_ERROR on every operation that needs a token.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "cockroach", "memory":
	default:
		return fmt.Errorf("CALL_STORE must be cockroach or memory, got %q", c.Store.Driver)
	}

	switch c.Push.Provider {
	case "mock", "fcm", "apns":
	default:
		return fmt.Errorf("PUSH_PROVIDER must be mock, fcm or apns, got %q", c.Push.Provider)
	}

	if c.Call.RingTimeout <= 0 || c.Call.SweepInterval <= 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT and CALL_SWEEP_INTERVAL must be positive")
	}

	if c.Server.Environment == "production" {
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.Store.Driver == "memory" {
			return fmt.Errorf("CALL_STORE=memory is not allowed in production")
		}
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}

	return nil
}

// DSN returns the CockroachDB connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// Addr returns the Redis host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
