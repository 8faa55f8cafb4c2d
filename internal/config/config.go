package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Auth      AuthConfig      `json:"auth"`
	JWT       JWTConfig       `json:"jwt"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Fabric    FabricConfig    `json:"fabric"`
}

// FabricConfig holds node identity and the tunables named throughout the
// specification (gossip intervals, liveness thresholds, hash-cracking
// defaults). Every field has the spec's stated default.
type FabricConfig struct {
	NodeID   string `json:"node_id"`
	Role     string `json:"role"` // "coordinator" | "worker"
	Endpoint string `json:"endpoint"`
	CoordAddr string `json:"coord_addr"` // worker's --coord <host:port>

	GossipPeriod    time.Duration `json:"gossip_period"`
	GossipFanout    int           `json:"gossip_fanout"`
	AliveThreshold  time.Duration `json:"alive_threshold"`
	DeadThreshold   time.Duration `json:"dead_threshold"`
	SnapshotPeriod  time.Duration `json:"snapshot_period"`

	RPCTimeout       time.Duration `json:"rpc_timeout"`
	LongPollTimeout  time.Duration `json:"long_poll_timeout"`
	InitTimeout      time.Duration `json:"init_timeout"`
	TokenSkew        time.Duration `json:"token_skew"`

	BaseChunkSize    int64         `json:"base_chunk_size"`
	LookaheadBatches int           `json:"lookahead_batches"`
	OrphanTimeout    time.Duration `json:"orphan_timeout"`
	OrphanScanPeriod time.Duration `json:"orphan_scan_period"`
	ProgressTick     time.Duration `json:"progress_tick"`
	RetentionBatches int           `json:"retention_batches"`

	BroadcastMaxInFlight int `json:"broadcast_max_in_flight"`

	ArchiveDir string `json:"archive_dir"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `json:"port"`
	Host         string        `json:"host"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// DatabaseConfig contains database configuration
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"ssl_mode"`
}

// AuthConfig contains authentication configuration
type AuthConfig struct {
	JWTSecret string        `json:"jwt_secret"`
	TokenTTL  time.Duration `json:"token_ttl"`
}

// JWTConfig contains JWT configuration
type JWTConfig struct {
	Secret         string        `json:"secret"`
	ExpirationTime time.Duration `json:"expiration_time"`
	Issuer         string        `json:"issuer"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string `json:"level"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	Burst             int `json:"burst"`
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnvInt("PORT", 8080),
			Host:         getEnv("HOST", "0.0.0.0"),
			ReadTimeout:  time.Duration(getEnvInt("READ_timeout", 10)) * time.Second,
			WriteTimeout: time.Duration(getEnvInt("write_timeout", 10)) * time.Second,
			IdleTimeout:  time.Duration(getEnvInt("idle_timeout", 60)) * time.Second,
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "fabricd"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "your-secret-key"),
			TokenTTL:  time.Duration(getEnvInt("TOKEN_TTL", 24)) * time.Hour,
		},
		JWT: JWTConfig{
			Secret:         getEnv("JWT_SECRET", "your-secret-key"),
			ExpirationTime: time.Duration(getEnvInt("JWT_EXPIRATION_HOURS", 24)) * time.Hour,
			Issuer:         getEnv("JWT_ISSUER", "fabricd"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 200),
			Burst:             getEnvInt("RATE_LIMIT_BURST", 30),
		},
		Fabric: FabricConfig{
			NodeID:    getEnv("NODE_ID", ""),
			Role:      getEnv("NODE_ROLE", "worker"),
			Endpoint:  getEnv("NODE_ENDPOINT", "http://localhost:8080"),
			CoordAddr: getEnv("COORD_ADDR", ""),

			GossipPeriod:   time.Duration(getEnvInt("GOSSIP_PERIOD_MS", 1000)) * time.Millisecond,
			GossipFanout:   getEnvInt("GOSSIP_FANOUT", 3),
			AliveThreshold: time.Duration(getEnvInt("ALIVE_THRESHOLD_SEC", 30)) * time.Second,
			DeadThreshold:  time.Duration(getEnvInt("DEAD_THRESHOLD_SEC", 90)) * time.Second,
			SnapshotPeriod: time.Duration(getEnvInt("SNAPSHOT_PERIOD_SEC", 60)) * time.Second,

			RPCTimeout:      time.Duration(getEnvInt("RPC_TIMEOUT_SEC", 30)) * time.Second,
			LongPollTimeout: time.Duration(getEnvInt("LONG_POLL_TIMEOUT_SEC", 60)) * time.Second,
			InitTimeout:     time.Duration(getEnvInt("INIT_TIMEOUT_SEC", 30)) * time.Second,
			TokenSkew:       time.Duration(getEnvInt("TOKEN_SKEW_SEC", 30)) * time.Second,

			BaseChunkSize:    int64(getEnvInt("BASE_CHUNK_SIZE", 1_000_000)),
			LookaheadBatches: getEnvInt("LOOKAHEAD_BATCHES", 3),
			OrphanTimeout:    time.Duration(getEnvInt("ORPHAN_TIMEOUT_SEC", 300)) * time.Second,
			OrphanScanPeriod: time.Duration(getEnvInt("ORPHAN_SCAN_PERIOD_SEC", 60)) * time.Second,
			ProgressTick:     time.Duration(getEnvInt("PROGRESS_TICK_SEC", 10)) * time.Second,
			RetentionBatches: getEnvInt("RETENTION_BATCHES", 20),

			BroadcastMaxInFlight: getEnvInt("BROADCAST_MAX_IN_FLIGHT", 64),

			ArchiveDir: getEnv("ARCHIVE_DIR", "./data"),
		},
	}
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