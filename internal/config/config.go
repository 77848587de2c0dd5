package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerAddr string
	LogLevel   string
	LogFormat  string

	// Task orchestration
	WorkerCount     int
	QueueSize       int
	TransferTimeout time.Duration
	MergeTimeout    time.Duration
	TaskRetention   time.Duration
	DownloadDir     string
	WorkDir         string

	// Metadata cache
	CacheTTL        time.Duration
	CacheMaxEntries int

	// External tools
	YtdlpPath      string
	FFmpegPath     string
	ExtractRate    float64
	ClientProfiles []string

	// Signed links
	SigningSecret     string
	SigningSecretAuto bool
	LinkTTL           time.Duration

	// bcrypt hash of the API key guarding POST /download; empty disables the check
	APIKeyHash string

	RedisURL    string
	DatabaseURL string

	// Artifact storage: local, minio or s3
	StorageBackend string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	S3Region       string
	S3Bucket       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string

	CORSOrigins []string

	// Per-client request limit on the extraction-heavy routes; 0 disables it
	RequestRate  float64
	RequestBurst int

	// PublicBaseURL prefixes signed links; when empty it is derived from the request
	PublicBaseURL string
}

// Load reads configuration from the environment, after applying an optional .env file.
func Load() *Config {
	// A missing .env is the normal production case.
	_ = godotenv.Load()

	secret := os.Getenv("SIGNING_SECRET")
	autoSecret := secret == ""
	if autoSecret {
		secret = generateDefaultSecret()
	}

	port := getEnvOrDefault("PORT", "8080")

	return &Config{
		ServerAddr: getEnvOrDefault("SERVER_ADDR", ":"+port),
		LogLevel:   getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:  getEnvOrDefault("LOG_FORMAT", "json"),

		WorkerCount:     getIntOrDefault("WORKER_COUNT", 3),
		QueueSize:       getIntOrDefault("QUEUE_SIZE", 256),
		TransferTimeout: getDurationOrDefault("TRANSFER_TIMEOUT", 10*time.Minute),
		MergeTimeout:    getDurationOrDefault("MERGE_TIMEOUT", 5*time.Minute),
		TaskRetention:   getDurationOrDefault("TASK_RETENTION", time.Hour),
		DownloadDir:     getEnvOrDefault("DOWNLOAD_DIR", "downloads"),
		WorkDir:         getEnvOrDefault("WORK_DIR", os.TempDir()),

		CacheTTL:        cacheTTL(),
		CacheMaxEntries: getIntOrDefault("CACHE_MAX_ENTRIES", 1000),

		YtdlpPath:      getEnvOrDefault("YTDLP_PATH", "yt-dlp"),
		FFmpegPath:     getEnvOrDefault("FFMPEG_PATH", "ffmpeg"),
		ExtractRate:    getFloatOrDefault("EXTRACT_RATE", 2),
		ClientProfiles: splitList(getEnvOrDefault("CLIENT_PROFILES", "android,ios,web_embedded")),

		SigningSecret:     secret,
		SigningSecretAuto: autoSecret,
		LinkTTL:           getDurationOrDefault("LINK_TTL_DEFAULT", time.Hour),

		APIKeyHash: os.Getenv("API_KEY_HASH"),

		RedisURL:    os.Getenv("REDIS_URL"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		StorageBackend: getEnvOrDefault("STORAGE_BACKEND", "local"),
		MinioEndpoint:  getEnvOrDefault("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey: getEnvOrDefault("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey: getEnvOrDefault("MINIO_SECRET_KEY", "minioadmin"),
		MinioBucket:    getEnvOrDefault("MINIO_BUCKET", "mediafetch"),
		MinioUseSSL:    getBoolOrDefault("MINIO_USE_SSL", false),
		S3Region:       getEnvOrDefault("S3_REGION", "us-east-1"),
		S3Bucket:       getEnvOrDefault("S3_BUCKET", "mediafetch"),
		S3Endpoint:     os.Getenv("S3_ENDPOINT"),
		S3AccessKey:    os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:    os.Getenv("S3_SECRET_KEY"),

		CORSOrigins: splitList(getEnvOrDefault("CORS_ORIGINS", "*")),

		RequestRate:  getFloatOrDefault("REQUEST_RATE", 5),
		RequestBurst: getIntOrDefault("REQUEST_BURST", 10),

		PublicBaseURL: strings.TrimSuffix(os.Getenv("PUBLIC_BASE_URL"), "/"),
	}
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.WorkerCount)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("QUEUE_SIZE must be at least 1, got %d", c.QueueSize)
	}
	if c.TransferTimeout <= 0 || c.MergeTimeout <= 0 {
		return fmt.Errorf("transfer and merge timeouts must be positive")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}
	if len(c.SigningSecret) < 16 {
		return fmt.Errorf("SIGNING_SECRET must be at least 16 bytes")
	}
	switch c.StorageBackend {
	case "local", "minio", "s3":
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	return nil
}

// cacheTTL honours CACHE_TTL_SECONDS, then CACHE_TTL_MINUTES, then 5 minutes.
func cacheTTL() time.Duration {
	if s := getIntOrDefault("CACHE_TTL_SECONDS", 0); s > 0 {
		return time.Duration(s) * time.Second
	}
	if m := getIntOrDefault("CACHE_TTL_MINUTES", 0); m > 0 {
		return time.Duration(m) * time.Minute
	}
	return 5 * time.Minute
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return v
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

// getDurationOrDefault accepts Go durations ("90s") or bare seconds ("90").
func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if s, err := strconv.Atoi(raw); err == nil {
		return time.Duration(s) * time.Second
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func generateDefaultSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "dev-secret-change-in-production"
	}
	return hex.EncodeToString(bytes)
}
