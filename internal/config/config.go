package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// SupplierLimit declares one supplier and its outbound request budget.
type SupplierLimit struct {
	Name              string
	RequestsPerMinute int
}

// Config holds runtime configuration for the enrichment service.
type Config struct {
	Env      string
	HTTPPort string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// PostgresDSN enables durable task history when non-empty.
	PostgresDSN string

	OracleCapacity     int
	OracleRefillPerSec float64
	OracleTTL          time.Duration

	DefaultMaxRetries int
	ProgressBuffer    int

	Suppliers []SupplierLimit

	MediaOutputDir       string
	MediaS3Bucket        string
	MediaS3Region        string
	MediaS3Endpoint      string
	MediaS3PathStyle     bool
	MediaMaxBytes        int64
	MediaDownloadTimeout time.Duration
	ThumbnailWidth       int
	ThumbnailHeight      int
	MediaSourceTemplate  string
}

// Load reads configuration from environment variables with sane defaults for
// local development.
func Load() Config {
	return Config{
		Env:      getEnv("APP_ENV", "dev"),
		HTTPPort: getEnv("HTTP_PORT", "8080"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		OracleCapacity:     getEnvInt("ORACLE_CAPACITY", 10),
		OracleRefillPerSec: getEnvFloat("ORACLE_REFILL_PER_SEC", 0.5),
		OracleTTL:          getEnvDuration("ORACLE_TTL", time.Hour),

		DefaultMaxRetries: getEnvInt("MAX_RETRIES", 3),
		ProgressBuffer:    getEnvInt("PROGRESS_BUFFER", 256),

		Suppliers: getEnvSuppliers("SUPPLIERS", []SupplierLimit{
			{Name: "MOUSER", RequestsPerMinute: 30},
			{Name: "DIGIKEY", RequestsPerMinute: 60},
			{Name: "LCSC", RequestsPerMinute: 20},
		}),

		MediaOutputDir:       getEnv("MEDIA_OUTPUT_DIR", "./media"),
		MediaS3Bucket:        getEnv("MEDIA_S3_BUCKET", ""),
		MediaS3Region:        getEnv("MEDIA_S3_REGION", "us-east-1"),
		MediaS3Endpoint:      getEnv("MEDIA_S3_ENDPOINT", ""),
		MediaS3PathStyle:     getEnvBool("MEDIA_S3_PATH_STYLE", false),
		MediaMaxBytes:        getEnvInt64("MEDIA_MAX_BYTES", 25*1024*1024),
		MediaDownloadTimeout: getEnvDuration("MEDIA_DOWNLOAD_TIMEOUT", 30*time.Second),
		ThumbnailWidth:       getEnvInt("THUMBNAIL_WIDTH", 320),
		ThumbnailHeight:      getEnvInt("THUMBNAIL_HEIGHT", 0),
		MediaSourceTemplate:  getEnv("MEDIA_SOURCE_TEMPLATE", ""),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getEnvSuppliers parses "NAME:rpm,NAME:rpm" pairs. Entries without a rate
// default to 60 requests per minute.
func getEnvSuppliers(key string, def []SupplierLimit) []SupplierLimit {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]SupplierLimit, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		name, rate, found := strings.Cut(p, ":")
		limit := SupplierLimit{Name: strings.ToUpper(strings.TrimSpace(name)), RequestsPerMinute: 60}
		if found {
			if i, err := strconv.Atoi(strings.TrimSpace(rate)); err == nil {
				limit.RequestsPerMinute = i
			}
		}
		if limit.Name != "" {
			out = append(out, limit)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
