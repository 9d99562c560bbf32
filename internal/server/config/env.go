package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// envPrefix namespaces every environment variable read by parseEnv.
const envPrefix = "WSYNC_"

// loadDotEnv is a seam for tests.
var loadDotEnv = func() error { return godotenv.Load() }

// parseEnv overlays values from the process environment. A .env file in the
// working directory is loaded first when present; variables already set in
// the environment win over it. Unparseable numeric values are ignored.
func parseEnv(config *Config) {
	_ = loadDotEnv()

	envString("HTTP_ADDR", &config.HTTPAddr)
	envString("DATABASE_DSN", &config.DatabaseDSN)
	envString("ADMIN_DATABASE_DSN", &config.AdminDatabaseDSN)
	envString("SECRET_KEY", &config.SecretKey)
	envDuration("TOKEN_VALIDITY", &config.TokenValidityDuration)
	envString("ENCRYPTION_SECRET", &config.EncryptionSecret)
	envString("ENCRYPTION_SALT", &config.EncryptionSalt)
	envString("WORKSPACE_BASE_URL", &config.WorkspaceBaseURL)
	envString("WORKSPACE_API_VERSION", &config.WorkspaceAPIVersion)
	envDuration("WORKSPACE_TIMEOUT", &config.WorkspaceTimeout)
	envBool("WORKSPACE_INSECURE_TLS", &config.WorkspaceInsecureTLS)
	envString("WORKSPACE_PROXY_URL", &config.WorkspaceProxyURL)
	envFloat("RATE_LIMIT_RPS", &config.RateLimitRPS)
	envInt("RATE_LIMIT_BURST", &config.RateLimitBurst)
	envDuration("RATE_LIMIT_DELAY", &config.RateLimitDelay)
	envInt("MAX_RETRIES", &config.MaxRetries)
	envInt("MAX_PAGES", &config.MaxPages)
	envInt("CHUNK_SIZE", &config.ChunkSize)
	envInt("WORKERS", &config.Workers)
	envDuration("STALE_PENDING_AFTER", &config.StalePendingAfter)
	envBool("ARCHIVE_ENABLED", &config.ArchiveEnabled)
	envString("S3_ROOT_USER", &config.S3RootUser)
	envString("S3_ROOT_PASSWORD", &config.S3RootPassword)
	envString("S3_BUCKET", &config.S3Bucket)
	envString("S3_REGION", &config.S3Region)
	envString("S3_BASE_ENDPOINT", &config.S3BaseEndpoint)
	envString("FDW_WRAPPER", &config.FDWWrapper)
	envString("FDW_SERVER", &config.FDWServer)
	envString("FDW_SCHEMA", &config.FDWSchema)
	envString("FDW_REMOTE_SCHEMA", &config.FDWRemoteSchema)
	envString("LOG_LEVEL", &config.LogLevel)
	envString("LOG_FILE", &config.LogFile)
	envBool("LOG_JSON", &config.LogJSON)
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(envPrefix + name); ok && v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(name string, dst *bool) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
