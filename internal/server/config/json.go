package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/workspacesync/internal/flagx"
	"github.com/dmitrijs2005/workspacesync/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON unmarshalling.
// It uses timex.Duration for interval fields, which allows parsing both
// string values such as "1s" and integer nanoseconds. Pointer fields
// distinguish "absent" from the zero value so a file only overrides what it
// names.
type JsonConfig struct {
	HTTPAddr              *string         `json:"http_addr"`
	DatabaseDSN           *string         `json:"database_dsn"`
	AdminDatabaseDSN      *string         `json:"admin_database_dsn"`
	SecretKey             *string         `json:"secret_key"`
	TokenValidityDuration *timex.Duration `json:"token_validity_duration"`
	EncryptionSecret      *string         `json:"encryption_secret"`
	EncryptionSalt        *string         `json:"encryption_salt"`
	WorkspaceBaseURL      *string         `json:"workspace_base_url"`
	WorkspaceAPIVersion   *string         `json:"workspace_api_version"`
	WorkspaceTimeout      *timex.Duration `json:"workspace_timeout"`
	WorkspaceInsecureTLS  *bool           `json:"workspace_insecure_tls"`
	WorkspaceProxyURL     *string         `json:"workspace_proxy_url"`
	RateLimitRPS          *float64        `json:"rate_limit_rps"`
	RateLimitBurst        *int            `json:"rate_limit_burst"`
	RateLimitDelay        *timex.Duration `json:"rate_limit_delay"`
	MaxRetries            *int            `json:"max_retries"`
	MaxPages              *int            `json:"max_pages"`
	ChunkSize             *int            `json:"chunk_size"`
	Workers               *int            `json:"workers"`
	StalePendingAfter     *timex.Duration `json:"stale_pending_after"`
	ArchiveEnabled        *bool           `json:"archive_enabled"`
	S3RootUser            *string         `json:"s3_root_user"`
	S3RootPassword        *string         `json:"s3_root_password"`
	S3Bucket              *string         `json:"s3_bucket"`
	S3Region              *string         `json:"s3_region"`
	S3BaseEndpoint        *string         `json:"s3_base_endpoint"`
	FDWWrapper            *string         `json:"fdw_wrapper"`
	FDWServer             *string         `json:"fdw_server"`
	FDWSchema             *string         `json:"fdw_schema"`
	FDWRemoteSchema       *string         `json:"fdw_remote_schema"`
	LogLevel              *string         `json:"log_level"`
	LogFile               *string         `json:"log_file"`
	LogJSON               *bool           `json:"log_json"`
}

// parseJson loads configuration values from the JSON file named by the -c or
// -config command-line flags into config. If no file is named nothing is
// loaded. If the file cannot be read or contains invalid JSON, the function
// panics.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}
	if err := applyJSONFile(config, jsonConfigFile); err != nil {
		panic(err)
	}
}

func applyJSONFile(config *Config, path string) error {
	file, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		return err
	}

	set(&config.HTTPAddr, c.HTTPAddr)
	set(&config.DatabaseDSN, c.DatabaseDSN)
	set(&config.AdminDatabaseDSN, c.AdminDatabaseDSN)
	set(&config.SecretKey, c.SecretKey)
	setDuration(&config.TokenValidityDuration, c.TokenValidityDuration)
	set(&config.EncryptionSecret, c.EncryptionSecret)
	set(&config.EncryptionSalt, c.EncryptionSalt)
	set(&config.WorkspaceBaseURL, c.WorkspaceBaseURL)
	set(&config.WorkspaceAPIVersion, c.WorkspaceAPIVersion)
	setDuration(&config.WorkspaceTimeout, c.WorkspaceTimeout)
	set(&config.WorkspaceInsecureTLS, c.WorkspaceInsecureTLS)
	set(&config.WorkspaceProxyURL, c.WorkspaceProxyURL)
	set(&config.RateLimitRPS, c.RateLimitRPS)
	set(&config.RateLimitBurst, c.RateLimitBurst)
	setDuration(&config.RateLimitDelay, c.RateLimitDelay)
	set(&config.MaxRetries, c.MaxRetries)
	set(&config.MaxPages, c.MaxPages)
	set(&config.ChunkSize, c.ChunkSize)
	set(&config.Workers, c.Workers)
	setDuration(&config.StalePendingAfter, c.StalePendingAfter)
	set(&config.ArchiveEnabled, c.ArchiveEnabled)
	set(&config.S3RootUser, c.S3RootUser)
	set(&config.S3RootPassword, c.S3RootPassword)
	set(&config.S3Bucket, c.S3Bucket)
	set(&config.S3Region, c.S3Region)
	set(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	set(&config.FDWWrapper, c.FDWWrapper)
	set(&config.FDWServer, c.FDWServer)
	set(&config.FDWSchema, c.FDWSchema)
	set(&config.FDWRemoteSchema, c.FDWRemoteSchema)
	set(&config.LogLevel, c.LogLevel)
	set(&config.LogFile, c.LogFile)
	set(&config.LogJSON, c.LogJSON)

	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *timex.Duration) {
	if v != nil {
		*dst = v.Duration
	}
}
