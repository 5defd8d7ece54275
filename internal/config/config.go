package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends.
const (
	StorageClickHouse = "clickhouse"
	StorageDuckDB     = "duckdb"
	StorageSQLite     = "sqlite"
)

// Config holds runtime settings for pgmirror.
type Config struct {
	Environment string
	Database    string
	Postgres    PostgresConfig
	Replication ReplicationConfig
	Storage     StorageConfig
	AWS         AWSConfig
	Telemetry   TelemetryConfig
}

type PostgresConfig struct {
	DSN              string
	Tables           []string
	Schemas          []string
	ValidateSettings bool
	MaxConns         int
}

type ReplicationConfig struct {
	BlockSize       int
	UseNulls        bool
	MetadataPath    string
	RetryInterval   time.Duration
	SnapshotWorkers int
	StatusInterval  time.Duration
}

type StorageConfig struct {
	Backend  string
	DSN      string
	Database string
}

type AWSConfig struct {
	RDSIAM          bool
	Region          string
	Profile         string
	RoleARN         string
	RoleSessionName string
	RoleExternalID  string
	Endpoint        string
}

type TelemetryConfig struct {
	ServiceName string
}

// Load reads config from the environment. When envFile is set its variables
// are loaded first; variables already present in the environment win.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	cfg := &Config{
		Environment: getenv("PGMIRROR_ENV", "dev"),
		Database:    getenv("PGMIRROR_DATABASE", ""),
		Postgres: PostgresConfig{
			DSN:              getenv("PGMIRROR_POSTGRES_DSN", ""),
			Tables:           getenvCSV("PGMIRROR_TABLES", ""),
			Schemas:          getenvCSV("PGMIRROR_SCHEMAS", "public"),
			ValidateSettings: getenvBool("PGMIRROR_VALIDATE_SETTINGS", true),
			MaxConns:         getenvInt("PGMIRROR_POSTGRES_MAX_CONNS", 0),
		},
		Replication: ReplicationConfig{
			BlockSize:       getenvInt("PGMIRROR_BLOCK_SIZE", 65536),
			UseNulls:        getenvBool("PGMIRROR_USE_NULLS", true),
			MetadataPath:    getenv("PGMIRROR_METADATA_PATH", ""),
			RetryInterval:   getenvDuration("PGMIRROR_RETRY_INTERVAL", 500*time.Millisecond),
			SnapshotWorkers: getenvInt("PGMIRROR_SNAPSHOT_WORKERS", 1),
			StatusInterval:  getenvDuration("PGMIRROR_STATUS_INTERVAL", 10*time.Second),
		},
		Storage: StorageConfig{
			Backend:  strings.ToLower(getenv("PGMIRROR_STORAGE", StorageClickHouse)),
			DSN:      getenv("PGMIRROR_STORAGE_DSN", ""),
			Database: getenv("PGMIRROR_STORAGE_DATABASE", ""),
		},
		AWS: AWSConfig{
			RDSIAM:          getenvBool("PGMIRROR_AWS_RDS_IAM", false),
			Region:          getenv("PGMIRROR_AWS_REGION", getenv("AWS_REGION", "")),
			Profile:         getenv("PGMIRROR_AWS_PROFILE", ""),
			RoleARN:         getenv("PGMIRROR_AWS_ROLE_ARN", ""),
			RoleSessionName: getenv("PGMIRROR_AWS_ROLE_SESSION_NAME", ""),
			RoleExternalID:  getenv("PGMIRROR_AWS_ROLE_EXTERNAL_ID", ""),
			Endpoint:        getenv("PGMIRROR_AWS_ENDPOINT", ""),
		},
		Telemetry: TelemetryConfig{
			ServiceName: getenv("PGMIRROR_OTEL_SERVICE", "pgmirror"),
		},
	}
	return cfg, nil
}

// Finalize fills defaults derived from other settings and validates the result.
func (c *Config) Finalize() error {
	if c.Database == "" {
		return errors.New("database name is required (PGMIRROR_DATABASE)")
	}
	if c.Postgres.DSN == "" {
		return errors.New("postgres dsn is required (PGMIRROR_POSTGRES_DSN)")
	}
	if c.Replication.MetadataPath == "" {
		c.Replication.MetadataPath = DefaultMetadataPath(c.Database)
	}
	if c.Storage.Database == "" {
		c.Storage.Database = c.Database
	}
	if len(c.Postgres.Schemas) == 0 {
		c.Postgres.Schemas = []string{"public"}
	}
	switch c.Storage.Backend {
	case StorageClickHouse, StorageDuckDB, StorageSQLite:
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage dsn is required for %s (PGMIRROR_STORAGE_DSN)", c.Storage.Backend)
	}
	if c.Replication.BlockSize <= 0 {
		return fmt.Errorf("block size must be positive, got %d", c.Replication.BlockSize)
	}
	if c.Replication.SnapshotWorkers < 1 {
		c.Replication.SnapshotWorkers = 1
	}
	return nil
}

// DefaultMetadataPath returns the marker location used when none is configured.
func DefaultMetadataPath(database string) string {
	return "./" + database + ".metadata"
}

func getenv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		switch value {
		case "1", "true", "TRUE", "yes", "YES":
			return true
		case "0", "false", "FALSE", "no", "NO":
			return false
		default:
			return fallback
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvCSV(key, fallback string) []string {
	return SplitCSV(getenv(key, fallback))
}

// SplitCSV splits a comma separated list, dropping blanks.
func SplitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trim := strings.TrimSpace(part)
		if trim != "" {
			out = append(out, trim)
		}
	}
	return out
}

func getenvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}
