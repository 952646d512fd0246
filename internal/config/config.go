// Package config loads tripflow configuration from the environment, with an
// optional YAML file underneath.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// HTTP server
	ServerPort string `yaml:"server_port"`

	// Source resolution
	SourceRoot string `yaml:"source_root"`
	S3Enabled  bool   `yaml:"s3_enabled"`

	// Loader tuning
	ChunkSize     int           `yaml:"chunk_size"`
	InsertRetries int           `yaml:"insert_retries"`
	InsertTimeout time.Duration `yaml:"insert_timeout"`
	DecodePolicy  string        `yaml:"decode_policy"`

	// Storage. InMemory swaps the Postgres job store for the in-process
	// store; development and tests only.
	InMemory bool `yaml:"in_memory"`

	// Logging
	LogFile  string     `yaml:"log_file"`
	LogLevel slog.Level `yaml:"-"`
}

// Load reads configuration from the environment. When TRIPFLOW_CONFIG_FILE
// names a YAML file, its values apply first and the environment overrides
// them.
func Load() Config {
	cfg := Config{
		ServerPort:    "8488",
		SourceRoot:    "./data",
		ChunkSize:     5000,
		InsertRetries: 3,
		InsertTimeout: 30 * time.Second,
		DecodePolicy:  "skip-and-continue",
		LogFile:       "/tmp/tripflow.log",
	}

	if path := os.Getenv("TRIPFLOW_CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			slog.Warn("config file not loaded", "path", path, "error", err)
		}
	}

	cfg.ServerPort = getEnv("TRIPFLOW_SERVER_PORT", cfg.ServerPort)
	cfg.SourceRoot = getEnv("TRIPFLOW_SOURCE_ROOT", cfg.SourceRoot)
	cfg.S3Enabled = getEnvBool("TRIPFLOW_S3_ENABLED", cfg.S3Enabled)
	cfg.ChunkSize = getEnvInt("TRIPFLOW_CHUNK_SIZE", cfg.ChunkSize)
	cfg.InsertRetries = getEnvInt("TRIPFLOW_INSERT_RETRIES", cfg.InsertRetries)
	cfg.InsertTimeout = getEnvDuration("TRIPFLOW_INSERT_TIMEOUT", cfg.InsertTimeout)
	cfg.DecodePolicy = getEnv("TRIPFLOW_DECODE_POLICY", cfg.DecodePolicy)
	cfg.InMemory = getEnvBool("TRIPFLOW_IN_MEMORY", cfg.InMemory)
	cfg.LogFile = getEnv("TRIPFLOW_LOG_FILE", cfg.LogFile)
	cfg.LogLevel = parseLogLevel(getEnv("TRIPFLOW_LOG_LEVEL", "INFO"))

	return cfg
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// DatabaseURL constructs a PostgreSQL URL from environment variables named
// TRIPFLOW_DB_HOST, TRIPFLOW_DB_PORT, TRIPFLOW_DB_USER,
// TRIPFLOW_DB_PASSWORD, TRIPFLOW_DB_DBNAME and TRIPFLOW_DB_SSLMODE.
// TRIPFLOW_DB_URL, when set, wins outright.
func DatabaseURL() (string, error) {
	const prefix = "TRIPFLOW_DB_"

	if urlStr := os.Getenv(prefix + "URL"); urlStr != "" {
		return urlStr, nil
	}

	host := os.Getenv(prefix + "HOST")
	dbname := os.Getenv(prefix + "DBNAME")

	var missing []string
	if host == "" {
		missing = append(missing, prefix+"HOST")
	}
	if dbname == "" {
		missing = append(missing, prefix+"DBNAME")
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing required environment variable(s): %s",
			strings.Join(missing, ", "))
	}

	port := os.Getenv(prefix + "PORT")
	if port == "" {
		port = "5432"
	}
	user := os.Getenv(prefix + "USER")
	pass := os.Getenv(prefix + "PASSWORD")
	sslmode := os.Getenv(prefix + "SSLMODE")

	u := &url.URL{
		Scheme: "postgresql",
		Host:   host + ":" + port,
		Path:   dbname,
	}
	if user != "" {
		if pass != "" {
			u.User = url.UserPassword(user, pass)
		} else {
			u.User = url.User(user)
		}
	}
	if sslmode != "" {
		q := u.Query()
		q.Set("sslmode", sslmode)
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return strings.ToLower(val) == "true"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
