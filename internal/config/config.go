package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

const (
	AppName     = "cloud-inventory-assistant"
	EnvFileName = "config.env"
	DBFileName  = "session.db"
)

// Config holds the client settings.
type Config struct {
	APIURL            string
	DBPath            string
	TokenKey          string
	HTTPTimeout       time.Duration
	SweepPatternsPath string
	LogLevel          string
	AzureClientID     string
	AzureTenantID     string
}

// Dir returns the per-user config directory of the app.
func Dir() string {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(configBase, AppName)
}

// LoadEnvFile loads environment variables from the config file in the user's
// config directory. Errors are ignored since the file may not exist.
// Variables already set in the environment win.
func LoadEnvFile() {
	_ = godotenv.Load(filepath.Join(Dir(), EnvFileName))
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		APIURL:            GetEnv("ASSISTANT_API_URL", "http://localhost:8000"),
		DBPath:            GetEnv("ASSISTANT_DB_PATH", filepath.Join(Dir(), DBFileName)),
		TokenKey:          os.Getenv("ASSISTANT_TOKEN_KEY"),
		SweepPatternsPath: os.Getenv("ASSISTANT_SWEEP_PATTERNS"),
		LogLevel:          GetEnv("ASSISTANT_LOG_LEVEL", "info"),
		AzureClientID:     os.Getenv("AZURE_CLIENT_ID"),
		AzureTenantID:     GetEnv("AZURE_TENANT_ID", "common"),
	}

	timeout, err := time.ParseDuration(GetEnv("ASSISTANT_HTTP_TIMEOUT", "30s"))
	if err != nil {
		return nil, fmt.Errorf("ASSISTANT_HTTP_TIMEOUT must be a duration: %w", err)
	}
	cfg.HTTPTimeout = timeout

	return cfg, nil
}

// EnsureDir creates the directory holding the database if needed.
func (c *Config) EnsureDir() error {
	return os.MkdirAll(filepath.Dir(c.DBPath), 0700)
}

func GetEnv(name, defaultValue string) string {
	value := os.Getenv(name)
	if value == "" {
		return defaultValue
	}
	return value
}
