package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the application configuration
type Config struct {
	// Enterprise and app identity
	EnterpriseSlug string
	AppID          int64
	AppSlug        string
	ClientID       string
	PrivateKeyFile string // development
	PrivateKey     string // base64, production

	// Source host
	DotcomURL string
	DotcomPAT string

	// Destination host
	GHESURL   string
	GHESPAT   string
	GHESOwner string

	// Mirrors
	WorkingDir string
	GitTimeout time.Duration

	// Behaviour
	Environment          string
	TestOrgs             []string
	ParentTeamRetryLimit int
	ParentTeamRetryDelay time.Duration
	RequestTimeout       time.Duration
	EventTimeout         time.Duration
	LogLevel             string

	// Storage
	StorageType string // "sqlite" or "postgres"
	SQLitePath  string
	PostgresURL string

	// API Server
	APIPort string
	APIHost string

	// CLI
	APIEndpoint string
}

// Load loads the configuration. Values come from, in increasing order of
// precedence: defaults, the optional YAML file at path, a .env file, and
// the process environment.
func Load(path string) (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	k := koanf.New(".")
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	// WORKING_DIR -> working_dir, overriding the file
	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	retryLimit, err := getInt(k, "parent_team_lookup_retry_limit", 3)
	if err != nil {
		return nil, err
	}
	appID, err := getInt(k, "app_id", 0)
	if err != nil {
		return nil, err
	}
	retryDelay, err := getDuration(k, "parent_team_lookup_delay", 5*time.Second)
	if err != nil {
		return nil, err
	}
	requestTimeout, err := getDuration(k, "request_timeout", 60*time.Second)
	if err != nil {
		return nil, err
	}
	gitTimeout, err := getDuration(k, "git_timeout", 30*time.Minute)
	if err != nil {
		return nil, err
	}
	eventTimeout, err := getDuration(k, "event_timeout", time.Hour)
	if err != nil {
		return nil, err
	}

	return &Config{
		EnterpriseSlug:       getString(k, "enterprise_slug", ""),
		AppID:                int64(appID),
		AppSlug:              getString(k, "app_slug", ""),
		ClientID:             getString(k, "client_id", ""),
		PrivateKeyFile:       getString(k, "private_key_file", ""),
		PrivateKey:           getString(k, "private_key", ""),
		DotcomURL:            strings.TrimRight(getString(k, "dotcom_url", "https://github.com"), "/"),
		DotcomPAT:            getString(k, "dotcom_pat", ""),
		GHESURL:              strings.TrimRight(getString(k, "ghes_url", ""), "/"),
		GHESPAT:              getString(k, "ghes_pat", ""),
		GHESOwner:            getString(k, "ghes_owner", ""),
		WorkingDir:           getString(k, "working_dir", "/tmp"),
		GitTimeout:           gitTimeout,
		Environment:          getString(k, "environment", "Production"),
		TestOrgs:             splitList(getString(k, "test_org", "")),
		ParentTeamRetryLimit: retryLimit,
		ParentTeamRetryDelay: retryDelay,
		RequestTimeout:       requestTimeout,
		EventTimeout:         eventTimeout,
		LogLevel:             getString(k, "log_level", "info"),
		StorageType:          getString(k, "storage_type", "sqlite"),
		SQLitePath:           getString(k, "sqlite_path", "./octomirror.db"),
		PostgresURL:          getString(k, "postgres_url", ""),
		APIPort:              getString(k, "api_port", "8080"),
		APIHost:              getString(k, "api_host", "localhost"),
		APIEndpoint:          getString(k, "api_endpoint", "http://localhost:8080"),
	}, nil
}

// getString returns the value of a key or a default value
func getString(k *koanf.Koanf, key, defaultValue string) string {
	if value := strings.TrimSpace(k.String(key)); value != "" {
		return value
	}
	return defaultValue
}

func getInt(k *koanf.Koanf, key string, defaultValue int) (int, error) {
	raw := getString(k, key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ConfigError{Field: strings.ToUpper(key), Message: "must be an integer"}
	}
	return v, nil
}

func getDuration(k *koanf.Koanf, key string, defaultValue time.Duration) (time.Duration, error) {
	raw := getString(k, key, "")
	if raw == "" {
		return defaultValue, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	// Bare integers are seconds
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ConfigError{Field: strings.ToUpper(key), Message: "must be a duration"}
	}
	return time.Duration(secs) * time.Second, nil
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

// IsDevelopment reports whether the development-only switches apply
func (c *Config) IsDevelopment() bool {
	return c.Environment == "Development"
}

// PrivateKeyPEM returns the app private key, read from PRIVATE_KEY_FILE in
// development and decoded from the base64 PRIVATE_KEY otherwise.
func (c *Config) PrivateKeyPEM() ([]byte, error) {
	if c.PrivateKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.PrivateKey)
		if err != nil {
			return nil, &ConfigError{Field: "PRIVATE_KEY", Message: "must be base64 encoded"}
		}
		return key, nil
	}
	if c.PrivateKeyFile == "" {
		return nil, &ConfigError{Field: "PRIVATE_KEY_FILE", Message: "app private key is required"}
	}
	key, err := os.ReadFile(c.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	return key, nil
}

// Validate validates the configuration needed to talk to both hosts
func (c *Config) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"ENTERPRISE_SLUG", c.EnterpriseSlug},
		{"APP_SLUG", c.AppSlug},
		{"CLIENT_ID", c.ClientID},
		{"DOTCOM_PAT", c.DotcomPAT},
		{"GHES_URL", c.GHESURL},
		{"GHES_PAT", c.GHESPAT},
		{"GHES_OWNER", c.GHESOwner},
	}
	for _, r := range required {
		if r.value == "" {
			return &ConfigError{Field: r.field, Message: "is required"}
		}
	}
	if c.AppID <= 0 {
		return &ConfigError{Field: "APP_ID", Message: "is required"}
	}
	if c.PrivateKey == "" && c.PrivateKeyFile == "" {
		return &ConfigError{Field: "PRIVATE_KEY_FILE", Message: "PRIVATE_KEY_FILE or PRIVATE_KEY is required"}
	}
	if c.ParentTeamRetryLimit < 1 {
		return &ConfigError{Field: "PARENT_TEAM_LOOKUP_RETRY_LIMIT", Message: "must be at least 1"}
	}
	return c.ValidateStorage()
}

// ValidateStorage validates the run journal settings only
func (c *Config) ValidateStorage() error {
	if c.StorageType != "sqlite" && c.StorageType != "postgres" {
		return &ConfigError{Field: "STORAGE_TYPE", Message: "must be 'sqlite' or 'postgres'"}
	}
	if c.StorageType == "postgres" && c.PostgresURL == "" {
		return &ConfigError{Field: "POSTGRES_URL", Message: "PostgreSQL URL is required when STORAGE_TYPE is 'postgres'"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
