package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/creativepool/sora-relay/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete static application configuration.
type Config struct {
	Server   models.ServerConfig   `yaml:"server"`
	Database models.DatabaseConfig `yaml:"database"`
	Upstream models.UpstreamConfig `yaml:"upstream"`
	Redis    models.RedisConfig    `yaml:"redis,omitempty"`
	Health   models.HealthConfig   `yaml:"health"`
	Defaults models.DefaultsConfig `yaml:"defaults"`
}

// LoadFromFile loads configuration from a YAML file with environment
// variable substitution.
func LoadFromFile(configPath string) (*Config, error) {
	cleanPath := filepath.Clean(configPath)
	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("invalid config path: path traversal not allowed")
	}

	ext := filepath.Ext(cleanPath)
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("invalid config file: only .yaml and .yml files are allowed")
	}

	data, err := os.ReadFile(cleanPath) // #nosec G304 - path is validated above
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	content := substituteEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(content), &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

// LoadEnvFiles loads environment variables from .env files in order of
// precedence (first has highest priority).
func LoadEnvFiles(envFiles []string) {
	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err == nil {
				fiberlog.Infof("Loaded environment variables from %s", envFile)
			}
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8890
	}
	if c.Database.Type == "" {
		c.Database.Type = models.SQLite
	}
	if c.Database.DSN == "" && c.Database.Type == models.SQLite {
		c.Database.DSN = "sora_relay.db"
	}
	if c.Upstream.RequestsPerSecond == 0 {
		c.Upstream.RequestsPerSecond = 5
	}
	if c.Upstream.PollInterval == 0 {
		c.Upstream.PollInterval = 5
	}
	if c.Health.CooldownMinutes == 0 {
		c.Health.CooldownMinutes = 30
	}
	if c.Health.MaxCooldownMinutes == 0 {
		c.Health.MaxCooldownMinutes = 24 * 60
	}
	if c.Defaults.ErrorBanThreshold == 0 {
		c.Defaults.ErrorBanThreshold = 3
	}
	if c.Defaults.ImageTimeout == 0 {
		c.Defaults.ImageTimeout = 300
	}
	if c.Defaults.VideoTimeout == 0 {
		c.Defaults.VideoTimeout = 3000
	}
	if c.Defaults.CacheTimeout == 0 {
		c.Defaults.CacheTimeout = 600
	}
}

// substituteEnvVars replaces ${VAR_NAME} and ${VAR_NAME:-default}
// patterns with environment variables.
func substituteEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::(-[^}]*))?\}`)

	return re.ReplaceAllStringFunc(content, func(match string) string {
		submatches := re.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		defaultValue := ""

		if len(submatches) > 2 && submatches[2] != "" {
			defaultValue = strings.TrimPrefix(submatches[2], "-")
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}

		return defaultValue
	})
}
