package models

// Static YAML configuration structs. These cover process-level settings
// that never change at runtime; the runtime-mutable policies live in the
// singleton config tables and are seeded from Defaults on first startup.

type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout,omitempty"`
	WriteTimeout int    `yaml:"write_timeout,omitempty"`
}

type DatabaseType string

const (
	SQLite     DatabaseType = "sqlite"
	PostgreSQL DatabaseType = "postgres"
)

type DatabaseConfig struct {
	Type         DatabaseType `yaml:"type"`
	DSN          string       `yaml:"dsn"`
	MaxOpenConns int          `yaml:"max_open_conns,omitempty"`
	MaxIdleConns int          `yaml:"max_idle_conns,omitempty"`
}

type UpstreamConfig struct {
	BaseURL           string  `yaml:"base_url"`
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
	PollInterval      int     `yaml:"poll_interval,omitempty"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

type HealthConfig struct {
	// CooldownMinutes is the base cooldown; actual cooldown doubles
	// with each ban of the same credential.
	CooldownMinutes    int `yaml:"cooldown_minutes"`
	MaxCooldownMinutes int `yaml:"max_cooldown_minutes,omitempty"`
}

// DefaultsConfig seeds the singleton config rows on first startup only;
// later edits flow through the admin surface.
type DefaultsConfig struct {
	APIKey            string `yaml:"api_key"`
	AdminUsername     string `yaml:"admin_username"`
	AdminPassword     string `yaml:"admin_password"`
	ErrorBanThreshold int    `yaml:"error_ban_threshold"`
	ImageTimeout      int    `yaml:"image_timeout"`
	VideoTimeout      int    `yaml:"video_timeout"`
	CacheEnabled      bool   `yaml:"cache_enabled"`
	CacheTimeout      int    `yaml:"cache_timeout"`
}
