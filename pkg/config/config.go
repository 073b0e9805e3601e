package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
// ⭐ SSOT: 모든 환경변수는 여기서만 읽음
type Config struct {
	Env string // development, staging, production

	// Run window
	Window WindowConfig

	// Table store
	Store StoreConfig

	// Database
	Database DatabaseConfig

	// Redis
	Redis RedisConfig

	// Scheduler
	Scheduler SchedulerConfig

	// Fetching
	Fetch FetchConfig

	// External sources
	FMI      FMIConfig
	Fingrid  FingridConfig
	ENTSOE   ENTSOEConfig
	Nordpool NordpoolConfig

	// Optional YAML source registry
	SourcesFile string

	// Logging
	LogLevel  string
	LogFormat string
}

// WindowConfig holds the time axis settings of a run
type WindowConfig struct {
	Timezone      string
	Location      *time.Location
	LookbackDays  int
	HorizonHours  int
	RetentionDays int // 0 disables eviction
}

// Lookback returns the history depth as a duration
func (w WindowConfig) Lookback() time.Duration {
	return time.Duration(w.LookbackDays) * 24 * time.Hour
}

// Horizon returns the forecast horizon as a duration
func (w WindowConfig) Horizon() time.Duration {
	return time.Duration(w.HorizonHours) * time.Hour
}

// Retention returns the eviction age (0 when disabled)
func (w WindowConfig) Retention() time.Duration {
	return time.Duration(w.RetentionDays) * 24 * time.Hour
}

// StoreConfig selects the table store
type StoreConfig struct {
	Backend  string // csv, postgres
	DataPath string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
	CacheTTL time.Duration
	LockTTL  time.Duration
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	URL      string

	// Connection Pool
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// SchedulerConfig holds the cron settings
type SchedulerConfig struct {
	RunSchedule string // cron spec with seconds
	Enabled     bool
}

// FetchConfig holds the outbound HTTP settings shared by all sources
type FetchConfig struct {
	Workers     int
	HTTPTimeout time.Duration
	MaxRetries  int
	RateLimit   float64 // requests per second per client, 0 = unlimited
}

// FMIConfig holds FMI open data configuration
type FMIConfig struct {
	BaseURL      string
	WindStations []string
	TempStations []string
}

// FingridConfig holds Fingrid open data configuration
type FingridConfig struct {
	APIKey    string
	BaseURL   string
	DatasetID int
}

// ENTSOEConfig holds ENTSO-E transparency platform configuration
type ENTSOEConfig struct {
	APIKey            string
	BaseURL           string
	BiddingZone       string
	NuclearCapacityMW float64
}

// NordpoolConfig holds Nord Pool data portal configuration
type NordpoolConfig struct {
	Token    string // basic auth header value for the token endpoint
	Payload  string // form body for the token endpoint
	TokenURL string
	BaseURL  string
	Area     string
	Currency string
}

// Load reads configuration from environment variables
// ⭐ SSOT: 이 함수만 os.Getenv()를 호출함
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{
		Env: getEnv("ENV", "development"),

		Window: WindowConfig{
			Timezone:      getEnv("TIMEZONE", "Europe/Helsinki"),
			LookbackDays:  getEnvAsInt("LOOKBACK_DAYS", 7),
			HorizonHours:  getEnvAsInt("HORIZON_HOURS", 120),
			RetentionDays: getEnvAsInt("RETENTION_DAYS", 0),
		},

		Store: StoreConfig{
			Backend:  getEnv("STORE", "csv"),
			DataPath: getEnv("DATA_PATH", filepath.Join("data", "data.csv")),
		},

		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			Name:            getEnv("DB_NAME", "spotcast"),
			User:            getEnv("DB_USER", "spotcast"),
			Password:        getEnv("DB_PASSWORD", ""),
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 4),
			MinConns:        getEnvAsInt("DB_MIN_CONNS", 1),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", "1h"),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", "30m"),
		},

		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			CacheTTL: getEnvAsDuration("REDIS_CACHE_TTL", "30m"),
			LockTTL:  getEnvAsDuration("REDIS_LOCK_TTL", "15m"),
		},

		Scheduler: SchedulerConfig{
			RunSchedule: getEnv("RUN_SCHEDULE", "0 0 7 * * *"),
			Enabled:     getEnvAsBool("SCHEDULER_ENABLED", true),
		},

		Fetch: FetchConfig{
			Workers:     getEnvAsInt("FETCH_WORKERS", 4),
			HTTPTimeout: getEnvAsDuration("HTTP_TIMEOUT", "60s"),
			MaxRetries:  getEnvAsInt("HTTP_MAX_RETRIES", 3),
			RateLimit:   getEnvAsFloat("HTTP_RATE_LIMIT", 5),
		},

		FMI: FMIConfig{
			BaseURL:      getEnv("FMI_BASE_URL", "https://opendata.fmi.fi/wfs"),
			WindStations: getEnvAsList("FMISID_WS"),
			TempStations: getEnvAsList("FMISID_T"),
		},

		Fingrid: FingridConfig{
			APIKey:    getEnv("FINGRID_API_KEY", ""),
			BaseURL:   getEnv("FINGRID_BASE_URL", "https://data.fingrid.fi/api"),
			DatasetID: getEnvAsInt("FINGRID_NUCLEAR_DATASET", 188),
		},

		ENTSOE: ENTSOEConfig{
			APIKey:            getEnv("ENTSO_E_API_KEY", ""),
			BaseURL:           getEnv("ENTSO_E_BASE_URL", "https://web-api.tp.entsoe.eu/api"),
			BiddingZone:       getEnv("ENTSO_E_BIDDING_ZONE", "10YFI-1--------U"),
			NuclearCapacityMW: getEnvAsFloat("NUCLEAR_CAPACITY_MW", 4372),
		},

		Nordpool: NordpoolConfig{
			Token:    getEnv("NORDPOOL_TOKEN", ""),
			Payload:  getEnv("NORDPOOL_PAYLOAD", getEnv("PAYLOAD_NORDPOOL", "")),
			TokenURL: getEnv("NORDPOOL_TOKEN_URL", "https://sts.nordpoolgroup.com/connect/token"),
			BaseURL:  getEnv("NORDPOOL_BASE_URL", "https://marketdata-api.nordpoolgroup.com"),
			Area:     getEnv("NORDPOOL_AREA", "FI"),
			Currency: getEnv("NORDPOOL_CURRENCY", "EUR"),
		},

		SourcesFile: getEnv("SOURCES_FILE", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks if required configuration values are set
func (c *Config) validate() error {
	// Source credentials are mandatory
	required := []struct {
		name  string
		value string
	}{
		{"FINGRID_API_KEY", c.Fingrid.APIKey},
		{"ENTSO_E_API_KEY", c.ENTSOE.APIKey},
		{"NORDPOOL_TOKEN", c.Nordpool.Token},
		{"NORDPOOL_PAYLOAD", c.Nordpool.Payload},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}
	if len(c.FMI.WindStations) == 0 {
		return fmt.Errorf("FMISID_WS is required")
	}
	if len(c.FMI.TempStations) == 0 {
		return fmt.Errorf("FMISID_T is required")
	}

	// Validate environment
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}

	switch c.Store.Backend {
	case "csv":
		if c.Store.DataPath == "" {
			return fmt.Errorf("DATA_PATH is required for STORE=csv")
		}
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for STORE=postgres")
		}
	default:
		return fmt.Errorf("STORE must be one of: csv, postgres")
	}

	loc, err := time.LoadLocation(c.Window.Timezone)
	if err != nil {
		return fmt.Errorf("TIMEZONE %q: %w", c.Window.Timezone, err)
	}
	if !hourAligned(loc) {
		return fmt.Errorf("TIMEZONE %q: local midnight must fall on a whole UTC hour", c.Window.Timezone)
	}
	c.Window.Location = loc

	if c.Window.LookbackDays <= 0 {
		return fmt.Errorf("LOOKBACK_DAYS must be positive")
	}
	if c.Window.HorizonHours <= 24 {
		return fmt.Errorf("HORIZON_HOURS must exceed 24 so the cutoff row is inside the window")
	}
	if c.Window.RetentionDays < 0 {
		return fmt.Errorf("RETENTION_DAYS must not be negative")
	}
	if c.Window.RetentionDays > 0 && c.Window.RetentionDays < c.Window.LookbackDays {
		return fmt.Errorf("RETENTION_DAYS must be 0 or at least LOOKBACK_DAYS")
	}
	if c.Fetch.Workers <= 0 {
		return fmt.Errorf("FETCH_WORKERS must be positive")
	}

	return nil
}

// Helper functions (private, only used within this file)

// hourAligned reports whether loc keeps a whole-hour UTC offset across the
// current and next year, so local midnights land on table rows.
func hourAligned(loc *time.Location) bool {
	start := time.Date(time.Now().Year(), 1, 1, 0, 0, 0, 0, loc)
	for ts := start; ts.Before(start.AddDate(2, 0, 0)); ts = ts.AddDate(0, 0, 7) {
		if _, offset := ts.Zone(); offset%3600 != 0 {
			return false
		}
	}
	return true
}

// loadEnvFile tries to load .env from multiple locations; .env.local wins
func loadEnvFile() {
	paths := []string{
		".env.local",
		".env",
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		// Fallback to default
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}

// getEnvAsList splits a comma separated value, dropping blanks
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
