package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"hallpass/pkg/database"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv
const EnvPrefix = "HALLPASS_"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Auth      *AuthConfig      `json:"auth"`
	Retention *RetentionConfig `json:"retention"`
	Client    *ClientConfig    `json:"client"`
	Log       *LogConfig       `json:"log"`
}

// FUNCTIONAL DISCOVERY: Database configuration supports SQLite optimizations
type DatabaseConfig struct {
	Path           string        `json:"path"`
	MaxConnections int           `json:"max_connections"`
	Timeout        time.Duration `json:"timeout"`
}

// HTTPConfig controls the REST and websocket listener
type HTTPConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	Host         string        `json:"host"`
}

// FUNCTIONAL DISCOVERY: WebSocket configuration sized for a school, a few dozen teachers
type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	MaxFrameSize int64         `json:"max_frame_size"`
	WritesPerMin int           `json:"writes_per_minute"`
}

// AuthConfig holds the token signing settings
type AuthConfig struct {
	Secret   string        `json:"-"`
	Issuer   string        `json:"issuer"`
	TokenTTL time.Duration `json:"token_ttl"`
}

// RetentionConfig controls the record cleanup job
type RetentionConfig struct {
	Enabled  bool          `json:"enabled"`
	KeepDays int           `json:"keep_days"`
	Interval time.Duration `json:"interval"`
}

// ClientConfig is read by hallpassctl
type ClientConfig struct {
	ServerURL      string        `json:"server_url"`
	Token          string        `json:"-"`
	Identity       string        `json:"identity"`
	Timezone       string        `json:"timezone"`
	AwaitTimeout   time.Duration `json:"await_timeout"`
	RequestTimeout time.Duration `json:"request_timeout"`
	AdminEmails    []string      `json:"admin_emails"`
}

// LogConfig selects the zap preset
type LogConfig struct {
	Environment string `json:"environment"`
	Level       string `json:"level"`
}

// FUNCTIONAL DISCOVERY: Defaults run a single school on one machine
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:           "./data/hallpass.db",
			MaxConnections: 10,
			Timeout:        30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			MaxFrameSize: 1 << 20,
			WritesPerMin: 100,
		},
		Auth: &AuthConfig{
			Issuer:   "hallpass",
			TokenTTL: 12 * time.Hour,
		},
		Retention: &RetentionConfig{
			Enabled:  true,
			KeepDays: 40,
			Interval: 24 * time.Hour,
		},
		Client: &ClientConfig{
			ServerURL:      "ws://localhost:8080/ws",
			Timezone:       "Europe/Madrid",
			AwaitTimeout:   10 * time.Second,
			RequestTimeout: 10 * time.Second,
		},
		Log: &LogConfig{
			Environment: "production",
			Level:       "info",
		},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
// Critical for preventing runtime failures in production deployment
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	// Port 0 binds an ephemeral port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.MaxFrameSize <= 0 {
		return fmt.Errorf("WebSocket max frame size must be positive")
	}
	if c.WebSocket.WritesPerMin <= 0 {
		return fmt.Errorf("WebSocket write rate limit must be positive")
	}

	if c.Auth == nil {
		return fmt.Errorf("auth configuration is required")
	}
	if c.Auth.Issuer == "" {
		return fmt.Errorf("auth issuer cannot be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth token TTL must be positive")
	}

	if c.Retention == nil {
		return fmt.Errorf("retention configuration is required")
	}
	if c.Retention.KeepDays <= 0 {
		return fmt.Errorf("retention keep days must be positive")
	}
	if c.Retention.Interval <= 0 {
		return fmt.Errorf("retention interval must be positive")
	}

	if c.Client == nil {
		return fmt.Errorf("client configuration is required")
	}
	if c.Client.ServerURL == "" {
		return fmt.Errorf("client server URL cannot be empty")
	}
	if _, err := time.LoadLocation(c.Client.Timezone); err != nil {
		return fmt.Errorf("client timezone %q: %w", c.Client.Timezone, err)
	}
	if c.Client.AwaitTimeout <= 0 || c.Client.RequestTimeout <= 0 {
		return fmt.Errorf("client timeouts must be positive")
	}

	if c.Log == nil {
		return fmt.Errorf("log configuration is required")
	}
	switch c.Log.Environment {
	case "development", "production":
	default:
		return fmt.Errorf("log environment must be development or production")
	}

	return nil
}

// Addr returns the listen address
func (h *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// DatabaseConfig converts to the storage layer settings
func (c *Config) DatabaseConfig() *database.Config {
	db := database.DefaultConfig()
	db.DatabasePath = c.Database.Path
	db.MaxConnections = c.Database.MaxConnections
	return db
}

// Location returns the school time zone
func (c *ClientConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// LoadDotEnv loads .env style files into the process environment, existing
// variables win and missing files are ignored
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

// FUNCTIONAL DISCOVERY: Environment variable configuration enables deployment flexibility
// Unparseable values are ignored and the default kept
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(c *Config) {
	envString("DATABASE_PATH", &c.Database.Path)
	envInt("DATABASE_MAX_CONNECTIONS", &c.Database.MaxConnections)
	envDuration("DATABASE_TIMEOUT", &c.Database.Timeout)

	envInt("HTTP_PORT", &c.HTTP.Port)
	envString("HTTP_HOST", &c.HTTP.Host)
	envDuration("HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)

	envDuration("WEBSOCKET_PING_INTERVAL", &c.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &c.WebSocket.ReadTimeout)
	envInt("WEBSOCKET_WRITES_PER_MINUTE", &c.WebSocket.WritesPerMin)
	if v, ok := os.LookupEnv(EnvPrefix + "WEBSOCKET_MAX_FRAME_SIZE"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.WebSocket.MaxFrameSize = n
		}
	}

	envString("AUTH_SECRET", &c.Auth.Secret)
	envString("AUTH_ISSUER", &c.Auth.Issuer)
	envDuration("AUTH_TOKEN_TTL", &c.Auth.TokenTTL)

	envBool("RETENTION_ENABLED", &c.Retention.Enabled)
	envInt("RETENTION_KEEP_DAYS", &c.Retention.KeepDays)
	envDuration("RETENTION_INTERVAL", &c.Retention.Interval)

	envString("SERVER_URL", &c.Client.ServerURL)
	envString("TOKEN", &c.Client.Token)
	envString("IDENTITY", &c.Client.Identity)
	envString("TIMEZONE", &c.Client.Timezone)
	envDuration("AWAIT_TIMEOUT", &c.Client.AwaitTimeout)
	envDuration("REQUEST_TIMEOUT", &c.Client.RequestTimeout)
	if v, ok := os.LookupEnv(EnvPrefix + "ADMIN_EMAILS"); ok {
		c.Client.AdminEmails = splitList(v)
	}

	envString("ENV", &c.Log.Environment)
	envString("LOG_LEVEL", &c.Log.Level)
}

func envString(name string, dst *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ConfigFile represents the JSON structure for file-based configuration
// FUNCTIONAL DISCOVERY: Separate struct for JSON parsing to handle duration strings
type ConfigFile struct {
	Database *struct {
		Path           string `json:"path"`
		MaxConnections int    `json:"max_connections"`
		Timeout        string `json:"timeout"`
	} `json:"database"`
	HTTP *struct {
		Port         int    `json:"port"`
		Host         string `json:"host"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval string `json:"ping_interval"`
		ReadTimeout  string `json:"read_timeout"`
		MaxFrameSize int64  `json:"max_frame_size"`
		WritesPerMin int    `json:"writes_per_minute"`
	} `json:"websocket"`
	Auth *struct {
		Issuer   string `json:"issuer"`
		TokenTTL string `json:"token_ttl"`
	} `json:"auth"`
	Retention *struct {
		Enabled  *bool  `json:"enabled"`
		KeepDays int    `json:"keep_days"`
		Interval string `json:"interval"`
	} `json:"retention"`
	Client *struct {
		ServerURL      string   `json:"server_url"`
		Identity       string   `json:"identity"`
		Timezone       string   `json:"timezone"`
		AwaitTimeout   string   `json:"await_timeout"`
		RequestTimeout string   `json:"request_timeout"`
		AdminEmails    []string `json:"admin_emails"`
	} `json:"client"`
	Log *struct {
		Environment string `json:"environment"`
		Level       string `json:"level"`
	} `json:"log"`
}

// LoadFromFile reads a JSON config on top of the defaults
func LoadFromFile(filepath string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, filepath); err != nil {
		return nil, err
	}
	// ARCHITECTURAL DISCOVERY: Validate configuration after loading to catch errors early
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}
	return config, nil
}

func applyFile(c *Config, filepath string) error {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}
	var f ConfigFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	var errs []error
	duration := func(field, v string, dst *time.Duration) {
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		*dst = d
	}
	str := func(v string, dst *string) {
		if v != "" {
			*dst = v
		}
	}
	num := func(v int, dst *int) {
		if v > 0 {
			*dst = v
		}
	}

	if f.Database != nil {
		str(f.Database.Path, &c.Database.Path)
		num(f.Database.MaxConnections, &c.Database.MaxConnections)
		duration("database.timeout", f.Database.Timeout, &c.Database.Timeout)
	}
	if f.HTTP != nil {
		num(f.HTTP.Port, &c.HTTP.Port)
		str(f.HTTP.Host, &c.HTTP.Host)
		duration("http.read_timeout", f.HTTP.ReadTimeout, &c.HTTP.ReadTimeout)
		duration("http.write_timeout", f.HTTP.WriteTimeout, &c.HTTP.WriteTimeout)
	}
	if f.WebSocket != nil {
		duration("websocket.ping_interval", f.WebSocket.PingInterval, &c.WebSocket.PingInterval)
		duration("websocket.read_timeout", f.WebSocket.ReadTimeout, &c.WebSocket.ReadTimeout)
		if f.WebSocket.MaxFrameSize > 0 {
			c.WebSocket.MaxFrameSize = f.WebSocket.MaxFrameSize
		}
		num(f.WebSocket.WritesPerMin, &c.WebSocket.WritesPerMin)
	}
	if f.Auth != nil {
		str(f.Auth.Issuer, &c.Auth.Issuer)
		duration("auth.token_ttl", f.Auth.TokenTTL, &c.Auth.TokenTTL)
	}
	if f.Retention != nil {
		if f.Retention.Enabled != nil {
			c.Retention.Enabled = *f.Retention.Enabled
		}
		num(f.Retention.KeepDays, &c.Retention.KeepDays)
		duration("retention.interval", f.Retention.Interval, &c.Retention.Interval)
	}
	if f.Client != nil {
		str(f.Client.ServerURL, &c.Client.ServerURL)
		str(f.Client.Identity, &c.Client.Identity)
		str(f.Client.Timezone, &c.Client.Timezone)
		duration("client.await_timeout", f.Client.AwaitTimeout, &c.Client.AwaitTimeout)
		duration("client.request_timeout", f.Client.RequestTimeout, &c.Client.RequestTimeout)
		if len(f.Client.AdminEmails) > 0 {
			c.Client.AdminEmails = f.Client.AdminEmails
		}
	}
	if f.Log != nil {
		str(f.Log.Environment, &c.Log.Environment)
		str(f.Log.Level, &c.Log.Level)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid durations in %s: %w", filepath, errors.Join(errs...))
	}
	return nil
}

// FUNCTIONAL DISCOVERY: Configuration precedence: file > environment > defaults.
// Secrets only ever come from the environment so they stay out of config files.
func LoadConfigWithPrecedence(filepath string) (*Config, error) {
	config := LoadFromEnv()
	if filepath != "" {
		if err := applyFile(config, filepath); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
