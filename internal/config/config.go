// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the mail relay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// defaultHTTPTimeout bounds token and send endpoint calls, in seconds.
const defaultHTTPTimeout = 30

// defaultSMTPTimeout bounds inbound SMTP reads and writes, in seconds.
const defaultSMTPTimeout = 60

// defaultRetentionDays is how long audit log entries are kept before the
// daily prune task removes them.
const defaultRetentionDays = 90

// Config holds the complete daemon configuration.
type Config struct {
	SMTP      SMTPConfig     `yaml:"smtp"`
	HTTP      HTTPConfig     `yaml:"http"`
	Database  DatabaseConfig `yaml:"database"`
	Security  SecurityConfig `yaml:"security"`
	Relay     RelayConfig    `yaml:"relay"`
	TLS       TLSConfig      `yaml:"tls"`
	Logging   LoggingConfig  `yaml:"logging"`
	Transport *TransportSeed `yaml:"transport"`
}

// SMTPConfig holds the inbound SMTP listener configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
	MaxRecipients  int    `yaml:"max_recipients"`
	ReadTimeout    int    `yaml:"read_timeout_seconds"`
	WriteTimeout   int    `yaml:"write_timeout_seconds"`
}

// HTTPConfig holds the admin HTTP API configuration. PublicURL is the
// externally reachable base URL; the OAuth redirect URI is derived
// from it.
type HTTPConfig struct {
	Listen    string `yaml:"listen"`
	PublicURL string `yaml:"public_url"`
	APIKey    string `yaml:"api_key"`
}

// DatabaseConfig holds the persistence configuration. URL is either a
// postgres:// DSN or a sqlite file path.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// SecurityConfig controls at-rest encryption of sensitive settings.
// SecretKeys is the host secret material the vault key is derived from.
type SecurityConfig struct {
	EncryptSettings bool     `yaml:"encrypt_settings"`
	SecretKeys      []string `yaml:"secret_keys"`
}

// RelayConfig holds routing behavior knobs.
type RelayConfig struct {
	PlaceholderFrom string `yaml:"placeholder_from"`
	HTTPTimeout     int    `yaml:"http_timeout_seconds"`
	RetentionDays   int    `yaml:"log_retention_days"`
}

// TLSConfig enables STARTTLS on the SMTP listener, from certificate
// files or a generated self-signed certificate. When neither is set the
// listener stays plaintext.
type TLSConfig struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	SelfSigned bool   `yaml:"self_signed"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TransportSeed optionally seeds the persisted transport settings on first
// boot. It is applied only when no settings row exists yet; afterwards the
// admin API owns the values. YAML only, no env overrides.
type TransportSeed struct {
	Kind  string    `yaml:"kind"`
	SMTP  SMTPSeed  `yaml:"smtp"`
	Graph GraphSeed `yaml:"graph"`
	SES   SESSeed   `yaml:"ses"`
}

// SMTPSeed holds upstream SMTP submission settings for first-boot seeding.
type SMTPSeed struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Encryption  string `yaml:"encryption"`
	FromName    string `yaml:"from_name"`
	FromAddress string `yaml:"from_address"`
}

// GraphSeed holds Microsoft Graph settings for first-boot seeding.
type GraphSeed struct {
	ClientID     string `yaml:"client_id"`
	TenantID     string `yaml:"tenant_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri"`
	FromName     string `yaml:"from_name"`
	FromAddress  string `yaml:"from_address"`
}

// SESSeed holds AWS SES settings for first-boot seeding.
type SESSeed struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	FromAddress     string `yaml:"from_address"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AuthEnabled returns true if both relay username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// validate rejects configurations that cannot work at runtime.
func (c *Config) validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format %q", c.Logging.Format)
	}
	if c.Relay.HTTPTimeout <= 0 {
		return fmt.Errorf("http_timeout_seconds must be positive, got %d", c.Relay.HTTPTimeout)
	}
	if c.SMTP.ReadTimeout <= 0 || c.SMTP.WriteTimeout <= 0 {
		return fmt.Errorf("smtp timeouts must be positive, got read %d write %d", c.SMTP.ReadTimeout, c.SMTP.WriteTimeout)
	}
	if c.Relay.RetentionDays < 0 {
		return fmt.Errorf("log_retention_days must not be negative, got %d", c.Relay.RetentionDays)
	}
	if c.Security.EncryptSettings && len(c.secretKeys()) == 0 {
		return fmt.Errorf("encrypt_settings requires at least one secret key")
	}
	if (c.TLS.CertFile != "") != (c.TLS.KeyFile != "") {
		return fmt.Errorf("tls cert_file and key_file must be set together")
	}
	if c.TLS.SelfSigned && c.TLS.CertFile != "" {
		return fmt.Errorf("tls self_signed and cert_file are mutually exclusive")
	}
	return nil
}

// secretKeys returns the configured secret keys with empties dropped.
func (c *Config) secretKeys() []string {
	keys := make([]string, 0, len(c.Security.SecretKeys))
	for _, k := range c.Security.SecretKeys {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// SecretKeys returns the non-empty vault secret material.
func (c *Config) SecretKeys() []string {
	return c.secretKeys()
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxRecipients = 100
	c.SMTP.ReadTimeout = defaultSMTPTimeout
	c.SMTP.WriteTimeout = defaultSMTPTimeout
	c.HTTP.Listen = ":8080"
	c.HTTP.PublicURL = "http://localhost:8080"
	c.Database.URL = "mail-relay.db"
	c.Relay.PlaceholderFrom = "mail-relay@localhost"
	c.Relay.HTTPTimeout = defaultHTTPTimeout
	c.Relay.RetentionDays = defaultRetentionDays
	c.Logging.Level = "info"
	c.Logging.Format = "json"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}
	if v := os.Getenv("SMTP_MAX_RECIPIENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SMTP.MaxRecipients = n
		}
	}
	if v := os.Getenv("SMTP_READ_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SMTP.ReadTimeout = n
		}
	}
	if v := os.Getenv("SMTP_WRITE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SMTP.WriteTimeout = n
		}
	}

	if v := os.Getenv("HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
	if v := os.Getenv("PUBLIC_URL"); v != "" {
		c.HTTP.PublicURL = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.HTTP.APIKey = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}

	if v := os.Getenv("ENCRYPT_SETTINGS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Security.EncryptSettings = b
		}
	}
	if v := os.Getenv("SECRET_KEYS"); v != "" {
		parts := strings.Split(v, ",")
		keys := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				keys = append(keys, trimmed)
			}
		}
		c.Security.SecretKeys = keys
	}

	if v := os.Getenv("PLACEHOLDER_FROM"); v != "" {
		c.Relay.PlaceholderFrom = v
	}
	if v := os.Getenv("HTTP_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Relay.HTTPTimeout = n
		}
	}
	if v := os.Getenv("LOG_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Relay.RetentionDays = n
		}
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}
	if v := os.Getenv("TLS_SELF_SIGNED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.TLS.SelfSigned = b
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
}
