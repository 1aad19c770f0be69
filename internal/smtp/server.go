// Package smtp implements the inbound SMTP listener that feeds accepted
// messages into the relay's routing engine.
package smtp

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/shineum/mail-relay/internal/email"
)

// Limits applied when the configuration leaves them unset.
const (
	DefaultMaxMessageBytes = 25 * 1024 * 1024
	DefaultMaxRecipients   = 100
	DefaultReadTimeout     = 60 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	defaultMaxLineLength   = 2000
)

// Mailer routes an accepted message to the configured transport. The
// routing engine satisfies it; tests substitute a recorder.
type Mailer interface {
	Route(ctx context.Context, msg *email.Email) error
}

// Backend hands out sessions for inbound connections and holds the
// relay credentials MAIL transactions must authenticate against.
type Backend struct {
	mailer   Mailer
	username string
	password string
	log      *slog.Logger
}

// BackendConfig carries the backend collaborators. Empty credentials
// disable authentication; that mode is for development setups only.
type BackendConfig struct {
	Mailer   Mailer
	Username string
	Password string
	Log      *slog.Logger
}

// NewBackend creates the go-smtp backend.
func NewBackend(cfg BackendConfig) *Backend {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.Username == "" || cfg.Password == "" {
		log.Warn("no relay credentials configured, inbound smtp accepts unauthenticated mail")
	}
	return &Backend{
		mailer:   cfg.Mailer,
		username: cfg.Username,
		password: cfg.Password,
		log:      log,
	}
}

// NewSession implements smtp.Backend.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	b.log.Debug("smtp connection opened", "remote_addr", c.Conn().RemoteAddr().String())
	return &Session{backend: b}, nil
}

// AuthRequired reports whether relay credentials are configured.
func (b *Backend) AuthRequired() bool {
	return b.username != "" && b.password != ""
}

// checkCredentials compares both fields in constant time so a mismatch
// in either takes the same time to reject.
func (b *Backend) checkCredentials(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(b.username))
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(b.password))
	return userOK&passOK == 1
}

// ServerConfig bounds the listener. Zero values fall back to the
// package defaults.
type ServerConfig struct {
	Addr            string
	Hostname        string
	MaxMessageBytes int64
	MaxRecipients   int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration

	// TLSConfig enables STARTTLS. When nil the server allows
	// plaintext authentication, which only makes sense on a trusted
	// network.
	TLSConfig *tls.Config
}

// NewServer builds the go-smtp server around the backend.
func NewServer(backend *Backend, cfg ServerConfig) *smtp.Server {
	s := smtp.NewServer(backend)

	s.Addr = cfg.Addr
	s.Domain = cfg.Hostname
	if s.Domain == "" {
		s.Domain = "localhost"
	}

	s.MaxMessageBytes = cfg.MaxMessageBytes
	if s.MaxMessageBytes <= 0 {
		s.MaxMessageBytes = DefaultMaxMessageBytes
	}
	s.MaxRecipients = cfg.MaxRecipients
	if s.MaxRecipients <= 0 {
		s.MaxRecipients = DefaultMaxRecipients
	}
	s.ReadTimeout = cfg.ReadTimeout
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	s.WriteTimeout = cfg.WriteTimeout
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	s.MaxLineLength = defaultMaxLineLength

	s.TLSConfig = cfg.TLSConfig
	s.AllowInsecureAuth = cfg.TLSConfig == nil

	return s
}
