// Package smtp delivers mail through an upstream SMTP submission host.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"strconv"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/mail-relay/internal/email"
	"github.com/shineum/mail-relay/internal/settings"
)

// Connection security modes.
const (
	SecuritySSL  = "ssl"  // implicit TLS from the first byte
	SecurityTLS  = "tls"  // STARTTLS upgrade
	SecurityNone = "none" // plaintext
)

// ClientConfig is the validated connection configuration.
type ClientConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Security string
	From     string
	FromName string
}

// Configure validates the stored settings into a connection config.
func Configure(t *settings.Transport) (*ClientConfig, error) {
	if t.SMTPHost == "" {
		return nil, errors.New("smtp host is not configured")
	}

	security := t.SMTPSecurity
	if security == "" {
		security = SecurityTLS
	}
	switch security {
	case SecuritySSL, SecurityTLS, SecurityNone:
	default:
		return nil, fmt.Errorf("unknown smtp security mode %q", t.SMTPSecurity)
	}

	port := t.SMTPPort
	if port == 0 {
		if security == SecuritySSL {
			port = 465
		} else {
			port = 587
		}
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("smtp port %d is out of range", t.SMTPPort)
	}

	if t.SMTPFrom == "" {
		return nil, errors.New("smtp sender address is not configured")
	}
	if t.SMTPUsername != "" && t.SMTPPassword == "" {
		return nil, errors.New("smtp password is not configured")
	}

	return &ClientConfig{
		Host:     t.SMTPHost,
		Port:     port,
		Username: t.SMTPUsername,
		Password: t.SMTPPassword,
		Security: security,
		From:     t.SMTPFrom,
		FromName: t.SMTPFromName,
	}, nil
}

// Transport sends messages through one configured submission host.
type Transport struct {
	cfg      *ClientConfig
	hostname string
	log      *slog.Logger
}

// New validates the settings and builds the transport. The hostname is
// announced in HELO/EHLO.
func New(t *settings.Transport, hostname string, log *slog.Logger) (*Transport, error) {
	cfg, err := Configure(t)
	if err != nil {
		return nil, err
	}
	if hostname == "" {
		hostname = "localhost"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Transport{cfg: cfg, hostname: hostname, log: log}, nil
}

// Name identifies the transport in logs and audit entries.
func (t *Transport) Name() string {
	return "smtp"
}

// Send performs one SMTP submission: connect, greet, upgrade and
// authenticate as configured, then hand over envelope and data.
func (t *Transport) Send(ctx context.Context, msg *email.Email) error {
	if msg.From == "" {
		patched := msg.Clone()
		patched.From = email.FormatAddress(t.cfg.FromName, t.cfg.From)
		msg = patched
	}

	raw, err := email.BuildRaw(msg)
	if err != nil {
		return fmt.Errorf("failed to build message: %w", err)
	}

	rcpts := envelopeRecipients(msg)
	if len(rcpts) == 0 {
		return email.ErrNoRecipient
	}

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	tlsConfig := &tls.Config{
		ServerName: t.cfg.Host,
		MinVersion: tls.VersionTLS12,
	}
	if t.cfg.Security == SecuritySSL {
		conn = tls.Client(conn, tlsConfig)
	}

	client, err := t.newClient(conn, tlsConfig)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if err := t.initClient(client); err != nil {
		return err
	}
	if err := copyEnvelope(client, envelopeFrom(msg.From), rcpts); err != nil {
		return err
	}
	if err := copyData(client, raw); err != nil {
		return err
	}
	if err := client.Quit(); err != nil {
		t.log.Debug("smtp quit failed", "error", err)
	}

	t.log.Info("email sent via smtp",
		"host", t.cfg.Host,
		"recipients", len(rcpts))
	return nil
}

// newClient wraps the connection in an SMTP client, upgrading to TLS
// when configured. go-smtp only exposes the STARTTLS upgrade at client
// construction time.
func (t *Transport) newClient(conn net.Conn, tlsConfig *tls.Config) (*smtp.Client, error) {
	if t.cfg.Security == SecurityTLS {
		client, err := smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("starttls failed: %w", err)
		}
		return client, nil
	}
	return smtp.NewClient(conn), nil
}

// initClient greets the server and authenticates when credentials are
// present.
func (t *Transport) initClient(client *smtp.Client) error {
	if err := client.Hello(t.hostname); err != nil {
		return fmt.Errorf("smtp greeting failed: %w", err)
	}

	if t.cfg.Username != "" {
		auth := sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp authentication failed: %w", err)
		}
	}
	return nil
}

// copyEnvelope sends the return path and all recipients.
func copyEnvelope(client *smtp.Client, from string, rcpts []string) error {
	if err := client.Mail(from, nil); err != nil {
		return fmt.Errorf("sender %s rejected: %w", from, err)
	}
	for _, rcpt := range rcpts {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("recipient %s rejected: %w", rcpt, err)
		}
	}
	return nil
}

// copyData writes the message content.
func copyData(client *smtp.Client, raw []byte) error {
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data command failed: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message rejected: %w", err)
	}
	return nil
}

func envelopeRecipients(msg *email.Email) []string {
	out := make([]string, 0, len(msg.To)+len(msg.Cc)+len(msg.Bcc))
	out = append(out, msg.To...)
	out = append(out, msg.Cc...)
	out = append(out, msg.Bcc...)
	return out
}

// envelopeFrom reduces a possibly display-named sender to the bare
// address MAIL FROM requires.
func envelopeFrom(from string) string {
	if parsed, err := mail.ParseAddress(from); err == nil {
		return parsed.Address
	}
	return from
}
