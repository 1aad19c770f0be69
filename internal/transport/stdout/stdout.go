// Package stdout prints messages to standard output instead of
// delivering them, for local development and routing smoke tests.
package stdout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/shineum/mail-relay/internal/email"
)

// Transport writes human-readable message dumps to a writer.
type Transport struct {
	writer io.Writer
	log    *slog.Logger
}

// New creates a transport writing to os.Stdout.
func New(log *slog.Logger) *Transport {
	return NewWithWriter(os.Stdout, log)
}

// NewWithWriter creates a transport writing to the given writer.
func NewWithWriter(w io.Writer, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{writer: w, log: log}
}

// Name identifies the transport in logs and audit entries.
func (t *Transport) Name() string {
	return "stdout"
}

// Send prints the message. Write failures are logged and swallowed: a
// development sink never fails a send.
func (t *Transport) Send(_ context.Context, msg *email.Email) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(msg.Cc, ", "))
	}
	if len(msg.Bcc) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\n", strings.Join(msg.Bcc, ", "))
	}
	if msg.ReplyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\n", msg.ReplyTo)
	}
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	b.WriteString("Body:\n")

	body := msg.TextBody
	if body == "" {
		body = msg.HtmlBody
	}
	b.WriteString(body + "\n")

	if len(msg.Attachments) > 0 {
		parts := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			parts = append(parts, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(parts, ", "))
	}

	b.WriteString("========================================\n")

	if _, err := io.WriteString(t.writer, b.String()); err != nil {
		t.log.Warn("stdout write failed", "error", err)
	}
	return nil
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
