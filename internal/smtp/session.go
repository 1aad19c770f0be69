package smtp

import (
	"context"
	"errors"
	"io"
	"net/mail"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/mail-relay/internal/email"
	"github.com/shineum/mail-relay/internal/router"
)

// Session is one SMTP transaction. It collects the envelope, parses the
// submitted message and hands it to the routing engine synchronously,
// so the client's final reply reflects the real delivery outcome.
type Session struct {
	backend       *Backend
	authenticated bool
	from          string
	rcpts         []string
}

// AuthMechanisms implements smtp.AuthSession.
func (s *Session) AuthMechanisms() []string {
	if !s.backend.AuthRequired() {
		return nil
	}
	return []string{sasl.Plain}
}

// Auth implements smtp.AuthSession.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if !s.backend.checkCredentials(username, password) {
			s.backend.log.Warn("smtp authentication failed", "username", username)
			return errors.New("invalid credentials")
		}
		s.authenticated = true
		return nil
	}), nil
}

// Mail handles MAIL FROM. Unauthenticated transactions are rejected
// while relay credentials are configured.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if s.backend.AuthRequired() && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

// Rcpt handles RCPT TO. Recipient count is bounded by the server's
// MaxRecipients before this is called.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.rcpts = append(s.rcpts, to)
	return nil
}

// Data receives the message body, parses it and routes it.
func (s *Session) Data(r io.Reader) error {
	if len(s.rcpts) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "No recipients specified",
		}
	}

	msg, err := Parse(r)
	if err != nil {
		s.backend.log.Warn("rejected unparseable message", "error", err)
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Malformed message",
		}
	}

	mergeEnvelope(msg, s.from, s.rcpts)

	if err := s.backend.mailer.Route(context.Background(), msg); err != nil {
		return routeReply(err)
	}
	return nil
}

// Reset clears the transaction; authentication survives a RSET.
func (s *Session) Reset() {
	s.from = ""
	s.rcpts = nil
}

// Logout implements smtp.Session.
func (s *Session) Logout() error {
	return nil
}

// mergeEnvelope reconciles the SMTP envelope with the parsed headers.
// The envelope sender backfills a missing From. Recipients the headers
// never mention become Bcc; when the headers carry no To at all, the
// envelope recipients are the To list.
func mergeEnvelope(msg *email.Email, from string, rcpts []string) {
	if msg.From == "" {
		msg.From = from
	}

	if len(msg.To) == 0 {
		msg.To = append(msg.To, rcpts...)
		return
	}

	seen := make(map[string]struct{}, len(msg.To)+len(msg.Cc))
	for _, list := range [][]string{msg.To, msg.Cc} {
		for _, addr := range list {
			seen[strings.ToLower(bareAddress(addr))] = struct{}{}
		}
	}
	for _, rcpt := range rcpts {
		if _, ok := seen[strings.ToLower(bareAddress(rcpt))]; ok {
			continue
		}
		msg.Bcc = append(msg.Bcc, rcpt)
	}
}

// bareAddress reduces a possibly display-named address to the bare
// form used for envelope comparison.
func bareAddress(addr string) string {
	if parsed, err := mail.ParseAddress(addr); err == nil {
		return parsed.Address
	}
	return strings.TrimSpace(addr)
}

// routeReply maps a routing failure onto the SMTP reply: authorization
// problems ask the operator to fix credentials (530), everything else
// is a permanent failure (554). The taxonomy message travels verbatim
// so the submitting client's log names the real cause.
func routeReply(err error) *smtp.SMTPError {
	switch router.CodeOf(err) {
	case router.CodeAuthorization, router.CodeTokenRefresh:
		return &smtp.SMTPError{
			Code:         530,
			EnhancedCode: smtp.EnhancedCode{5, 7, 0},
			Message:      err.Error(),
		}
	default:
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 0, 0},
			Message:      err.Error(),
		}
	}
}
