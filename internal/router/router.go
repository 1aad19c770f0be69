// Package router is the relay's send entry point: it normalizes a
// message, selects the configured transport, obtains cloud credentials
// when needed, delivers, and records every outcome in the audit log.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/shineum/mail-relay/internal/auditlog"
	"github.com/shineum/mail-relay/internal/email"
	"github.com/shineum/mail-relay/internal/oauth"
	"github.com/shineum/mail-relay/internal/settings"
	"github.com/shineum/mail-relay/internal/transport"
	"github.com/shineum/mail-relay/internal/transport/graph"
)

// Config carries the router's collaborators, injected once at boot.
type Config struct {
	Settings *settings.Store
	Tokens   *oauth.Manager
	Audit    *auditlog.Store
	Log      *slog.Logger

	// HTTPClient performs cloud_api sends. Nil gets a 30-second client.
	HTTPClient *http.Client
	// Hostname is announced in outbound SMTP HELO/EHLO.
	Hostname string
	// PlaceholderFrom is the daemon's synthetic sender address. A
	// message carrying it as From is treated as having no explicit
	// sender, and a reply-to equal to it is dropped from cloud payloads.
	PlaceholderFrom string
	// GraphBaseURL overrides the Graph endpoint, for tests.
	GraphBaseURL string
}

// Router routes messages to the configured transport. It is stateless
// per call: settings and tokens are read fresh on every invocation.
type Router struct {
	settings *settings.Store
	tokens   *oauth.Manager
	audit    *auditlog.Store
	log      *slog.Logger

	client          *http.Client
	hostname        string
	placeholderFrom string
	graphBaseURL    string
}

// New wires a router from its collaborators.
func New(cfg Config) *Router {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Router{
		settings:        cfg.Settings,
		tokens:          cfg.Tokens,
		audit:           cfg.Audit,
		log:             log,
		client:          client,
		hostname:        cfg.Hostname,
		placeholderFrom: cfg.PlaceholderFrom,
		graphBaseURL:    cfg.GraphBaseURL,
	}
}

// Route normalizes and delivers one message, recording the outcome.
// Expected failures come back as *Error; classify with CodeOf.
func (r *Router) Route(ctx context.Context, msg *email.Email) error {
	return r.route(ctx, msg, auditlog.EventEmailSent, auditlog.EventEmailError)
}

// RouteTest is Route for operator-triggered test messages: the outcome
// entry is typed test_email so the log view can tell them apart.
func (r *Router) RouteTest(ctx context.Context, msg *email.Email) error {
	return r.route(ctx, msg, auditlog.EventTestEmail, auditlog.EventTestEmail)
}

func (r *Router) route(ctx context.Context, msg *email.Email, successType, failureType auditlog.EventType) error {
	m := msg.Clone()
	if err := m.Normalize(); err != nil {
		return r.fail(ctx, failureType, m, "", &Error{
			Code:    CodeValidation,
			Message: "message rejected",
			Err:     err,
		})
	}

	t, err := r.settings.Transport(ctx)
	if err != nil {
		return err
	}
	if t == nil {
		return r.fail(ctx, failureType, m, "", &Error{
			Code:    CodeConfiguration,
			Message: "no transport is configured",
		})
	}
	if !t.Kind.Valid() {
		return r.fail(ctx, failureType, m, string(t.Kind), &Error{
			Code:    CodeConfiguration,
			Message: fmt.Sprintf("unknown transport kind %q", t.Kind),
		})
	}

	r.resolveFrom(m, t)

	deps := transport.Deps{
		HTTPClient:      r.client,
		Log:             r.log,
		Hostname:        r.hostname,
		PlaceholderFrom: r.placeholderFrom,
		GraphBaseURL:    r.graphBaseURL,
	}

	if t.Kind == settings.KindCloudAPI {
		bearer, err := r.cloudBearer(ctx, t)
		if err != nil {
			var rerr *Error
			if errors.As(err, &rerr) {
				return r.fail(ctx, failureType, m, string(t.Kind), rerr)
			}
			return err
		}
		deps.Bearer = bearer
	}

	tr, err := transport.For(ctx, t, deps)
	if err != nil {
		return r.fail(ctx, failureType, m, string(t.Kind), &Error{
			Code:    CodeConfiguration,
			Message: "transport configuration rejected",
			Err:     err,
		})
	}

	if err := tr.Send(ctx, m); err != nil {
		return r.fail(ctx, failureType, m, tr.Name(), &Error{
			Code:    CodeTransport,
			Message: "delivery failed",
			Err:     err,
		})
	}

	r.audit.Append(ctx, auditlog.Entry{
		Type:      successType,
		Level:     auditlog.LevelSuccess,
		Message:   "email sent via " + tr.Name(),
		Recipient: strings.Join(m.To, ", "),
		Subject:   m.Subject,
		Transport: tr.Name(),
	})
	r.log.Info("email routed",
		"transport", tr.Name(),
		"recipients", len(m.To))
	return nil
}

// cloudBearer enforces the cloud_api preconditions and returns a usable
// access token. Both checks run before any network I/O; a refresh
// round-trip is recorded when it happens.
func (r *Router) cloudBearer(ctx context.Context, t *settings.Transport) (string, error) {
	if !r.tokens.IsConfigured(t) {
		return "", &Error{
			Code:    CodeConfiguration,
			Message: "cloud api transport is missing oauth client settings",
		}
	}
	authorized, err := r.tokens.IsAuthorized(ctx)
	if err != nil {
		return "", err
	}
	if !authorized {
		return "", &Error{
			Code:    CodeAuthorization,
			Message: "mailbox authorization required",
			Err:     oauth.ErrNotAuthorized,
		}
	}

	bearer, refreshed, err := r.tokens.ValidToken(ctx)
	if err != nil {
		code := CodeTokenRefresh
		message := "access token refresh failed"
		if errors.Is(err, oauth.ErrNotAuthorized) {
			code = CodeAuthorization
			message = "mailbox authorization required"
		}
		return "", &Error{Code: code, Message: message, Err: err}
	}
	if refreshed {
		r.audit.Append(ctx, auditlog.Entry{
			Type:      auditlog.EventTokenRefresh,
			Level:     auditlog.LevelInfo,
			Message:   "access token refreshed",
			Transport: string(settings.KindCloudAPI),
		})
	}
	return bearer, nil
}

// fail records the failure in the audit log and returns it. The entry
// type follows the failure class: authorization failures land as
// auth_error, refresh failures as token_refresh, everything else as the
// flow's outcome type.
func (r *Router) fail(ctx context.Context, outcomeType auditlog.EventType, m *email.Email, transportName string, rerr *Error) error {
	entryType := outcomeType
	switch rerr.Code {
	case CodeAuthorization:
		entryType = auditlog.EventAuthError
	case CodeTokenRefresh:
		entryType = auditlog.EventTokenRefresh
	}

	details := auditlog.Details{"code": string(rerr.Code)}
	if rerr.Err != nil {
		details["error"] = rerr.Err.Error()
	}
	var serr *graph.SendError
	if errors.As(rerr, &serr) {
		details["status"] = serr.Status
		details["auth_related"] = serr.AuthRelated()
	}

	r.audit.Append(ctx, auditlog.Entry{
		Type:      entryType,
		Level:     auditlog.LevelError,
		Message:   rerr.Message,
		Recipient: strings.Join(m.To, ", "),
		Subject:   m.Subject,
		Transport: transportName,
		Details:   details,
	})
	r.log.Warn("send failed",
		"code", rerr.Code,
		"transport", transportName,
		"error", rerr)
	return rerr
}

// resolveFrom fills the sender identity from the transport settings. An
// explicit caller-supplied sender wins; an absent sender or the relay's
// own placeholder is replaced by the configured identity.
func (r *Router) resolveFrom(m *email.Email, t *settings.Transport) {
	addr, name := senderIdentity(t)
	if addr == "" {
		return
	}
	if m.From == "" || r.isPlaceholder(m.From) {
		m.From = email.FormatAddress(name, addr)
	}
}

func (r *Router) isPlaceholder(from string) bool {
	if r.placeholderFrom == "" {
		return false
	}
	addr := strings.TrimSpace(from)
	if parsed, err := mail.ParseAddress(from); err == nil {
		addr = parsed.Address
	}
	return strings.EqualFold(addr, r.placeholderFrom)
}

// senderIdentity picks the configured from address and display name for
// the active transport kind.
func senderIdentity(t *settings.Transport) (addr, name string) {
	switch t.Kind {
	case settings.KindSMTP:
		return t.SMTPFrom, t.SMTPFromName
	case settings.KindCloudAPI:
		return t.GraphFrom, t.GraphFromName
	case settings.KindSES:
		return t.SESFrom, ""
	default:
		return "", ""
	}
}
