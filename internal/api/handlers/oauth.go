package handlers

import (
	"errors"
	"fmt"
	"html"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/shineum/mail-relay/internal/api/response"
	"github.com/shineum/mail-relay/internal/auditlog"
	"github.com/shineum/mail-relay/internal/oauth"
	"github.com/shineum/mail-relay/internal/settings"
)

// OAuthHandler drives the mailbox authorization flow: it hands out the
// consent URL, receives the provider redirect and manages the stored
// grant.
type OAuthHandler struct {
	manager *oauth.Manager
	store   *settings.Store
	audit   *auditlog.Store
}

func NewOAuthHandler(manager *oauth.Manager, store *settings.Store, audit *auditlog.Store) *OAuthHandler {
	return &OAuthHandler{manager: manager, store: store, audit: audit}
}

// URL handles GET /api/v1/oauth/url.
func (h *OAuthHandler) URL(c echo.Context) error {
	u, err := h.manager.AuthCodeURL(c.Request().Context())
	if err != nil {
		if errors.Is(err, oauth.ErrNotConfigured) {
			return response.Unprocessable(c, oauth.ErrNotConfigured.Error())
		}
		return response.InternalError(c, "failed to build authorization url")
	}
	return response.Success(c, map[string]string{"url": u})
}

// Callback handles GET /oauth/callback, the browser redirect target of
// the consent flow. It always answers with a small HTML page because a
// person, not an API client, is looking at it.
func (h *OAuthHandler) Callback(c echo.Context) error {
	ctx := c.Request().Context()

	if errCode := c.QueryParam("error"); errCode != "" {
		detail := c.QueryParam("error_description")
		if detail == "" {
			detail = errCode
		}
		h.audit.Append(ctx, auditlog.Entry{
			Type:    auditlog.EventAuthError,
			Level:   auditlog.LevelError,
			Message: "mailbox authorization declined",
			Details: auditlog.Details{"error": errCode, "description": detail},
		})
		return callbackPage(c, http.StatusBadRequest, "Authorization failed", detail)
	}

	code := c.QueryParam("code")
	state := c.QueryParam("state")
	if code == "" || state == "" {
		h.audit.Append(ctx, auditlog.Entry{
			Type:    auditlog.EventAuthError,
			Level:   auditlog.LevelError,
			Message: "mailbox authorization failed",
			Details: auditlog.Details{"error": "missing code or state parameter"},
		})
		return callbackPage(c, http.StatusBadRequest, "Authorization failed",
			"The callback is missing the code or state parameter.")
	}

	tok, err := h.manager.Exchange(ctx, code, state)
	if err != nil {
		h.audit.Append(ctx, auditlog.Entry{
			Type:    auditlog.EventAuthError,
			Level:   auditlog.LevelError,
			Message: "mailbox authorization failed",
			Details: auditlog.Details{"error": err.Error()},
		})
		status := http.StatusBadGateway
		if errors.Is(err, oauth.ErrStateMismatch) {
			status = http.StatusBadRequest
		}
		return callbackPage(c, status, "Authorization failed", err.Error())
	}

	h.audit.Append(ctx, auditlog.Entry{
		Type:      auditlog.EventAuthSuccess,
		Level:     auditlog.LevelSuccess,
		Message:   "mailbox authorized",
		Transport: string(settings.KindCloudAPI),
		Details:   auditlog.Details{"account": tok.Account},
	})
	return callbackPage(c, http.StatusOK, "Mailbox authorized",
		"The relay can now send mail. You can close this window.")
}

// Revoke handles POST /api/v1/oauth/revoke and drops the stored grant.
func (h *OAuthHandler) Revoke(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.manager.Revoke(ctx); err != nil {
		return response.InternalError(c, "failed to revoke authorization")
	}

	h.audit.Append(ctx, auditlog.Entry{
		Type:      auditlog.EventConfigChange,
		Level:     auditlog.LevelInfo,
		Message:   "mailbox authorization revoked",
		Actor:     "admin",
		Transport: string(settings.KindCloudAPI),
	})
	return response.SuccessWithMessage(c, nil, "authorization revoked")
}

// Status handles GET /api/v1/oauth/status.
func (h *OAuthHandler) Status(c echo.Context) error {
	ctx := c.Request().Context()

	t, err := h.store.Transport(ctx)
	if err != nil {
		return response.InternalError(c, "failed to load settings")
	}
	authorized, err := h.manager.IsAuthorized(ctx)
	if err != nil {
		return response.InternalError(c, "failed to load token")
	}
	state, err := h.manager.Status(ctx)
	if err != nil {
		return response.InternalError(c, "failed to resolve authorization status")
	}

	return response.Success(c, map[string]any{
		"configured": h.manager.IsConfigured(t),
		"authorized": authorized,
		"status":     state,
	})
}

const callbackHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>mail-relay</title></head>
<body style="font-family:sans-serif;max-width:32rem;margin:4rem auto">
<h1>%s</h1>
<p>%s</p>
</body>
</html>
`

func callbackPage(c echo.Context, status int, title, detail string) error {
	page := fmt.Sprintf(callbackHTML, html.EscapeString(title), html.EscapeString(detail))
	return c.HTML(status, page)
}
