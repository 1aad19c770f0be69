package handlers

import (
	"fmt"

	"github.com/labstack/echo/v4"

	"github.com/shineum/mail-relay/internal/api/response"
	"github.com/shineum/mail-relay/internal/auditlog"
	"github.com/shineum/mail-relay/internal/settings"
	smtptransport "github.com/shineum/mail-relay/internal/transport/smtp"
)

// SettingsHandler reads and updates the transport settings.
type SettingsHandler struct {
	store *settings.Store
	audit *auditlog.Store
}

func NewSettingsHandler(store *settings.Store, audit *auditlog.Store) *SettingsHandler {
	return &SettingsHandler{store: store, audit: audit}
}

// settingsView is the sanitized representation. Credential fields are
// excluded by the model's JSON tags; the *_set flags tell the caller
// whether a secret is stored without revealing it.
type settingsView struct {
	*settings.Transport
	SMTPPasswordSet      bool `json:"smtp_password_set"`
	GraphClientSecretSet bool `json:"graph_client_secret_set"`
	SESSecretKeySet      bool `json:"ses_secret_key_set"`
}

// Get handles GET /api/v1/settings.
func (h *SettingsHandler) Get(c echo.Context) error {
	t, err := h.store.Transport(c.Request().Context())
	if err != nil {
		return response.InternalError(c, "failed to load settings")
	}
	if t == nil {
		return response.SuccessWithMessage(c, nil, "transport is not configured")
	}
	return response.Success(c, settingsView{
		Transport:            t,
		SMTPPasswordSet:      t.SMTPPassword != "",
		GraphClientSecretSet: t.GraphClientSecret != "",
		SESSecretKeySet:      t.SESSecretKey != "",
	})
}

// updateSettingsRequest mirrors the transport record. Secret fields left
// empty keep their stored values, so clients never have to echo
// credentials back.
type updateSettingsRequest struct {
	Kind string `json:"kind"`

	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"smtp_password"`
	SMTPSecurity string `json:"smtp_security"`
	SMTPFrom     string `json:"smtp_from"`
	SMTPFromName string `json:"smtp_from_name"`

	GraphClientID     string `json:"graph_client_id"`
	GraphClientSecret string `json:"graph_client_secret"`
	GraphTenantID     string `json:"graph_tenant_id"`
	GraphRedirectURI  string `json:"graph_redirect_uri"`
	GraphFrom         string `json:"graph_from"`
	GraphFromName     string `json:"graph_from_name"`
	GraphSaveToSent   *bool  `json:"graph_save_to_sent"`

	SESRegion    string `json:"ses_region"`
	SESAccessKey string `json:"ses_access_key"`
	SESSecretKey string `json:"ses_secret_key"`
	SESFrom      string `json:"ses_from"`
}

// Update handles PUT /api/v1/settings. It replaces the record, keeps
// absent secrets, and records a config_change entry naming the changed
// fields without their values.
func (h *SettingsHandler) Update(c echo.Context) error {
	var req updateSettingsRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}

	kind := settings.Kind(req.Kind)
	if !kind.Valid() {
		return response.BadRequest(c, fmt.Sprintf("unknown transport kind %q", req.Kind))
	}
	switch req.SMTPSecurity {
	case "", smtptransport.SecuritySSL, smtptransport.SecurityTLS, smtptransport.SecurityNone:
	default:
		return response.BadRequest(c, fmt.Sprintf("unknown smtp security mode %q", req.SMTPSecurity))
	}

	ctx := c.Request().Context()
	current, err := h.store.Transport(ctx)
	if err != nil {
		return response.InternalError(c, "failed to load settings")
	}

	next := &settings.Transport{
		Kind: kind,

		SMTPHost:     req.SMTPHost,
		SMTPPort:     req.SMTPPort,
		SMTPUsername: req.SMTPUsername,
		SMTPPassword: req.SMTPPassword,
		SMTPSecurity: req.SMTPSecurity,
		SMTPFrom:     req.SMTPFrom,
		SMTPFromName: req.SMTPFromName,

		GraphClientID:     req.GraphClientID,
		GraphClientSecret: req.GraphClientSecret,
		GraphTenantID:     req.GraphTenantID,
		GraphRedirectURI:  req.GraphRedirectURI,
		GraphFrom:         req.GraphFrom,
		GraphFromName:     req.GraphFromName,

		SESRegion:    req.SESRegion,
		SESAccessKey: req.SESAccessKey,
		SESSecretKey: req.SESSecretKey,
		SESFrom:      req.SESFrom,
	}
	if req.GraphSaveToSent != nil {
		next.GraphSaveToSent = *req.GraphSaveToSent
	}
	if current != nil {
		if req.SMTPPassword == "" {
			next.SMTPPassword = current.SMTPPassword
		}
		if req.GraphClientSecret == "" {
			next.GraphClientSecret = current.GraphClientSecret
		}
		if req.SESSecretKey == "" {
			next.SESSecretKey = current.SESSecretKey
		}
		if req.GraphSaveToSent == nil {
			next.GraphSaveToSent = current.GraphSaveToSent
		}
	}

	result, err := h.store.SaveTransport(ctx, next)
	if err != nil {
		return response.InternalError(c, "failed to save settings")
	}

	if len(result.Changed) > 0 {
		h.audit.Append(ctx, auditlog.Entry{
			Type:      auditlog.EventConfigChange,
			Level:     auditlog.LevelInfo,
			Message:   "transport settings updated",
			Actor:     "admin",
			Transport: string(kind),
			Details: auditlog.Details{
				"changed":            result.Changed,
				"tokens_invalidated": result.TokensInvalidated,
			},
		})
	}

	return response.Success(c, map[string]any{
		"changed":            result.Changed,
		"tokens_invalidated": result.TokensInvalidated,
	})
}

type migrateRequest struct {
	Direction string `json:"direction"`
}

// MigrateVault handles POST /api/v1/vault/migrate. It re-writes stored
// credentials in the requested direction ("encrypted" or "unencrypted")
// and reports how many values were rewritten.
func (h *SettingsHandler) MigrateVault(c echo.Context) error {
	var req migrateRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}

	var toEncrypted bool
	switch req.Direction {
	case "encrypted":
		toEncrypted = true
	case "unencrypted":
		toEncrypted = false
	default:
		return response.BadRequest(c, `direction must be "encrypted" or "unencrypted"`)
	}

	ctx := c.Request().Context()
	migrated, err := h.store.MigrateEncryption(ctx, toEncrypted)
	if err != nil {
		return response.InternalError(c, "credential migration failed")
	}

	if migrated > 0 {
		h.audit.Append(ctx, auditlog.Entry{
			Type:    auditlog.EventConfigChange,
			Level:   auditlog.LevelInfo,
			Message: "credential storage migrated",
			Actor:   "admin",
			Details: auditlog.Details{
				"direction": req.Direction,
				"migrated":  migrated,
			},
		})
	}

	return response.Success(c, map[string]any{"migrated": migrated})
}
