package api

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shineum/mail-relay/internal/auditlog"
	"github.com/shineum/mail-relay/internal/oauth"
	"github.com/shineum/mail-relay/internal/router"
	"github.com/shineum/mail-relay/internal/settings"
	"github.com/shineum/mail-relay/internal/vault"
)

func newTestRouter(t *testing.T, apiKey string) *echo.Echo {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&settings.Transport{}, &settings.OAuthToken{}, &auditlog.Entry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := settings.NewStore(db, vault.New([]string{"router-test-secret"}, true), quiet)
	au := auditlog.NewStore(db, quiet)
	tk := oauth.NewManager(st, quiet)
	mail := router.New(router.Config{
		Settings:        st,
		Tokens:          tk,
		Audit:           au,
		Log:             quiet,
		Hostname:        "relay.test",
		PlaceholderFrom: "mail-relay@relay.test",
	})

	return NewRouter(RouterConfig{
		DB:       db,
		Audit:    au,
		Settings: st,
		Tokens:   tk,
		Mail:     mail,
		Log:      quiet,
		APIKey:   apiKey,
	})
}

func get(e *echo.Echo, path, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		req.Header.Set(echo.HeaderAuthorization, authorization)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRouter_HealthEndpointsAreUnauthenticated(t *testing.T) {
	t.Parallel()
	e := newTestRouter(t, "secret")

	if rec := get(e, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec := get(e, "/ready", ""); rec.Code != http.StatusOK {
		t.Fatalf("GET /ready = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRouter_CallbackIsUnauthenticated(t *testing.T) {
	t.Parallel()
	e := newTestRouter(t, "secret")

	// No API key on the request: the browser lands here. A malformed
	// callback is still answered with the HTML page, not a 401.
	rec := get(e, "/oauth/callback", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("GET /oauth/callback = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if body := rec.Body.String(); !strings.Contains(body, "Authorization failed") {
		t.Fatalf("callback body missing failure page, got %q", body)
	}
}

func TestRouter_APIRequiresKey(t *testing.T) {
	t.Parallel()
	e := newTestRouter(t, "secret")

	if rec := get(e, "/api/v1/logs", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated GET /api/v1/logs = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if rec := get(e, "/api/v1/logs", "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong-key GET /api/v1/logs = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if rec := get(e, "/api/v1/logs", "Bearer secret"); rec.Code != http.StatusOK {
		t.Fatalf("authenticated GET /api/v1/logs = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRouter_EmptyKeyDisablesAuth(t *testing.T) {
	t.Parallel()
	e := newTestRouter(t, "")

	if rec := get(e, "/api/v1/logs", ""); rec.Code != http.StatusOK {
		t.Fatalf("GET /api/v1/logs = %d, want %d", rec.Code, http.StatusOK)
	}
}
