package handlers

import (
	"io"
	"log/slog"
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

// testEnv wires handlers to real stores over an in-memory database so
// handler tests cover the same paths production requests take.
type testEnv struct {
	db       *gorm.DB
	echo     *echo.Echo
	settings *settings.Store
	audit    *auditlog.Store
	tokens   *oauth.Manager
	mail     *router.Router
}

func newTestEnv(t *testing.T, opts ...oauth.Option) *testEnv {
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
	v := vault.New([]string{"handler-test-secret"}, true)
	st := settings.NewStore(db, v, quiet)
	au := auditlog.NewStore(db, quiet)
	tk := oauth.NewManager(st, quiet, opts...)
	mail := router.New(router.Config{
		Settings:        st,
		Tokens:          tk,
		Audit:           au,
		Log:             quiet,
		Hostname:        "relay.test",
		PlaceholderFrom: "mail-relay@relay.test",
	})

	return &testEnv{
		db:       db,
		echo:     echo.New(),
		settings: st,
		audit:    au,
		tokens:   tk,
		mail:     mail,
	}
}

// request builds an echo context for invoking a handler directly.
func (env *testEnv) request(method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	return env.echo.NewContext(req, rec), rec
}
