// Package oauth manages the Microsoft authorization-code flow and the
// stored token lifecycle for the cloud_api transport.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/shineum/mail-relay/internal/settings"
)

const (
	// ScopeMailSend grants delegated send access through Microsoft Graph.
	ScopeMailSend = "https://graph.microsoft.com/Mail.Send"
	// ScopeOfflineAccess makes the token endpoint issue a refresh token.
	ScopeOfflineAccess = "offline_access"

	// stateTTL bounds how long an issued authorization state is valid.
	stateTTL = 10 * time.Minute
	// tokenExpiryBuffer is subtracted from the provider's stated expiry
	// before storing, so a token is refreshed before it can expire
	// mid-request.
	tokenExpiryBuffer = 5 * time.Minute

	defaultUserInfoURL = "https://graph.microsoft.com/v1.0/me"
)

var (
	// ErrNotConfigured means the OAuth client fields are missing.
	ErrNotConfigured = errors.New("oauth client is not configured")
	// ErrNotAuthorized means no usable token is stored.
	ErrNotAuthorized = errors.New("mailbox authorization required")
	// ErrStateMismatch means the callback state is unknown, reused or expired.
	ErrStateMismatch = errors.New("authorization state is invalid or expired")
	// ErrRefreshFailed means the token endpoint rejected the refresh attempt.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// Status is the authorization state of the relay's mailbox.
type Status string

const (
	StatusUnauthorized Status = "unauthorized"
	StatusAuthorized   Status = "authorized"
	StatusExpired      Status = "expired"
)

// Manager drives the authorization-code flow and keeps the stored token
// usable. It is safe for concurrent use.
type Manager struct {
	store           *settings.Store
	log             *slog.Logger
	client          *http.Client
	endpointFor     func(tenant string) oauth2.Endpoint
	userInfoURL     string
	defaultRedirect string

	stateMu sync.Mutex
	states  map[string]time.Time

	// refreshMu serializes refreshes so concurrent senders holding an
	// expired token trigger exactly one round trip to the token endpoint.
	refreshMu sync.Mutex
}

// Option adjusts manager construction.
type Option func(*Manager)

// WithHTTPClient replaces the client used for token endpoint and
// account lookup calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithEndpoint replaces the per-tenant endpoint resolver. Sovereign
// clouds and tests point this at different authority hosts.
func WithEndpoint(fn func(tenant string) oauth2.Endpoint) Option {
	return func(m *Manager) { m.endpointFor = fn }
}

// WithUserInfoURL replaces the URL the authorized account is resolved from.
func WithUserInfoURL(u string) Option {
	return func(m *Manager) { m.userInfoURL = u }
}

// WithDefaultRedirect sets the callback URL used when the stored
// settings do not carry a custom one.
func WithDefaultRedirect(u string) Option {
	return func(m *Manager) { m.defaultRedirect = u }
}

// NewManager creates a manager backed by the settings store.
func NewManager(store *settings.Store, log *slog.Logger, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		store:       store,
		log:         log,
		client:      &http.Client{Timeout: 30 * time.Second},
		endpointFor: microsoft.AzureADEndpoint,
		userInfoURL: defaultUserInfoURL,
		states:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsConfigured reports whether the transport settings carry a complete
// OAuth client: application id, tenant, secret and sender address. The
// redirect URI is not required; it falls back to the relay's own
// callback endpoint.
func (m *Manager) IsConfigured(t *settings.Transport) bool {
	return t != nil &&
		t.GraphClientID != "" &&
		t.GraphTenantID != "" &&
		t.GraphClientSecret != "" &&
		t.GraphFrom != ""
}

// IsAuthorized reports whether a token is currently stored, regardless
// of its expiry; an expired token with a refresh token is still usable.
func (m *Manager) IsAuthorized(ctx context.Context) (bool, error) {
	tok, err := m.store.Token(ctx)
	if err != nil {
		return false, err
	}
	return tok != nil, nil
}

// Status reports the mailbox authorization state. A token past its
// expiry still counts as authorized while a refresh token is available.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	t, err := m.store.Transport(ctx)
	if err != nil {
		return "", err
	}
	if !m.IsConfigured(t) {
		return StatusUnauthorized, nil
	}

	tok, err := m.store.Token(ctx)
	if err != nil {
		return "", err
	}
	if tok == nil {
		return StatusUnauthorized, nil
	}
	if !tok.Expired() || tok.RefreshToken != "" {
		return StatusAuthorized, nil
	}
	return StatusExpired, nil
}

// AuthCodeURL builds the Microsoft authorization URL and remembers the
// state parameter for the matching callback.
func (m *Manager) AuthCodeURL(ctx context.Context) (string, error) {
	t, err := m.store.Transport(ctx)
	if err != nil {
		return "", err
	}
	cfg, err := m.oauthConfig(t)
	if err != nil {
		return "", err
	}

	state, err := generateState()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	m.rememberState(state)

	return cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("response_mode", "query"),
		oauth2.SetAuthURLParam("prompt", "select_account"),
	), nil
}

// Exchange trades the authorization code for tokens and persists them.
// The state is single-use: a second callback with the same value fails.
func (m *Manager) Exchange(ctx context.Context, code, state string) (*settings.OAuthToken, error) {
	if !m.consumeState(state) {
		return nil, ErrStateMismatch
	}

	t, err := m.store.Transport(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := m.oauthConfig(t)
	if err != nil {
		return nil, err
	}

	tok, err := cfg.Exchange(m.httpContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("authorization code exchange failed: %w", err)
	}

	record := &settings.OAuthToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    storedExpiry(tok.Expiry),
		Scope:        ScopeMailSend + " " + ScopeOfflineAccess,
		Account:      m.lookupAccount(ctx, tok.AccessToken),
	}
	if err := m.store.SaveToken(ctx, record); err != nil {
		return nil, err
	}

	m.log.Info("mailbox authorized",
		"account", record.Account,
		"expires_at", record.ExpiresAt)
	return record, nil
}

// ValidToken returns an access token with usable lifetime left,
// refreshing it first when needed. The second return reports whether a
// refresh happened. A failed refresh leaves the stored token untouched
// so the operator can inspect or retry.
func (m *Manager) ValidToken(ctx context.Context) (string, bool, error) {
	tok, err := m.store.Token(ctx)
	if err != nil {
		return "", false, err
	}
	if tok == nil {
		return "", false, ErrNotAuthorized
	}
	if !tok.Expired() {
		return tok.AccessToken, false, nil
	}

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	// Another sender may have refreshed while we waited for the lock.
	tok, err = m.store.Token(ctx)
	if err != nil {
		return "", false, err
	}
	if tok == nil {
		return "", false, ErrNotAuthorized
	}
	if !tok.Expired() {
		return tok.AccessToken, false, nil
	}

	if tok.RefreshToken == "" {
		return "", false, fmt.Errorf("%w: access token expired and no refresh token stored", ErrNotAuthorized)
	}

	fresh, err := m.refresh(ctx, tok)
	if err != nil {
		return "", false, err
	}
	return fresh.AccessToken, true, nil
}

// Revoke drops the stored token, returning the relay to unauthorized.
func (m *Manager) Revoke(ctx context.Context) error {
	if err := m.store.DeleteToken(ctx); err != nil {
		return err
	}
	m.log.Info("mailbox authorization revoked")
	return nil
}

func (m *Manager) refresh(ctx context.Context, current *settings.OAuthToken) (*settings.OAuthToken, error) {
	t, err := m.store.Transport(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := m.oauthConfig(t)
	if err != nil {
		return nil, err
	}

	src := cfg.TokenSource(m.httpContext(ctx), &oauth2.Token{RefreshToken: current.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		m.log.Warn("token refresh failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	record := &settings.OAuthToken{
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		TokenType:    fresh.TokenType,
		ExpiresAt:    storedExpiry(fresh.Expiry),
		Scope:        current.Scope,
		Account:      current.Account,
	}
	// The token endpoint may omit the refresh token when it has not
	// rotated; keep the one we have.
	if record.RefreshToken == "" {
		record.RefreshToken = current.RefreshToken
	}

	if err := m.store.SaveToken(ctx, record); err != nil {
		return nil, err
	}
	m.log.Info("access token refreshed", "expires_at", record.ExpiresAt)
	return record, nil
}

func (m *Manager) oauthConfig(t *settings.Transport) (*oauth2.Config, error) {
	if !m.IsConfigured(t) {
		return nil, ErrNotConfigured
	}
	redirect := t.GraphRedirectURI
	if redirect == "" {
		redirect = m.defaultRedirect
	}
	return &oauth2.Config{
		ClientID:     t.GraphClientID,
		ClientSecret: t.GraphClientSecret,
		RedirectURL:  redirect,
		Scopes:       []string{ScopeMailSend, ScopeOfflineAccess},
		Endpoint:     m.endpointFor(t.GraphTenantID),
	}, nil
}

// lookupAccount resolves the authorized mailbox address, best effort.
func (m *Manager) lookupAccount(ctx context.Context, accessToken string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.userInfoURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := m.client.Do(req)
	if err != nil {
		m.log.Warn("account lookup failed", "error", err)
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		m.log.Warn("account lookup rejected", "status", resp.StatusCode)
		return ""
	}

	var me struct {
		UserPrincipalName string `json:"userPrincipalName"`
		Mail              string `json:"mail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		return ""
	}
	if me.Mail != "" {
		return me.Mail
	}
	return me.UserPrincipalName
}

func (m *Manager) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}

func (m *Manager) rememberState(state string) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	now := time.Now()
	for s, expiry := range m.states {
		if now.After(expiry) {
			delete(m.states, s)
		}
	}
	m.states[state] = now.Add(stateTTL)
}

func (m *Manager) consumeState(state string) bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	expiry, ok := m.states[state]
	if !ok {
		return false
	}
	delete(m.states, state)
	return time.Now().Before(expiry)
}

// storedExpiry converts the provider's stated expiry into the value we
// persist: the refresh margin is subtracted up front so readers only
// ever compare against the clock.
func storedExpiry(expiry time.Time) time.Time {
	return expiry.Add(-tokenExpiryBuffer).UTC()
}

// generateState creates a random state string for the OAuth flow.
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
