// Package settings stores the relay's transport configuration and the
// OAuth token material, encrypting credential fields at rest.
package settings

import "time"

// Kind selects the delivery mechanism.
type Kind string

const (
	KindSMTP     Kind = "smtp"
	KindCloudAPI Kind = "cloud_api"
	KindSES      Kind = "ses"
	KindStdout   Kind = "stdout"
)

// Valid reports whether the kind names a known transport.
func (k Kind) Valid() bool {
	switch k {
	case KindSMTP, KindCloudAPI, KindSES, KindStdout:
		return true
	}
	return false
}

// Transport is the singleton settings record. Credential fields
// (SMTPPassword, GraphClientSecret, SESSecretKey) are encrypted at rest
// when the vault is enabled; the store transparently round-trips them.
type Transport struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	UpdatedAt time.Time `json:"updated_at"`

	Kind Kind `gorm:"size:16" json:"kind"`

	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"`
	SMTPSecurity string `gorm:"size:8" json:"smtp_security"`
	SMTPFrom     string `json:"smtp_from"`
	SMTPFromName string `json:"smtp_from_name"`

	GraphClientID     string `json:"graph_client_id"`
	GraphClientSecret string `json:"-"`
	GraphTenantID     string `json:"graph_tenant_id"`
	GraphRedirectURI  string `json:"graph_redirect_uri"`
	GraphFrom         string `json:"graph_from"`
	GraphFromName     string `json:"graph_from_name"`
	GraphSaveToSent   bool   `json:"graph_save_to_sent"`

	SESRegion    string `json:"ses_region"`
	SESAccessKey string `json:"ses_access_key"`
	SESSecretKey string `json:"-"`
	SESFrom      string `json:"ses_from"`
}

// TableName keeps the table name stable regardless of pluralization rules.
func (Transport) TableName() string {
	return "transport_settings"
}

// OAuthToken is the singleton token record for the cloud_api transport.
// AccessToken and RefreshToken are encrypted at rest. ExpiresAt already
// has the refresh safety margin subtracted, so readers compare it
// against the clock directly.
type OAuthToken struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	UpdatedAt time.Time `json:"updated_at"`

	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenType    string    `gorm:"size:32" json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope"`
	Account      string    `json:"account"`
}

// TableName keeps the table name stable regardless of pluralization rules.
func (OAuthToken) TableName() string {
	return "oauth_tokens"
}

// Expired reports whether the access token needs a refresh before use.
func (t *OAuthToken) Expired() bool {
	return !time.Now().Before(t.ExpiresAt)
}
