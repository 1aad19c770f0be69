package settings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shineum/mail-relay/internal/vault"
)

type StoreTestSuite struct {
	suite.Suite
	db    *gorm.DB
	vault *vault.Vault
	store *Store
}

func (s *StoreTestSuite) SetupSuite() {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(s.T(), err)

	err = db.AutoMigrate(&Transport{}, &OAuthToken{})
	require.NoError(s.T(), err)

	s.db = db
	s.vault = vault.New([]string{"test-secret"}, true)
	s.store = NewStore(db, s.vault, nil)
}

func (s *StoreTestSuite) TearDownSuite() {
	sqlDB, _ := s.db.DB()
	if sqlDB != nil {
		sqlDB.Close()
	}
}

func (s *StoreTestSuite) SetupTest() {
	s.db.Exec("DELETE FROM transport_settings")
	s.db.Exec("DELETE FROM oauth_tokens")
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}

func sampleTransport() *Transport {
	return &Transport{
		Kind:              KindCloudAPI,
		SMTPHost:          "smtp.example.com",
		SMTPPort:          587,
		SMTPUsername:      "relay",
		SMTPPassword:      "smtp-password",
		SMTPSecurity:      "tls",
		SMTPFrom:          "relay@example.com",
		SMTPFromName:      "Relay",
		GraphClientID:     "client-id",
		GraphClientSecret: "client-secret",
		GraphTenantID:     "tenant-id",
		GraphRedirectURI:  "https://relay.example.com/oauth/callback",
		GraphFrom:         "relay@tenant.example.com",
		GraphFromName:     "Relay",
		GraphSaveToSent:   true,
		SESRegion:         "us-east-1",
		SESAccessKey:      "AKIAEXAMPLE",
		SESSecretKey:      "ses-secret",
		SESFrom:           "relay@example.com",
	}
}

func sampleToken() *OAuthToken {
	return &OAuthToken{
		AccessToken:  "access-token",
		RefreshToken: "refresh-token",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour).UTC(),
		Scope:        "Mail.Send offline_access",
		Account:      "relay@tenant.example.com",
	}
}

func (s *StoreTestSuite) TestSaveTransport_RoundTrip() {
	result, err := s.store.SaveTransport(context.Background(), sampleTransport())
	require.NoError(s.T(), err)
	assert.NotEmpty(s.T(), result.Changed)
	assert.False(s.T(), result.TokensInvalidated)

	loaded, err := s.store.Transport(context.Background())
	require.NoError(s.T(), err)
	require.NotNil(s.T(), loaded)
	assert.Equal(s.T(), KindCloudAPI, loaded.Kind)
	assert.Equal(s.T(), "smtp-password", loaded.SMTPPassword)
	assert.Equal(s.T(), "client-secret", loaded.GraphClientSecret)
	assert.Equal(s.T(), "ses-secret", loaded.SESSecretKey)
}

func (s *StoreTestSuite) TestSaveTransport_CredentialsEncryptedAtRest() {
	_, err := s.store.SaveTransport(context.Background(), sampleTransport())
	require.NoError(s.T(), err)

	var raw struct {
		SMTPPassword      string
		GraphClientSecret string
		SESSecretKey      string
	}
	err = s.db.Raw("SELECT smtp_password, graph_client_secret, ses_secret_key FROM transport_settings WHERE id = 1").
		Scan(&raw).Error
	require.NoError(s.T(), err)

	assert.NotEqual(s.T(), "smtp-password", raw.SMTPPassword)
	assert.True(s.T(), s.vault.IsEncrypted(raw.SMTPPassword))
	assert.True(s.T(), s.vault.IsEncrypted(raw.GraphClientSecret))
	assert.True(s.T(), s.vault.IsEncrypted(raw.SESSecretKey))

	// Non-sensitive fields stay readable.
	var host string
	err = s.db.Raw("SELECT smtp_host FROM transport_settings WHERE id = 1").Scan(&host).Error
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "smtp.example.com", host)
}

func (s *StoreTestSuite) TestSaveTransport_UnchangedIsReported() {
	ctx := context.Background()
	_, err := s.store.SaveTransport(ctx, sampleTransport())
	require.NoError(s.T(), err)

	result, err := s.store.SaveTransport(ctx, sampleTransport())
	require.NoError(s.T(), err)
	assert.Empty(s.T(), result.Changed)
	assert.False(s.T(), result.TokensInvalidated)
}

func (s *StoreTestSuite) TestSaveTransport_NonAuthChangeKeepsTokens() {
	ctx := context.Background()
	_, err := s.store.SaveTransport(ctx, sampleTransport())
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.store.SaveToken(ctx, sampleToken()))

	next := sampleTransport()
	next.SMTPHost = "smtp2.example.com"
	next.Kind = KindSMTP

	result, err := s.store.SaveTransport(ctx, next)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []string{"kind", "smtp_host"}, result.Changed)
	assert.False(s.T(), result.TokensInvalidated)

	token, err := s.store.Token(ctx)
	require.NoError(s.T(), err)
	assert.NotNil(s.T(), token)
}

func (s *StoreTestSuite) TestSaveTransport_AuthTupleChangeInvalidatesTokens() {
	mutations := []struct {
		name   string
		mutate func(*Transport)
	}{
		{name: "client id", mutate: func(t *Transport) { t.GraphClientID = "other-client" }},
		{name: "tenant id", mutate: func(t *Transport) { t.GraphTenantID = "other-tenant" }},
		{name: "client secret", mutate: func(t *Transport) { t.GraphClientSecret = "other-secret" }},
		{name: "redirect uri", mutate: func(t *Transport) { t.GraphRedirectURI = "https://other.example.com/cb" }},
	}

	for _, tt := range mutations {
		s.Run(tt.name, func() {
			s.SetupTest()
			ctx := context.Background()
			_, err := s.store.SaveTransport(ctx, sampleTransport())
			require.NoError(s.T(), err)
			require.NoError(s.T(), s.store.SaveToken(ctx, sampleToken()))

			next := sampleTransport()
			tt.mutate(next)

			result, err := s.store.SaveTransport(ctx, next)
			require.NoError(s.T(), err)
			assert.NotEmpty(s.T(), result.Changed)
			assert.True(s.T(), result.TokensInvalidated)

			token, err := s.store.Token(ctx)
			require.NoError(s.T(), err)
			assert.Nil(s.T(), token, "token must be deleted when the oauth client changes")
		})
	}
}

func (s *StoreTestSuite) TestSeed_FirstBootOnly() {
	ctx := context.Background()

	created, err := s.store.Seed(ctx, sampleTransport())
	require.NoError(s.T(), err)
	assert.True(s.T(), created)

	other := sampleTransport()
	other.SMTPHost = "ignored.example.com"
	created, err = s.store.Seed(ctx, other)
	require.NoError(s.T(), err)
	assert.False(s.T(), created)

	loaded, err := s.store.Transport(ctx)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "smtp.example.com", loaded.SMTPHost)
}

func (s *StoreTestSuite) TestTransport_NilWhenUnconfigured() {
	loaded, err := s.store.Transport(context.Background())
	require.NoError(s.T(), err)
	assert.Nil(s.T(), loaded)
}

func (s *StoreTestSuite) TestToken_RoundTripEncrypted() {
	ctx := context.Background()
	require.NoError(s.T(), s.store.SaveToken(ctx, sampleToken()))

	var raw struct {
		AccessToken  string
		RefreshToken string
	}
	err := s.db.Raw("SELECT access_token, refresh_token FROM oauth_tokens WHERE id = 1").Scan(&raw).Error
	require.NoError(s.T(), err)
	assert.True(s.T(), s.vault.IsEncrypted(raw.AccessToken))
	assert.True(s.T(), s.vault.IsEncrypted(raw.RefreshToken))

	loaded, err := s.store.Token(ctx)
	require.NoError(s.T(), err)
	require.NotNil(s.T(), loaded)
	assert.Equal(s.T(), "access-token", loaded.AccessToken)
	assert.Equal(s.T(), "refresh-token", loaded.RefreshToken)
	assert.Equal(s.T(), "relay@tenant.example.com", loaded.Account)
}

func (s *StoreTestSuite) TestToken_NilWhenAbsent() {
	token, err := s.store.Token(context.Background())
	require.NoError(s.T(), err)
	assert.Nil(s.T(), token)
}

func (s *StoreTestSuite) TestDeleteToken_Idempotent() {
	ctx := context.Background()
	require.NoError(s.T(), s.store.SaveToken(ctx, sampleToken()))
	require.NoError(s.T(), s.store.DeleteToken(ctx))
	require.NoError(s.T(), s.store.DeleteToken(ctx))

	token, err := s.store.Token(ctx)
	require.NoError(s.T(), err)
	assert.Nil(s.T(), token)
}

func (s *StoreTestSuite) TestMigrateEncryption_ToEncryptedAndBack() {
	ctx := context.Background()

	// Written through a disabled vault, so everything lands in plaintext.
	plainStore := NewStore(s.db, vault.New([]string{"test-secret"}, false), nil)
	_, err := plainStore.SaveTransport(ctx, sampleTransport())
	require.NoError(s.T(), err)
	require.NoError(s.T(), plainStore.SaveToken(ctx, sampleToken()))

	// 3 transport credentials + 2 token credentials.
	changed, err := s.store.MigrateEncryption(ctx, true)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 5, changed)

	var raw string
	err = s.db.Raw("SELECT smtp_password FROM transport_settings WHERE id = 1").Scan(&raw).Error
	require.NoError(s.T(), err)
	assert.True(s.T(), s.vault.IsEncrypted(raw))

	// Idempotent: a second pass finds nothing to do.
	changed, err = s.store.MigrateEncryption(ctx, true)
	require.NoError(s.T(), err)
	assert.Zero(s.T(), changed)

	// Values stay readable through the store either way.
	loaded, err := s.store.Transport(ctx)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "smtp-password", loaded.SMTPPassword)

	// Back to plaintext via a disabled vault that still has the key.
	changed, err = plainStore.MigrateEncryption(ctx, false)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 5, changed)

	err = s.db.Raw("SELECT smtp_password FROM transport_settings WHERE id = 1").Scan(&raw).Error
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "smtp-password", raw)
}

func (s *StoreTestSuite) TestMigrateEncryption_NoKeyIsNoop() {
	ctx := context.Background()
	keyless := NewStore(s.db, vault.New(nil, true), nil)

	_, err := keyless.SaveTransport(ctx, sampleTransport())
	require.NoError(s.T(), err)

	changed, err := keyless.MigrateEncryption(ctx, true)
	require.NoError(s.T(), err)
	assert.Zero(s.T(), changed)
}

func (s *StoreTestSuite) TestMigrateEncryption_SkipsEmptyFields() {
	ctx := context.Background()
	plainStore := NewStore(s.db, vault.New([]string{"test-secret"}, false), nil)

	t := sampleTransport()
	t.SESSecretKey = ""
	_, err := plainStore.SaveTransport(ctx, t)
	require.NoError(s.T(), err)

	changed, err := s.store.MigrateEncryption(ctx, true)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 2, changed)
}
