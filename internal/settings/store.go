package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/shineum/mail-relay/internal/vault"
)

// Both settings and token live in singleton rows.
const singletonID = 1

// SaveResult reports what a SaveTransport call did.
type SaveResult struct {
	// Changed lists the names of fields that differ from the stored
	// record, in declaration order. Sensitive fields are compared after
	// decryption; only the name is reported, never the value.
	Changed []string
	// TokensInvalidated is true when the OAuth client tuple changed and
	// the stored tokens were deleted in the same transaction.
	TokensInvalidated bool
}

// Store persists transport settings and OAuth tokens.
type Store struct {
	db    *gorm.DB
	vault *vault.Vault
	log   *slog.Logger
}

// NewStore wraps the database handle and the credential vault.
func NewStore(db *gorm.DB, v *vault.Vault, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, vault: v, log: log}
}

// Transport loads the settings record with credential fields decrypted.
// Returns nil when the relay has never been configured.
func (s *Store) Transport(ctx context.Context) (*Transport, error) {
	var t Transport
	err := s.db.WithContext(ctx).First(&t, singletonID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transport settings: %w", err)
	}
	s.decryptTransport(&t)
	return &t, nil
}

// SaveTransport upserts the settings record. When any of the OAuth
// client fields (client id, tenant id, client secret, redirect URI)
// changes, the stored tokens are deleted in the same transaction: they
// were issued to the old client and can no longer be trusted.
func (s *Store) SaveTransport(ctx context.Context, next *Transport) (SaveResult, error) {
	var result SaveResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Transport
		err := tx.First(&current, singletonID).Error
		exists := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to load transport settings: %w", err)
		}

		if exists {
			s.decryptTransport(&current)
			result.Changed = changedFields(&current, next)
			result.TokensInvalidated = authTupleChanged(&current, next)
		} else {
			result.Changed = changedFields(&Transport{}, next)
		}

		record := *next
		record.ID = singletonID
		s.encryptTransport(&record)
		if err := tx.Save(&record).Error; err != nil {
			return fmt.Errorf("failed to save transport settings: %w", err)
		}

		if result.TokensInvalidated {
			if err := tx.Delete(&OAuthToken{}, singletonID).Error; err != nil {
				return fmt.Errorf("failed to invalidate tokens: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return SaveResult{}, err
	}

	if len(result.Changed) > 0 {
		s.log.Info("transport settings saved", "changed", result.Changed)
	}
	if result.TokensInvalidated {
		s.log.Info("oauth client changed, stored tokens invalidated")
	}
	return result, nil
}

// Seed creates the settings record on first boot. Returns true when a
// record was created; an already configured relay is left untouched.
func (s *Store) Seed(ctx context.Context, t *Transport) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Transport{}).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to inspect transport settings: %w", err)
	}
	if count > 0 {
		return false, nil
	}
	if _, err := s.SaveTransport(ctx, t); err != nil {
		return false, err
	}
	s.log.Info("seeded transport settings", "kind", t.Kind)
	return true, nil
}

// Token loads the stored OAuth token with credential fields decrypted.
// Returns nil when no authorization has completed yet.
func (s *Store) Token(ctx context.Context) (*OAuthToken, error) {
	var t OAuthToken
	err := s.db.WithContext(ctx).First(&t, singletonID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load oauth token: %w", err)
	}
	s.decryptToken(&t)
	return &t, nil
}

// SaveToken upserts the token record, encrypting credential fields.
func (s *Store) SaveToken(ctx context.Context, t *OAuthToken) error {
	record := *t
	record.ID = singletonID
	s.encryptToken(&record)
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return fmt.Errorf("failed to save oauth token: %w", err)
	}
	return nil
}

// DeleteToken removes the stored token. Deleting an absent token is not
// an error.
func (s *Store) DeleteToken(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Delete(&OAuthToken{}, singletonID).Error; err != nil {
		return fmt.Errorf("failed to delete oauth token: %w", err)
	}
	return nil
}

// MigrateEncryption converts stored credential fields to the desired
// at-rest representation and returns how many values changed. The
// conversion is idempotent: values already in the target state are left
// alone, detected by whether the vault can open them.
func (s *Store) MigrateEncryption(ctx context.Context, toEncrypted bool) (int, error) {
	if !s.vault.HasKey() {
		return 0, nil
	}

	changed := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t Transport
		err := tx.First(&t, singletonID).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to load transport settings: %w", err)
		}
		if err == nil {
			n := s.migrateFields(sensitiveTransportFields(&t), toEncrypted)
			if n > 0 {
				if err := tx.Save(&t).Error; err != nil {
					return fmt.Errorf("failed to migrate transport settings: %w", err)
				}
				changed += n
			}
		}

		var tok OAuthToken
		err = tx.First(&tok, singletonID).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to load oauth token: %w", err)
		}
		if err == nil {
			n := s.migrateFields(sensitiveTokenFields(&tok), toEncrypted)
			if n > 0 {
				if err := tx.Save(&tok).Error; err != nil {
					return fmt.Errorf("failed to migrate oauth token: %w", err)
				}
				changed += n
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if changed > 0 {
		state := "plaintext"
		if toEncrypted {
			state = "encrypted"
		}
		s.log.Info("migrated stored credentials", "values", changed, "state", state)
	}
	return changed, nil
}

func (s *Store) migrateFields(fields []*string, toEncrypted bool) int {
	changed := 0
	for _, f := range fields {
		if *f == "" {
			continue
		}
		if toEncrypted {
			if s.vault.IsEncrypted(*f) {
				continue
			}
			if enc := s.vault.Encrypt(*f); enc != *f {
				*f = enc
				changed++
			}
		} else {
			if dec := s.vault.Decrypt(*f); dec != *f {
				*f = dec
				changed++
			}
		}
	}
	return changed
}

func (s *Store) encryptTransport(t *Transport) {
	for _, f := range sensitiveTransportFields(t) {
		*f = s.vault.Encrypt(*f)
	}
}

func (s *Store) decryptTransport(t *Transport) {
	for _, f := range sensitiveTransportFields(t) {
		*f = s.vault.Decrypt(*f)
	}
}

func (s *Store) encryptToken(t *OAuthToken) {
	for _, f := range sensitiveTokenFields(t) {
		*f = s.vault.Encrypt(*f)
	}
}

func (s *Store) decryptToken(t *OAuthToken) {
	for _, f := range sensitiveTokenFields(t) {
		*f = s.vault.Decrypt(*f)
	}
}

func sensitiveTransportFields(t *Transport) []*string {
	return []*string{&t.SMTPPassword, &t.GraphClientSecret, &t.SESSecretKey}
}

func sensitiveTokenFields(t *OAuthToken) []*string {
	return []*string{&t.AccessToken, &t.RefreshToken}
}

// changedFields compares every settings field and returns the names of
// those that differ. ID and UpdatedAt are bookkeeping, not settings.
func changedFields(current, next *Transport) []string {
	var out []string
	diff := func(name string, differs bool) {
		if differs {
			out = append(out, name)
		}
	}

	diff("kind", current.Kind != next.Kind)
	diff("smtp_host", current.SMTPHost != next.SMTPHost)
	diff("smtp_port", current.SMTPPort != next.SMTPPort)
	diff("smtp_username", current.SMTPUsername != next.SMTPUsername)
	diff("smtp_password", current.SMTPPassword != next.SMTPPassword)
	diff("smtp_security", current.SMTPSecurity != next.SMTPSecurity)
	diff("smtp_from", current.SMTPFrom != next.SMTPFrom)
	diff("smtp_from_name", current.SMTPFromName != next.SMTPFromName)
	diff("graph_client_id", current.GraphClientID != next.GraphClientID)
	diff("graph_client_secret", current.GraphClientSecret != next.GraphClientSecret)
	diff("graph_tenant_id", current.GraphTenantID != next.GraphTenantID)
	diff("graph_redirect_uri", current.GraphRedirectURI != next.GraphRedirectURI)
	diff("graph_from", current.GraphFrom != next.GraphFrom)
	diff("graph_from_name", current.GraphFromName != next.GraphFromName)
	diff("graph_save_to_sent", current.GraphSaveToSent != next.GraphSaveToSent)
	diff("ses_region", current.SESRegion != next.SESRegion)
	diff("ses_access_key", current.SESAccessKey != next.SESAccessKey)
	diff("ses_secret_key", current.SESSecretKey != next.SESSecretKey)
	diff("ses_from", current.SESFrom != next.SESFrom)
	return out
}

func authTupleChanged(current, next *Transport) bool {
	return current.GraphClientID != next.GraphClientID ||
		current.GraphTenantID != next.GraphTenantID ||
		current.GraphClientSecret != next.GraphClientSecret ||
		current.GraphRedirectURI != next.GraphRedirectURI
}
