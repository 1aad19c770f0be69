// Package main is the entry point for the mail relay daemon.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/shineum/mail-relay/internal/api"
	"github.com/shineum/mail-relay/internal/auditlog"
	"github.com/shineum/mail-relay/internal/config"
	"github.com/shineum/mail-relay/internal/database"
	"github.com/shineum/mail-relay/internal/oauth"
	"github.com/shineum/mail-relay/internal/router"
	"github.com/shineum/mail-relay/internal/settings"
	relaysmtp "github.com/shineum/mail-relay/internal/smtp"
	relaytls "github.com/shineum/mail-relay/internal/tls"
	"github.com/shineum/mail-relay/internal/vault"
)

// shutdownTimeout bounds how long in-flight requests and SMTP
// transactions may run after a termination signal.
const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := setupLogger(cfg.Logging)

	if err := run(cfg, log); err != nil {
		log.Error("mail-relay failed", "error", err)
		os.Exit(1)
	}
	log.Info("mail-relay stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	db, err := database.Open(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer database.Close(db)

	if err := database.Migrate(db); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	v := vault.New(cfg.SecretKeys(), cfg.Security.EncryptSettings)
	settingsStore := settings.NewStore(db, v, log)
	audit := auditlog.NewStore(db, log)

	// Align stored credentials with the configured encryption mode, so
	// flipping encrypt_settings migrates existing installs on boot.
	migrated, err := settingsStore.MigrateEncryption(ctx, cfg.Security.EncryptSettings)
	if err != nil {
		return fmt.Errorf("credential storage migration failed: %w", err)
	}
	if migrated > 0 {
		direction := "unencrypted"
		if cfg.Security.EncryptSettings {
			direction = "encrypted"
		}
		log.Info("credential storage migrated", "direction", direction, "values", migrated)
		audit.Append(ctx, auditlog.Entry{
			Type:    auditlog.EventConfigChange,
			Level:   auditlog.LevelInfo,
			Message: "credential storage migrated",
			Actor:   "system",
			Details: auditlog.Details{"direction": direction, "migrated": migrated},
		})
	}

	if cfg.Transport != nil {
		seed, err := seedTransport(cfg.Transport)
		if err != nil {
			return err
		}
		applied, err := settingsStore.Seed(ctx, seed)
		if err != nil {
			return fmt.Errorf("transport seed failed: %w", err)
		}
		if applied {
			log.Info("transport settings seeded", "kind", seed.Kind)
			audit.Append(ctx, auditlog.Entry{
				Type:      auditlog.EventConfigChange,
				Level:     auditlog.LevelInfo,
				Message:   "transport settings seeded from configuration",
				Actor:     "system",
				Transport: string(seed.Kind),
			})
		}
	}

	tokens := oauth.NewManager(settingsStore, log,
		oauth.WithDefaultRedirect(callbackURL(cfg.HTTP.PublicURL)))

	mail := router.New(router.Config{
		Settings:        settingsStore,
		Tokens:          tokens,
		Audit:           audit,
		Log:             log,
		HTTPClient:      &http.Client{Timeout: time.Duration(cfg.Relay.HTTPTimeout) * time.Second},
		Hostname:        cfg.SMTP.Hostname,
		PlaceholderFrom: cfg.Relay.PlaceholderFrom,
	})

	tlsConfig, tlsMode, err := serverTLS(cfg)
	if err != nil {
		return err
	}

	backend := relaysmtp.NewBackend(relaysmtp.BackendConfig{
		Mailer:   mail,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		Log:      log,
	})
	smtpServer := relaysmtp.NewServer(backend, relaysmtp.ServerConfig{
		Addr:            cfg.SMTP.Listen,
		Hostname:        cfg.SMTP.Hostname,
		MaxMessageBytes: cfg.SMTP.MaxMessageSize,
		MaxRecipients:   cfg.SMTP.MaxRecipients,
		ReadTimeout:     time.Duration(cfg.SMTP.ReadTimeout) * time.Second,
		WriteTimeout:    time.Duration(cfg.SMTP.WriteTimeout) * time.Second,
		TLSConfig:       tlsConfig,
	})

	httpServer := api.NewRouter(api.RouterConfig{
		DB:       db,
		Audit:    audit,
		Settings: settingsStore,
		Tokens:   tokens,
		Mail:     mail,
		Log:      log,
		APIKey:   cfg.HTTP.APIKey,
	})

	log.Info("starting mail-relay",
		"smtp_listen", cfg.SMTP.Listen,
		"http_listen", cfg.HTTP.Listen,
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
		"encrypt_settings", cfg.Security.EncryptSettings)

	errCh := make(chan error, 2)
	go func() {
		if err := smtpServer.ListenAndServe(); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			errCh <- fmt.Errorf("smtp server: %w", err)
		}
	}()
	go func() {
		if err := httpServer.Start(cfg.HTTP.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	go pruneLoop(ctx, audit, cfg.Relay.RetentionDays, log)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("received signal, shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	if err := smtpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("smtp shutdown incomplete", "error", err)
	}
	return nil
}

// pruneLoop removes expired audit entries once at boot and then daily.
// Retention 0 disables pruning; entries are kept forever.
func pruneLoop(ctx context.Context, audit *auditlog.Store, retentionDays int, log *slog.Logger) {
	if retentionDays <= 0 {
		log.Info("audit log pruning disabled")
		return
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		if _, err := audit.Prune(ctx, retentionDays); err != nil {
			log.Warn("audit log prune failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// loadConfig loads configuration from the specified path (YAML + env
// override) or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger from the logging config
// and returns it.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

// serverTLS builds the optional STARTTLS configuration. Nil keeps the
// listener plaintext.
func serverTLS(cfg *config.Config) (*tls.Config, string, error) {
	switch {
	case cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "":
		c, err := relaytls.Load(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		return c, "file", err
	case cfg.TLS.SelfSigned:
		c, err := relaytls.SelfSigned(cfg.SMTP.Hostname)
		return c, "self-signed", err
	default:
		return nil, "disabled", nil
	}
}

// callbackURL derives the OAuth redirect URI from the public base URL.
func callbackURL(publicURL string) string {
	return strings.TrimRight(publicURL, "/") + "/oauth/callback"
}

// seedTransport maps the optional first-boot seed onto a settings
// record. Validation is minimal: the admin API owns the values after
// the first boot.
func seedTransport(seed *config.TransportSeed) (*settings.Transport, error) {
	kind := settings.Kind(strings.ToLower(seed.Kind))
	if !kind.Valid() {
		return nil, fmt.Errorf("transport seed names unknown kind %q", seed.Kind)
	}
	return &settings.Transport{
		Kind: kind,

		SMTPHost:     seed.SMTP.Host,
		SMTPPort:     seed.SMTP.Port,
		SMTPUsername: seed.SMTP.Username,
		SMTPPassword: seed.SMTP.Password,
		SMTPSecurity: strings.ToLower(seed.SMTP.Encryption),
		SMTPFrom:     seed.SMTP.FromAddress,
		SMTPFromName: seed.SMTP.FromName,

		GraphClientID:     seed.Graph.ClientID,
		GraphClientSecret: seed.Graph.ClientSecret,
		GraphTenantID:     seed.Graph.TenantID,
		GraphRedirectURI:  seed.Graph.RedirectURI,
		GraphFrom:         seed.Graph.FromAddress,
		GraphFromName:     seed.Graph.FromName,

		SESRegion:    seed.SES.Region,
		SESAccessKey: seed.SES.AccessKeyID,
		SESSecretKey: seed.SES.SecretAccessKey,
		SESFrom:      seed.SES.FromAddress,
	}, nil
}
