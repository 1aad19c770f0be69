// Package database opens the relay's persistence backend and runs
// schema migrations. A postgres:// URL selects PostgreSQL; anything
// else is treated as a SQLite path.
package database

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shineum/mail-relay/internal/auditlog"
	"github.com/shineum/mail-relay/internal/settings"
)

// Connection pool configuration for PostgreSQL.
const (
	DefaultMaxIdleConns    = 10
	DefaultMaxOpenConns    = 100
	DefaultConnMaxLifetime = time.Hour
	DefaultConnMaxIdleTime = 10 * time.Minute
)

// Open connects to the database named by the URL.
func Open(databaseURL string) (*gorm.DB, error) {
	driver := driverName(databaseURL)

	db, err := gorm.Open(dialectorFor(databaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := configureConnectionPool(db, driver); err != nil {
		return nil, err
	}

	slog.Info("connected to database", "driver", driver)
	return db, nil
}

func driverName(databaseURL string) string {
	if IsPostgresURL(databaseURL) {
		return "postgres"
	}
	return "sqlite"
}

// IsPostgresURL reports whether the URL selects the PostgreSQL driver.
func IsPostgresURL(databaseURL string) bool {
	return strings.HasPrefix(databaseURL, "postgres://") ||
		strings.HasPrefix(databaseURL, "postgresql://")
}

func dialectorFor(databaseURL string) gorm.Dialector {
	if IsPostgresURL(databaseURL) {
		return postgres.Open(databaseURL)
	}
	return sqlite.Open(databaseURL)
}

// configureConnectionPool sets up connection pool limits. SQLite is
// pinned to a single connection: concurrent writers trip its lock, and
// an in-memory database exists per connection.
func configureConnectionPool(db *gorm.DB, driver string) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
		return nil
	}

	sqlDB.SetMaxIdleConns(DefaultMaxIdleConns)
	sqlDB.SetMaxOpenConns(DefaultMaxOpenConns)
	sqlDB.SetConnMaxLifetime(DefaultConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(DefaultConnMaxIdleTime)
	return nil
}

// Migrate runs auto-migration for all models.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&settings.Transport{},
		&settings.OAuthToken{},
		&auditlog.Entry{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("database migrations completed")
	return nil
}

// Close closes the database connection.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}
