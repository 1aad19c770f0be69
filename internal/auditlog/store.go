package auditlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

const (
	// DefaultPageSize applies when a query does not set a limit.
	DefaultPageSize = 50
	// MaxPageSize caps a single query page.
	MaxPageSize = 500
)

// Filter narrows a Query. Zero values mean "no constraint".
type Filter struct {
	Types     []EventType
	Levels    []Level
	Transport string
	Search    string
	Since     time.Time
	Until     time.Time
	// Ascending flips the sort to oldest first. The default is newest
	// first, which is what the log view wants.
	Ascending bool
	Limit     int
	Offset    int
}

// Store reads and writes audit log entries.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

// NewStore wraps the database handle. A nil logger falls back to the
// default slog logger.
func NewStore(db *gorm.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log}
}

// Append persists an entry and returns its id. Logging must never take
// the relay down: on failure Append logs a warning and returns 0.
func (s *Store) Append(ctx context.Context, entry Entry) int64 {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Level == "" {
		entry.Level = LevelInfo
	}

	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.log.Warn("audit log append failed",
			"type", entry.Type,
			"error", err)
		return 0
	}
	return entry.ID
}

// Query returns the matching page, newest first unless the filter asks
// for ascending order, plus the total number of entries matching the
// filter regardless of pagination.
func (s *Store) Query(ctx context.Context, filter Filter) ([]Entry, int64, error) {
	q := s.db.WithContext(ctx).Model(&Entry{})

	if len(filter.Types) > 0 {
		q = q.Where("type IN ?", filter.Types)
	}
	if len(filter.Levels) > 0 {
		q = q.Where("level IN ?", filter.Levels)
	}
	if filter.Transport != "" {
		q = q.Where("transport = ?", filter.Transport)
	}
	if filter.Search != "" {
		pattern := "%" + filter.Search + "%"
		q = q.Where("message LIKE ? OR recipient LIKE ? OR subject LIKE ?", pattern, pattern, pattern)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		q = q.Where("created_at <= ?", filter.Until)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count log entries: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	order := "created_at DESC, id DESC"
	if filter.Ascending {
		order = "created_at ASC, id ASC"
	}

	var entries []Entry
	err := q.Order(order).
		Limit(limit).
		Offset(filter.Offset).
		Find(&entries).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query log entries: %w", err)
	}
	return entries, total, nil
}

// ClearAll deletes every entry and returns how many were removed.
func (s *Store) ClearAll(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&Entry{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clear log entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Prune deletes entries older than the retention window. A zero or
// negative retention disables pruning.
func (s *Store) Prune(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&Entry{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune log entries: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.log.Info("pruned audit log entries",
			"removed", res.RowsAffected,
			"retention_days", retentionDays)
	}
	return res.RowsAffected, nil
}
