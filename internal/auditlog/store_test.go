package auditlog

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
)

type StoreTestSuite struct {
	suite.Suite
	db    *gorm.DB
	store *Store
}

func (s *StoreTestSuite) SetupSuite() {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(s.T(), err)

	err = db.AutoMigrate(&Entry{})
	require.NoError(s.T(), err)

	s.db = db
	s.store = NewStore(db, nil)
}

func (s *StoreTestSuite) TearDownSuite() {
	sqlDB, _ := s.db.DB()
	if sqlDB != nil {
		sqlDB.Close()
	}
}

func (s *StoreTestSuite) SetupTest() {
	s.db.Exec("DELETE FROM audit_log_entries")
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}

func (s *StoreTestSuite) TestAppend_ReturnsID() {
	id := s.store.Append(context.Background(), Entry{
		Type:      EventEmailSent,
		Level:     LevelSuccess,
		Message:   "email sent",
		Recipient: "one@example.com",
		Subject:   "Hello",
		Transport: "smtp",
	})

	assert.NotZero(s.T(), id)

	var saved Entry
	require.NoError(s.T(), s.db.First(&saved, id).Error)
	assert.Equal(s.T(), EventEmailSent, saved.Type)
	assert.Equal(s.T(), "one@example.com", saved.Recipient)
	assert.False(s.T(), saved.CreatedAt.IsZero())
}

func (s *StoreTestSuite) TestAppend_DefaultsLevelToInfo() {
	id := s.store.Append(context.Background(), Entry{
		Type:    EventConfigChange,
		Message: "settings updated",
	})

	var saved Entry
	require.NoError(s.T(), s.db.First(&saved, id).Error)
	assert.Equal(s.T(), LevelInfo, saved.Level)
}

func (s *StoreTestSuite) TestAppend_NeverFails() {
	// A closed database is the worst case; Append must still return a
	// sentinel instead of an error.
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(s.T(), err)
	sqlDB, err := db.DB()
	require.NoError(s.T(), err)
	sqlDB.Close()

	broken := NewStore(db, nil)
	id := broken.Append(context.Background(), Entry{Type: EventEmailSent, Message: "x"})
	assert.Zero(s.T(), id)
}

func (s *StoreTestSuite) TestAppend_PersistsDetails() {
	id := s.store.Append(context.Background(), Entry{
		Type:    EventEmailError,
		Level:   LevelError,
		Message: "send failed",
		Details: Details{"code": "transport", "attempt_host": "smtp.example.com"},
	})

	var saved Entry
	require.NoError(s.T(), s.db.First(&saved, id).Error)
	assert.Equal(s.T(), "transport", saved.Details["code"])
	assert.Equal(s.T(), "smtp.example.com", saved.Details["attempt_host"])
}

func (s *StoreTestSuite) TestQuery_NewestFirst() {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		s.store.Append(ctx, Entry{
			Type:      EventEmailSent,
			Message:   "email sent",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	entries, total, err := s.store.Query(ctx, Filter{})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(3), total)
	require.Len(s.T(), entries, 3)
	assert.True(s.T(), entries[0].CreatedAt.After(entries[2].CreatedAt))
}

func (s *StoreTestSuite) TestQuery_FilterByTypeAndLevel() {
	ctx := context.Background()
	s.store.Append(ctx, Entry{Type: EventEmailSent, Level: LevelSuccess, Message: "sent"})
	s.store.Append(ctx, Entry{Type: EventEmailError, Level: LevelError, Message: "failed"})
	s.store.Append(ctx, Entry{Type: EventAuthError, Level: LevelError, Message: "denied"})

	entries, total, err := s.store.Query(ctx, Filter{Types: []EventType{EventEmailError}})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(1), total)
	require.Len(s.T(), entries, 1)
	assert.Equal(s.T(), EventEmailError, entries[0].Type)

	entries, total, err = s.store.Query(ctx, Filter{Levels: []Level{LevelError}})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(2), total)
	assert.Len(s.T(), entries, 2)
}

func (s *StoreTestSuite) TestQuery_FilterByTransport() {
	ctx := context.Background()
	s.store.Append(ctx, Entry{Type: EventEmailSent, Message: "sent", Transport: "smtp"})
	s.store.Append(ctx, Entry{Type: EventEmailSent, Message: "sent", Transport: "cloud_api"})

	entries, total, err := s.store.Query(ctx, Filter{Transport: "cloud_api"})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(1), total)
	require.Len(s.T(), entries, 1)
	assert.Equal(s.T(), "cloud_api", entries[0].Transport)
}

func (s *StoreTestSuite) TestQuery_Search() {
	ctx := context.Background()
	s.store.Append(ctx, Entry{Type: EventEmailSent, Message: "email sent", Recipient: "ada@example.com"})
	s.store.Append(ctx, Entry{Type: EventEmailSent, Message: "email sent", Subject: "Quarterly report"})
	s.store.Append(ctx, Entry{Type: EventEmailSent, Message: "email sent", Recipient: "bob@example.com"})

	entries, total, err := s.store.Query(ctx, Filter{Search: "ada@"})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(1), total)
	require.Len(s.T(), entries, 1)
	assert.Equal(s.T(), "ada@example.com", entries[0].Recipient)

	_, total, err = s.store.Query(ctx, Filter{Search: "Quarterly"})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(1), total)
}

func (s *StoreTestSuite) TestQuery_TimeWindow() {
	ctx := context.Background()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.store.Append(ctx, Entry{Type: EventEmailSent, Message: "old", CreatedAt: old})
	s.store.Append(ctx, Entry{Type: EventEmailSent, Message: "recent", CreatedAt: recent})

	entries, total, err := s.store.Query(ctx, Filter{Since: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(1), total)
	require.Len(s.T(), entries, 1)
	assert.Equal(s.T(), "recent", entries[0].Message)
}

func (s *StoreTestSuite) TestQuery_PaginationTotalUnaffected() {
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		s.store.Append(ctx, Entry{Type: EventEmailSent, Message: "sent"})
	}

	page1, total, err := s.store.Query(ctx, Filter{Limit: 3})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(7), total)
	assert.Len(s.T(), page1, 3)

	page2, total, err := s.store.Query(ctx, Filter{Limit: 3, Offset: 3})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(7), total)
	assert.Len(s.T(), page2, 3)

	page3, total, err := s.store.Query(ctx, Filter{Limit: 3, Offset: 6})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(7), total)
	assert.Len(s.T(), page3, 1)

	// No overlap between pages.
	seen := map[int64]bool{}
	for _, e := range append(append(page1, page2...), page3...) {
		assert.False(s.T(), seen[e.ID], "entry %d returned twice", e.ID)
		seen[e.ID] = true
	}
}

func (s *StoreTestSuite) TestQuery_LimitCapped() {
	ctx := context.Background()
	s.store.Append(ctx, Entry{Type: EventEmailSent, Message: "sent"})

	_, _, err := s.store.Query(ctx, Filter{Limit: MaxPageSize + 1000})
	require.NoError(s.T(), err)
}

func (s *StoreTestSuite) TestClearAll() {
	ctx := context.Background()
	s.store.Append(ctx, Entry{Type: EventEmailSent, Message: "sent"})
	s.store.Append(ctx, Entry{Type: EventEmailError, Message: "failed"})

	removed, err := s.store.ClearAll(ctx)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(2), removed)

	_, total, err := s.store.Query(ctx, Filter{})
	require.NoError(s.T(), err)
	assert.Zero(s.T(), total)
}

func (s *StoreTestSuite) TestPrune_RemovesOnlyExpired() {
	ctx := context.Background()
	s.store.Append(ctx, Entry{
		Type:      EventEmailSent,
		Message:   "ancient",
		CreatedAt: time.Now().UTC().AddDate(0, 0, -120),
	})
	s.store.Append(ctx, Entry{Type: EventEmailSent, Message: "fresh"})

	removed, err := s.store.Prune(ctx, 90)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(1), removed)

	entries, _, err := s.store.Query(ctx, Filter{})
	require.NoError(s.T(), err)
	require.Len(s.T(), entries, 1)
	assert.Equal(s.T(), "fresh", entries[0].Message)
}

func (s *StoreTestSuite) TestPrune_DisabledRetention() {
	ctx := context.Background()
	s.store.Append(ctx, Entry{
		Type:      EventEmailSent,
		Message:   "ancient",
		CreatedAt: time.Now().UTC().AddDate(0, 0, -120),
	})

	removed, err := s.store.Prune(ctx, 0)
	require.NoError(s.T(), err)
	assert.Zero(s.T(), removed)

	_, total, err := s.store.Query(ctx, Filter{})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(1), total)
}
