// Package auditlog persists the relay's append-only activity log.
package auditlog

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// EventType classifies what happened.
type EventType string

const (
	EventEmailSent    EventType = "email_sent"
	EventEmailError   EventType = "email_error"
	EventAuthSuccess  EventType = "auth_success"
	EventAuthError    EventType = "auth_error"
	EventConfigChange EventType = "config_change"
	EventTestEmail    EventType = "test_email"
	EventTokenRefresh EventType = "token_refresh"
)

// Level grades the severity of an entry.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Entry is one audit log record. Recipient, Subject and Transport are
// denormalized out of Details so they can be indexed and searched.
// Actor is empty for system-initiated events.
type Entry struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	Type      EventType `gorm:"size:32;index" json:"type"`
	Level     Level     `gorm:"size:16;index" json:"level"`
	Message   string    `json:"message"`
	Actor     string    `gorm:"size:64" json:"actor,omitempty"`
	Recipient string    `gorm:"size:320;index" json:"recipient,omitempty"`
	Subject   string    `gorm:"size:998" json:"subject,omitempty"`
	Transport string    `gorm:"size:32;index" json:"transport,omitempty"`
	Details   Details   `gorm:"type:text" json:"details,omitempty"`
}

// TableName keeps the table name stable regardless of pluralization rules.
func (Entry) TableName() string {
	return "audit_log_entries"
}

// Details is a free-form JSON column for event payloads that do not
// warrant their own field.
type Details map[string]any

// Value serializes the map for storage. Empty maps store as NULL.
func (d Details) Value() (driver.Value, error) {
	if len(d) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal details: %w", err)
	}
	return string(raw), nil
}

// Scan deserializes the stored JSON back into the map.
func (d *Details) Scan(value any) error {
	if value == nil {
		*d = nil
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported details column type %T", value)
	}

	if len(raw) == 0 {
		*d = nil
		return nil
	}
	return json.Unmarshal(raw, d)
}
