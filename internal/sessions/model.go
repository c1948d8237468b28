package sessions

import (
	"errors"
	"strings"
	"time"
)

// TableName names the session table and its change feed channel.
const TableName = "user_sessions"

var (
	// ErrInvalidUserID indicates an empty user identifier.
	ErrInvalidUserID = errors.New("sessions: invalid user id")
	// ErrSessionNotFound indicates that no session row exists for the user.
	ErrSessionNotFound = errors.New("sessions: session not found")
)

// Session tracks presence and the write clock of one user.
type Session struct {
	UserID                string `gorm:"column:user_id;primaryKey;size:190" json:"user_id"`
	Username              string `gorm:"column:username;size:320;not null" json:"username"`
	IsOnline              bool   `gorm:"column:is_online;not null;index:idx_user_sessions_presence,priority:1" json:"is_online"`
	LastActiveAtMillis    int64  `gorm:"column:last_active_at_ms;not null;index:idx_user_sessions_presence,priority:2" json:"last_active_at_ms"`
	LastCellWriteAtMillis *int64 `gorm:"column:last_cell_write_at_ms" json:"last_cell_write_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return TableName
}

// LastCellWriteAt returns the last accepted cell write, if any.
func (s Session) LastCellWriteAt() (time.Time, bool) {
	if s.LastCellWriteAtMillis == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*s.LastCellWriteAtMillis).UTC(), true
}

// LastActiveAt returns the last activity timestamp.
func (s Session) LastActiveAt() time.Time {
	return time.UnixMilli(s.LastActiveAtMillis).UTC()
}

// CooldownRemaining reports how long the user must still wait before writing again.
func (s Session) CooldownRemaining(now time.Time, cooldown time.Duration) time.Duration {
	lastWrite, ok := s.LastCellWriteAt()
	if !ok {
		return 0
	}
	remaining := cooldown - now.Sub(lastWrite)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SessionUpsert creates or refreshes a session.
type SessionUpsert struct {
	UserID   string
	Username string
}

// Validate checks the upsert carries a user id.
func (u SessionUpsert) Validate() error {
	if strings.TrimSpace(u.UserID) == "" {
		return ErrInvalidUserID
	}
	return nil
}
