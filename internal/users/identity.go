package users

import (
	"strings"
	"time"
)

// Identity maps a provider-specific login onto a canonical pixelboard user and its profile.
type Identity struct {
	Provider      string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject       string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID        string    `gorm:"column:user_id;size:190;not null;index"`
	Username      string    `gorm:"column:username;size:320"`
	Email         string    `gorm:"column:user_email;size:320"`
	WalletAddress string    `gorm:"column:wallet_address;size:64"`
	LastSeenAt    time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// AdminRole is the TAuth role that grants grid administration.
const AdminRole = "admin"

// Profile is the resolved caller identity handed to the write path. Admin is derived from
// the current token on every request and never cached.
type Profile struct {
	UserID        string `json:"user_id"`
	Username      string `json:"username"`
	WalletAddress string `json:"wallet_address,omitempty"`
	Admin         bool   `json:"-"`
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
