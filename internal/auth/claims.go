package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims is the TAuth session payload, extended with the canvas profile fields
// (username and reward wallet).
type SessionClaims struct {
	UserID          string   `json:"user_id"`
	Username        string   `json:"username,omitempty"`
	UserEmail       string   `json:"user_email,omitempty"`
	UserDisplayName string   `json:"user_display_name,omitempty"`
	WalletAddress   string   `json:"wallet_address,omitempty"`
	UserRoles       []string `json:"user_roles,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry role, ignoring case.
func (c SessionClaims) HasRole(role string) bool {
	for _, candidate := range c.UserRoles {
		if strings.EqualFold(strings.TrimSpace(candidate), role) {
			return true
		}
	}
	return false
}

func (c SessionClaims) identified() bool {
	return strings.TrimSpace(c.Subject) != "" && strings.TrimSpace(c.UserID) != ""
}
