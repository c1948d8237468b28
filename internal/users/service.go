package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/auth"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// Resolver turns validated session claims into a caller profile.
type Resolver interface {
	ResolveProfile(ctx context.Context, claims auth.SessionClaims) (Profile, error)
}

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages canonical user identifiers and provider-specific identities.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// ResolveProfile returns the canonical profile for the provided session claims.
// It creates a new identity mapping when the provider+subject pair has not been seen before
// and records username or wallet changes carried by newer tokens.
func (s *Service) ResolveProfile(ctx context.Context, claims auth.SessionClaims) (Profile, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Profile{}, ErrInvalidIdentity
	}
	username := claimedUsername(claims)
	wallet := normalize(claims.WalletAddress)

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if profile, ok := cached.(Profile); ok && matchesClaims(profile, username, wallet) {
			return profile, nil
		}
	}

	db := s.db.WithContext(ctx)
	var identity Identity
	err := db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:      provider,
			Subject:       subject,
			UserID:        subject,
			Username:      username,
			Email:         normalize(claims.UserEmail),
			WalletAddress: wallet,
			LastSeenAt:    s.now(),
		}
		if err := db.Create(&identity).Error; err != nil {
			return Profile{}, err
		}
	} else if err != nil {
		return Profile{}, err
	} else {
		updates := map[string]interface{}{}
		if username != "" && username != identity.Username {
			updates["username"] = username
			identity.Username = username
		}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if wallet != "" && wallet != identity.WalletAddress {
			updates["wallet_address"] = wallet
			identity.WalletAddress = wallet
		}
		updates["last_seen_at"] = s.now()
		_ = db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error
	}

	profile := Profile{
		UserID:        identity.UserID,
		Username:      identity.Username,
		WalletAddress: identity.WalletAddress,
	}
	s.cache.Store(cacheKey, profile)
	profile.Admin = claims.HasRole(AdminRole)
	return profile, nil
}

// ClaimsResolver builds profiles straight from the token without a lookup table.
type ClaimsResolver struct{}

// ResolveProfile implements Resolver.
func (ClaimsResolver) ResolveProfile(_ context.Context, claims auth.SessionClaims) (Profile, error) {
	_, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Profile{}, ErrInvalidIdentity
	}
	return Profile{
		UserID:        subject,
		Username:      claimedUsername(claims),
		WalletAddress: normalize(claims.WalletAddress),
		Admin:         claims.HasRole(AdminRole),
	}, nil
}

func matchesClaims(profile Profile, username, wallet string) bool {
	if username != "" && username != profile.Username {
		return false
	}
	if wallet != "" && wallet != profile.WalletAddress {
		return false
	}
	return true
}

func claimedUsername(claims auth.SessionClaims) string {
	if username := normalize(claims.Username); username != "" {
		return username
	}
	return normalize(claims.UserDisplayName)
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
