package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	defaultJWKSCacheTTL   = 10 * time.Minute
	minJWKSRefreshBackoff = 30 * time.Second
	maxJWKSBodyBytes      = 1 << 20
)

// DefaultIDTokenIssuers are the Google issuer spellings accepted when none are configured.
var DefaultIDTokenIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

var (
	ErrInvalidIDTokenVerifierConfig = errors.New("id token verifier: invalid config")
	ErrMissingIDToken               = errors.New("id token verifier: token required")
	ErrUntrustedIDTokenIssuer       = errors.New("id token verifier: issuer not allowed")

	errMissingKeyIdentifier  = errors.New("token missing key identifier")
	errKeyNotFound           = errors.New("signing key not found in JWKS")
	errMissingIDTokenSubject = errors.New("token missing subject claim")
	errMissingAudienceConfig = errors.New("audience configuration required")
	errMissingJWKSURL        = errors.New("jwks url configuration required")
	errNoAllowedIssuers      = errors.New("no allowed issuers configured")
)

// IDTokenVerifierConfig configures offline verification of OAuth ID tokens.
type IDTokenVerifierConfig struct {
	Audience       string
	JWKSURL        string
	AllowedIssuers []string
	HTTPClient     *http.Client
	CacheTTL       time.Duration
	Logger         *zap.Logger
	Clock          func() time.Time
}

// IDTokenVerifier checks RS256 ID tokens against a cached JWKS and maps them onto
// SessionClaims so the login exchange can mint a canvas session.
type IDTokenVerifier struct {
	audience   string
	jwksURL    string
	issuers    map[string]struct{}
	httpClient *http.Client
	logger     *zap.Logger
	clock      func() time.Time
	cache      *jwksCache
	parser     *jwt.Parser
}

type idTokenClaims struct {
	Email             string `json:"email"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	WalletAddress     string `json:"wallet_address"`
	jwt.RegisteredClaims
}

// NewIDTokenVerifier validates cfg and constructs a verifier.
func NewIDTokenVerifier(cfg IDTokenVerifierConfig) (*IDTokenVerifier, error) {
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIDTokenVerifierConfig, errMissingAudienceConfig)
	}
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIDTokenVerifierConfig, errMissingJWKSURL)
	}

	allowed := cfg.AllowedIssuers
	if allowed == nil {
		allowed = DefaultIDTokenIssuers
	}
	issuers := make(map[string]struct{}, len(allowed))
	for _, issuer := range allowed {
		if normalized := strings.TrimSpace(issuer); normalized != "" {
			issuers[normalized] = struct{}{}
		}
	}
	if len(issuers) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIDTokenVerifierConfig, errNoAllowedIssuers)
	}

	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultJWKSCacheTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &IDTokenVerifier{
		audience:   audience,
		jwksURL:    jwksURL,
		issuers:    issuers,
		httpClient: httpClient,
		logger:     logger,
		clock:      clock,
		cache:      &jwksCache{ttl: cacheTTL},
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithAudience(audience),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithTimeFunc(clock),
		),
	}, nil
}

// Verify validates rawToken and returns the canvas identity it carries. The username
// falls back from preferred_username to name to email.
func (v *IDTokenVerifier) Verify(ctx context.Context, rawToken string) (SessionClaims, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return SessionClaims{}, ErrMissingIDToken
	}
	if len(rawToken) > maxTokenLength {
		return SessionClaims{}, fmt.Errorf("%w: token too large", ErrInvalidSessionToken)
	}

	claims := &idTokenClaims{}
	_, err := v.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (interface{}, error) {
		keyID, _ := token.Header["kid"].(string)
		if keyID == "" {
			return nil, errMissingKeyIdentifier
		}
		return v.lookupKey(ctx, keyID)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, fmt.Errorf("%w: %v", ErrExpiredSessionToken, err)
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if _, allowed := v.issuers[claims.Issuer]; !allowed {
		return SessionClaims{}, fmt.Errorf("%w: %q", ErrUntrustedIDTokenIssuer, claims.Issuer)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return SessionClaims{}, errMissingIDTokenSubject
	}

	username := firstNonEmpty(claims.PreferredUsername, claims.Name, claims.Email)
	return SessionClaims{
		UserID:          subject,
		Username:        username,
		UserEmail:       strings.TrimSpace(claims.Email),
		UserDisplayName: strings.TrimSpace(claims.Name),
		WalletAddress:   strings.TrimSpace(claims.WalletAddress),
	}, nil
}

func (v *IDTokenVerifier) lookupKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	now := v.clock()
	if key, fresh := v.cache.get(keyID, now); key != nil && fresh {
		return key, nil
	}
	// Unknown kids trigger at most one JWKS fetch per backoff window.
	if !v.cache.refreshDue(now) {
		if key, _ := v.cache.get(keyID, now); key != nil {
			return key, nil
		}
		return nil, errKeyNotFound
	}
	if err := v.refreshKeys(ctx, now); err != nil {
		if key, _ := v.cache.get(keyID, now); key != nil {
			v.logger.Warn("jwks refresh failed, serving cached key", zap.String("kid", keyID), zap.Error(err))
			return key, nil
		}
		return nil, err
	}
	if key, _ := v.cache.get(keyID, now); key != nil {
		return key, nil
	}
	return nil, errKeyNotFound
}

func (v *IDTokenVerifier) refreshKeys(ctx context.Context, fetchedAt time.Time) error {
	v.cache.markAttempt(fetchedAt)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, http.NoBody)
	if err != nil {
		return err
	}
	response, err := v.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks request returned status %d", response.StatusCode)
	}

	var document jwksDocument
	if err := json.NewDecoder(io.LimitReader(response.Body, maxJWKSBodyBytes)).Decode(&document); err != nil {
		return err
	}
	keys := make(map[string]*rsa.PublicKey, len(document.Keys))
	for _, key := range document.Keys {
		if key.KeyType != "RSA" || (key.Use != "" && key.Use != "sig") {
			continue
		}
		publicKey, err := key.toRSAPublicKey()
		if err != nil {
			v.logger.Debug("skipping jwk", zap.String("kid", key.KeyID), zap.Error(err))
			continue
		}
		keys[key.KeyID] = publicKey
	}
	if len(keys) == 0 {
		return errors.New("jwks document contained no usable keys")
	}
	v.cache.store(keys, fetchedAt)
	v.logger.Debug("jwks refreshed", zap.Int("keys", len(keys)))
	return nil
}

type jwksCache struct {
	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	expiresAt   time.Time
	lastAttempt time.Time
	ttl         time.Duration
}

// get returns the cached key and whether the cache is still within its TTL.
func (c *jwksCache) get(keyID string, now time.Time) (*rsa.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.keys == nil {
		return nil, false
	}
	return c.keys[keyID], !now.After(c.expiresAt)
}

func (c *jwksCache) refreshDue(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastAttempt.IsZero() || now.Sub(c.lastAttempt) >= minJWKSRefreshBackoff || now.After(c.expiresAt)
}

func (c *jwksCache) markAttempt(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastAttempt = now
}

func (c *jwksCache) store(keys map[string]*rsa.PublicKey, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = keys
	c.expiresAt = now.Add(c.ttl)
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	KeyType  string `json:"kty"`
	KeyID    string `json:"kid"`
	Use      string `json:"use"`
	Modulus  string `json:"n"`
	Exponent string `json:"e"`
}

func (k jwk) toRSAPublicKey() (*rsa.PublicKey, error) {
	modulus, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus encoding: %w", err)
	}
	exponentBytes, err := base64.RawURLEncoding.DecodeString(k.Exponent)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent encoding: %w", err)
	}
	if len(modulus) == 0 || len(exponentBytes) == 0 || len(exponentBytes) > 4 {
		return nil, errors.New("malformed rsa key")
	}
	exponent := 0
	for _, b := range exponentBytes {
		exponent = exponent<<8 | int(b)
	}
	if exponent < 3 {
		return nil, errors.New("invalid exponent value")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: exponent}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
