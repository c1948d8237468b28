package auth

import (
	"testing"
	"time"
)

func TestSessionIssuerIssuesValidatableTokens(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return clockNow }
	issuer, err := NewSessionIssuer(SessionIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	token, expiresAt, err := issuer.Issue(SessionClaims{
		UserID:        " " + testSessionUserID + " ",
		Username:      "pixel-fan",
		WalletAddress: testSessionWallet,
	})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(clockNow.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	claims, err := newTestValidator(t, clock).ValidateToken(token)
	if err != nil {
		t.Fatalf("issued token failed validation: %v", err)
	}
	if claims.UserID != testSessionUserID || claims.Subject != testSessionUserID {
		t.Fatalf("expected trimmed user id as subject, got %#v", claims)
	}
	if claims.WalletAddress != testSessionWallet {
		t.Fatalf("unexpected wallet %s", claims.WalletAddress)
	}
}

func TestSessionIssuerRequiresUserID(t *testing.T) {
	issuer, err := NewSessionIssuer(SessionIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.Issue(SessionClaims{}); err == nil {
		t.Fatalf("expected missing user id error")
	}
}
