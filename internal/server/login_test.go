package server

import (
	"context"
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/auth"
	"github.com/stretchr/testify/require"
)

type stubIDTokens struct {
	tokens map[string]auth.SessionClaims
}

func (s stubIDTokens) Verify(_ context.Context, rawToken string) (auth.SessionClaims, error) {
	claims, ok := s.tokens[rawToken]
	if !ok {
		return auth.SessionClaims{}, auth.ErrInvalidSessionToken
	}
	return claims, nil
}

func TestLoginExchangesIDTokenForSession(t *testing.T) {
	stack := newTestStack(t, stackOptions{idTokens: stubIDTokens{tokens: map[string]auth.SessionClaims{
		"google-id-token": {UserID: "google-123", Username: "ada", WalletAddress: "0xabc"},
	}}})

	response, payload := stack.post(t, "/auth/login", "", `{"id_token":"google-id-token"}`)
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Equal(t, "Bearer", payload["token_type"])
	require.Equal(t, "google-123", payload["user_id"])
	require.Contains(t, payload, "expires_in")
	require.NotEmpty(t, payload["access_token"])

	var sessionCookie *http.Cookie
	for _, cookie := range response.Cookies() {
		if cookie.Name == testCookieName {
			sessionCookie = cookie
		}
	}
	require.NotNil(t, sessionCookie)
	require.True(t, sessionCookie.HttpOnly)
	require.Equal(t, payload["access_token"], sessionCookie.Value)

	// The issued token is accepted by the write path, via cookie as well as bearer.
	request, err := http.NewRequest(http.MethodPost, stack.server.URL+"/session/heartbeat", http.NoBody)
	require.NoError(t, err)
	request.AddCookie(sessionCookie)
	heartbeat, _ := doJSON(t, request)
	require.Equal(t, http.StatusOK, heartbeat.StatusCode)

	_, presence := stack.get(t, "/presence")
	online := presence["users"].([]any)
	require.Len(t, online, 1)
	require.Equal(t, "google-123", online[0].(map[string]any)["user_id"])
	require.Equal(t, "ada", online[0].(map[string]any)["username"])

	bearer, _ := stack.post(t, "/session/heartbeat", payload["access_token"].(string), ``)
	require.Equal(t, http.StatusOK, bearer.StatusCode)
}

func TestLoginRejectsMissingAndUnverifiedTokens(t *testing.T) {
	stack := newTestStack(t, stackOptions{idTokens: stubIDTokens{}})

	response, payload := stack.post(t, "/auth/login", "", `{"id_token":"  "}`)
	require.Equal(t, http.StatusBadRequest, response.StatusCode)
	require.Equal(t, "InvalidInput", payload["error"])

	response, payload = stack.post(t, "/auth/login", "", `{"id_token":"forged"}`)
	require.Equal(t, http.StatusUnauthorized, response.StatusCode)
	require.Equal(t, "Unauthenticated", payload["error"])
	require.Empty(t, response.Cookies())
}

func TestLoginRouteAbsentWithoutVerifier(t *testing.T) {
	stack := newTestStack(t, stackOptions{})
	response, _ := stack.post(t, "/auth/login", "", `{"id_token":"anything"}`)
	require.Equal(t, http.StatusNotFound, response.StatusCode)
}
