package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/auth"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/database"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/feed"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/gate"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/grid"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/metrics"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/sessions"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "pixelboard-test-secret"
	testIssuer        = "tauth"
	testCookieName    = "app_session"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
}

type testStack struct {
	server   *httptest.Server
	issuer   *auth.SessionIssuer
	broker   *feed.Broker
	cells    *grid.Store
	sessions *sessions.Store
	metrics  *metrics.Collectors
	clock    *testClock
}

type stackOptions struct {
	admins         []string
	limiter        *IPLimiter
	idTokens       IDTokenVerifier
	trustedProxies []string
}

func newTestStack(t *testing.T, options stackOptions) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2026, 9, 14, 12, 0, 0, 0, time.UTC)}
	collectors := metrics.New()
	broker := feed.NewBroker(feed.BrokerConfig{Observer: collectors})
	cells, err := grid.NewStore(grid.StoreConfig{Database: db, Clock: clock.Now, Publisher: broker})
	require.NoError(t, err)
	sessionStore, err := sessions.NewStore(sessions.StoreConfig{Database: db, Clock: clock.Now, Publisher: broker})
	require.NoError(t, err)
	transactor, err := database.NewTransactor(db)
	require.NoError(t, err)
	profiles, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock.Now})
	require.NoError(t, err)

	writeGate, err := gate.New(gate.Config{
		Cells:          cells,
		Sessions:       sessionStore,
		Transactor:     transactor,
		Recorder:       collectors,
		Cooldown:       5 * time.Second,
		StrictCooldown: true,
		AdminUserIDs:   options.admins,
		Clock:          clock.Now,
	})
	require.NoError(t, err)

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	require.NoError(t, err)
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Hour,
	})
	require.NoError(t, err)

	handler, err := NewHTTPHandler(Dependencies{
		Gate:              writeGate,
		Cells:             cells,
		Sessions:          sessionStore,
		Validator:         validator,
		Profiles:          profiles,
		Feed:              broker,
		Limiter:           options.limiter,
		IDTokens:          options.idTokens,
		Issuer:            issuer,
		SessionCookieName: testCookieName,
		TrustedProxies:    options.trustedProxies,
		MetricsHandler:    collectors.Handler(),
		HeartbeatInterval: 50 * time.Millisecond,
		Clock:             clock.Now,
	})
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testStack{
		server:   server,
		issuer:   issuer,
		broker:   broker,
		cells:    cells,
		sessions: sessionStore,
		metrics:  collectors,
		clock:    clock,
	}
}

func (s *testStack) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := s.issuer.Issue(auth.SessionClaims{UserID: userID, Username: userID})
	require.NoError(t, err)
	return token
}

func (s *testStack) post(t *testing.T, path, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	request, err := http.NewRequest(http.MethodPost, s.server.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	return doJSON(t, request)
}

func (s *testStack) postForwarded(t *testing.T, path, token, forwardedFor string) (*http.Response, map[string]any) {
	t.Helper()
	request, err := http.NewRequest(http.MethodPost, s.server.URL+path, http.NoBody)
	require.NoError(t, err)
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("X-Forwarded-For", forwardedFor)
	return doJSON(t, request)
}

func (s *testStack) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	request, err := http.NewRequest(http.MethodGet, s.server.URL+path, http.NoBody)
	require.NoError(t, err)
	return doJSON(t, request)
}

func doJSON(t *testing.T, request *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	payload := map[string]any{}
	if response.ContentLength != 0 {
		_ = json.NewDecoder(response.Body).Decode(&payload)
	}
	return response, payload
}
