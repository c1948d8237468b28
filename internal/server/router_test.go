package server

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err != errMissingGate {
		t.Fatalf("expected errMissingGate, got %v", err)
	}
}

func TestHealthPaletteAndEmptyGrid(t *testing.T) {
	stack := newTestStack(t, stackOptions{})

	response, payload := stack.get(t, "/healthz")
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Equal(t, "ok", payload["status"])

	response, payload = stack.get(t, "/palette")
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Len(t, payload["colors"], 32)

	response, payload = stack.get(t, "/grid")
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Equal(t, float64(0), payload["total"])
	require.Empty(t, payload["cells"])
}

func TestPlaceCellRequiresSession(t *testing.T) {
	stack := newTestStack(t, stackOptions{})

	response, payload := stack.post(t, "/grid/cells", "", `{"row":1,"col":1,"color_index":2}`)
	require.Equal(t, http.StatusUnauthorized, response.StatusCode)
	require.Equal(t, "Unauthenticated", payload["error"])
	require.Equal(t, false, payload["success"])

	response, _ = stack.post(t, "/grid/cells", "not-a-token", `{"row":1,"col":1,"color_index":2}`)
	require.Equal(t, http.StatusUnauthorized, response.StatusCode)
}

func TestPlaceCellThenCooldown(t *testing.T) {
	stack := newTestStack(t, stackOptions{})
	token := stack.token(t, "alice")

	response, payload := stack.post(t, "/grid/cells", token, `{"row":10,"col":20,"color_index":5}`)
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Equal(t, true, payload["success"])
	cell := payload["cell"].(map[string]any)
	require.Equal(t, float64(10), cell["row"])
	require.Equal(t, float64(5), cell["color_index"])
	require.Equal(t, "alice", cell["author_user_id"])

	stack.clock.Advance(1500 * time.Millisecond)
	response, payload = stack.post(t, "/grid/cells", token, `{"row":10,"col":21,"color_index":5}`)
	require.Equal(t, http.StatusTooManyRequests, response.StatusCode)
	require.Equal(t, "RateLimited", payload["error"])
	require.Equal(t, float64(4), payload["remaining_seconds"])
	require.Equal(t, "4", response.Header.Get("Retry-After"))

	stack.clock.Advance(3500 * time.Millisecond)
	response, _ = stack.post(t, "/grid/cells", token, `{"row":10,"col":21,"color_index":null}`)
	require.Equal(t, http.StatusOK, response.StatusCode)

	response, payload = stack.get(t, "/grid/cells/10/21")
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Nil(t, payload["color_index"])

	response, payload = stack.get(t, "/grid")
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Equal(t, float64(2), payload["total"])
	require.Equal(t, float64(stack.clock.Now().UnixMilli()), payload["last_update_ms"])
}

func TestPlaceCellRejectsInvalidInput(t *testing.T) {
	stack := newTestStack(t, stackOptions{})
	token := stack.token(t, "alice")

	bodies := []string{
		`{"row":1.5,"col":1,"color_index":2}`,
		`{"row":"1","col":1,"color_index":2}`,
		`{"row":1,"col":1}`,
		`{"row":1,"col":1,"color_index":2e0}`,
		`{"row":100,"col":1,"color_index":2}`,
		`{"row":1,"col":165,"color_index":2}`,
		`{"row":1,"col":1,"color_index":32}`,
		`{"row":-1,"col":1,"color_index":2}`,
		`not json`,
	}
	for _, body := range bodies {
		response, payload := stack.post(t, "/grid/cells", token, body)
		require.Equal(t, http.StatusBadRequest, response.StatusCode, body)
		require.Equal(t, "InvalidInput", payload["error"], body)
	}

	response, _ := stack.get(t, "/grid")
	require.Equal(t, http.StatusOK, response.StatusCode)
	_, found, err := stack.sessions.GetSession(context.Background(), "alice")
	require.NoError(t, err)
	require.False(t, found, "invalid writes must not create session state")
}

func TestGetCellValidatesPath(t *testing.T) {
	stack := newTestStack(t, stackOptions{})

	response, _ := stack.get(t, "/grid/cells/a/1")
	require.Equal(t, http.StatusBadRequest, response.StatusCode)
	response, _ = stack.get(t, "/grid/cells/100/1")
	require.Equal(t, http.StatusBadRequest, response.StatusCode)
	response, payload := stack.get(t, "/grid/cells/3/3")
	require.Equal(t, http.StatusNotFound, response.StatusCode)
	require.Equal(t, "NotFound", payload["error"])
}

func TestResetGridRequiresAdmin(t *testing.T) {
	stack := newTestStack(t, stackOptions{admins: []string{"root"}})

	response, _ := stack.post(t, "/grid/cells", stack.token(t, "alice"), `{"row":0,"col":0,"color_index":1}`)
	require.Equal(t, http.StatusOK, response.StatusCode)

	response, payload := stack.post(t, "/grid/reset", stack.token(t, "alice"), `{}`)
	require.Equal(t, http.StatusForbidden, response.StatusCode)
	require.Equal(t, "Forbidden", payload["error"])

	response, payload = stack.post(t, "/grid/reset", stack.token(t, "root"), `{}`)
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Equal(t, float64(1), payload["removed"])

	_, payload = stack.get(t, "/grid")
	require.Equal(t, float64(0), payload["total"])
}

func TestHeartbeatPresenceAndOffline(t *testing.T) {
	stack := newTestStack(t, stackOptions{})
	token := stack.token(t, "bob")

	response, _ := stack.post(t, "/session/heartbeat", token, ``)
	require.Equal(t, http.StatusOK, response.StatusCode)

	response, payload := stack.get(t, "/presence")
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Equal(t, float64(1), payload["total"])
	online := payload["users"].([]any)
	require.Equal(t, "bob", online[0].(map[string]any)["user_id"])

	stack.clock.Advance(3 * time.Minute)
	_, payload = stack.get(t, "/presence")
	require.Equal(t, float64(0), payload["total"], "presence honours the freshness window")

	response, _ = stack.post(t, "/session/heartbeat", token, ``)
	require.Equal(t, http.StatusOK, response.StatusCode)
	response, _ = stack.post(t, "/session/offline", token, ``)
	require.Equal(t, http.StatusOK, response.StatusCode)
	_, payload = stack.get(t, "/presence")
	require.Equal(t, float64(0), payload["total"])

	response, _ = stack.get(t, "/presence?since_ms=abc")
	require.Equal(t, http.StatusBadRequest, response.StatusCode)
}

func TestMetricsEndpointCountsWrites(t *testing.T) {
	stack := newTestStack(t, stackOptions{})
	response, _ := stack.post(t, "/grid/cells", stack.token(t, "alice"), `{"row":0,"col":0,"color_index":1}`)
	require.Equal(t, http.StatusOK, response.StatusCode)

	request, err := http.NewRequest(http.MethodGet, stack.server.URL+"/metrics", http.NoBody)
	require.NoError(t, err)
	metricsResponse, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer metricsResponse.Body.Close()
	require.Equal(t, http.StatusOK, metricsResponse.StatusCode)

	body, err := io.ReadAll(metricsResponse.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `pixelboard_cell_writes_total{outcome="success"} 1`)
}

func TestPerClientLimiterRejectsBursts(t *testing.T) {
	limiter := NewIPLimiter(IPLimiterConfig{RPS: 0.001, Burst: 2})
	t.Cleanup(limiter.Stop)
	stack := newTestStack(t, stackOptions{limiter: limiter})
	token := stack.token(t, "carol")

	for attempt := 0; attempt < 2; attempt++ {
		response, _ := stack.post(t, "/session/heartbeat", token, ``)
		require.Equal(t, http.StatusOK, response.StatusCode)
	}
	response, payload := stack.post(t, "/session/heartbeat", token, ``)
	require.Equal(t, http.StatusTooManyRequests, response.StatusCode)
	require.Equal(t, "RateLimited", payload["error"])
	require.NotEmpty(t, response.Header.Get("Retry-After"))
}

func TestPerClientLimiterIgnoresSpoofedForwardedFor(t *testing.T) {
	limiter := NewIPLimiter(IPLimiterConfig{RPS: 0.001, Burst: 2})
	t.Cleanup(limiter.Stop)
	stack := newTestStack(t, stackOptions{limiter: limiter})
	token := stack.token(t, "mallory")

	statuses := make([]int, 0, 3)
	for _, forwarded := range []string{"203.0.113.1", "203.0.113.2", "203.0.113.3"} {
		response, _ := stack.postForwarded(t, "/session/heartbeat", token, forwarded)
		statuses = append(statuses, response.StatusCode)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, statuses)
}

func TestTrustedProxyForwardsClientAddress(t *testing.T) {
	limiter := NewIPLimiter(IPLimiterConfig{RPS: 0.001, Burst: 1})
	t.Cleanup(limiter.Stop)
	stack := newTestStack(t, stackOptions{limiter: limiter, trustedProxies: []string{"127.0.0.1", "::1"}})
	token := stack.token(t, "erin")

	for _, forwarded := range []string{"203.0.113.1", "203.0.113.2", "203.0.113.3"} {
		response, _ := stack.postForwarded(t, "/session/heartbeat", token, forwarded)
		require.Equal(t, http.StatusOK, response.StatusCode, "client %s", forwarded)
	}
	response, _ := stack.postForwarded(t, "/session/heartbeat", token, "203.0.113.1")
	require.Equal(t, http.StatusTooManyRequests, response.StatusCode)
}
