package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/feed"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/grid"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/sessions"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesBaseURL(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, errMissingBaseURL)
	_, err = New(Config{BaseURL: "ftp://example.com"})
	require.Error(t, err)
	client, err := New(Config{BaseURL: "http://example.com/api/"})
	require.NoError(t, err)
	require.Equal(t, "http://example.com/api/grid?table=grid_cells", client.endpoint("/grid", filterQuery(feed.Filter{Table: grid.TableName})).String())
}

func TestListAllCellsAndListOnline(t *testing.T) {
	var (
		mu       sync.Mutex
		gotSince string
		gotAuth  string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/grid":
			_, _ = w.Write([]byte(`{"cells":[{"row":1,"col":2,"color_index":3,"author_user_id":"alice","author_username":"alice","written_at_ms":10}],"total":1,"last_update_ms":10}`))
		case "/presence":
			gotSince = r.URL.Query().Get("since_ms")
			_, _ = w.Write([]byte(`{"users":[{"user_id":"bob","username":"bob","is_online":true,"last_active_at_ms":5,"last_cell_write_at_ms":null}],"total":1}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"success":false,"error":"StorageError","message":"down"}`))
		}
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, Token: "token-1"})
	require.NoError(t, err)

	cells, err := client.ListAllCells(context.Background())
	require.NoError(t, err)
	require.Len(t, cells, 1)
	require.Equal(t, 3, *cells[0].ColorIndex)
	mu.Lock()
	require.Equal(t, "Bearer token-1", gotAuth)
	mu.Unlock()

	online, err := client.ListOnline(context.Background(), time.UnixMilli(1234))
	require.NoError(t, err)
	require.Equal(t, []sessions.Session{{UserID: "bob", Username: "bob", IsOnline: true, LastActiveAtMillis: 5}}, online)
	mu.Lock()
	require.Equal(t, "1234", gotSince)
	mu.Unlock()

	var failure *StatusError
	err = client.getJSON(context.Background(), "/broken", nil, &struct{}{})
	require.ErrorAs(t, err, &failure)
	require.Equal(t, http.StatusServiceUnavailable, failure.StatusCode)
	require.Equal(t, "StorageError", failure.Kind)
}

func TestSubscribeDecodesEnvelopesAndClosesOnResync(t *testing.T) {
	event, err := feed.NewEvent(feed.KindInsert, grid.TableName, grid.Cell{Row: 1, Col: 1, ColorIndex: grid.Color(2)}, nil, time.Unix(1700000000, 0))
	require.NoError(t, err)
	frames := make(chan []byte, 4)
	queries := make(chan string, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.RawQuery
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for frame := range frames {
			if err := conn.Write(r.Context(), websocket.MessageText, frame); err != nil {
				return
			}
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, unsubscribe, err := client.Subscribe(ctx, feed.Filter{Table: grid.TableName, Kinds: []feed.Kind{feed.KindInsert}})
	require.NoError(t, err)
	defer unsubscribe()

	encoded, err := json.Marshal(map[string]any{"type": "event", "event": event, "ts": 1})
	require.NoError(t, err)
	frames <- []byte(`{"type":"heartbeat","ts":1}`)
	frames <- []byte(`{"type":"event","event":"garbage","ts":1}`)
	frames <- encoded
	frames <- []byte(`{"type":"resync","ts":2}`)

	select {
	case received := <-stream:
		require.Equal(t, event.ID, received.ID)
		require.Equal(t, feed.KindInsert, received.Kind)
	case <-ctx.Done():
		t.Fatal("expected an event")
	}
	select {
	case _, ok := <-stream:
		require.False(t, ok, "resync closes the stream")
	case <-ctx.Done():
		t.Fatal("expected the stream to close")
	}
	close(frames)
	require.Equal(t, "kinds=INSERT&table=grid_cells", <-queries)

	unsubscribe()
}
