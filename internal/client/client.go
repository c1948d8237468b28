// Package client talks to a running pixelboard server: snapshot reads over HTTP and the
// change feed over a websocket. It satisfies the projector loader and feed source contracts.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/feed"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/grid"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/sessions"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 10 * time.Second
	streamBufferSize      = 256
	maxFrameBytes         = 1 << 20
)

var errMissingBaseURL = errors.New("client: base url required")

// Config configures a Client.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is a thin HTTP and websocket client of the pixelboard API.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// New validates the base URL and constructs a Client.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported scheme %q", parsed.Scheme)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: parsed, token: strings.TrimSpace(cfg.Token), httpClient: httpClient, logger: logger}, nil
}

// ListAllCells fetches the grid snapshot.
func (c *Client) ListAllCells(ctx context.Context) ([]grid.Cell, error) {
	var payload struct {
		Cells []grid.Cell `json:"cells"`
	}
	if err := c.getJSON(ctx, "/grid", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Cells, nil
}

// ListOnline fetches the sessions online since the given instant.
func (c *Client) ListOnline(ctx context.Context, since time.Time) ([]sessions.Session, error) {
	var payload struct {
		Users []sessions.Session `json:"users"`
	}
	query := url.Values{"since_ms": []string{strconv.FormatInt(since.UnixMilli(), 10)}}
	if err := c.getJSON(ctx, "/presence", query, &payload); err != nil {
		return nil, err
	}
	return payload.Users, nil
}

// Subscribe opens a websocket to the change feed. The returned channel closes when the
// connection ends for any reason, including a server-side eviction; the caller must then
// reload its state. The cancel function is idempotent.
func (c *Client) Subscribe(ctx context.Context, filter feed.Filter) (<-chan feed.Event, func(), error) {
	target := c.endpoint("/feed/ws", filterQuery(filter))
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}

	// The dial context bounds the handshake; a client-level timeout would cut the stream.
	dialClient := *c.httpClient
	dialClient.Timeout = 0
	options := &websocket.DialOptions{HTTPClient: &dialClient}
	if c.token != "" {
		options.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancelDial()
	conn, response, err := websocket.Dial(dialCtx, target.String(), options)
	if err != nil {
		if response != nil && response.Body != nil {
			_ = response.Body.Close()
		}
		return nil, nil, fmt.Errorf("client: dial feed: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	streamCtx, cancel := context.WithCancel(ctx)
	stream := make(chan feed.Event, streamBufferSize)
	done := make(chan struct{})
	go c.readFeed(streamCtx, conn, stream, done)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancel()
			<-done
			_ = conn.Close(websocket.StatusNormalClosure, "")
		})
	}
	return stream, unsubscribe, nil
}

func (c *Client) readFeed(ctx context.Context, conn *websocket.Conn, stream chan<- feed.Event, done chan<- struct{}) {
	defer close(done)
	defer close(stream)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Info("feed connection ended",
					zap.String("status", websocket.CloseStatus(err).String()),
					zap.Error(err))
			}
			return
		}
		switch gjson.GetBytes(data, "type").String() {
		case "event":
			raw := gjson.GetBytes(data, "event")
			if !raw.IsObject() {
				continue
			}
			var event feed.Event
			if err := json.Unmarshal([]byte(raw.Raw), &event); err != nil {
				c.logger.Warn("discarding malformed feed event", zap.Error(err))
				continue
			}
			select {
			case stream <- event:
			case <-ctx.Done():
				return
			}
		case "resync":
			return
		}
	}
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, target any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query).String(), http.NoBody)
	if err != nil {
		return err
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("client: GET %s: %w", path, err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(io.LimitReader(response.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("client: read %s: %w", path, err)
	}
	if response.StatusCode != http.StatusOK {
		return &StatusError{
			StatusCode: response.StatusCode,
			Kind:       gjson.GetBytes(body, "error").String(),
			Message:    gjson.GetBytes(body, "message").String(),
		}
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("client: decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) endpoint(path string, query url.Values) *url.URL {
	target := *c.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + path
	target.RawQuery = query.Encode()
	return &target
}

func filterQuery(filter feed.Filter) url.Values {
	query := url.Values{}
	if filter.Table != "" {
		query.Set("table", filter.Table)
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, 0, len(filter.Kinds))
		for _, kind := range filter.Kinds {
			kinds = append(kinds, string(kind))
		}
		query.Set("kinds", strings.Join(kinds, ","))
	}
	return query
}

// StatusError is a non-200 API response.
type StatusError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("client: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("client: %s (%d): %s", e.Kind, e.StatusCode, e.Message)
}
