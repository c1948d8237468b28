package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/feed"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/grid"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/sessions"
	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// FeedEnvelopeEvent carries one committed change.
	FeedEnvelopeEvent = "event"
	// FeedEnvelopeHeartbeat keeps idle connections alive.
	FeedEnvelopeHeartbeat = "heartbeat"
	// FeedEnvelopeResync tells the client its subscription was dropped and it must reload.
	FeedEnvelopeResync = "resync"

	socketWriteTimeout = 5 * time.Second
)

var errUnknownFeedTable = errors.New("table must be grid_cells or user_sessions")

// FeedEnvelope is the frame written to realtime clients.
type FeedEnvelope struct {
	Type            string      `json:"type"`
	Event           *feed.Event `json:"event,omitempty"`
	TimestampMillis int64       `json:"ts"`
}

func parseFeedFilter(c *gin.Context) (feed.Filter, error) {
	table := strings.TrimSpace(c.Query("table"))
	switch table {
	case "", grid.TableName, sessions.TableName:
	default:
		return feed.Filter{}, errUnknownFeedTable
	}
	kinds, ok := feed.ParseKinds(c.Query("kinds"))
	if !ok {
		return feed.Filter{}, errors.New("kinds must list INSERT, UPDATE or DELETE")
	}
	return feed.Filter{Table: table, Kinds: kinds}, nil
}

// handleFeedStream serves the change feed as server-sent events.
func (h *httpHandler) handleFeedStream(c *gin.Context) {
	filter, err := parseFeedFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "InvalidInput", Message: err.Error()})
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.feed.Subscribe(ctx, filter)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	h.writeSSE(c, FeedEnvelope{Type: FeedEnvelopeHeartbeat, TimestampMillis: h.clock().UnixMilli()})

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.writeSSE(c, FeedEnvelope{Type: FeedEnvelopeHeartbeat, TimestampMillis: h.clock().UnixMilli()})
		case event, ok := <-stream:
			if !ok {
				h.writeSSE(c, FeedEnvelope{Type: FeedEnvelopeResync, TimestampMillis: h.clock().UnixMilli()})
				return
			}
			h.writeSSE(c, FeedEnvelope{Type: FeedEnvelopeEvent, Event: &event, TimestampMillis: h.clock().UnixMilli()})
		}
	}
}

func (h *httpHandler) writeSSE(c *gin.Context, envelope FeedEnvelope) {
	c.SSEvent(envelope.Type, envelope)
	c.Writer.Flush()
}

// handleFeedSocket serves the change feed over a websocket. The socket is closed with
// StatusTryAgainLater when the subscriber is evicted.
func (h *httpHandler) handleFeedSocket(c *gin.Context) {
	filter, err := parseFeedFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "InvalidInput", Message: err.Error()})
		return
	}
	options := &websocket.AcceptOptions{}
	if len(h.allowedOrigins) == 0 {
		options.InsecureSkipVerify = true
	} else {
		options.OriginPatterns = h.allowedOrigins
	}
	conn, err := websocket.Accept(upgradeWriter(c.Writer), c.Request, options)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// Clients never send frames; CloseRead handles control frames and cancels ctx on close.
	ctx := conn.CloseRead(c.Request.Context())
	stream, cleanup := h.feed.Subscribe(ctx, filter)
	defer cleanup()

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.writeSocket(ctx, conn, FeedEnvelope{Type: FeedEnvelopeHeartbeat, TimestampMillis: h.clock().UnixMilli()}); err != nil {
				return
			}
		case event, ok := <-stream:
			if !ok {
				if ctx.Err() == nil {
					_ = h.writeSocket(ctx, conn, FeedEnvelope{Type: FeedEnvelopeResync, TimestampMillis: h.clock().UnixMilli()})
					conn.Close(websocket.StatusTryAgainLater, "subscriber evicted")
				}
				return
			}
			if err := h.writeSocket(ctx, conn, FeedEnvelope{Type: FeedEnvelopeEvent, Event: &event, TimestampMillis: h.clock().UnixMilli()}); err != nil {
				return
			}
		}
	}
}

// upgradeWriter hides gin's WriteHeaderNow from websocket.Accept: gin refuses to hijack once
// headers are flushed. The 101 goes to the net/http writer, which flushes it on hijack, and the
// hijack itself runs through gin so the context is marked written.
func upgradeWriter(writer gin.ResponseWriter) http.ResponseWriter {
	var base http.ResponseWriter = writer
	if unwrapper, ok := writer.(interface{ Unwrap() http.ResponseWriter }); ok {
		base = unwrapper.Unwrap()
	}
	return struct {
		http.ResponseWriter
		http.Hijacker
	}{base, writer}
}

func (h *httpHandler) writeSocket(ctx context.Context, conn *websocket.Conn, envelope FeedEnvelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, socketWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		h.logger.Debug("websocket write failed", zap.Error(err))
		return err
	}
	return nil
}
