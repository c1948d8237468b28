// Package server exposes the canvas over HTTP: snapshot reads, the write gate, presence and
// the realtime change feed.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/auth"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/feed"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/gate"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/grid"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/sessions"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	profileContextKey        = "pixelboard_profile"
	defaultPresenceWindow    = 2 * time.Minute
	defaultHeartbeatInterval = 15 * time.Second
	maxWriteBodyBytes        = 4 << 10
	maxLoginBodyBytes        = 16 << 10
)

var (
	errMissingGate      = errors.New("write gate dependency required")
	errMissingCells     = errors.New("cell reader dependency required")
	errMissingSessions  = errors.New("session store dependency required")
	errMissingValidator = errors.New("session validator dependency required")
	errMissingResolver  = errors.New("profile resolver dependency required")
	errMissingFeed      = errors.New("change feed dependency required")
)

// WriteGate is the rate-limited write path.
type WriteGate interface {
	PlaceCell(ctx context.Context, caller *users.Profile, request gate.WriteRequest) gate.Result
	ResetGrid(ctx context.Context, caller *users.Profile) (gate.ResetResult, *gate.Error)
}

// CellReader serves grid snapshots.
type CellReader interface {
	ListAllCells(ctx context.Context) ([]grid.Cell, error)
	GetCell(ctx context.Context, row, col int) (grid.Cell, bool, error)
}

// SessionStore serves presence and session bookkeeping.
type SessionStore interface {
	ListOnline(ctx context.Context, since time.Time) ([]sessions.Session, error)
	UpsertSession(ctx context.Context, upsert sessions.SessionUpsert) (sessions.Session, error)
	TouchActivity(ctx context.Context, userID string) (bool, error)
	MarkOffline(ctx context.Context, userID string) error
}

// SessionValidator authenticates requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// IDTokenVerifier checks an OAuth ID token presented at login.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (auth.SessionClaims, error)
}

// SessionIssuer mints the session token handed out at login.
type SessionIssuer interface {
	Issue(claims auth.SessionClaims) (string, time.Time, error)
}

// Dependencies wires the HTTP handler. The login route is mounted only when both IDTokens
// and Issuer are set. TrustedProxies lists the proxy CIDRs whose forwarding headers are
// honoured; empty means the client IP is the socket peer.
type Dependencies struct {
	Gate              WriteGate
	Cells             CellReader
	Sessions          SessionStore
	Validator         SessionValidator
	Profiles          users.Resolver
	Feed              *feed.Broker
	Limiter           *IPLimiter
	IDTokens          IDTokenVerifier
	Issuer            SessionIssuer
	SessionCookieName string
	TrustedProxies    []string
	MetricsHandler    http.Handler
	AllowedOrigins    []string
	PresenceWindow    time.Duration
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Gate == nil:
		return nil, errMissingGate
	case deps.Cells == nil:
		return nil, errMissingCells
	case deps.Sessions == nil:
		return nil, errMissingSessions
	case deps.Validator == nil:
		return nil, errMissingValidator
	case deps.Profiles == nil:
		return nil, errMissingResolver
	case deps.Feed == nil:
		return nil, errMissingFeed
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	presenceWindow := deps.PresenceWindow
	if presenceWindow <= 0 {
		presenceWindow = defaultPresenceWindow
	}
	heartbeatInterval := deps.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}

	router := gin.New()
	if err := router.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		gate:              deps.Gate,
		cells:             deps.Cells,
		sessions:          deps.Sessions,
		validator:         deps.Validator,
		profiles:          deps.Profiles,
		feed:              deps.Feed,
		idTokens:          deps.IDTokens,
		issuer:            deps.Issuer,
		cookieName:        deps.SessionCookieName,
		allowedOrigins:    deps.AllowedOrigins,
		presenceWindow:    presenceWindow,
		heartbeatInterval: heartbeatInterval,
		clock:             clock,
		logger:            logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}
	router.GET("/palette", handler.handlePalette)
	router.GET("/grid", handler.handleGrid)
	router.GET("/grid/cells/:row/:col", handler.handleGetCell)
	router.GET("/presence", handler.handlePresence)
	router.GET("/feed/stream", handler.handleFeedStream)
	router.GET("/feed/ws", handler.handleFeedSocket)
	if deps.IDTokens != nil && deps.Issuer != nil {
		router.POST("/auth/login", rateLimitMiddleware(deps.Limiter), handler.handleLogin)
	}

	protected := router.Group("/")
	protected.Use(rateLimitMiddleware(deps.Limiter))
	protected.Use(handler.authorizeRequest)
	protected.POST("/grid/cells", handler.handlePlaceCell)
	protected.POST("/grid/reset", handler.handleResetGrid)
	protected.POST("/session/heartbeat", handler.handleHeartbeat)
	protected.POST("/session/offline", handler.handleOffline)

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		ExposeHeaders:    []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	gate              WriteGate
	cells             CellReader
	sessions          SessionStore
	validator         SessionValidator
	profiles          users.Resolver
	feed              *feed.Broker
	idTokens          IDTokenVerifier
	issuer            SessionIssuer
	cookieName        string
	allowedOrigins    []string
	presenceWindow    time.Duration
	heartbeatInterval time.Duration
	clock             func() time.Time
	logger            *zap.Logger
}

type errorPayload struct {
	Success          bool   `json:"success"`
	Error            string `json:"error"`
	Message          string `json:"message"`
	RemainingSeconds int    `json:"remaining_seconds,omitempty"`
}

type placeCellResponse struct {
	Success     bool           `json:"success"`
	Cell        *grid.Cell     `json:"cell,omitempty"`
	Reward      *rewardPayload `json:"reward,omitempty"`
	RewardError string         `json:"reward_error,omitempty"`
}

type rewardPayload struct {
	Amount         float64 `json:"amount"`
	TransactionRef string  `json:"transaction_ref,omitempty"`
}

type gridResponse struct {
	Cells            []grid.Cell `json:"cells"`
	Total            int         `json:"total"`
	LastUpdateMillis int64       `json:"last_update_ms"`
}

type presenceResponse struct {
	Users []sessions.Session `json:"users"`
	Total int                `json:"total"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handlePalette(c *gin.Context) {
	palette, err := grid.Palette()
	if err != nil {
		h.logger.Error("failed to load palette", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload{Error: string(gate.KindInternalError), Message: "palette unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"colors": palette})
}

func (h *httpHandler) handleGrid(c *gin.Context) {
	cells, err := h.cells.ListAllCells(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list cells", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, errorPayload{Error: string(gate.KindStorageError), Message: "grid unavailable"})
		return
	}
	if cells == nil {
		cells = []grid.Cell{}
	}
	var lastUpdate int64
	for _, cell := range cells {
		if cell.WrittenAtMillis > lastUpdate {
			lastUpdate = cell.WrittenAtMillis
		}
	}
	c.JSON(http.StatusOK, gridResponse{Cells: cells, Total: len(cells), LastUpdateMillis: lastUpdate})
}

func (h *httpHandler) handleGetCell(c *gin.Context) {
	row, rowErr := strconv.Atoi(c.Param("row"))
	col, colErr := strconv.Atoi(c.Param("col"))
	if rowErr != nil || colErr != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: string(gate.KindInvalidInput), Message: "row and col must be integers"})
		return
	}
	if err := grid.ValidatePosition(row, col); err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: string(gate.KindInvalidInput), Message: err.Error()})
		return
	}
	cell, found, err := h.cells.GetCell(c.Request.Context(), row, col)
	if err != nil {
		h.logger.Error("failed to read cell", zap.Int("row", row), zap.Int("col", col), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, errorPayload{Error: string(gate.KindStorageError), Message: "cell unavailable"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, errorPayload{Error: "NotFound", Message: "cell has never been written"})
		return
	}
	c.JSON(http.StatusOK, cell)
}

func (h *httpHandler) handlePresence(c *gin.Context) {
	since := h.clock().Add(-h.presenceWindow)
	if raw := c.Query("since_ms"); raw != "" {
		millis, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorPayload{Error: string(gate.KindInvalidInput), Message: "since_ms must be an integer"})
			return
		}
		since = time.UnixMilli(millis)
	}
	online, err := h.sessions.ListOnline(c.Request.Context(), since)
	if err != nil {
		h.logger.Error("failed to list presence", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, errorPayload{Error: string(gate.KindStorageError), Message: "presence unavailable"})
		return
	}
	if online == nil {
		online = []sessions.Session{}
	}
	c.JSON(http.StatusOK, presenceResponse{Users: online, Total: len(online)})
}

func (h *httpHandler) handlePlaceCell(c *gin.Context) {
	profile := profileFromContext(c)
	request, err := decodeWriteRequest(c.Writer, c.Request)
	if err != nil {
		writeGateError(c, &gate.Error{Kind: gate.KindInvalidInput, Message: err.Error()})
		return
	}

	result := h.gate.PlaceCell(c.Request.Context(), profile, request)
	if !result.Succeeded() {
		writeGateError(c, result.Error)
		return
	}
	if len(result.Warnings) > 0 {
		h.logger.Warn("cell write degraded",
			zap.String("user_id", profile.UserID),
			zap.Strings("warnings", result.Warnings))
	}

	response := placeCellResponse{Success: true, Cell: result.Cell, RewardError: result.RewardError}
	if result.Reward != nil && result.Reward.Success {
		response.Reward = &rewardPayload{Amount: result.Reward.Amount, TransactionRef: result.Reward.TransactionRef}
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleResetGrid(c *gin.Context) {
	result, failure := h.gate.ResetGrid(c.Request.Context(), profileFromContext(c))
	if failure != nil {
		writeGateError(c, failure)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "removed": result.Removed})
}

func (h *httpHandler) handleHeartbeat(c *gin.Context) {
	profile := profileFromContext(c)
	ctx := c.Request.Context()
	found, err := h.sessions.TouchActivity(ctx, profile.UserID)
	if err == nil && !found {
		_, err = h.sessions.UpsertSession(ctx, sessions.SessionUpsert{UserID: profile.UserID, Username: profile.Username})
	}
	if err != nil {
		h.logger.Error("failed to record heartbeat", zap.String("user_id", profile.UserID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, errorPayload{Error: string(gate.KindStorageError), Message: "session unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *httpHandler) handleOffline(c *gin.Context) {
	profile := profileFromContext(c)
	if err := h.sessions.MarkOffline(c.Request.Context(), profile.UserID); err != nil {
		h.logger.Error("failed to mark session offline", zap.String("user_id", profile.UserID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, errorPayload{Error: string(gate.KindStorageError), Message: "session unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{
			Error:   string(gate.KindUnauthenticated),
			Message: "a valid session is required",
		})
		return
	}
	profile, err := h.profiles.ResolveProfile(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{
				Error:   string(gate.KindUnauthenticated),
				Message: "session carries no usable identity",
			})
			return
		}
		h.logger.Error("failed to resolve profile", zap.String("user_id", claims.UserID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorPayload{
			Error:   string(gate.KindInternalError),
			Message: "identity lookup failed",
		})
		return
	}
	c.Set(profileContextKey, &profile)
	c.Next()
}

func profileFromContext(c *gin.Context) *users.Profile {
	value, ok := c.Get(profileContextKey)
	if !ok {
		return nil
	}
	profile, _ := value.(*users.Profile)
	return profile
}

type writePayload struct {
	Row        json.RawMessage `json:"row"`
	Col        json.RawMessage `json:"col"`
	ColorIndex json.RawMessage `json:"color_index"`
}

// decodeWriteRequest accepts integral JSON numbers only; color_index must be present and
// may be null to clear the cell.
func decodeWriteRequest(w http.ResponseWriter, r *http.Request) (gate.WriteRequest, error) {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWriteBodyBytes))
	var payload writePayload
	if err := decoder.Decode(&payload); err != nil {
		return gate.WriteRequest{}, errors.New("request body must be a JSON object")
	}
	row, err := parseInteger("row", payload.Row)
	if err != nil {
		return gate.WriteRequest{}, err
	}
	col, err := parseInteger("col", payload.Col)
	if err != nil {
		return gate.WriteRequest{}, err
	}
	if len(payload.ColorIndex) == 0 {
		return gate.WriteRequest{}, errors.New("color_index is required (null clears the cell)")
	}
	request := gate.WriteRequest{Row: row, Col: col}
	if !bytes.Equal(bytes.TrimSpace(payload.ColorIndex), []byte("null")) {
		colorIndex, err := parseInteger("color_index", payload.ColorIndex)
		if err != nil {
			return gate.WriteRequest{}, err
		}
		request.ColorIndex = &colorIndex
	}
	return request, nil
}

func parseInteger(field string, raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("%s is required", field)
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return 0, fmt.Errorf("%s must be an integer", field)
	}
	number, ok := value.(json.Number)
	if !ok || strings.ContainsAny(number.String(), ".eE") {
		return 0, fmt.Errorf("%s must be an integer", field)
	}
	parsed, err := strconv.Atoi(number.String())
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", field)
	}
	return parsed, nil
}

func writeGateError(c *gin.Context, failure *gate.Error) {
	if failure == nil {
		failure = &gate.Error{Kind: gate.KindInternalError, Message: "unknown failure"}
	}
	if failure.Kind == gate.KindRateLimited && failure.RemainingSeconds > 0 {
		c.Header("Retry-After", strconv.Itoa(failure.RemainingSeconds))
	}
	c.JSON(statusForKind(failure.Kind), errorPayload{
		Success:          false,
		Error:            string(failure.Kind),
		Message:          failure.Message,
		RemainingSeconds: failure.RemainingSeconds,
	})
}

func statusForKind(kind gate.ErrorKind) int {
	switch kind {
	case gate.KindUnauthenticated:
		return http.StatusUnauthorized
	case gate.KindForbidden:
		return http.StatusForbidden
	case gate.KindInvalidInput:
		return http.StatusBadRequest
	case gate.KindRateLimited:
		return http.StatusTooManyRequests
	case gate.KindStorageError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
