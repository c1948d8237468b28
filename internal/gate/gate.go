// Package gate implements the rate-limited write path of the canvas.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/grid"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/rewards"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/sessions"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/users"
	"go.uber.org/zap"
)

const (
	defaultCooldown     = 5 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultPlaceReward  = 1.0
	defaultClearReward  = 0.5
)

var (
	errMissingCells      = errors.New("gate: cell store required")
	errMissingSessions   = errors.New("gate: session store required")
	errMissingTransactor = errors.New("gate: strict cooldown requires a transactor")
	errClaimLost         = errors.New("gate: write slot claimed concurrently")
)

// CellStore is the subset of the grid store used by the gate.
type CellStore interface {
	UpsertCell(ctx context.Context, write grid.CellWrite) (grid.Cell, error)
	DeleteAllCells(ctx context.Context) (int64, error)
}

// SessionStore is the subset of the session store used by the gate.
type SessionStore interface {
	GetSession(ctx context.Context, userID string) (sessions.Session, bool, error)
	UpsertSession(ctx context.Context, upsert sessions.SessionUpsert) (sessions.Session, error)
	TouchWriteClock(ctx context.Context, userID string, at time.Time) error
	ClaimWriteSlot(ctx context.Context, userID string, now time.Time, cooldown time.Duration) (sessions.Session, bool, error)
}

// Transactor runs fn atomically.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Recorder receives gate outcomes, typically metrics.Collectors.
type Recorder interface {
	CellWrite(outcome string)
	Reward(success bool)
}

// WriteRequest is one cell write. A nil ColorIndex clears the cell.
type WriteRequest struct {
	Row        int
	Col        int
	ColorIndex *int
}

// Config wires the gate.
type Config struct {
	Cells          CellStore
	Sessions       SessionStore
	Transactor     Transactor
	Rewards        rewards.Transferrer
	Recorder       Recorder
	Cooldown       time.Duration
	StrictCooldown bool
	WriteTimeout   time.Duration
	AdminUserIDs   []string
	PlaceReward    float64
	ClearReward    float64
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Gate validates, rate limits, persists and rewards cell writes.
type Gate struct {
	cells        CellStore
	sessions     SessionStore
	transactor   Transactor
	rewards      rewards.Transferrer
	recorder     Recorder
	cooldown     time.Duration
	strict       bool
	writeTimeout time.Duration
	admins       map[string]struct{}
	placeReward  float64
	clearReward  float64
	clock        func() time.Time
	logger       *zap.Logger
}

// New constructs a Gate.
func New(cfg Config) (*Gate, error) {
	if cfg.Cells == nil {
		return nil, errMissingCells
	}
	if cfg.Sessions == nil {
		return nil, errMissingSessions
	}
	if cfg.StrictCooldown && cfg.Transactor == nil {
		return nil, errMissingTransactor
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	placeReward := cfg.PlaceReward
	if placeReward <= 0 {
		placeReward = defaultPlaceReward
	}
	clearReward := cfg.ClearReward
	if clearReward <= 0 {
		clearReward = defaultClearReward
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	admins := make(map[string]struct{}, len(cfg.AdminUserIDs))
	for _, id := range cfg.AdminUserIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			admins[trimmed] = struct{}{}
		}
	}
	return &Gate{
		cells:        cfg.Cells,
		sessions:     cfg.Sessions,
		transactor:   cfg.Transactor,
		rewards:      cfg.Rewards,
		recorder:     cfg.Recorder,
		cooldown:     cooldown,
		strict:       cfg.StrictCooldown,
		writeTimeout: writeTimeout,
		admins:       admins,
		placeReward:  placeReward,
		clearReward:  clearReward,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Cooldown returns the configured minimum spacing between writes of one user.
func (g *Gate) Cooldown() time.Duration {
	return g.cooldown
}

// PlaceCell runs one write request through identity, validation, cooldown, persistence and reward.
func (g *Gate) PlaceCell(ctx context.Context, caller *users.Profile, request WriteRequest) (result Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			g.logger.Error("cell write panicked", zap.Any("panic", recovered))
			result = failure(KindInternalError, "unexpected failure")
		}
		g.record(result)
	}()

	if caller == nil || strings.TrimSpace(caller.UserID) == "" {
		return failure(KindUnauthenticated, "authentication required")
	}
	write := grid.CellWrite{
		Row:            request.Row,
		Col:            request.Col,
		ColorIndex:     request.ColorIndex,
		AuthorUserID:   caller.UserID,
		AuthorUsername: caller.Username,
	}
	if err := write.Validate(); err != nil {
		return failure(KindInvalidInput, err.Error())
	}

	writeCtx, cancel := context.WithTimeout(ctx, g.writeTimeout)
	defer cancel()

	session, err := g.resolveSession(writeCtx, caller)
	if err != nil {
		g.logError("gate.resolve_session", err, caller.UserID)
		return failure(KindStorageError, "session unavailable")
	}

	now := g.clock()
	if remaining := session.CooldownRemaining(now, g.cooldown); remaining > 0 {
		return rateLimited(remaining)
	}

	var (
		cell     grid.Cell
		warnings []string
	)
	if g.strict {
		var current sessions.Session
		err = g.transactor.RunInTx(writeCtx, func(txCtx context.Context) error {
			claimed, ok, err := g.sessions.ClaimWriteSlot(txCtx, caller.UserID, now, g.cooldown)
			if err != nil {
				return err
			}
			if !ok {
				current = claimed
				return errClaimLost
			}
			cell, err = g.cells.UpsertCell(txCtx, write)
			return err
		})
		if errors.Is(err, errClaimLost) {
			remaining := current.CooldownRemaining(now, g.cooldown)
			if remaining <= 0 {
				remaining = time.Second
			}
			return rateLimited(remaining)
		}
		if err != nil {
			g.logError("gate.persist", err, caller.UserID)
			return failure(KindStorageError, "cell write failed")
		}
	} else {
		cell, err = g.cells.UpsertCell(writeCtx, write)
		if err != nil {
			g.logError("gate.persist", err, caller.UserID)
			return failure(KindStorageError, "cell write failed")
		}
		if err := g.sessions.TouchWriteClock(writeCtx, caller.UserID, now); err != nil {
			g.logError("gate.touch_write_clock", err, caller.UserID)
			warnings = append(warnings, fmt.Sprintf("write clock not advanced: %v", err))
		}
	}

	result = Result{Status: StatusSuccess, Cell: &cell, Warnings: warnings}
	if len(warnings) > 0 {
		result.Status = StatusDegraded
	}
	g.payReward(ctx, caller, write, &result)
	return result
}

// ResetGrid deletes every cell. When admin ids are configured only those users, or callers
// holding the admin role, may reset.
func (g *Gate) ResetGrid(ctx context.Context, caller *users.Profile) (ResetResult, *Error) {
	if caller == nil || strings.TrimSpace(caller.UserID) == "" {
		return ResetResult{}, &Error{Kind: KindUnauthenticated, Message: "authentication required"}
	}
	if len(g.admins) > 0 && !caller.Admin {
		if _, ok := g.admins[caller.UserID]; !ok {
			return ResetResult{}, &Error{Kind: KindForbidden, Message: "reset requires an administrator"}
		}
	}
	resetCtx, cancel := context.WithTimeout(ctx, g.writeTimeout)
	defer cancel()
	removed, err := g.cells.DeleteAllCells(resetCtx)
	if err != nil {
		g.logError("gate.reset", err, caller.UserID)
		return ResetResult{}, &Error{Kind: KindStorageError, Message: "grid reset failed"}
	}
	g.logger.Info("grid reset", zap.String("user_id", caller.UserID), zap.Int64("removed", removed))
	return ResetResult{Removed: removed}, nil
}

func (g *Gate) resolveSession(ctx context.Context, caller *users.Profile) (sessions.Session, error) {
	session, found, err := g.sessions.GetSession(ctx, caller.UserID)
	if err != nil {
		return sessions.Session{}, err
	}
	if found && session.IsOnline {
		return session, nil
	}
	return g.sessions.UpsertSession(ctx, sessions.SessionUpsert{UserID: caller.UserID, Username: caller.Username})
}

func (g *Gate) payReward(ctx context.Context, caller *users.Profile, write grid.CellWrite, result *Result) {
	if g.rewards == nil {
		return
	}
	units := g.placeReward
	if write.ColorIndex == nil {
		units = g.clearReward
	}
	if strings.TrimSpace(caller.WalletAddress) == "" {
		result.RewardError = "no wallet address on file"
		if g.recorder != nil {
			g.recorder.Reward(false)
		}
		return
	}
	outcome := g.rewards.Transfer(ctx, rewards.Request{WalletAddress: caller.WalletAddress, Units: units})
	if g.recorder != nil {
		g.recorder.Reward(outcome.Success)
	}
	if !outcome.Success {
		result.RewardError = outcome.Error
		if result.RewardError == "" {
			result.RewardError = string(KindRewardError)
		}
		return
	}
	result.Reward = &outcome
}

func (g *Gate) record(result Result) {
	if g.recorder == nil {
		return
	}
	outcome := string(result.Status)
	if result.Error != nil {
		outcome = string(result.Error.Kind)
	}
	g.recorder.CellWrite(outcome)
}

func (g *Gate) logError(operation string, err error, userID string) {
	g.logger.Error("cell write failed",
		zap.String("operation", operation),
		zap.String("user_id", userID),
		zap.Error(err))
}
