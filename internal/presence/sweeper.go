// Package presence marks idle sessions offline on a cron schedule.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

const (
	defaultCron   = "* * * * *"
	retryInterval = 30 * time.Second
)

var (
	errMissingStore  = errors.New("presence: session store required")
	errInvalidWindow = errors.New("presence: window must be positive")
)

// StaleMarker flips idle sessions offline.
type StaleMarker interface {
	MarkStaleOffline(ctx context.Context, cutoff time.Time) (int64, error)
}

// SweeperConfig configures the sweeper.
type SweeperConfig struct {
	Store   StaleMarker
	Window  time.Duration
	Cron    string
	Clock   func() time.Time
	Logger  *zap.Logger
	OnSwept func(count int64)
}

// Sweeper marks sessions offline once their activity falls outside the freshness window.
type Sweeper struct {
	store   StaleMarker
	window  time.Duration
	cron    string
	clock   func() time.Time
	logger  *zap.Logger
	onSwept func(count int64)
}

// NewSweeper validates cfg and constructs a Sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Window <= 0 {
		return nil, errInvalidWindow
	}
	cronExpr := cfg.Cron
	if cronExpr == "" {
		cronExpr = defaultCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("presence: invalid sweep cron expression %q", cronExpr)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:   cfg.Store,
		window:  cfg.Window,
		cron:    cronExpr,
		clock:   clock,
		logger:  logger,
		onSwept: cfg.OnSwept,
	}, nil
}

// SweepOnce marks every session idle for longer than the window as offline.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := s.clock().Add(-s.window)
	count, err := s.store.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.logger.Info("presence sweep marked sessions offline",
			zap.Int64("count", count),
			zap.Time("cutoff", cutoff))
	}
	if s.onSwept != nil {
		s.onSwept(count)
	}
	return count, nil
}

// Run sweeps on every cron tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("presence sweeper started", zap.String("cron", s.cron), zap.Duration("window", s.window))
	for {
		next, err := gronx.NextTickAfter(s.cron, s.clock().UTC(), false)
		wait := time.Until(next)
		if err != nil {
			s.logger.Error("presence sweeper next tick failed", zap.String("cron", s.cron), zap.Error(err))
			wait = retryInterval
		}
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("presence sweeper stopping")
			return
		case <-timer.C:
		}
		if err != nil {
			continue
		}
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("presence sweep failed", zap.Error(err))
		}
	}
}
