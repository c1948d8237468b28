package projector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/feed"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/grid"
	"go.uber.org/zap"
)

const defaultBatchInterval = 16 * time.Millisecond

var (
	errMissingCellLoader = errors.New("projector: cell loader required")
	errProjectorClosed   = errors.New("projector: closed")
)

// CellLoader fetches the full grid snapshot.
type CellLoader interface {
	ListAllCells(ctx context.Context) ([]grid.Cell, error)
}

// GridConfig configures a GridProjector.
type GridConfig struct {
	Source        FeedSource
	Loader        CellLoader
	Interval      time.Duration
	RetryInterval time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
	// OnBatch runs after each drain with the number of events applied.
	OnBatch func(applied int)
}

// GridStats describes the projector state.
type GridStats struct {
	FilledCells      int   `json:"filled_cells"`
	LastUpdateMillis int64 `json:"last_update_ms"`
	Batches          int64 `json:"batches"`
	Resyncs          int64 `json:"resyncs"`
}

// GridProjector keeps a Mirror in sync with the grid table. Incoming events are queued and
// applied together once per Interval.
type GridProjector struct {
	follower *follower
	loader   CellLoader
	interval time.Duration
	clock    func() time.Time
	onBatch  func(applied int)

	mu      sync.Mutex
	mirror  *Mirror
	pending []feed.Event
	timer   *time.Timer
	stats   GridStats
	loads   int64
	started bool
	closed  bool
}

// NewGridProjector constructs a projector. Call Start to begin following the feed.
func NewGridProjector(cfg GridConfig) (*GridProjector, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if cfg.Loader == nil {
		return nil, errMissingCellLoader
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultBatchInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	projector := &GridProjector{
		loader:   cfg.Loader,
		interval: interval,
		clock:    clock,
		onBatch:  cfg.OnBatch,
		mirror:   NewMirror(),
	}
	projector.follower = newFollower(cfg.Source, feed.Filter{Table: grid.TableName}, cfg.RetryInterval, cfg.Logger)
	projector.follower.load = projector.load
	projector.follower.handle = projector.enqueue
	return projector, nil
}

// Start loads the snapshot and follows the feed until Close or ctx cancellation.
func (p *GridProjector) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errProjectorClosed
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()
	return p.follower.start(ctx)
}

// Resync discards the mirror state and reloads it from a fresh subscription and snapshot.
func (p *GridProjector) Resync() {
	p.follower.requestResync()
}

// Close stops following the feed and cancels any pending batch. It is safe to call repeatedly.
func (p *GridProjector) Close() {
	p.follower.close()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.stopTimerLocked()
	p.pending = nil
}

// Cell returns the covered cell at (row, col).
func (p *GridProjector) Cell(row, col int) (grid.Cell, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mirror.Cell(row, col)
}

// Snapshot returns a copy of the mirror.
func (p *GridProjector) Snapshot() *Mirror {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mirror.Clone()
}

// Stats reports counters about the mirror.
func (p *GridProjector) Stats() GridStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := p.stats
	stats.FilledCells = p.mirror.Filled()
	return stats
}

func (p *GridProjector) load(ctx context.Context) error {
	cells, err := p.loader.ListAllCells(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTimerLocked()
	p.pending = nil
	p.mirror.Load(cells)
	p.loads++
	if p.loads > 1 {
		p.stats.Resyncs++
	}
	p.stats.LastUpdateMillis = p.clock().UnixMilli()
	return nil
}

func (p *GridProjector) enqueue(event feed.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.pending = append(p.pending, event)
	if p.timer == nil {
		p.timer = time.AfterFunc(p.interval, p.drain)
	}
}

func (p *GridProjector) drain() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	batch := p.pending
	p.pending = nil
	p.timer = nil
	if len(batch) == 0 {
		p.mu.Unlock()
		return
	}
	applied := 0
	for _, event := range batch {
		if p.mirror.Apply(event) {
			applied++
		}
	}
	p.stats.Batches++
	p.stats.LastUpdateMillis = p.clock().UnixMilli()
	onBatch := p.onBatch
	p.mu.Unlock()

	if onBatch != nil {
		onBatch(applied)
	}
}

func (p *GridProjector) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
