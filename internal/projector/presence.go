package projector

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/feed"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/sessions"
	"go.uber.org/zap"
)

const defaultPresenceWindow = 2 * time.Minute

var errMissingSessionLoader = errors.New("projector: session loader required")

// SessionLoader fetches the sessions online since a point in time.
type SessionLoader interface {
	ListOnline(ctx context.Context, since time.Time) ([]sessions.Session, error)
}

// PresenceConfig configures a PresenceProjector.
type PresenceConfig struct {
	Source        FeedSource
	Loader        SessionLoader
	Window        time.Duration
	RetryInterval time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// PresenceProjector keeps the list of online users keyed by user id.
type PresenceProjector struct {
	follower *follower
	loader   SessionLoader
	window   time.Duration
	clock    func() time.Time

	mu      sync.Mutex
	entries map[string]sessions.Session
	started bool
	closed  bool
}

// NewPresenceProjector constructs a projector. Call Start to begin following the feed.
func NewPresenceProjector(cfg PresenceConfig) (*PresenceProjector, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if cfg.Loader == nil {
		return nil, errMissingSessionLoader
	}
	window := cfg.Window
	if window <= 0 {
		window = defaultPresenceWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	projector := &PresenceProjector{
		loader:  cfg.Loader,
		window:  window,
		clock:   clock,
		entries: make(map[string]sessions.Session),
	}
	projector.follower = newFollower(cfg.Source, feed.Filter{Table: sessions.TableName}, cfg.RetryInterval, cfg.Logger)
	projector.follower.load = projector.load
	projector.follower.handle = projector.apply
	return projector, nil
}

// Start loads the online sessions and follows the feed until Close or ctx cancellation.
func (p *PresenceProjector) Start(ctx context.Context) error {
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

// Resync reloads presence from a fresh subscription and query.
func (p *PresenceProjector) Resync() {
	p.follower.requestResync()
}

// Close stops following the feed. It is safe to call repeatedly.
func (p *PresenceProjector) Close() {
	p.follower.close()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// List returns online sessions active within the window, most recently active first.
func (p *PresenceProjector) List() []sessions.Session {
	cutoff := p.clock().Add(-p.window).UnixMilli()
	p.mu.Lock()
	out := make([]sessions.Session, 0, len(p.entries))
	for _, session := range p.entries {
		if session.LastActiveAtMillis >= cutoff {
			out = append(out, session)
		}
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActiveAtMillis != out[j].LastActiveAtMillis {
			return out[i].LastActiveAtMillis > out[j].LastActiveAtMillis
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (p *PresenceProjector) load(ctx context.Context) error {
	online, err := p.loader.ListOnline(ctx, p.clock().Add(-p.window))
	if err != nil {
		return err
	}
	entries := make(map[string]sessions.Session, len(online))
	for _, session := range online {
		if session.IsOnline {
			entries[session.UserID] = session
		}
	}
	p.mu.Lock()
	p.entries = entries
	p.mu.Unlock()
	return nil
}

func (p *PresenceProjector) apply(event feed.Event) {
	if event.Table != sessions.TableName {
		return
	}
	image := event.New
	if event.Kind == feed.KindDelete {
		image = event.Old
	}
	var session sessions.Session
	if len(image) == 0 || json.Unmarshal(image, &session) != nil || session.UserID == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if event.Kind == feed.KindDelete || !session.IsOnline {
		delete(p.entries, session.UserID)
		return
	}
	p.entries[session.UserID] = session
}
