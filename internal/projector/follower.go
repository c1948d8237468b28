// Package projector maintains client-side read models of the grid and of presence,
// kept current by the change feed.
package projector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/feed"
	"go.uber.org/zap"
)

const defaultRetryInterval = time.Second

var errMissingSource = errors.New("projector: feed source required")

// FeedSource opens a change feed subscription. A closed stream means events may have been
// lost and the consumer must reload.
type FeedSource interface {
	Subscribe(ctx context.Context, filter feed.Filter) (<-chan feed.Event, func(), error)
}

// FeedSourceFunc adapts a function into a FeedSource.
type FeedSourceFunc func(ctx context.Context, filter feed.Filter) (<-chan feed.Event, func(), error)

// Subscribe calls f.
func (f FeedSourceFunc) Subscribe(ctx context.Context, filter feed.Filter) (<-chan feed.Event, func(), error) {
	return f(ctx, filter)
}

// FromBroker exposes an in-process broker as a FeedSource.
func FromBroker(broker *feed.Broker) FeedSource {
	return FeedSourceFunc(func(ctx context.Context, filter feed.Filter) (<-chan feed.Event, func(), error) {
		stream, cleanup := broker.Subscribe(ctx, filter)
		return stream, cleanup, nil
	})
}

// follower owns the subscribe, load, consume and resync cycle shared by the projectors.
// load and handle never run concurrently with each other.
type follower struct {
	source        FeedSource
	filter        feed.Filter
	retryInterval time.Duration
	logger        *zap.Logger
	load          func(ctx context.Context) error
	handle        func(event feed.Event)

	mu          sync.Mutex
	unsubscribe func()
	cancel      context.CancelFunc
	done        chan struct{}
	resync      chan struct{}
	closeOnce   sync.Once
}

func newFollower(source FeedSource, filter feed.Filter, retryInterval time.Duration, logger *zap.Logger) *follower {
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &follower{
		source:        source,
		filter:        filter,
		retryInterval: retryInterval,
		logger:        logger,
		resync:        make(chan struct{}, 1),
	}
}

// start performs the initial sync synchronously, then consumes events in the background.
func (f *follower) start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	stream, err := f.sync(ctx)
	if err != nil {
		cancel()
		return err
	}
	f.mu.Lock()
	f.cancel = cancel
	f.done = make(chan struct{})
	done := f.done
	f.mu.Unlock()
	go f.run(ctx, stream, done)
	return nil
}

// requestResync asks the follower goroutine to resubscribe and reload.
func (f *follower) requestResync() {
	select {
	case f.resync <- struct{}{}:
	default:
	}
}

func (f *follower) close() {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		cancel := f.cancel
		done := f.done
		f.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}
		f.release()
	})
}

func (f *follower) run(ctx context.Context, stream <-chan feed.Event, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.resync:
			stream = f.syncUntilReady(ctx)
			if stream == nil {
				return
			}
		case event, ok := <-stream:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				f.logger.Warn("change feed closed, resynchronising", zap.String("table", f.filter.Table))
				stream = f.syncUntilReady(ctx)
				if stream == nil {
					return
				}
				continue
			}
			f.handle(event)
		}
	}
}

func (f *follower) syncUntilReady(ctx context.Context) <-chan feed.Event {
	for {
		stream, err := f.sync(ctx)
		if err == nil {
			return stream
		}
		if ctx.Err() != nil {
			return nil
		}
		f.logger.Warn("projector resync failed",
			zap.String("table", f.filter.Table),
			zap.Duration("retry_in", f.retryInterval),
			zap.Error(err))
		timer := time.NewTimer(f.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// sync subscribes before loading so that no event committed between the snapshot and
// the subscription is lost; events buffered meanwhile are applied after the load.
func (f *follower) sync(ctx context.Context) (<-chan feed.Event, error) {
	f.release()
	stream, unsubscribe, err := f.source.Subscribe(ctx, f.filter)
	if err != nil {
		return nil, err
	}
	if err := f.load(ctx); err != nil {
		unsubscribe()
		return nil, err
	}
	f.mu.Lock()
	f.unsubscribe = unsubscribe
	f.mu.Unlock()
	return stream, nil
}

func (f *follower) release() {
	f.mu.Lock()
	unsubscribe := f.unsubscribe
	f.unsubscribe = nil
	f.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}
