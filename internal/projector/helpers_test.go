package projector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/feed"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/grid"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/sessions"
)

func cellEvent(t *testing.T, kind feed.Kind, newCell, oldCell *grid.Cell) feed.Event {
	t.Helper()
	var newImage, oldImage any
	if newCell != nil {
		newImage = newCell
	}
	if oldCell != nil {
		oldImage = oldCell
	}
	event, err := feed.NewEvent(kind, grid.TableName, newImage, oldImage, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("unexpected event error: %v", err)
	}
	return event
}

func sessionEvent(t *testing.T, kind feed.Kind, newSession, oldSession *sessions.Session) feed.Event {
	t.Helper()
	var newImage, oldImage any
	if newSession != nil {
		newImage = newSession
	}
	if oldSession != nil {
		oldImage = oldSession
	}
	event, err := feed.NewEvent(kind, sessions.TableName, newImage, oldImage, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("unexpected event error: %v", err)
	}
	return event
}

// scriptedSource hands out one buffered channel per subscription; tests push and close them.
type scriptedSource struct {
	mu           sync.Mutex
	streams      []chan feed.Event
	unsubscribed int
	failures     int
}

func (s *scriptedSource) Subscribe(_ context.Context, _ feed.Filter) (<-chan feed.Event, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return nil, nil, errSubscribeRefused
	}
	stream := make(chan feed.Event, 64)
	s.streams = append(s.streams, stream)
	var once sync.Once
	return stream, func() {
		once.Do(func() {
			s.mu.Lock()
			s.unsubscribed++
			s.mu.Unlock()
		})
	}, nil
}

func (s *scriptedSource) current() chan feed.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[len(s.streams)-1]
}

func (s *scriptedSource) subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *scriptedSource) released() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}

func (s *scriptedSource) failNext(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = count
}

type staticCells struct {
	mu       sync.Mutex
	cells    []grid.Cell
	err      error
	calls    int
	duringFn func()
}

func (s *staticCells) ListAllCells(context.Context) ([]grid.Cell, error) {
	s.mu.Lock()
	s.calls++
	cells := append([]grid.Cell(nil), s.cells...)
	err := s.err
	during := s.duringFn
	s.mu.Unlock()
	if during != nil {
		during()
	}
	return cells, err
}

func (s *staticCells) set(cells []grid.Cell, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cells = cells
	s.err = err
}
