package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/feed"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []feed.Event
}

func (p *recordingPublisher) Publish(event feed.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) snapshot() []feed.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]feed.Event, len(p.events))
	copy(out, p.events)
	return out
}

type manualClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *manualClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(delta)
}

func newTestStore(t *testing.T) (*Store, *manualClock, *recordingPublisher) {
	t.Helper()
	dsn := fmt.Sprintf("file:pixelboard_sessions_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Session{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := &manualClock{current: time.Unix(1700000000, 0).UTC()}
	publisher := &recordingPublisher{}
	store, err := NewStore(StoreConfig{Database: db, Clock: clock.Now, Publisher: publisher})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store, clock, publisher
}

func TestUpsertSessionCreatesWithoutWriteClock(t *testing.T) {
	store, clock, publisher := newTestStore(t)
	ctx := context.Background()

	session, err := store.UpsertSession(ctx, SessionUpsert{UserID: "alice", Username: " Alice "})
	if err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	if !session.IsOnline || session.Username != "Alice" {
		t.Fatalf("unexpected session %#v", session)
	}
	if session.LastCellWriteAtMillis != nil {
		t.Fatalf("expected brand new session to have no write clock")
	}
	if session.LastActiveAtMillis != clock.Now().UnixMilli() {
		t.Fatalf("expected last active to equal now")
	}

	events := publisher.snapshot()
	if len(events) != 1 || events[0].Kind != feed.KindInsert || events[0].Table != TableName {
		t.Fatalf("expected one insert event, got %#v", events)
	}
}

func TestUpsertSessionRefreshKeepsWriteClock(t *testing.T) {
	store, clock, publisher := newTestStore(t)
	ctx := context.Background()

	if _, err := store.UpsertSession(ctx, SessionUpsert{UserID: "alice", Username: "Alice"}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	writeAt := clock.Now()
	if err := store.TouchWriteClock(ctx, "alice", writeAt); err != nil {
		t.Fatalf("unexpected touch error: %v", err)
	}
	if err := store.MarkOffline(ctx, "alice"); err != nil {
		t.Fatalf("unexpected offline error: %v", err)
	}

	clock.Advance(time.Minute)
	refreshed, err := store.UpsertSession(ctx, SessionUpsert{UserID: "alice", Username: "Alice B"})
	if err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	if !refreshed.IsOnline || refreshed.Username != "Alice B" {
		t.Fatalf("expected refreshed session to be online with new name, got %#v", refreshed)
	}
	if refreshed.LastCellWriteAtMillis == nil || *refreshed.LastCellWriteAtMillis != writeAt.UnixMilli() {
		t.Fatalf("expected write clock to survive the refresh")
	}

	events := publisher.snapshot()
	last := events[len(events)-1]
	if last.Kind != feed.KindUpdate {
		t.Fatalf("expected update event, got %s", last.Kind)
	}
	var previous Session
	if err := json.Unmarshal(last.Old, &previous); err != nil {
		t.Fatalf("failed to decode old image: %v", err)
	}
	if previous.IsOnline {
		t.Fatalf("expected old image to be offline")
	}
}

func TestUpsertSessionRejectsEmptyUser(t *testing.T) {
	store, _, _ := newTestStore(t)
	if _, err := store.UpsertSession(context.Background(), SessionUpsert{UserID: " "}); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected invalid user error, got %v", err)
	}
}

func TestTouchWriteClockIsMonotonic(t *testing.T) {
	store, clock, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := store.UpsertSession(ctx, SessionUpsert{UserID: "alice"}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	later := clock.Now().Add(10 * time.Second)
	if err := store.TouchWriteClock(ctx, "alice", later); err != nil {
		t.Fatalf("unexpected touch error: %v", err)
	}
	if err := store.TouchWriteClock(ctx, "alice", clock.Now()); err != nil {
		t.Fatalf("unexpected touch error: %v", err)
	}

	session, found, err := store.GetSession(ctx, "alice")
	if err != nil || !found {
		t.Fatalf("expected session, found=%v err=%v", found, err)
	}
	if session.LastCellWriteAtMillis == nil || *session.LastCellWriteAtMillis != later.UnixMilli() {
		t.Fatalf("expected write clock to keep the newer value")
	}
}

func TestTouchWriteClockRequiresSession(t *testing.T) {
	store, clock, _ := newTestStore(t)
	err := store.TouchWriteClock(context.Background(), "ghost", clock.Now())
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestTouchActivityReportsExistence(t *testing.T) {
	store, clock, _ := newTestStore(t)
	ctx := context.Background()

	found, err := store.TouchActivity(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected touch error: %v", err)
	}
	if found {
		t.Fatalf("expected missing session to be reported")
	}

	if _, err := store.UpsertSession(ctx, SessionUpsert{UserID: "alice"}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	if err := store.MarkOffline(ctx, "alice"); err != nil {
		t.Fatalf("unexpected offline error: %v", err)
	}
	clock.Advance(30 * time.Second)
	found, err = store.TouchActivity(ctx, "alice")
	if err != nil || !found {
		t.Fatalf("expected existing session, found=%v err=%v", found, err)
	}
	session, _, _ := store.GetSession(ctx, "alice")
	if !session.IsOnline || session.LastActiveAtMillis != clock.Now().UnixMilli() {
		t.Fatalf("expected activity refresh, got %#v", session)
	}
}

func TestClaimWriteSlotHonoursCooldown(t *testing.T) {
	store, clock, _ := newTestStore(t)
	ctx := context.Background()
	cooldown := 5 * time.Second
	if _, err := store.UpsertSession(ctx, SessionUpsert{UserID: "alice"}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	first, claimed, err := store.ClaimWriteSlot(ctx, "alice", clock.Now(), cooldown)
	if err != nil || !claimed {
		t.Fatalf("expected first claim to succeed, claimed=%v err=%v", claimed, err)
	}
	if first.LastCellWriteAtMillis == nil || *first.LastCellWriteAtMillis != clock.Now().UnixMilli() {
		t.Fatalf("expected write clock to be advanced")
	}

	clock.Advance(2 * time.Second)
	current, claimed, err := store.ClaimWriteSlot(ctx, "alice", clock.Now(), cooldown)
	if err != nil {
		t.Fatalf("unexpected claim error: %v", err)
	}
	if claimed {
		t.Fatalf("expected claim inside the cooldown to be rejected")
	}
	if remaining := current.CooldownRemaining(clock.Now(), cooldown); remaining != 3*time.Second {
		t.Fatalf("expected 3s remaining, got %s", remaining)
	}

	clock.Advance(3 * time.Second)
	if _, claimed, err := store.ClaimWriteSlot(ctx, "alice", clock.Now(), cooldown); err != nil || !claimed {
		t.Fatalf("expected claim at the cooldown boundary to succeed, claimed=%v err=%v", claimed, err)
	}
}

func TestClaimWriteSlotConcurrentClaimsYieldOneWinner(t *testing.T) {
	store, clock, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := store.UpsertSession(ctx, SessionUpsert{UserID: "alice"}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	now := clock.Now()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for attempt := 0; attempt < 8; attempt++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, claimed, err := store.ClaimWriteSlot(ctx, "alice", now, 5*time.Second)
			if err != nil {
				t.Errorf("unexpected claim error: %v", err)
				return
			}
			if claimed {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", winners)
	}
}

func TestListOnlineAndMarkStaleOffline(t *testing.T) {
	store, clock, publisher := newTestStore(t)
	ctx := context.Background()

	if _, err := store.UpsertSession(ctx, SessionUpsert{UserID: "idle"}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	clock.Advance(3 * time.Minute)
	if _, err := store.UpsertSession(ctx, SessionUpsert{UserID: "active"}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	if _, err := store.UpsertSession(ctx, SessionUpsert{UserID: "gone"}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	if err := store.MarkOffline(ctx, "gone"); err != nil {
		t.Fatalf("unexpected offline error: %v", err)
	}

	window := 2 * time.Minute
	online, err := store.ListOnline(ctx, clock.Now().Add(-window))
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(online) != 1 || online[0].UserID != "active" {
		t.Fatalf("expected only the fresh online session, got %#v", online)
	}

	before := len(publisher.snapshot())
	swept, err := store.MarkStaleOffline(ctx, clock.Now().Add(-window))
	if err != nil {
		t.Fatalf("unexpected sweep error: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected one stale session, got %d", swept)
	}
	events := publisher.snapshot()[before:]
	if len(events) != 1 || events[0].Kind != feed.KindUpdate {
		t.Fatalf("expected one offline update event, got %#v", events)
	}
	var updated Session
	if err := json.Unmarshal(events[0].New, &updated); err != nil {
		t.Fatalf("failed to decode new image: %v", err)
	}
	if updated.UserID != "idle" || updated.IsOnline {
		t.Fatalf("unexpected swept session %#v", updated)
	}
	idle, _, _ := store.GetSession(ctx, "idle")
	if idle.IsOnline {
		t.Fatalf("expected idle session to be offline")
	}
}
