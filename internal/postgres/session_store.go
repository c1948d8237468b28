package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/feed"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/sessions"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/txscope"
	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const sessionColumns = `user_id, username, is_online, last_active_at_ms, last_cell_write_at_ms`

const getSessionSQL = `
SELECT ` + sessionColumns + `
FROM user_sessions
WHERE user_id = $1`

const upsertSessionSQL = `
WITH previous AS (
	SELECT ` + sessionColumns + `
	FROM user_sessions
	WHERE user_id = $1
), written AS (
	INSERT INTO user_sessions (user_id, username, is_online, last_active_at_ms, last_cell_write_at_ms)
	VALUES ($1, $2, TRUE, $3, NULL)
	ON CONFLICT (user_id) DO UPDATE SET
		username = EXCLUDED.username,
		is_online = TRUE,
		last_active_at_ms = EXCLUDED.last_active_at_ms
	RETURNING ` + sessionColumns + `
)
SELECT written.user_id, written.username, written.is_online,
	written.last_active_at_ms, written.last_cell_write_at_ms,
	previous.user_id, previous.username, previous.is_online,
	previous.last_active_at_ms, previous.last_cell_write_at_ms
FROM written LEFT JOIN previous ON TRUE`

// conditionalUpdateSQL locks the session, applies the assignment when the condition holds
// and returns the previous image next to the changed one (NULL when the condition failed).
func conditionalUpdateSQL(assignments, condition string) string {
	return `
WITH previous AS (
	SELECT ` + sessionColumns + `
	FROM user_sessions
	WHERE user_id = $1
	FOR UPDATE
), changed AS (
	UPDATE user_sessions SET ` + assignments + `
	FROM previous
	WHERE user_sessions.user_id = previous.user_id AND (` + condition + `)
	RETURNING user_sessions.user_id, user_sessions.username, user_sessions.is_online,
		user_sessions.last_active_at_ms, user_sessions.last_cell_write_at_ms
)
SELECT changed.user_id, changed.username, changed.is_online,
	changed.last_active_at_ms, changed.last_cell_write_at_ms,
	previous.user_id, previous.username, previous.is_online,
	previous.last_active_at_ms, previous.last_cell_write_at_ms
FROM previous LEFT JOIN changed ON TRUE`
}

var (
	touchWriteClockSQL = conditionalUpdateSQL(
		"last_cell_write_at_ms = $2, last_active_at_ms = $2",
		"user_sessions.last_cell_write_at_ms IS NULL OR user_sessions.last_cell_write_at_ms <= $2")
	claimWriteSlotSQL = conditionalUpdateSQL(
		"last_cell_write_at_ms = $2, last_active_at_ms = $2",
		"user_sessions.last_cell_write_at_ms IS NULL OR user_sessions.last_cell_write_at_ms <= $3")
	touchActivitySQL = conditionalUpdateSQL(
		"is_online = TRUE, last_active_at_ms = $2",
		"TRUE")
	markOfflineSQL = conditionalUpdateSQL(
		"is_online = FALSE",
		"user_sessions.is_online")
)

// SessionStoreConfig describes the dependencies of the PostgreSQL session store.
type SessionStoreConfig struct {
	Pool      *pgxpool.Pool
	Clock     func() time.Time
	Publisher feed.Publisher
	Logger    *zap.Logger
}

// SessionStore persists user sessions in PostgreSQL.
type SessionStore struct {
	pool      *pgxpool.Pool
	clock     func() time.Time
	publisher feed.Publisher
	logger    *zap.Logger
}

// NewSessionStore constructs a session store.
func NewSessionStore(cfg SessionStoreConfig) (*SessionStore, error) {
	if cfg.Pool == nil {
		return nil, errors.New("postgres: session store requires a pool")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionStore{pool: cfg.Pool, clock: clock, publisher: cfg.Publisher, logger: logger}, nil
}

// GetSession loads the session for userID.
func (s *SessionStore) GetSession(ctx context.Context, userID string) (sessions.Session, bool, error) {
	rows, err := QuerierFromCtx(ctx, s.pool).Query(ctx, getSessionSQL, userID)
	if err != nil {
		return sessions.Session{}, false, mapError(err, "session", userID)
	}
	session, err := pgx.CollectOneRow(rows, scanSession)
	if errors.Is(err, pgx.ErrNoRows) {
		return sessions.Session{}, false, nil
	}
	if err != nil {
		return sessions.Session{}, false, mapError(err, "session", userID)
	}
	return session, true, nil
}

// UpsertSession creates the session or refreshes username, online flag and activity.
// The write clock is never modified here.
func (s *SessionStore) UpsertSession(ctx context.Context, upsert sessions.SessionUpsert) (sessions.Session, error) {
	if err := upsert.Validate(); err != nil {
		return sessions.Session{}, err
	}
	nowMillis := s.clock().UTC().UnixMilli()
	row := QuerierFromCtx(ctx, s.pool).QueryRow(ctx, upsertSessionSQL,
		upsert.UserID, strings.TrimSpace(upsert.Username), nowMillis)

	var stored, previous nullableSession
	if err := row.Scan(append(stored.targets(), previous.targets()...)...); err != nil {
		s.logger.Error("session upsert failed", zap.String("user_id", upsert.UserID), zap.Error(err))
		return sessions.Session{}, mapError(err, "session", upsert.UserID)
	}
	current := stored.session()
	old := previous.session()
	kind := feed.KindInsert
	if old != nil {
		kind = feed.KindUpdate
	}
	s.publishAfterCommit(ctx, kind, current, old)
	return *current, nil
}

// TouchWriteClock records a cell write at the provided instant and refreshes activity.
// An instant older than the stored clock is ignored.
func (s *SessionStore) TouchWriteClock(ctx context.Context, userID string, at time.Time) error {
	atMillis := at.UTC().UnixMilli()
	_, _, found, err := s.conditionalUpdate(ctx, touchWriteClockSQL, userID, atMillis)
	if err != nil {
		return err
	}
	if !found {
		return mapError(sessions.ErrSessionNotFound, "session", userID)
	}
	return nil
}

// TouchActivity refreshes activity and the online flag. It reports whether a session existed.
func (s *SessionStore) TouchActivity(ctx context.Context, userID string) (bool, error) {
	_, _, found, err := s.conditionalUpdate(ctx, touchActivitySQL, userID, s.clock().UTC().UnixMilli())
	return found, err
}

// ClaimWriteSlot advances the write clock to now when the cooldown elapsed. The row lock
// taken by the statement serialises concurrent claims so exactly one of them wins.
func (s *SessionStore) ClaimWriteSlot(ctx context.Context, userID string, now time.Time, cooldown time.Duration) (sessions.Session, bool, error) {
	nowMillis := now.UTC().UnixMilli()
	thresholdMillis := now.Add(-cooldown).UTC().UnixMilli()
	changed, previous, found, err := s.conditionalUpdate(ctx, claimWriteSlotSQL, userID, nowMillis, thresholdMillis)
	if err != nil {
		return sessions.Session{}, false, err
	}
	if !found {
		return sessions.Session{}, false, mapError(sessions.ErrSessionNotFound, "session", userID)
	}
	if changed == nil {
		return previous, false, nil
	}
	return *changed, true, nil
}

// MarkOffline flips the online flag off for userID.
func (s *SessionStore) MarkOffline(ctx context.Context, userID string) error {
	_, _, _, err := s.conditionalUpdate(ctx, markOfflineSQL, userID)
	return err
}

// ListOnline returns online sessions active at or after since, most recent first.
func (s *SessionStore) ListOnline(ctx context.Context, since time.Time) ([]sessions.Session, error) {
	query, args, err := psql.Select(sessionColumns).
		From(sessions.TableName).
		Where(sq.Eq{"is_online": true}).
		Where(sq.GtOrEq{"last_active_at_ms": since.UTC().UnixMilli()}).
		OrderBy("last_active_at_ms DESC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := QuerierFromCtx(ctx, s.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "sessions", "online")
	}
	online, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return nil, mapError(err, "sessions", "online")
	}
	return online, nil
}

// MarkStaleOffline marks every online session idle since before cutoff as offline.
func (s *SessionStore) MarkStaleOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := psql.Update(sessions.TableName).
		Set("is_online", false).
		Where(sq.Eq{"is_online": true}).
		Where(sq.Lt{"last_active_at_ms": cutoff.UTC().UnixMilli()}).
		Suffix("RETURNING " + sessionColumns).
		ToSql()
	if err != nil {
		return 0, err
	}
	rows, err := QuerierFromCtx(ctx, s.pool).Query(ctx, query, args...)
	if err != nil {
		return 0, mapError(err, "sessions", "stale")
	}
	swept, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		s.logger.Error("presence sweep failed", zap.Error(err))
		return 0, mapError(err, "sessions", "stale")
	}
	for index := range swept {
		updated := swept[index]
		previous := updated
		previous.IsOnline = true
		s.publishAfterCommit(ctx, feed.KindUpdate, &updated, &previous)
	}
	return int64(len(swept)), nil
}

// conditionalUpdate runs one of the locking update statements. found reports whether the
// session exists; changed is nil when the update condition did not hold.
func (s *SessionStore) conditionalUpdate(ctx context.Context, statement, userID string, args ...any) (*sessions.Session, sessions.Session, bool, error) {
	row := QuerierFromCtx(ctx, s.pool).QueryRow(ctx, statement, append([]any{userID}, args...)...)
	var changed, previous nullableSession
	err := row.Scan(append(changed.targets(), previous.targets()...)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sessions.Session{}, false, nil
	}
	if err != nil {
		s.logger.Error("session update failed", zap.String("user_id", userID), zap.Error(err))
		return nil, sessions.Session{}, false, mapError(err, "session", userID)
	}
	before := previous.session()
	after := changed.session()
	if after != nil {
		s.publishAfterCommit(ctx, feed.KindUpdate, after, before)
	}
	return after, *before, true, nil
}

func (s *SessionStore) publishAfterCommit(ctx context.Context, kind feed.Kind, newRow, oldRow *sessions.Session) {
	if s.publisher == nil {
		return
	}
	committedAt := s.clock()
	txscope.AfterCommit(ctx, func() {
		var newImage, oldImage any
		if newRow != nil {
			newImage = newRow
		}
		if oldRow != nil {
			oldImage = oldRow
		}
		event, err := feed.NewEvent(kind, sessions.TableName, newImage, oldImage, committedAt)
		if err != nil {
			s.logger.Error("encode session change", zap.Error(err))
			return
		}
		s.publisher.Publish(event)
	})
}

func scanSession(row pgx.CollectableRow) (sessions.Session, error) {
	var session sessions.Session
	err := row.Scan(&session.UserID, &session.Username, &session.IsOnline,
		&session.LastActiveAtMillis, &session.LastCellWriteAtMillis)
	return session, err
}

type nullableSession struct {
	UserID                *string
	Username              *string
	IsOnline              *bool
	LastActiveAtMillis    *int64
	LastCellWriteAtMillis *int64
}

func (n *nullableSession) targets() []any {
	return []any{&n.UserID, &n.Username, &n.IsOnline, &n.LastActiveAtMillis, &n.LastCellWriteAtMillis}
}

func (n nullableSession) session() *sessions.Session {
	if n.UserID == nil {
		return nil
	}
	session := &sessions.Session{UserID: *n.UserID, LastCellWriteAtMillis: n.LastCellWriteAtMillis}
	if n.Username != nil {
		session.Username = *n.Username
	}
	if n.IsOnline != nil {
		session.IsOnline = *n.IsOnline
	}
	if n.LastActiveAtMillis != nil {
		session.LastActiveAtMillis = *n.LastActiveAtMillis
	}
	return session
}
