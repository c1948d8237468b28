package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/feed"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/txscope"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("database handle is required")

// StoreError carries a stable operation.reason code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew         = "sessions.store.new"
	opGetSession       = "sessions.get"
	opUpsertSession    = "sessions.upsert"
	opTouchWriteClock  = "sessions.touch_write_clock"
	opTouchActivity    = "sessions.touch_activity"
	opClaimWriteSlot   = "sessions.claim_write_slot"
	opMarkOffline      = "sessions.mark_offline"
	opListOnline       = "sessions.list_online"
	opMarkStaleOffline = "sessions.mark_stale_offline"
	opPublishChange    = "sessions.publish_change"
)

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig describes the dependencies of the gorm-backed session store.
type StoreConfig struct {
	Database  *gorm.DB
	Clock     func() time.Time
	Publisher feed.Publisher
	Logger    *zap.Logger
}

// Store persists user sessions.
type Store struct {
	db        *gorm.DB
	clock     func() time.Time
	publisher feed.Publisher
	logger    *zap.Logger
}

// NewStore constructs a session store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, publisher: cfg.Publisher, logger: logger}, nil
}

// GetSession loads the session for userID.
func (s *Store) GetSession(ctx context.Context, userID string) (Session, bool, error) {
	var session Session
	err := s.conn(ctx).Where("user_id = ?", userID).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		s.logError(opGetSession, "query_failed", err, zap.String("user_id", userID))
		return Session{}, false, newStoreError(opGetSession, "query_failed", err)
	}
	return session, true, nil
}

// UpsertSession creates the session or refreshes username, online flag and activity.
// The write clock is never modified here.
func (s *Store) UpsertSession(ctx context.Context, upsert SessionUpsert) (Session, error) {
	if err := upsert.Validate(); err != nil {
		return Session{}, newStoreError(opUpsertSession, "invalid_user_id", err)
	}
	nowMillis := s.clock().UTC().UnixMilli()
	var (
		stored   Session
		previous *Session
	)
	err := s.withTransaction(ctx, func(tx *gorm.DB) error {
		existing, found, err := takeSession(tx, upsert.UserID)
		if err != nil {
			return newStoreError(opUpsertSession, "session_select_failed", err)
		}
		if !found {
			stored = Session{
				UserID:             upsert.UserID,
				Username:           strings.TrimSpace(upsert.Username),
				IsOnline:           true,
				LastActiveAtMillis: nowMillis,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"username", "is_online", "last_active_at_ms"}),
			}).Create(&stored).Error
			if err != nil {
				return newStoreError(opUpsertSession, "session_insert_failed", err)
			}
			return nil
		}
		previous = &existing
		stored = existing
		stored.Username = strings.TrimSpace(upsert.Username)
		stored.IsOnline = true
		stored.LastActiveAtMillis = nowMillis
		err = tx.Model(&Session{}).
			Where("user_id = ?", upsert.UserID).
			Updates(map[string]any{
				"username":          stored.Username,
				"is_online":         true,
				"last_active_at_ms": nowMillis,
			}).Error
		if err != nil {
			return newStoreError(opUpsertSession, "session_update_failed", err)
		}
		return nil
	})
	if err != nil {
		s.logError(opUpsertSession, "upsert_failed", err, zap.String("user_id", upsert.UserID))
		return Session{}, err
	}
	kind := feed.KindInsert
	if previous != nil {
		kind = feed.KindUpdate
	}
	s.publishAfterCommit(ctx, kind, &stored, previous)
	return stored, nil
}

// TouchWriteClock records a cell write at the provided instant and refreshes activity.
// The stored clock never moves backwards: an older instant is ignored.
func (s *Store) TouchWriteClock(ctx context.Context, userID string, at time.Time) error {
	atMillis := at.UTC().UnixMilli()
	var (
		stored   Session
		previous Session
		changed  bool
	)
	err := s.withTransaction(ctx, func(tx *gorm.DB) error {
		existing, found, err := takeSession(tx, userID)
		if err != nil {
			return newStoreError(opTouchWriteClock, "session_select_failed", err)
		}
		if !found {
			return newStoreError(opTouchWriteClock, "session_not_found", ErrSessionNotFound)
		}
		result := tx.Model(&Session{}).
			Where("user_id = ? AND (last_cell_write_at_ms IS NULL OR last_cell_write_at_ms <= ?)", userID, atMillis).
			Updates(map[string]any{"last_cell_write_at_ms": atMillis, "last_active_at_ms": atMillis})
		if result.Error != nil {
			return newStoreError(opTouchWriteClock, "session_update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		previous = existing
		stored = existing
		stored.LastCellWriteAtMillis = &atMillis
		stored.LastActiveAtMillis = atMillis
		changed = true
		return nil
	})
	if err != nil {
		s.logError(opTouchWriteClock, "update_failed", err, zap.String("user_id", userID))
		return err
	}
	if changed {
		s.publishAfterCommit(ctx, feed.KindUpdate, &stored, &previous)
	}
	return nil
}

// TouchActivity refreshes activity and the online flag. It reports whether a session existed.
func (s *Store) TouchActivity(ctx context.Context, userID string) (bool, error) {
	nowMillis := s.clock().UTC().UnixMilli()
	var (
		stored   Session
		previous Session
		found    bool
	)
	err := s.withTransaction(ctx, func(tx *gorm.DB) error {
		existing, ok, err := takeSession(tx, userID)
		if err != nil {
			return newStoreError(opTouchActivity, "session_select_failed", err)
		}
		if !ok {
			return nil
		}
		err = tx.Model(&Session{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{"is_online": true, "last_active_at_ms": nowMillis}).Error
		if err != nil {
			return newStoreError(opTouchActivity, "session_update_failed", err)
		}
		previous = existing
		stored = existing
		stored.IsOnline = true
		stored.LastActiveAtMillis = nowMillis
		found = true
		return nil
	})
	if err != nil {
		s.logError(opTouchActivity, "update_failed", err, zap.String("user_id", userID))
		return false, err
	}
	if found {
		s.publishAfterCommit(ctx, feed.KindUpdate, &stored, &previous)
	}
	return found, nil
}

// ClaimWriteSlot atomically advances the write clock (and activity) to now when the cooldown elapsed.
// When the claim is lost the current session is returned with claimed=false.
func (s *Store) ClaimWriteSlot(ctx context.Context, userID string, now time.Time, cooldown time.Duration) (Session, bool, error) {
	nowMillis := now.UTC().UnixMilli()
	thresholdMillis := now.Add(-cooldown).UTC().UnixMilli()
	var (
		stored   Session
		previous Session
		claimed  bool
	)
	err := s.withTransaction(ctx, func(tx *gorm.DB) error {
		existing, found, err := takeSession(tx, userID)
		if err != nil {
			return newStoreError(opClaimWriteSlot, "session_select_failed", err)
		}
		if !found {
			return newStoreError(opClaimWriteSlot, "session_not_found", ErrSessionNotFound)
		}
		result := tx.Model(&Session{}).
			Where("user_id = ? AND (last_cell_write_at_ms IS NULL OR last_cell_write_at_ms <= ?)", userID, thresholdMillis).
			Updates(map[string]any{"last_cell_write_at_ms": nowMillis, "last_active_at_ms": nowMillis})
		if result.Error != nil {
			return newStoreError(opClaimWriteSlot, "session_update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			current, _, err := takeSession(tx, userID)
			if err != nil {
				return newStoreError(opClaimWriteSlot, "session_reload_failed", err)
			}
			stored = current
			return nil
		}
		previous = existing
		stored = existing
		stored.LastCellWriteAtMillis = &nowMillis
		stored.LastActiveAtMillis = nowMillis
		claimed = true
		return nil
	})
	if err != nil {
		s.logError(opClaimWriteSlot, "claim_failed", err, zap.String("user_id", userID))
		return Session{}, false, err
	}
	if claimed {
		s.publishAfterCommit(ctx, feed.KindUpdate, &stored, &previous)
	}
	return stored, claimed, nil
}

// MarkOffline flips the online flag off for userID.
func (s *Store) MarkOffline(ctx context.Context, userID string) error {
	var (
		stored   Session
		previous Session
		changed  bool
	)
	err := s.withTransaction(ctx, func(tx *gorm.DB) error {
		existing, found, err := takeSession(tx, userID)
		if err != nil {
			return newStoreError(opMarkOffline, "session_select_failed", err)
		}
		if !found || !existing.IsOnline {
			return nil
		}
		if err := tx.Model(&Session{}).Where("user_id = ?", userID).Update("is_online", false).Error; err != nil {
			return newStoreError(opMarkOffline, "session_update_failed", err)
		}
		previous = existing
		stored = existing
		stored.IsOnline = false
		changed = true
		return nil
	})
	if err != nil {
		s.logError(opMarkOffline, "update_failed", err, zap.String("user_id", userID))
		return err
	}
	if changed {
		s.publishAfterCommit(ctx, feed.KindUpdate, &stored, &previous)
	}
	return nil
}

// ListOnline returns online sessions active at or after since, most recent first.
func (s *Store) ListOnline(ctx context.Context, since time.Time) ([]Session, error) {
	var sessions []Session
	err := s.conn(ctx).
		Where("is_online = ? AND last_active_at_ms >= ?", true, since.UTC().UnixMilli()).
		Order("last_active_at_ms DESC").
		Find(&sessions).Error
	if err != nil {
		s.logError(opListOnline, "query_failed", err)
		return nil, newStoreError(opListOnline, "query_failed", err)
	}
	return sessions, nil
}

// MarkStaleOffline marks every online session idle since before cutoff as offline.
func (s *Store) MarkStaleOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffMillis := cutoff.UTC().UnixMilli()
	var stale []Session
	err := s.withTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("is_online = ? AND last_active_at_ms < ?", true, cutoffMillis).Find(&stale).Error; err != nil {
			return newStoreError(opMarkStaleOffline, "select_failed", err)
		}
		if len(stale) == 0 {
			return nil
		}
		userIDs := make([]string, 0, len(stale))
		for _, session := range stale {
			userIDs = append(userIDs, session.UserID)
		}
		err := tx.Model(&Session{}).
			Where("user_id IN ? AND is_online = ? AND last_active_at_ms < ?", userIDs, true, cutoffMillis).
			Update("is_online", false).Error
		if err != nil {
			return newStoreError(opMarkStaleOffline, "update_failed", err)
		}
		return nil
	})
	if err != nil {
		s.logError(opMarkStaleOffline, "sweep_failed", err)
		return 0, err
	}
	for index := range stale {
		previous := stale[index]
		updated := previous
		updated.IsOnline = false
		s.publishAfterCommit(ctx, feed.KindUpdate, &updated, &previous)
	}
	return int64(len(stale)), nil
}

func takeSession(tx *gorm.DB, userID string) (Session, bool, error) {
	var session Session
	err := tx.Where("user_id = ?", userID).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	return session, true, nil
}

func (s *Store) withTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if tx, ok := transactionFrom(ctx); ok {
		return fn(tx.WithContext(ctx))
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	if tx, ok := transactionFrom(ctx); ok {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

func transactionFrom(ctx context.Context) (*gorm.DB, bool) {
	handle, ok := txscope.Handle(ctx)
	if !ok {
		return nil, false
	}
	tx, ok := handle.(*gorm.DB)
	return tx, ok && tx != nil
}

func (s *Store) publishAfterCommit(ctx context.Context, kind feed.Kind, newRow, oldRow *Session) {
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
		event, err := feed.NewEvent(kind, TableName, newImage, oldImage, committedAt)
		if err != nil {
			s.logError(opPublishChange, "encode_failed", err)
			return
		}
		s.publisher.Publish(event)
	})
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("session store error", attrs...)
}
