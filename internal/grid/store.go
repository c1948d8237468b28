package grid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/feed"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/txscope"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

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
	opStoreNew      = "grid.store.new"
	opUpsertCell    = "grid.upsert_cell"
	opListAllCells  = "grid.list_all_cells"
	opGetCell       = "grid.get_cell"
	opDeleteAll     = "grid.delete_all_cells"
	opPublishChange = "grid.publish_change"
)

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig describes the dependencies of the gorm-backed grid store.
type StoreConfig struct {
	Database  *gorm.DB
	Clock     func() time.Time
	Publisher feed.Publisher
	Logger    *zap.Logger
}

// Store persists grid cells and publishes a change event for every committed row change.
type Store struct {
	db        *gorm.DB
	clock     func() time.Time
	publisher feed.Publisher
	logger    *zap.Logger
}

// NewStore constructs a grid store.
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
		logger = noOpLogger
	}
	return &Store{
		db:        cfg.Database,
		clock:     clock,
		publisher: cfg.Publisher,
		logger:    logger,
	}, nil
}

// UpsertCell writes the cell at (Row, Col), replacing colour, author and timestamp of any
// existing record. Concurrent writers are not serialised: the last statement to reach the
// database wins.
func (s *Store) UpsertCell(ctx context.Context, write CellWrite) (Cell, error) {
	var (
		stored   Cell
		previous *Cell
	)
	apply := func(tx *gorm.DB) error {
		var existing Cell
		err := tx.Where("row_index = ? AND col_index = ?", write.Row, write.Col).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			previous = nil
		case err != nil:
			return newStoreError(opUpsertCell, "cell_select_failed", err)
		default:
			previous = &existing
		}

		stored = Cell{
			Row:             write.Row,
			Col:             write.Col,
			ColorIndex:      write.ColorIndex,
			AuthorUserID:    write.AuthorUserID,
			AuthorUsername:  write.AuthorUsername,
			WrittenAtMillis: s.clock().UTC().UnixMilli(),
		}
		err = tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "row_index"}, {Name: "col_index"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"color_index", "author_user_id", "author_username", "written_at_ms",
			}),
		}).Create(&stored).Error
		if err != nil {
			return newStoreError(opUpsertCell, "cell_upsert_failed", err)
		}
		return nil
	}

	var err error
	if tx, ok := transactionFrom(ctx); ok {
		err = apply(tx.WithContext(ctx))
	} else {
		err = s.db.WithContext(ctx).Transaction(apply)
	}
	if err != nil {
		s.logError(opUpsertCell, "upsert_failed", err,
			zap.Int("row", write.Row),
			zap.Int("col", write.Col))
		return Cell{}, err
	}

	kind := feed.KindInsert
	if previous != nil {
		kind = feed.KindUpdate
	}
	s.publishAfterCommit(ctx, kind, &stored, previous)
	return stored, nil
}

// ListAllCells returns every persisted cell, most recently written first.
func (s *Store) ListAllCells(ctx context.Context) ([]Cell, error) {
	var cells []Cell
	if err := s.conn(ctx).Order("written_at_ms DESC").Find(&cells).Error; err != nil {
		s.logError(opListAllCells, "query_failed", err)
		return nil, newStoreError(opListAllCells, "query_failed", err)
	}
	return cells, nil
}

// GetCell returns the record at (row, col) when one exists.
func (s *Store) GetCell(ctx context.Context, row, col int) (Cell, bool, error) {
	var cell Cell
	err := s.conn(ctx).Where("row_index = ? AND col_index = ?", row, col).Take(&cell).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Cell{}, false, nil
	}
	if err != nil {
		s.logError(opGetCell, "query_failed", err, zap.Int("row", row), zap.Int("col", col))
		return Cell{}, false, newStoreError(opGetCell, "query_failed", err)
	}
	return cell, true, nil
}

// DeleteAllCells removes every cell and emits one DELETE event per removed record.
func (s *Store) DeleteAllCells(ctx context.Context) (int64, error) {
	var removed []Cell
	apply := func(tx *gorm.DB) error {
		if err := tx.Find(&removed).Error; err != nil {
			return newStoreError(opDeleteAll, "select_failed", err)
		}
		if err := tx.Where("1 = 1").Delete(&Cell{}).Error; err != nil {
			return newStoreError(opDeleteAll, "delete_failed", err)
		}
		return nil
	}

	var err error
	if tx, ok := transactionFrom(ctx); ok {
		err = apply(tx.WithContext(ctx))
	} else {
		err = s.db.WithContext(ctx).Transaction(apply)
	}
	if err != nil {
		s.logError(opDeleteAll, "delete_failed", err)
		return 0, err
	}

	for index := range removed {
		old := removed[index]
		s.publishAfterCommit(ctx, feed.KindDelete, nil, &old)
	}
	return int64(len(removed)), nil
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

func (s *Store) publishAfterCommit(ctx context.Context, kind feed.Kind, newRow, oldRow *Cell) {
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
	s.logger.Error("grid store error", attrs...)
}
