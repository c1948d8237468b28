package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/feed"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/grid"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/txscope"
	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const cellColumns = `row_index, col_index, color_index, author_user_id, author_username, written_at_ms`

// The previous CTE reads the row image as of the statement snapshot.
const upsertCellSQL = `
WITH previous AS (
	SELECT ` + cellColumns + `
	FROM grid_cells
	WHERE row_index = $1 AND col_index = $2
), written AS (
	INSERT INTO grid_cells (` + cellColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (row_index, col_index) DO UPDATE SET
		color_index = EXCLUDED.color_index,
		author_user_id = EXCLUDED.author_user_id,
		author_username = EXCLUDED.author_username,
		written_at_ms = EXCLUDED.written_at_ms
	RETURNING ` + cellColumns + `
)
SELECT written.row_index, written.col_index, written.color_index,
	written.author_user_id, written.author_username, written.written_at_ms,
	previous.row_index, previous.col_index, previous.color_index,
	previous.author_user_id, previous.author_username, previous.written_at_ms
FROM written LEFT JOIN previous ON TRUE`

const getCellSQL = `
SELECT ` + cellColumns + `
FROM grid_cells
WHERE row_index = $1 AND col_index = $2`

const deleteAllCellsSQL = `DELETE FROM grid_cells RETURNING ` + cellColumns

// GridStoreConfig describes the dependencies of the PostgreSQL grid store.
type GridStoreConfig struct {
	Pool      *pgxpool.Pool
	Clock     func() time.Time
	Publisher feed.Publisher
	Logger    *zap.Logger
}

// GridStore persists grid cells in PostgreSQL.
type GridStore struct {
	pool      *pgxpool.Pool
	clock     func() time.Time
	publisher feed.Publisher
	logger    *zap.Logger
}

// NewGridStore constructs a grid store.
func NewGridStore(cfg GridStoreConfig) (*GridStore, error) {
	if cfg.Pool == nil {
		return nil, errors.New("postgres: grid store requires a pool")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GridStore{pool: cfg.Pool, clock: clock, publisher: cfg.Publisher, logger: logger}, nil
}

// UpsertCell writes the cell at (Row, Col) in a single statement; the last writer wins.
func (s *GridStore) UpsertCell(ctx context.Context, write grid.CellWrite) (grid.Cell, error) {
	querier := QuerierFromCtx(ctx, s.pool)
	writtenAt := s.clock().UTC().UnixMilli()

	row := querier.QueryRow(ctx, upsertCellSQL,
		write.Row, write.Col, write.ColorIndex, write.AuthorUserID, write.AuthorUsername, writtenAt)

	var (
		stored   grid.Cell
		previous nullableCell
	)
	err := row.Scan(
		&stored.Row, &stored.Col, &stored.ColorIndex,
		&stored.AuthorUserID, &stored.AuthorUsername, &stored.WrittenAtMillis,
		&previous.Row, &previous.Col, &previous.ColorIndex,
		&previous.AuthorUserID, &previous.AuthorUsername, &previous.WrittenAtMillis,
	)
	if err != nil {
		key := fmt.Sprintf("(%d,%d)", write.Row, write.Col)
		s.logger.Error("grid upsert failed", zap.String("cell", key), zap.Error(err))
		return grid.Cell{}, mapError(err, "cell", key)
	}

	old := previous.cell()
	kind := feed.KindInsert
	if old != nil {
		kind = feed.KindUpdate
	}
	s.publishAfterCommit(ctx, kind, &stored, old)
	return stored, nil
}

// ListAllCells returns every persisted cell, most recently written first.
func (s *GridStore) ListAllCells(ctx context.Context) ([]grid.Cell, error) {
	query, args, err := psql.Select(cellColumns).
		From(grid.TableName).
		OrderBy("written_at_ms DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list cells query: %w", err)
	}
	rows, err := QuerierFromCtx(ctx, s.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "cells", "all")
	}
	cells, err := pgx.CollectRows(rows, scanCell)
	if err != nil {
		return nil, mapError(err, "cells", "all")
	}
	return cells, nil
}

// GetCell returns the record at (row, col) when one exists.
func (s *GridStore) GetCell(ctx context.Context, row, col int) (grid.Cell, bool, error) {
	rows, err := QuerierFromCtx(ctx, s.pool).Query(ctx, getCellSQL, row, col)
	if err != nil {
		return grid.Cell{}, false, mapError(err, "cell", fmt.Sprintf("(%d,%d)", row, col))
	}
	cell, err := pgx.CollectOneRow(rows, scanCell)
	if errors.Is(err, pgx.ErrNoRows) {
		return grid.Cell{}, false, nil
	}
	if err != nil {
		return grid.Cell{}, false, mapError(err, "cell", fmt.Sprintf("(%d,%d)", row, col))
	}
	return cell, true, nil
}

// DeleteAllCells removes every cell and emits one DELETE event per removed record.
func (s *GridStore) DeleteAllCells(ctx context.Context) (int64, error) {
	rows, err := QuerierFromCtx(ctx, s.pool).Query(ctx, deleteAllCellsSQL)
	if err != nil {
		return 0, mapError(err, "cells", "all")
	}
	removed, err := pgx.CollectRows(rows, scanCell)
	if err != nil {
		s.logger.Error("grid reset failed", zap.Error(err))
		return 0, mapError(err, "cells", "all")
	}
	for index := range removed {
		old := removed[index]
		s.publishAfterCommit(ctx, feed.KindDelete, nil, &old)
	}
	return int64(len(removed)), nil
}

func (s *GridStore) publishAfterCommit(ctx context.Context, kind feed.Kind, newRow, oldRow *grid.Cell) {
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
		event, err := feed.NewEvent(kind, grid.TableName, newImage, oldImage, committedAt)
		if err != nil {
			s.logger.Error("encode grid change", zap.Error(err))
			return
		}
		s.publisher.Publish(event)
	})
}

func scanCell(row pgx.CollectableRow) (grid.Cell, error) {
	var cell grid.Cell
	err := row.Scan(&cell.Row, &cell.Col, &cell.ColorIndex,
		&cell.AuthorUserID, &cell.AuthorUsername, &cell.WrittenAtMillis)
	return cell, err
}

// nullableCell receives the LEFT JOIN side of a statement returning a previous image.
type nullableCell struct {
	Row             *int
	Col             *int
	ColorIndex      *int
	AuthorUserID    *string
	AuthorUsername  *string
	WrittenAtMillis *int64
}

func (c nullableCell) cell() *grid.Cell {
	if c.Row == nil || c.Col == nil {
		return nil
	}
	cell := &grid.Cell{Row: *c.Row, Col: *c.Col, ColorIndex: c.ColorIndex}
	if c.AuthorUserID != nil {
		cell.AuthorUserID = *c.AuthorUserID
	}
	if c.AuthorUsername != nil {
		cell.AuthorUsername = *c.AuthorUsername
	}
	if c.WrittenAtMillis != nil {
		cell.WrittenAtMillis = *c.WrittenAtMillis
	}
	return cell
}
