package postgres

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/txscope"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is implemented by both *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// QuerierFromCtx returns the transaction carried by ctx, otherwise the pool.
func QuerierFromCtx(ctx context.Context, pool *pgxpool.Pool) Querier {
	if handle, ok := txscope.Handle(ctx); ok {
		if tx, ok := handle.(pgx.Tx); ok && tx != nil {
			return tx
		}
	}
	return pool
}

// TxManager runs callbacks inside one PostgreSQL transaction. Stores called with the
// callback context join it, and their change events are published only after commit.
type TxManager struct {
	pool *pgxpool.Pool
}

// NewTxManager creates a TxManager.
func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

// RunInTx executes fn in a Read Committed transaction. A nested call joins the outer
// transaction. On panic the transaction rolls back and the panic is re-raised.
func (m *TxManager) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := txscope.Handle(ctx); ok {
		return fn(ctx)
	}
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txCtx, scope := txscope.Begin(ctx, tx)

	defer func() {
		if r := recover(); r != nil {
			scope.Discard()
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()

	if err := fn(txCtx); err != nil {
		scope.Discard()
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback failed: %w (original error: %v)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		scope.Discard()
		return fmt.Errorf("commit transaction: %w", err)
	}
	scope.Commit()
	return nil
}
