package database

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/txscope"
	"gorm.io/gorm"
)

// Transactor runs callbacks inside a single gorm transaction. Stores called with the
// callback context join the transaction and defer their change events until commit.
type Transactor struct {
	db *gorm.DB
}

// NewTransactor wraps db.
func NewTransactor(db *gorm.DB) (*Transactor, error) {
	if db == nil {
		return nil, errors.New("database: transactor requires a database handle")
	}
	return &Transactor{db: db}, nil
}

// RunInTx executes fn in a transaction. The transaction commits when fn returns nil;
// after-commit hooks run only then.
func (t *Transactor) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txscope.Handle(ctx); ok {
		return fn(ctx)
	}
	var scope *txscope.Scope
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txCtx context.Context
		txCtx, scope = txscope.Begin(ctx, tx)
		return fn(txCtx)
	})
	if err != nil {
		scope.Discard()
		return err
	}
	scope.Commit()
	return nil
}
