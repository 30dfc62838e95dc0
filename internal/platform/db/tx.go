package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type contextKey string

const DBTxKey contextKey = "db_tx"

// Beginner is satisfied by *pgxpool.Pool and *pgxpool.Conn.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

var errNoPool = errors.New("no database connection available")

// TxFromContext retrieves the transaction started by WithTx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx runs fn inside a transaction carried on the context. Repositories
// pick it up through TxFromContext so that several field-level updates commit
// or roll back together. Nested calls reuse the outer transaction.
func WithTx(ctx context.Context, b Beginner, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	if b == nil {
		return errNoPool
	}

	tx, err := b.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, DBTxKey, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
