package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/acme/broadcast-dispatch/internal/repository"
)

const uniqueViolation = "23505"

// withTx runs fn in a read-committed transaction. A unique violation raised
// anywhere inside is reported as repository.ErrConflict.
func withTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(translate(err), fmt.Errorf("tx rollback: %w", rbErr))
		}
		return translate(err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tx commit: %w", translate(err))
	}
	return nil
}

func translate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", repository.ErrConflict, pgErr.ConstraintName)
	}
	return err
}
