package db

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/raphaelgruber/tripflow/internal/ledger"
)

const pgUniqueViolation = "23505"

// translateErr maps driver-level failures onto the ledger's sentinel errors
// so callers never have to know pg error codes.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ledger.ErrAlreadyExists
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrNotFound
	}
	return err
}
