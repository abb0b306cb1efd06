package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
)

var (
	// ErrRepositoryUnavailable means the store could not be reached.
	ErrRepositoryUnavailable = errors.New("repository unavailable")

	// ErrJobRunExists means a scheduled run is already recorded for the day.
	ErrJobRunExists = errors.New("job run already recorded")

	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrChainConflict means another entry already claims the same predecessor.
	ErrChainConflict = errors.New("ledger chain conflict")
)

const (
	pqUniqueViolation = "23505"
	pqConnException   = "08"
)

// classify maps driver errors onto repository sentinels, keeping the cause.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%s: %w: %w", op, ErrRepositoryUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %w", op, ErrRepositoryUnavailable, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code.Class()) == pqConnException {
		return fmt.Errorf("%s: %w: %w", op, ErrRepositoryUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation
}
