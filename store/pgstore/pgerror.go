package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/eyeKill/graindir/common"
	"github.com/jackc/pgx/v5/pgconn"
)

// IsTransient reports failures worth retrying: timeouts, lost connections,
// resource exhaustion and serialization conflicts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || pgconn.Timeout(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			pgErr.Code == "57P01",              // admin shutdown
			pgErr.Code == "40001",              // serialization failure
			pgErr.Code == "40P01":              // deadlock detected
			return true
		}
	}
	return false
}

func classify(op string, err error) error {
	if IsTransient(err) {
		return common.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
