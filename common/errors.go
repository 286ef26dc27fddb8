package common

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable marks a transient back-end failure (timeout, throttling, lost
// connection). Callers decide whether and how to retry.
var ErrUnavailable = errors.New("directory back-end unavailable")

type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrUnavailable, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

func Unavailable(op string, err error) error {
	return &UnavailableError{Op: op, Err: err}
}

func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// ContextError converts an expired or cancelled context into an unavailable error.
// It returns nil while ctx is still live.
func ContextError(op string, ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Unavailable(op, err)
	}
	return nil
}
