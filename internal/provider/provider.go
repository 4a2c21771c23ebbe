package provider

import (
	"context"
	"errors"

	"github.com/Cypherspark/future-self/internal/core"
)

// Dispatcher hands a due message to the transport that notifies its owner.
// A nil error is success; errors are retryable unless wrapped with Permanent.
type Dispatcher interface {
	Deliver(ctx context.Context, m core.Message) error
}

// Reminder nudges an owner about delivered messages they have not read yet.
// Transports that cannot remind simply do not implement it.
type Reminder interface {
	Remind(ctx context.Context, ownerID string, unread []core.Message) error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, m core.Message) error

func (f DispatcherFunc) Deliver(ctx context.Context, m core.Message) error { return f(ctx, m) }
