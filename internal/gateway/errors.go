package gateway

import (
	"errors"
	"fmt"

	"github.com/CedrosPay/settlement/internal/rpcutil"
	"github.com/sony/gobreaker"
)

var (
	// ErrTransient marks provider failures worth retrying (timeouts, 5xx, 429).
	ErrTransient = errors.New("gateway: transient failure")
	// ErrTerminal marks provider rejections that will not succeed on retry.
	ErrTerminal = errors.New("gateway: terminal failure")
	// ErrCancelUnsupported is returned by adapters without a remote cancel.
	ErrCancelUnsupported = errors.New("gateway: cancel not supported")
)

// Error is a classified provider failure.
type Error struct {
	Gateway   string
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "terminal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s %s (%s): %v", e.Gateway, e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches ErrTransient or ErrTerminal according to the classification.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Transient
	case ErrTerminal:
		return !e.Transient
	}
	return false
}

// Retryable lets rpcutil.WithRetry recognise transient gateway errors.
func (e *Error) Retryable() bool { return e.Transient }

// Transient wraps err as a retryable provider failure.
func Transient(gateway, op string, err error) error {
	return &Error{Gateway: gateway, Op: op, Transient: true, Err: err}
}

// Terminal wraps err as a non-retryable provider failure.
func Terminal(gateway, op string, err error) error {
	return &Error{Gateway: gateway, Op: op, Transient: false, Err: err}
}

// Classify wraps err using rpcutil.IsTransient. Already classified errors pass through.
func Classify(gateway, op string, err error) error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return err
	}
	// An open breaker is not retried in place but the caller may try again later.
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Transient(gateway, op, err)
	}
	if rpcutil.IsTransient(err) {
		return Transient(gateway, op, err)
	}
	return Terminal(gateway, op, err)
}

// IsTransient reports whether err is a transient gateway failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
