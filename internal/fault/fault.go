// Package fault classifies engine errors so the push service can decide
// declaratively whether (and when) to retry.
package fault

import (
	"errors"
	"fmt"
	"time"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindConnection is a transport-level failure, generally retryable.
	KindConnection
	// KindToken is a credential fetch failure, retryable unless login is required.
	KindToken
	// KindParse marks an undecodable frame. Never retried.
	KindParse
	// KindValidation marks a frame missing required fields. Never retried.
	KindValidation
	// KindNotification is a local rendering failure. Logged and dropped.
	KindNotification
	// KindPermission means notifications are unsupported on this host.
	KindPermission
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindToken:
		return "token"
	case KindParse:
		return "parse"
	case KindValidation:
		return "validation"
	case KindNotification:
		return "notification"
	case KindPermission:
		return "permission"
	default:
		return "unknown"
	}
}

// Default retry delays per kind.
var (
	ConnectionRetryDelay = 5 * time.Second
	TokenRetryDelay      = 10 * time.Second
)

// Error is a classified engine error.
type Error struct {
	Kind Kind
	Op   string
	Err  error

	// retry is nil when the kind default applies.
	retry         *bool
	delay         time.Duration
	loginRequired bool
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the orchestrator may retry after this error.
func (e *Error) Retryable() bool {
	if e.loginRequired {
		return false
	}
	if e.retry != nil {
		return *e.retry
	}
	switch e.Kind {
	case KindConnection, KindToken:
		return true
	default:
		return false
	}
}

// RetryDelay is the suggested wait before retrying (0 if not retryable).
func (e *Error) RetryDelay() time.Duration {
	if !e.Retryable() {
		return 0
	}
	if e.delay > 0 {
		return e.delay
	}
	switch e.Kind {
	case KindToken:
		return TokenRetryDelay
	default:
		return ConnectionRetryDelay
	}
}

func (e *Error) LoginRequired() bool { return e.loginRequired }

// New classifies err under kind. A nil err yields nil.
func New(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Connection(op string, err error) error   { return wrap(New(KindConnection, op, err)) }
func Token(op string, err error) error        { return wrap(New(KindToken, op, err)) }
func Parse(op string, err error) error        { return wrap(New(KindParse, op, err)) }
func Validation(op string, err error) error   { return wrap(New(KindValidation, op, err)) }
func Notification(op string, err error) error { return wrap(New(KindNotification, op, err)) }
func Permission(op string, err error) error   { return wrap(New(KindPermission, op, err)) }

// wrap avoids returning a typed nil pointer inside a non-nil error interface.
func wrap(e *Error) error {
	if e == nil {
		return nil
	}
	return e
}

// LoginRequired marks a token error as a hard credential failure.
func LoginRequired(op string, err error) error {
	e := New(KindToken, op, err)
	if e == nil {
		return nil
	}
	e.loginRequired = true
	return e
}

// WithRetryAfter overrides the retry delay hint of a classified error.
// Unclassified errors become connection errors.
func WithRetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if !errors.As(err, &fe) {
		fe = New(KindConnection, "", err)
	} else {
		cp := *fe
		fe = &cp
	}
	if after < 0 {
		after = 0
	}
	fe.delay = after
	return fe
}

// NoRetry marks err as non-retryable regardless of its kind.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if !errors.As(err, &fe) {
		fe = New(KindUnknown, "", err)
	} else {
		cp := *fe
		fe = &cp
	}
	no := false
	fe.retry = &no
	return fe
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err may be retried. Unclassified errors are not.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return false
}

// RetryDelay returns the suggested retry delay for err, 0 if not retryable.
func RetryDelay(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryDelay()
	}
	return 0
}

func IsLoginRequired(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.LoginRequired()
}
