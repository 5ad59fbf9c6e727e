// Package failure holds the error taxonomy shared by the ingestion pipeline.
// Every fatal condition of a session is one of these kinds, so the supervisor
// can decide between restarting the session and giving up.
package failure

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure.
type Kind int

// Failure kinds.
const (
	KindUnknown Kind = iota
	// KindConfig is an unsupported or invalid configuration. Never retried.
	KindConfig
	// KindTransport is a feed or HTTP transport failure, including timeouts.
	KindTransport
	// KindProtocol is a sequence gap, snapshot cache overflow, unrecognized or
	// malformed event, or an error reported by the feed.
	KindProtocol
	// KindAuth is a failed token exchange.
	KindAuth
	// KindWrite is a rejected bulk write or a non-empty per-row error list.
	KindWrite
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config error"
	case KindTransport:
		return "transport error"
	case KindProtocol:
		return "protocol violation"
	case KindAuth:
		return "auth error"
	case KindWrite:
		return "write error"
	}
	return "error"
}

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return e.Kind.String() + " [" + e.Op + "]: " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a classified error with a formatted message and a stack trace.
func New(kind Kind, op string, format string, args ...interface{}) error {
	return errors.WithStack(&Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)})
}

// Wrap classifies err. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&Error{Kind: kind, Op: op, Err: err})
}

// Config is a shorthand for New(KindConfig, ...).
func Config(op string, format string, args ...interface{}) error {
	return New(KindConfig, op, format, args...)
}

// Transport is a shorthand for Wrap(KindTransport, ...).
func Transport(op string, err error) error {
	return Wrap(KindTransport, op, err)
}

// Protocol is a shorthand for New(KindProtocol, ...).
func Protocol(op string, format string, args ...interface{}) error {
	return New(KindProtocol, op, format, args...)
}

// Auth is a shorthand for Wrap(KindAuth, ...).
func Auth(op string, err error) error {
	return Wrap(KindAuth, op, err)
}

// Write is a shorthand for Wrap(KindWrite, ...).
func Write(op string, err error) error {
	return Wrap(KindWrite, op, err)
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetriable reports whether the supervisor should start a new session after err.
// Configuration errors and cancellation of the app context are final.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) != KindConfig
}
