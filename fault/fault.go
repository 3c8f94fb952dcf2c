// Package fault classifies the failures that workers, schedulers and the
// project model surface to their callers.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/lithammer/shortuuid/v4"
)

type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindNetwork       Kind = "network"
	KindExternal      Kind = "external"
	KindCancelled     Kind = "cancelled"
	KindValidation    Kind = "validation"
	KindInvariant     Kind = "invariant"
	KindInternal      Kind = "internal"
)

// ErrForcedTerminateTimeout marks a worker whose child survived both the
// graceful terminate and the forced kill deadlines.
var ErrForcedTerminateTimeout = errors.New("forced-terminate-timeout")

// Error is a classified failure. Message is short and user facing; Err keeps
// the full cause for logs.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind) + ": " + e.Message
	if e.ID != "" {
		msg += " [" + e.ID + "]"
	}
	if e.Err != nil && e.Err.Error() != e.Message {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New builds an error of the given kind. Internal errors get an identifier.
func New(kind Kind, format string, args ...any) *Error {
	return Wrap(kind, nil, format, args...)
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	e := &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
	if kind == KindInternal {
		e.ID = shortuuid.New()
	}
	return e
}

func Configuration(format string, args ...any) *Error {
	return New(KindConfiguration, format, args...)
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func Invariant(format string, args ...any) *Error {
	return New(KindInvariant, format, args...)
}

func External(format string, args ...any) *Error {
	return New(KindExternal, format, args...)
}

// KindOf reports the kind of err, or "" when err carries no classification.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Classify maps an arbitrary error onto the taxonomy. Already classified
// errors are returned untouched.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Wrap(KindCancelled, err, "cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindNetwork, err, "timed out")
	case errors.Is(err, ErrForcedTerminateTimeout):
		return Wrap(KindExternal, err, ErrForcedTerminateTimeout.Error())
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return Wrap(KindNetwork, err, "request timed out")
		}
		return Wrap(KindNetwork, err, "request failed")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Wrap(KindNetwork, err, "network error")
	}
	return Wrap(KindInternal, err, "unexpected error")
}
