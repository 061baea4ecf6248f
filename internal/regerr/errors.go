// Package regerr defines the failure taxonomy shared by every registration component.
//
// Components return the most specific Kind they can; only the pipeline
// orchestrator classifies broadly. Errors wrap their cause and work with
// errors.Is / errors.As.
package regerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a registration failure.
type Kind int

const (
	KindNone Kind = iota
	KindConfiguration
	KindInvalidInput
	KindInsufficientFeatures
	KindInsufficientMatches
	KindRegistrationFailed
	KindTimeout
	KindLowConfidence
	KindCanceled
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindConfiguration:
		return "ConfigurationError"
	case KindInvalidInput:
		return "InvalidInputError"
	case KindInsufficientFeatures:
		return "InsufficientFeaturesError"
	case KindInsufficientMatches:
		return "InsufficientMatchesError"
	case KindRegistrationFailed:
		return "RegistrationFailedError"
	case KindTimeout:
		return "TimeoutError"
	case KindLowConfidence:
		return "LowConfidenceWarning"
	case KindCanceled:
		return "Canceled"
	default:
		return "InternalError"
	}
}

// MarshalText lets kinds appear by name in JSON/YAML output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a name produced by MarshalText.
func (k *Kind) UnmarshalText(text []byte) error {
	for c := KindNone; c <= KindInternal; c++ {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", text)
}

// Recoverable reports whether a failure of this kind may still carry a usable
// partial result.
func (k Kind) Recoverable() bool {
	return k == KindTimeout || k == KindCanceled || k == KindLowConfidence
}

// Error is a classified failure. Partial, when non-nil, holds the best result
// produced before the failure (timeouts and cancellations).
type Error struct {
	Kind    Kind
	Op      string
	Err     error
	Partial any
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so that errors.Is(err, regerr.ErrTimeout) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrConfiguration        = &Error{Kind: KindConfiguration}
	ErrInvalidInput         = &Error{Kind: KindInvalidInput}
	ErrInsufficientFeatures = &Error{Kind: KindInsufficientFeatures}
	ErrInsufficientMatches  = &Error{Kind: KindInsufficientMatches}
	ErrRegistrationFailed   = &Error{Kind: KindRegistrationFailed}
	ErrTimeout              = &Error{Kind: KindTimeout}
	ErrLowConfidence        = &Error{Kind: KindLowConfidence}
	ErrCanceled             = &Error{Kind: KindCanceled}
)

// New returns a classified error with a formatted cause.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// FromContext converts a context error into a timeout or cancellation carrying partial.
func FromContext(op string, ctxErr error, partial any) *Error {
	kind := KindTimeout
	if errors.Is(ctxErr, context.Canceled) {
		kind = KindCanceled
	}
	return &Error{Kind: kind, Op: op, Err: ctxErr, Partial: partial}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Bare context errors are classified as timeout/cancellation, anything else
// unclassified is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindInternal
}

// PartialOf returns the partial result attached to err, if any.
func PartialOf(err error) (any, bool) {
	var re *Error
	if errors.As(err, &re) && re.Partial != nil {
		return re.Partial, true
	}
	return nil, false
}
