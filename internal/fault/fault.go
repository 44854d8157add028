// Package fault defines the business-rule error taxonomy shared by the trust,
// auction, and guarantee engines. These errors represent rule violations, not
// transient failures — callers render them, they never retry them.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a business-rule violation.
type Kind int

const (
	// NotFound: the auction, request, bid, or entity does not exist.
	NotFound Kind = iota + 1
	// InvalidState: the operation was attempted outside the required
	// lifecycle state (e.g. closing a PENDING auction).
	InvalidState
	// Unauthorized: the actor is not allowed to perform the operation
	// (e.g. withdrawing someone else's bid).
	Unauthorized
	// Validation: an input violates a static rule (coverage outside [0,100],
	// price above reserve, end time not after start time).
	Validation
	// InsufficientTrust: bidder trust score below the auction threshold.
	InsufficientTrust
	// InsufficientGuaranteeTrust: guarantor's guarantee trust below 50.
	InsufficientGuaranteeTrust
	// InsufficientCapacity: request amount exceeds the guarantor's declared
	// maximum capacity.
	InsufficientCapacity
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case InvalidState:
		return "invalid_state"
	case Unauthorized:
		return "unauthorized"
	case Validation:
		return "validation"
	case InsufficientTrust:
		return "insufficient_trust"
	case InsufficientGuaranteeTrust:
		return "insufficient_guarantee_trust"
	case InsufficientCapacity:
		return "insufficient_capacity"
	default:
		return "unknown"
	}
}

// Error is a classified business error with enough context to render a
// user-facing message.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Msg
}

// Is reports kind equality, so errors.Is(err, &fault.Error{Kind: k}) and the
// IsKind helper both work across wrapping.
func (e *Error) Is(target error) bool {
	var fe *Error
	if !errors.As(target, &fe) {
		return false
	}
	return fe.Kind == e.Kind
}

// New builds a classified error from a format string.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from an error chain; returns 0 when the error is
// not a fault.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
