// Package apperr defines the auction error taxonomy.
//
// Every sentinel carries a Kind that tells callers how to react:
//
//	Validation     bad input, never retried automatically
//	Contention     lost a race, re-read state before acting again
//	Resource       user-facing limit (budget, bid count, round closed)
//	PartialFailure one player of a finalize pass failed, retried on the next pass
//	Fatal          data-integrity violation, must abort loudly
//	NotFound       unknown id
//
// Sentinels are compared with errors.Is and may be wrapped freely:
//
//	return fmt.Errorf("failed to place bid: %w", apperr.ErrInsufficientBudget)
package apperr

import (
	"errors"
	"fmt"
)

// Re-exported so callers only need this package for error handling.
var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
)

// Kind classifies an error by how the caller should react to it.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindContention
	KindResource
	KindPartialFailure
	KindFatal
	KindNotFound
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindContention:
		return "contention"
	case KindResource:
		return "resource"
	case KindPartialFailure:
		return "partial_failure"
	case KindFatal:
		return "fatal"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a kinded sentinel.
type Error struct {
	kind Kind
	msg  string
}

// New creates a kinded sentinel error.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Kind returns the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// Validation errors.
var (
	ErrInvalidConfig        = New(KindValidation, "invalid round config")
	ErrInvalidAmount        = New(KindValidation, "amount must be positive")
	ErrExtendTooShort       = New(KindValidation, "extension is shorter than the minimum")
	ErrBidBelowFloor        = New(KindValidation, "bid is below the tiebreaker floor")
	ErrNotAParticipant      = New(KindValidation, "team is not a tiebreaker participant")
	ErrAlreadySubmitted     = New(KindValidation, "tiebreaker bid already submitted")
	ErrTiebreakerIncomplete = New(KindValidation, "not every participant has submitted")
	ErrPlayerNotInRound     = New(KindValidation, "player is not eligible in this round")
	ErrWrongRoundKind       = New(KindValidation, "operation does not apply to this round kind")
	ErrInvalidResolveMode   = New(KindValidation, "invalid resolve mode")
)

// Contention errors.
var (
	ErrFinalizeInProgress = New(KindContention, "finalize already in progress")
	ErrStatusConflict     = New(KindContention, "round status changed concurrently")
	ErrTiebreakerResolved = New(KindContention, "tiebreaker is no longer pending")
)

// Resource errors.
var (
	ErrRoundNotActive        = New(KindResource, "round is not active")
	ErrRoundAlreadyFinalized = New(KindResource, "round already finalized")
	ErrInsufficientBudget    = New(KindResource, "insufficient budget")
	ErrInsufficientFunds     = New(KindResource, "insufficient funds")
	ErrBidLimitExceeded      = New(KindResource, "bid limit exceeded")
	ErrPlayerAlreadySold     = New(KindResource, "player already sold")
	ErrDuplicateClaim        = New(KindResource, "team already claimed this player")
)

// Partial failures.
var (
	ErrBudgetDebitFailed   = New(KindPartialFailure, "budget debit failed")
	ErrNoLiveBidsForPlayer = New(KindPartialFailure, "no live bids for player")
)

// Fatal errors.
var (
	ErrAlreadyAllocated = New(KindFatal, "player already allocated")
)

// Lookup errors.
var (
	ErrNotFound = New(KindNotFound, "not found")
)

// Wrapf annotates err with a formatted message, keeping it matchable with errors.Is.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// KindOf returns the kind of the first kinded error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindUnknown
}

// IsRetryable reports whether the same call may succeed later without the
// caller changing anything.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindContention, KindPartialFailure:
		return true
	default:
		return false
	}
}

// IsUserFacing reports whether the message is safe to show to a team or admin.
func IsUserFacing(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindResource, KindContention, KindNotFound:
		return true
	default:
		return false
	}
}
