package models

import (
	"errors"
	"fmt"
)

// Kind classifies domain errors so transports can map them to status codes.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindCapacityExceeded
	KindNotFound
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindCapacityExceeded:
		return "capacity_exceeded"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "store_unavailable"
	default:
		return "internal"
	}
}

// Error is a typed domain error.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Domain errors
var (
	// Conflict errors
	ErrDuplicateRegistration = &Error{Kind: KindConflict, Msg: "user already has a confirmed registration for this event"}
	ErrAlreadyOnWaitlist     = &Error{Kind: KindConflict, Msg: "user is already on the waitlist for this event"}
	ErrDuplicateMember       = &Error{Kind: KindConflict, Msg: "user already joined this group"}
	ErrAlreadyCancelled      = &Error{Kind: KindConflict, Msg: "already cancelled"}
	ErrAlreadyPromoted       = &Error{Kind: KindConflict, Msg: "waitlist entry already promoted"}
	ErrGroupClosed           = &Error{Kind: KindConflict, Msg: "group is no longer accepting changes"}

	// Capacity errors
	ErrEventFull = &Error{Kind: KindCapacityExceeded, Msg: "event is at capacity"}
	ErrGroupFull = &Error{Kind: KindCapacityExceeded, Msg: "group is full"}

	// Not found errors
	ErrRuleNotFound          = &Error{Kind: KindNotFound, Msg: "event capacity rule not found"}
	ErrRegistrationNotFound  = &Error{Kind: KindNotFound, Msg: "registration not found"}
	ErrWaitlistEntryNotFound = &Error{Kind: KindNotFound, Msg: "waitlist entry not found"}
	ErrGroupNotFound         = &Error{Kind: KindNotFound, Msg: "group not found"}
	ErrMemberNotFound        = &Error{Kind: KindNotFound, Msg: "group member not found"}

	ErrStoreUnavailable = &Error{Kind: KindUnavailable, Msg: "store unavailable"}
)

// Invalid returns a validation error with a formatted message.
func Invalid(format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Unavailable marks err as a store outage for op.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// KindOf returns the kind of the first *Error in err's chain. Storage
// outages from other packages are KindUnavailable.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if IsUnavailable(err) {
		return KindUnavailable
	}
	return KindInternal
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsCapacityExceeded checks if the error is an event or group full error
func IsCapacityExceeded(err error) bool { return KindOf(err) == KindCapacityExceeded }

// IsUnavailable checks if a backing store could not be reached. Storage
// packages outside models mark their outages with an Unavailable() method.
func IsUnavailable(err error) bool {
	if errors.Is(err, ErrStoreUnavailable) {
		return true
	}
	var u interface{ Unavailable() bool }
	return errors.As(err, &u) && u.Unavailable()
}
