package models

import (
	"time"

	"github.com/google/uuid"
)

// RegistrationStatus values.
const (
	RegistrationStatusConfirmed = "confirmed"
	RegistrationStatusCancelled = "cancelled"
)

// RegistrationSource records how a confirmed seat was obtained.
const (
	RegistrationSourceDirect   = "direct"
	RegistrationSourceWaitlist = "waitlist"
)

// AttendeeInfo is the contact info captured at registration or waitlist join.
type AttendeeInfo struct {
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Phone    string `json:"phone,omitempty"`
}

// Registration is a seat in the ledger for one (event, user) pair.
// A cancelled row is reused when the same user registers again.
type Registration struct {
	ID           uuid.UUID    `json:"id"`
	EventID      uuid.UUID    `json:"event_id"`
	UserID       uuid.UUID    `json:"user_id"`
	Status       string       `json:"status"`
	Source       string       `json:"source"`
	Attendee     AttendeeInfo `json:"attendee"`
	RegisteredAt time.Time    `json:"registered_at"`
	CancelledAt  *time.Time   `json:"cancelled_at,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// IsLive reports whether the registration currently holds a seat.
func (r *Registration) IsLive() bool {
	return r.Status == RegistrationStatusConfirmed
}

// Outcome values for RegisterResult.Status.
const (
	OutcomeConfirmed  = "confirmed"
	OutcomeWaitlisted = "waitlisted"
)

// RegisterResult is returned by a join request. When the event is full the
// caller is placed on the waitlist and Position is set instead of Registration.
type RegisterResult struct {
	Status       string            `json:"status"`
	Registration *Registration     `json:"registration,omitempty"`
	Waitlist     *WaitlistPosition `json:"waitlist,omitempty"`
}
