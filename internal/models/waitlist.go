package models

import (
	"time"

	"github.com/google/uuid"
)

// WaitlistEntry is one user queued for a seat. Promoted entries are kept for
// audit and no longer take part in position numbering.
type WaitlistEntry struct {
	ID         uuid.UUID    `json:"id"`
	EventID    uuid.UUID    `json:"event_id"`
	UserID     uuid.UUID    `json:"user_id"`
	Position   int          `json:"position"`
	Priority   int          `json:"priority"`
	IsPromoted bool         `json:"is_promoted"`
	Attendee   AttendeeInfo `json:"attendee"`
	JoinedAt   time.Time    `json:"joined_at"`
	PromotedAt *time.Time   `json:"promoted_at,omitempty"`
}

// RanksAhead reports whether e is served before o: higher priority first,
// then lower position.
func (e *WaitlistEntry) RanksAhead(o *WaitlistEntry) bool {
	if e.Priority != o.Priority {
		return e.Priority > o.Priority
	}
	return e.Position < o.Position
}

// WaitlistPosition is what a queued user sees about their place in line.
type WaitlistPosition struct {
	Position   int       `json:"position"`
	UsersAhead int       `json:"users_ahead"`
	JoinedAt   time.Time `json:"joined_at"`
}
