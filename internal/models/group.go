package models

import (
	"time"

	"github.com/google/uuid"
)

// GroupStatus values.
const (
	GroupStatusPending   = "pending"
	GroupStatusActive    = "active"
	GroupStatusConfirmed = "confirmed"
	GroupStatusCancelled = "cancelled"
)

// MinGroupSize is the smallest allowed min_size.
const MinGroupSize = 2

// GroupBooking is a leader's reservation filled by members joining one by one.
// Every member occupies one seat of the event.
type GroupBooking struct {
	ID                  uuid.UUID     `json:"id"`
	EventID             uuid.UUID     `json:"event_id"`
	LeaderID            uuid.UUID     `json:"leader_id"`
	LeaderEmail         string        `json:"leader_email"`
	Name                string        `json:"group_name"`
	MinSize             int           `json:"min_size"`
	MaxSize             int           `json:"max_size"`
	CurrentSize         int           `json:"current_size"`
	Status              string        `json:"status"`
	PricePerPersonCents int64         `json:"price_per_person_cents"`
	TotalAmountCents    int64         `json:"total_amount_cents"`
	ConfirmedAt         *time.Time    `json:"confirmed_at,omitempty"`
	CancelledAt         *time.Time    `json:"cancelled_at,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
	Members             []GroupMember `json:"members,omitempty"`
}

// GroupMember is one seat inside a group booking.
type GroupMember struct {
	ID       uuid.UUID `json:"id"`
	GroupID  uuid.UUID `json:"group_id"`
	UserID   uuid.UUID `json:"user_id"`
	Name     string    `json:"name"`
	Email    string    `json:"email"`
	JoinedAt time.Time `json:"joined_at"`
}

// Validate enforces the size invariants. It is checked on every mutation.
func (g *GroupBooking) Validate() error {
	if g.MinSize < MinGroupSize {
		return Invalid("min_size must be at least %d", MinGroupSize)
	}
	if g.MaxSize < g.MinSize {
		return Invalid("max_size must be greater than or equal to min_size")
	}
	if g.CurrentSize < 0 || g.CurrentSize > g.MaxSize {
		return Invalid("current_size must be between 0 and max_size")
	}
	if g.PricePerPersonCents < 0 {
		return Invalid("price_per_person cannot be negative")
	}
	return nil
}

// IsOpen reports whether members may still join.
func (g *GroupBooking) IsOpen() bool {
	return g.Status == GroupStatusPending || g.Status == GroupStatusActive
}

// HoldsCapacity reports whether the group's members count against the event.
func (g *GroupBooking) HoldsCapacity() bool {
	return g.Status != GroupStatusCancelled
}

// StatusForSize returns the open status a group of size n should be in.
func (g *GroupBooking) StatusForSize(n int) string {
	if n >= g.MinSize {
		return GroupStatusActive
	}
	return GroupStatusPending
}

// Total is price_per_person * current_size.
func (g *GroupBooking) Total() int64 {
	return g.PricePerPersonCents * int64(g.CurrentSize)
}
