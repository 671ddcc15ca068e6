package models

import (
	"time"

	"github.com/google/uuid"
)

// MaxEventCapacity bounds max_capacity for a single event.
const MaxEventCapacity = 100_000

// CapacityRule is the per-event attendance policy.
type CapacityRule struct {
	EventID                   uuid.UUID `json:"event_id"`
	MaxCapacity               int       `json:"max_capacity"`
	WarningThreshold          int       `json:"warning_threshold"`
	AllowReservations         bool      `json:"allow_reservations"`
	ReservationTimeoutMinutes int       `json:"reservation_timeout_minutes"`
	CreatedAt                 time.Time `json:"created_at"`
	UpdatedAt                 time.Time `json:"updated_at"`
}

// Validate checks the rule bounds.
func (r *CapacityRule) Validate() error {
	if r.EventID == uuid.Nil {
		return Invalid("event id is required")
	}
	if r.MaxCapacity < 1 {
		return Invalid("max_capacity must be at least 1")
	}
	if r.MaxCapacity > MaxEventCapacity {
		return Invalid("max_capacity cannot exceed %d", MaxEventCapacity)
	}
	if r.WarningThreshold < 0 || r.WarningThreshold > 100 {
		return Invalid("warning_threshold must be between 0 and 100")
	}
	if r.ReservationTimeoutMinutes < 1 {
		return Invalid("reservation_timeout_minutes must be at least 1")
	}
	return nil
}

// ReservationTimeout is how long an unconfirmed hold may live.
func (r *CapacityRule) ReservationTimeout() time.Duration {
	return time.Duration(r.ReservationTimeoutMinutes) * time.Minute
}

// IsNearCapacity reports whether occupied has reached the warning threshold.
// A threshold of 0 disables the warning.
func (r *CapacityRule) IsNearCapacity(occupied int) bool {
	if r.WarningThreshold == 0 {
		return false
	}
	return occupied*100 >= r.MaxCapacity*r.WarningThreshold
}

// CapacityInfo is the read model returned by get_capacity_info.
// Stale is set when the live counter was unreachable and the value came from
// the durable ledger instead.
type CapacityInfo struct {
	EventID        uuid.UUID `json:"event_id"`
	ConfirmedCount int       `json:"confirmed_count"`
	Available      int       `json:"available"`
	MaxCapacity    int       `json:"max_capacity"`
	IsNearCapacity bool      `json:"is_near_capacity"`
	WaitlistSize   int       `json:"waitlist_size"`
	Stale          bool      `json:"stale,omitempty"`
}

// ReconcileResult describes one counter/ledger comparison.
type ReconcileResult struct {
	EventID  uuid.UUID `json:"event_id"`
	Counter  int       `json:"counter"`
	Durable  int       `json:"durable"`
	Holds    int       `json:"holds"`
	Drift    int       `json:"drift"`
	Applied  bool      `json:"applied"`
	Promoted int       `json:"promoted"`
}
