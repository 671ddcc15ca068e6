package waitlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/aura-webinar/capacity/internal/models"
	"github.com/aura-webinar/capacity/internal/notify"
	"github.com/aura-webinar/capacity/pkg/telemetry"
)

// Slots is the part of the capacity counter promotion needs.
type Slots interface {
	Current(ctx context.Context, eventID uuid.UUID) (int, error)
	Reserve(ctx context.Context, eventID uuid.UUID, maxCapacity int, holdID string, ttl time.Duration) (bool, error)
	ConfirmHold(ctx context.Context, eventID uuid.UUID, holdID string, maxCapacity int) (bool, error)
	ReleaseHold(ctx context.Context, eventID uuid.UUID, holdID string) error
}

// Confirmer turns a waitlist entry into a confirmed registration in one
// transaction. It returns ErrAlreadyPromoted if another caller got there
// first. RevertPromotion undoes ConfirmFromWaitlist in one transaction: the
// registration row is removed and the entry waits again at position, or at
// the tail if the list has shrunk below it.
type Confirmer interface {
	ConfirmFromWaitlist(ctx context.Context, entryID uuid.UUID) (*models.Registration, error)
	RevertPromotion(ctx context.Context, entryID uuid.UUID, position int) error
}

// Engine promotes waiting users into freed seats.
type Engine struct {
	store     Store
	rules     RuleSource
	slots     Slots
	confirmer Confirmer
	publisher notify.Publisher
	logger    *zap.Logger
}

// NewEngine creates a promotion engine.
func NewEngine(store Store, rules RuleSource, slots Slots, confirmer Confirmer, publisher notify.Publisher, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = notify.NopPublisher{}
	}
	return &Engine{store: store, rules: rules, slots: slots, confirmer: confirmer, publisher: publisher, logger: logger}
}

// Promote confirms up to availableSpots waiting entries in (priority desc,
// position asc) order. Each entry first claims a seat as a hold, so a
// concurrent register can never take the same seat; the hold is made
// permanent once the ledger write commits. Entries skipped because another
// promoter or a direct registration got there first do not use up a spot.
// It stops early when the event turns out to be full.
func (e *Engine) Promote(ctx context.Context, eventID uuid.UUID, availableSpots int) (promoted []models.WaitlistEntry, err error) {
	if availableSpots <= 0 {
		return nil, nil
	}
	ctx, span := telemetry.StartSpan(ctx, "waitlist.promote",
		attribute.String("event_id", eventID.String()),
		attribute.Int("available_spots", availableSpots),
	)
	defer func() {
		span.SetAttributes(attribute.Int("promoted", len(promoted)))
		telemetry.End(span, err)
	}()

	rule, err := e.rules.GetRule(ctx, eventID)
	if err != nil {
		return nil, err
	}

	skipped := make(map[uuid.UUID]bool)
	for len(promoted) < availableSpots {
		remaining := availableSpots - len(promoted)
		candidates, err := e.store.ListWaiting(ctx, eventID, remaining+len(skipped))
		if err != nil {
			return promoted, err
		}
		fresh := candidates[:0]
		for _, entry := range candidates {
			if !skipped[entry.ID] {
				fresh = append(fresh, entry)
			}
		}
		if len(fresh) == 0 {
			return promoted, nil
		}
		if len(fresh) > remaining {
			fresh = fresh[:remaining]
		}

		for _, entry := range fresh {
			outcome, err := e.promoteOne(ctx, rule, entry)
			switch {
			case err != nil:
				return promoted, err
			case outcome == promoteFull:
				e.logger.Debug("event full, promotion stopped", zap.String("event_id", eventID.String()))
				return promoted, nil
			case outcome == promoteSkipped:
				skipped[entry.ID] = true
				continue
			}
			now := time.Now()
			entry.IsPromoted = true
			entry.PromotedAt = &now
			promoted = append(promoted, entry)
		}
	}
	return promoted, nil
}

type promoteOutcome int

const (
	promoteDone promoteOutcome = iota
	promoteSkipped
	promoteFull
)

func (e *Engine) promoteOne(ctx context.Context, rule *models.CapacityRule, entry models.WaitlistEntry) (promoteOutcome, error) {
	eventID := rule.EventID
	holdID := "promote:" + entry.ID.String() + ":" + uuid.NewString()
	ok, err := e.slots.Reserve(ctx, eventID, rule.MaxCapacity, holdID, rule.ReservationTimeout())
	if err != nil {
		return promoteFull, err
	}
	if !ok {
		return promoteFull, nil
	}

	reg, err := e.confirmer.ConfirmFromWaitlist(ctx, entry.ID)
	if err != nil {
		e.releaseHold(ctx, eventID, holdID)
		switch {
		case errors.Is(err, models.ErrAlreadyPromoted), models.IsNotFound(err):
			return promoteSkipped, nil
		case errors.Is(err, models.ErrDuplicateRegistration):
			// registered directly while waiting; the entry is stale
			if _, lerr := e.store.LeaveWaitlist(ctx, eventID, entry.UserID); lerr != nil && !models.IsNotFound(lerr) {
				e.logger.Warn("drop stale waitlist entry failed", zap.String("entry_id", entry.ID.String()), zap.Error(lerr))
			}
			return promoteSkipped, nil
		default:
			return promoteFull, fmt.Errorf("confirm waitlist entry %s: %w", entry.ID, err)
		}
	}

	held, err := e.slots.ConfirmHold(ctx, eventID, holdID, rule.MaxCapacity)
	if err != nil || !held {
		// the registration has no seat behind it: put the entry back
		e.releaseHold(ctx, eventID, holdID)
		if rerr := e.confirmer.RevertPromotion(ctx, entry.ID, entry.Position); rerr != nil {
			e.logger.Error("revert promotion failed, counter left to reconciler",
				zap.String("event_id", eventID.String()),
				zap.String("entry_id", entry.ID.String()),
				zap.Error(rerr),
			)
			if err == nil {
				err = rerr
			}
		}
		if err != nil {
			return promoteFull, fmt.Errorf("confirm promotion hold %s: %w", entry.ID, err)
		}
		return promoteFull, nil
	}

	e.logger.Info("waitlist entry promoted",
		zap.String("event_id", eventID.String()),
		zap.String("user_id", entry.UserID.String()),
		zap.String("registration_id", reg.ID.String()),
		zap.Int("priority", entry.Priority),
	)
	notify.Emit(ctx, e.publisher, e.logger, eventID, notify.WaitlistPromoted, reg)
	return promoteDone, nil
}

// PromoteAvailable fills every currently free seat from the waitlist.
// Running it when nothing is free is a no-op.
func (e *Engine) PromoteAvailable(ctx context.Context, eventID uuid.UUID) ([]models.WaitlistEntry, error) {
	rule, err := e.rules.GetRule(ctx, eventID)
	if err != nil {
		return nil, err
	}
	current, err := e.slots.Current(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return e.Promote(ctx, eventID, rule.MaxCapacity-current)
}

func (e *Engine) releaseHold(ctx context.Context, eventID uuid.UUID, holdID string) {
	if err := e.slots.ReleaseHold(ctx, eventID, holdID); err != nil {
		e.logger.Warn("release promotion hold failed, sweeper will reclaim it",
			zap.String("event_id", eventID.String()),
			zap.String("hold_id", holdID),
			zap.Error(err),
		)
	}
}
