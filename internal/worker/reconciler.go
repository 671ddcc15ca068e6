package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/aura-webinar/capacity/internal/capacity"
	"github.com/aura-webinar/capacity/internal/models"
	"github.com/aura-webinar/capacity/internal/waitlist"
	"github.com/aura-webinar/capacity/pkg/telemetry"
)

// CounterState is the part of the counter reconciliation reads and repairs.
type CounterState interface {
	Snapshot(ctx context.Context, eventID uuid.UUID) (capacity.Snapshot, error)
	CompareAndSet(ctx context.Context, eventID uuid.UUID, version int64, durable int) (bool, int, error)
}

// Ledger reports durable occupancy and the events to walk.
type Ledger interface {
	Durable(ctx context.Context, eventID uuid.UUID) (int, error)
	Rules(ctx context.Context) ([]models.CapacityRule, error)
}

// Reconciler compares the live counter with the ledger and repairs drift.
//
// Protocol per event: snapshot the counter version, read durable occupancy,
// wait settle, read it again. If the two ledger reads differ a write is in
// flight and the event is skipped this round. Otherwise the counter is set
// to durable + live holds, but only if its version is unchanged since the
// snapshot.
type Reconciler struct {
	counter  CounterState
	ledger   Ledger
	promoter waitlist.Promoter
	interval time.Duration
	settle   time.Duration
	logger   *zap.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(counter CounterState, ledger Ledger, promoter waitlist.Promoter, interval, settle time.Duration, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{counter: counter, ledger: ledger, promoter: promoter, interval: interval, settle: settle, logger: logger}
}

// ReconcileEvent runs the protocol for one event, then promotes into any
// seats the repair freed.
func (r *Reconciler) ReconcileEvent(ctx context.Context, eventID uuid.UUID) (res *models.ReconcileResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "capacity.reconcile", attribute.String("event_id", eventID.String()))
	defer func() { telemetry.End(span, err) }()

	snap, err := r.counter.Snapshot(ctx, eventID)
	if err != nil {
		return nil, err
	}
	before, err := r.ledger.Durable(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if r.settle > 0 {
		sleep(ctx, r.settle)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	durable, err := r.ledger.Durable(ctx, eventID)
	if err != nil {
		return nil, err
	}

	res = &models.ReconcileResult{
		EventID: eventID,
		Counter: snap.Count,
		Durable: durable,
		Holds:   snap.Holds,
		Drift:   snap.Count - (durable + snap.Holds),
	}
	if before != durable {
		r.logger.Debug("ledger moving, reconcile skipped", zap.String("event_id", eventID.String()))
		return res, nil
	}
	if res.Drift != 0 {
		applied, value, err := r.counter.CompareAndSet(ctx, eventID, snap.Version, durable)
		if err != nil {
			return nil, err
		}
		res.Applied = applied
		if applied {
			r.logger.Warn("capacity counter drift corrected",
				zap.String("event_id", eventID.String()),
				zap.Int("counter", snap.Count),
				zap.Int("corrected", value),
				zap.Int("drift", res.Drift),
			)
		}
	}
	span.SetAttributes(attribute.Int("drift", res.Drift), attribute.Bool("applied", res.Applied))

	if r.promoter != nil {
		promoted, err := r.promoter.PromoteAvailable(ctx, eventID)
		if err != nil {
			r.logger.Warn("promotion after reconcile failed", zap.String("event_id", eventID.String()), zap.Error(err))
		}
		res.Promoted = len(promoted)
	}
	return res, nil
}

// ReconcileAll walks every event with a rule.
func (r *Reconciler) ReconcileAll(ctx context.Context) (int, error) {
	rules, err := r.ledger.Rules(ctx)
	if err != nil {
		return 0, err
	}
	corrected := 0
	for _, rule := range rules {
		if ctx.Err() != nil {
			return corrected, ctx.Err()
		}
		res, err := r.ReconcileEvent(ctx, rule.EventID)
		if err != nil {
			r.logger.Warn("reconcile event failed", zap.String("event_id", rule.EventID.String()), zap.Error(err))
			continue
		}
		if res.Applied {
			corrected++
		}
	}
	return corrected, nil
}

// Run reconciles all events on every tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopping")
			return
		case <-ticker.C:
			n, err := r.ReconcileAll(ctx)
			if err != nil {
				r.logger.Warn("reconcile pass failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.logger.Info("reconcile pass corrected events", zap.Int("events", n))
			}
		}
	}
}
