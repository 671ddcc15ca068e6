package waitlist

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/capacity/internal/models"
	"github.com/aura-webinar/capacity/pkg/queue"
)

// Promoter fills freed seats from the waitlist.
type Promoter interface {
	PromoteAvailable(ctx context.Context, eventID uuid.UUID) ([]models.WaitlistEntry, error)
}

// JobQueue defers promotion when it cannot run inline.
type JobQueue interface {
	EnqueuePromote(ctx context.Context, payload queue.PromotePayload) error
}

// TriggerPromotion runs promotion inline and falls back to a queued job if
// that fails, so a freed seat is offered at least once.
func TriggerPromotion(ctx context.Context, promoter Promoter, jobs JobQueue, logger *zap.Logger, eventID uuid.UUID, reason string) {
	if promoter == nil {
		return
	}
	_, err := promoter.PromoteAvailable(ctx, eventID)
	if err == nil {
		return
	}
	logger.Warn("inline promotion failed",
		zap.String("event_id", eventID.String()),
		zap.String("reason", reason),
		zap.Error(err),
	)
	if jobs == nil {
		return
	}
	if qerr := jobs.EnqueuePromote(ctx, queue.PromotePayload{EventID: eventID, Reason: reason}); qerr != nil {
		logger.Error("enqueue promotion failed", zap.String("event_id", eventID.String()), zap.Error(qerr))
	}
}
