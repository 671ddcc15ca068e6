package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/capacity/internal/waitlist"
	"github.com/aura-webinar/capacity/pkg/queue"
)

// dequeueWait bounds each blocking pop so shutdown is noticed promptly.
const dequeueWait = 5 * time.Second

// JobSource is the queue the promotion processor consumes.
type JobSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// PromotionProcessor processes deferred promotion jobs: fill every free seat
// of the job's event from its waitlist.
type PromotionProcessor struct {
	promoter waitlist.Promoter
	queue    JobSource
	backoff  time.Duration
	logger   *zap.Logger
}

// NewPromotionProcessor creates a promotion job processor.
func NewPromotionProcessor(promoter waitlist.Promoter, q JobSource, logger *zap.Logger) *PromotionProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PromotionProcessor{promoter: promoter, queue: q, backoff: queue.RetryBackoff, logger: logger}
}

// Process executes one promotion job. Promotion with no free seats is a
// no-op, so duplicate jobs are harmless.
func (p *PromotionProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypePromote {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.PromotePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	promoted, err := p.promoter.PromoteAvailable(ctx, payload.EventID)
	if err != nil {
		return fmt.Errorf("promote %s: %w", payload.EventID, err)
	}
	p.logger.Info("promotion job completed",
		zap.String("job_id", job.ID),
		zap.String("event_id", payload.EventID.String()),
		zap.String("reason", payload.Reason),
		zap.Int("promoted", len(promoted)),
	)
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *PromotionProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("promotion worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			sleep(ctx, p.backoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			sleep(ctx, p.backoff)
		}
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
