package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/capacity/internal/waitlist"
)

// HoldReleaser releases holds whose reservation timeout has passed.
type HoldReleaser interface {
	SweepExpired(ctx context.Context, now time.Time) (map[uuid.UUID]int, error)
}

// HoldSweeper periodically returns expired, unconfirmed holds to the counter
// and offers the freed seats to the waitlist.
type HoldSweeper struct {
	holds    HoldReleaser
	promoter waitlist.Promoter
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewHoldSweeper creates a hold sweeper.
func NewHoldSweeper(holds HoldReleaser, promoter waitlist.Promoter, interval time.Duration, logger *zap.Logger) *HoldSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HoldSweeper{holds: holds, promoter: promoter, interval: interval, now: time.Now, logger: logger}
}

// SweepOnce releases every expired hold and returns how many were released.
func (s *HoldSweeper) SweepOnce(ctx context.Context) (int, error) {
	released, err := s.holds.SweepExpired(ctx, s.now())
	total := 0
	for eventID, n := range released {
		total += n
		s.logger.Info("expired holds released", zap.String("event_id", eventID.String()), zap.Int("count", n))
		if s.promoter == nil {
			continue
		}
		if _, perr := s.promoter.PromoteAvailable(ctx, eventID); perr != nil {
			s.logger.Warn("promotion after sweep failed", zap.String("event_id", eventID.String()), zap.Error(perr))
		}
	}
	return total, err
}

// Run sweeps on every tick until ctx is done.
func (s *HoldSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("hold sweeper stopping")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Warn("hold sweep failed", zap.Error(err))
			}
		}
	}
}
