package capacity

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/capacity/internal/models"
)

// RuleStore reads and writes capacity rules.
type RuleStore interface {
	GetRule(ctx context.Context, eventID uuid.UUID) (*models.CapacityRule, error)
	UpsertRule(ctx context.Context, rule *models.CapacityRule) error
	ListRules(ctx context.Context) ([]models.CapacityRule, error)
}

// ConfirmedCounter counts confirmed registrations in the ledger.
type ConfirmedCounter interface {
	CountConfirmed(ctx context.Context, eventID uuid.UUID) (int, error)
}

// MemberCounter counts members of groups that still hold capacity.
type MemberCounter interface {
	CountActiveMembers(ctx context.Context, eventID uuid.UUID) (int, error)
}

// WaitingCounter counts non-promoted waitlist entries.
type WaitingCounter interface {
	CountWaiting(ctx context.Context, eventID uuid.UUID) (int, error)
}

// Service answers capacity questions and manages rules.
type Service struct {
	rules         RuleStore
	counter       *Counter
	registrations ConfirmedCounter
	groups        MemberCounter
	waitlist      WaitingCounter
	logger        *zap.Logger
}

// NewService creates a capacity service.
func NewService(rules RuleStore, counter *Counter, registrations ConfirmedCounter, groups MemberCounter, waitlist WaitingCounter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		rules:         rules,
		counter:       counter,
		registrations: registrations,
		groups:        groups,
		waitlist:      waitlist,
		logger:        logger,
	}
}

// Rule returns the rule for an event.
func (s *Service) Rule(ctx context.Context, eventID uuid.UUID) (*models.CapacityRule, error) {
	return s.rules.GetRule(ctx, eventID)
}

// Rules returns every configured rule.
func (s *Service) Rules(ctx context.Context) ([]models.CapacityRule, error) {
	return s.rules.ListRules(ctx)
}

// PutRule validates and stores a rule. Lowering max_capacity below current
// occupancy is allowed; nobody is evicted, new joins are simply refused.
func (s *Service) PutRule(ctx context.Context, rule *models.CapacityRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if err := s.rules.UpsertRule(ctx, rule); err != nil {
		return err
	}
	s.logger.Info("capacity rule updated",
		zap.String("event_id", rule.EventID.String()),
		zap.Int("max_capacity", rule.MaxCapacity),
	)
	return nil
}

// Durable returns occupancy according to the ledger: confirmed
// registrations plus members of groups that hold capacity.
func (s *Service) Durable(ctx context.Context, eventID uuid.UUID) (int, error) {
	confirmed, err := s.registrations.CountConfirmed(ctx, eventID)
	if err != nil {
		return 0, err
	}
	members, err := s.groups.CountActiveMembers(ctx, eventID)
	if err != nil {
		return 0, err
	}
	return confirmed + members, nil
}

// Info returns the capacity read model. If the live counter is unreachable
// the answer falls back to the ledger and is flagged stale.
func (s *Service) Info(ctx context.Context, eventID uuid.UUID) (*models.CapacityInfo, error) {
	rule, err := s.rules.GetRule(ctx, eventID)
	if err != nil {
		return nil, err
	}
	info := &models.CapacityInfo{EventID: eventID, MaxCapacity: rule.MaxCapacity}

	occupied, err := s.counter.Current(ctx, eventID)
	if err != nil {
		s.logger.Warn("capacity counter unavailable, using ledger", zap.String("event_id", eventID.String()), zap.Error(err))
		occupied, err = s.Durable(ctx, eventID)
		if err != nil {
			return nil, err
		}
		info.Stale = true
	}
	info.ConfirmedCount = occupied
	info.Available = rule.MaxCapacity - occupied
	if info.Available < 0 {
		info.Available = 0
	}
	info.IsNearCapacity = rule.IsNearCapacity(occupied)

	waiting, err := s.waitlist.CountWaiting(ctx, eventID)
	if err != nil {
		s.logger.Warn("waitlist count failed", zap.String("event_id", eventID.String()), zap.Error(err))
		info.Stale = true
	} else {
		info.WaitlistSize = waiting
	}
	return info, nil
}
