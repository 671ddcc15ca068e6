package waitlist

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/capacity/internal/models"
	"github.com/aura-webinar/capacity/internal/notify"
)

// Store is the waitlist persistence contract.
type Store interface {
	JoinWaitlist(ctx context.Context, entry *models.WaitlistEntry) error
	LeaveWaitlist(ctx context.Context, eventID, userID uuid.UUID) (*models.WaitlistEntry, error)
	GetWaitlistEntry(ctx context.Context, eventID, userID uuid.UUID) (*models.WaitlistEntry, error)
	WaitlistPosition(ctx context.Context, eventID, userID uuid.UUID) (*models.WaitlistPosition, error)
	ListWaiting(ctx context.Context, eventID uuid.UUID, limit int) ([]models.WaitlistEntry, error)
	CountWaiting(ctx context.Context, eventID uuid.UUID) (int, error)
}

// RuleSource looks up an event's capacity rule.
type RuleSource interface {
	GetRule(ctx context.Context, eventID uuid.UUID) (*models.CapacityRule, error)
}

// RegistrationLookup finds a user's ledger row for an event.
type RegistrationLookup interface {
	GetRegistration(ctx context.Context, eventID, userID uuid.UUID) (*models.Registration, error)
}

// Service manages per-event waitlists.
type Service struct {
	store         Store
	rules         RuleSource
	registrations RegistrationLookup
	publisher     notify.Publisher
	logger        *zap.Logger
}

// NewService creates a waitlist service.
func NewService(store Store, rules RuleSource, registrations RegistrationLookup, publisher notify.Publisher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = notify.NopPublisher{}
	}
	return &Service{store: store, rules: rules, registrations: registrations, publisher: publisher, logger: logger}
}

// Join appends a user to the event's waitlist. Users already holding a
// confirmed seat are rejected.
func (s *Service) Join(ctx context.Context, eventID, userID uuid.UUID, priority int, attendee models.AttendeeInfo) (*models.WaitlistEntry, error) {
	if _, err := s.rules.GetRule(ctx, eventID); err != nil {
		return nil, err
	}
	reg, err := s.registrations.GetRegistration(ctx, eventID, userID)
	switch {
	case err == nil && reg.IsLive():
		return nil, models.ErrDuplicateRegistration
	case err != nil && !models.IsNotFound(err):
		return nil, err
	}

	entry := &models.WaitlistEntry{
		EventID:  eventID,
		UserID:   userID,
		Priority: priority,
		Attendee: attendee,
	}
	if err := s.store.JoinWaitlist(ctx, entry); err != nil {
		return nil, err
	}
	s.logger.Info("waitlist joined",
		zap.String("event_id", eventID.String()),
		zap.String("user_id", userID.String()),
		zap.Int("position", entry.Position),
		zap.Int("priority", priority),
	)
	notify.Emit(ctx, s.publisher, s.logger, eventID, notify.WaitlistJoined, entry)
	return entry, nil
}

// Leave removes a waiting user; trailing positions shift up by one.
func (s *Service) Leave(ctx context.Context, eventID, userID uuid.UUID) (*models.WaitlistEntry, error) {
	entry, err := s.store.LeaveWaitlist(ctx, eventID, userID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("waitlist left",
		zap.String("event_id", eventID.String()),
		zap.String("user_id", userID.String()),
		zap.Int("position", entry.Position),
	)
	notify.Emit(ctx, s.publisher, s.logger, eventID, notify.WaitlistLeft, entry)
	return entry, nil
}

// Position returns where a waiting user stands.
func (s *Service) Position(ctx context.Context, eventID, userID uuid.UUID) (*models.WaitlistPosition, error) {
	return s.store.WaitlistPosition(ctx, eventID, userID)
}

// List returns waiting entries in promotion order.
func (s *Service) List(ctx context.Context, eventID uuid.UUID, limit int) ([]models.WaitlistEntry, error) {
	return s.store.ListWaiting(ctx, eventID, limit)
}
