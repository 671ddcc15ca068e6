package registrations

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/capacity/internal/models"
	"github.com/aura-webinar/capacity/internal/notify"
	"github.com/aura-webinar/capacity/internal/waitlist"
)

// Store is the registration ledger contract.
type Store interface {
	CreateRegistration(ctx context.Context, reg *models.Registration) error
	CancelRegistration(ctx context.Context, eventID, userID uuid.UUID) (*models.Registration, error)
	DeleteRegistration(ctx context.Context, eventID, userID uuid.UUID) error
	GetRegistration(ctx context.Context, eventID, userID uuid.UUID) (*models.Registration, error)
	ListRegistrations(ctx context.Context, eventID uuid.UUID, status string) ([]models.Registration, error)
	CountConfirmed(ctx context.Context, eventID uuid.UUID) (int, error)
}

// RuleSource looks up an event's capacity rule.
type RuleSource interface {
	GetRule(ctx context.Context, eventID uuid.UUID) (*models.CapacityRule, error)
}

// Slots is the part of the capacity counter registration needs.
type Slots interface {
	Current(ctx context.Context, eventID uuid.UUID) (int, error)
	Reserve(ctx context.Context, eventID uuid.UUID, maxCapacity int, holdID string, ttl time.Duration) (bool, error)
	ConfirmHold(ctx context.Context, eventID uuid.UUID, holdID string, maxCapacity int) (bool, error)
	ReleaseHold(ctx context.Context, eventID uuid.UUID, holdID string) error
	Decrement(ctx context.Context, eventID uuid.UUID) (int, error)
}

// Waitlist is where full-event registrations land.
type Waitlist interface {
	Join(ctx context.Context, eventID, userID uuid.UUID, priority int, attendee models.AttendeeInfo) (*models.WaitlistEntry, error)
	Position(ctx context.Context, eventID, userID uuid.UUID) (*models.WaitlistPosition, error)
}

// Service runs the register and cancel flows.
type Service struct {
	store     Store
	rules     RuleSource
	slots     Slots
	waitlist  Waitlist
	promoter  waitlist.Promoter
	jobs      waitlist.JobQueue
	publisher notify.Publisher
	logger    *zap.Logger
}

// Deps bundles the collaborators of Service.
type Deps struct {
	Store     Store
	Rules     RuleSource
	Slots     Slots
	Waitlist  Waitlist
	Promoter  waitlist.Promoter
	Jobs      waitlist.JobQueue
	Publisher notify.Publisher
	Logger    *zap.Logger
}

// NewService creates a registration service. Jobs and Publisher are optional.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Publisher == nil {
		d.Publisher = notify.NopPublisher{}
	}
	return &Service{
		store:     d.Store,
		rules:     d.Rules,
		slots:     d.Slots,
		waitlist:  d.Waitlist,
		promoter:  d.Promoter,
		jobs:      d.Jobs,
		publisher: d.Publisher,
		logger:    d.Logger,
	}
}

// ValidateAttendee checks contact info shape. Empty fields are allowed.
func ValidateAttendee(a *models.AttendeeInfo) error {
	a.FullName = strings.TrimSpace(a.FullName)
	a.Email = strings.TrimSpace(a.Email)
	if a.Email != "" {
		if _, err := mail.ParseAddress(a.Email); err != nil {
			return models.Invalid("invalid email %q", a.Email)
		}
	}
	return nil
}

// Register gives the user a seat if one is free, otherwise puts them on the
// waitlist. A user who is already waiting gets their current position back.
func (s *Service) Register(ctx context.Context, eventID, userID uuid.UUID, attendee models.AttendeeInfo) (*models.RegisterResult, error) {
	if err := ValidateAttendee(&attendee); err != nil {
		return nil, err
	}
	rule, err := s.rules.GetRule(ctx, eventID)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.GetRegistration(ctx, eventID, userID)
	switch {
	case err == nil && existing.IsLive():
		return nil, models.ErrDuplicateRegistration
	case err != nil && !models.IsNotFound(err):
		return nil, err
	}
	if pos, err := s.waitlist.Position(ctx, eventID, userID); err == nil {
		return &models.RegisterResult{Status: models.OutcomeWaitlisted, Waitlist: pos}, nil
	} else if !models.IsNotFound(err) {
		return nil, err
	}

	holdID := "register:" + uuid.NewString()
	ok, err := s.slots.Reserve(ctx, eventID, rule.MaxCapacity, holdID, rule.ReservationTimeout())
	if err != nil {
		s.logger.Error("capacity reserve failed, rejecting", zap.String("event_id", eventID.String()), zap.Error(err))
		return nil, err
	}
	if !ok {
		return s.toWaitlist(ctx, eventID, userID, attendee)
	}

	reg := &models.Registration{
		EventID:  eventID,
		UserID:   userID,
		Source:   models.RegistrationSourceDirect,
		Attendee: attendee,
	}
	if err := s.store.CreateRegistration(ctx, reg); err != nil {
		s.releaseHold(ctx, eventID, holdID)
		return nil, err
	}

	held, err := s.slots.ConfirmHold(ctx, eventID, holdID, rule.MaxCapacity)
	if err != nil || !held {
		// no seat behind the row: drop it rather than oversell
		s.releaseHold(ctx, eventID, holdID)
		if derr := s.store.DeleteRegistration(ctx, eventID, userID); derr != nil {
			s.logger.Error("compensating delete failed", zap.String("registration_id", reg.ID.String()), zap.Error(derr))
		}
		if err != nil {
			return nil, err
		}
		return s.toWaitlist(ctx, eventID, userID, attendee)
	}

	s.logger.Info("registration confirmed",
		zap.String("event_id", eventID.String()),
		zap.String("user_id", userID.String()),
		zap.String("registration_id", reg.ID.String()),
	)
	notify.Emit(ctx, s.publisher, s.logger, eventID, notify.RegistrationConfirmed, reg)
	s.warnIfNearCapacity(ctx, rule)
	return &models.RegisterResult{Status: models.OutcomeConfirmed, Registration: reg}, nil
}

func (s *Service) toWaitlist(ctx context.Context, eventID, userID uuid.UUID, attendee models.AttendeeInfo) (*models.RegisterResult, error) {
	if _, err := s.waitlist.Join(ctx, eventID, userID, 0, attendee); err != nil && !errors.Is(err, models.ErrAlreadyOnWaitlist) {
		return nil, err
	}
	pos, err := s.waitlist.Position(ctx, eventID, userID)
	if err != nil {
		return nil, err
	}
	return &models.RegisterResult{Status: models.OutcomeWaitlisted, Waitlist: pos}, nil
}

// Cancel cancels a confirmed registration, frees its seat and promotes from
// the waitlist.
func (s *Service) Cancel(ctx context.Context, eventID, userID uuid.UUID) (*models.Registration, error) {
	reg, err := s.store.CancelRegistration(ctx, eventID, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.slots.Decrement(ctx, eventID); err != nil {
		s.logger.Error("capacity release failed, counter left to reconciler",
			zap.String("event_id", eventID.String()),
			zap.Error(err),
		)
	}
	s.logger.Info("registration cancelled",
		zap.String("event_id", eventID.String()),
		zap.String("user_id", userID.String()),
	)
	notify.Emit(ctx, s.publisher, s.logger, eventID, notify.RegistrationCancelled, reg)
	waitlist.TriggerPromotion(ctx, s.promoter, s.jobs, s.logger, eventID, "registration_cancelled")
	return reg, nil
}

func (s *Service) releaseHold(ctx context.Context, eventID uuid.UUID, holdID string) {
	if err := s.slots.ReleaseHold(ctx, eventID, holdID); err != nil {
		s.logger.Warn("release registration hold failed, sweeper will reclaim it",
			zap.String("event_id", eventID.String()),
			zap.String("hold_id", holdID),
			zap.Error(err),
		)
	}
}

// Get returns a user's registration for an event.
func (s *Service) Get(ctx context.Context, eventID, userID uuid.UUID) (*models.Registration, error) {
	return s.store.GetRegistration(ctx, eventID, userID)
}

// List returns an event's registrations.
func (s *Service) List(ctx context.Context, eventID uuid.UUID, status string) ([]models.Registration, error) {
	switch status {
	case "", models.RegistrationStatusConfirmed, models.RegistrationStatusCancelled:
	default:
		return nil, models.Invalid("unknown status %q", status)
	}
	return s.store.ListRegistrations(ctx, eventID, status)
}

func (s *Service) warnIfNearCapacity(ctx context.Context, rule *models.CapacityRule) {
	current, err := s.slots.Current(ctx, rule.EventID)
	if err != nil || !rule.IsNearCapacity(current) {
		return
	}
	notify.Emit(ctx, s.publisher, s.logger, rule.EventID, notify.CapacityNearFull, map[string]int{
		"occupied":     current,
		"max_capacity": rule.MaxCapacity,
	})
}
