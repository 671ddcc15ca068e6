package groups

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/capacity/internal/models"
	"github.com/aura-webinar/capacity/internal/notify"
	"github.com/aura-webinar/capacity/internal/waitlist"
)

// Store is the group booking persistence contract.
type Store interface {
	CreateGroup(ctx context.Context, g *models.GroupBooking) error
	GetGroup(ctx context.Context, id uuid.UUID) (*models.GroupBooking, error)
	AddMember(ctx context.Context, m *models.GroupMember) (*models.GroupBooking, error)
	RemoveMember(ctx context.Context, groupID, userID uuid.UUID) (*models.GroupBooking, error)
	ConfirmGroup(ctx context.Context, groupID uuid.UUID) (*models.GroupBooking, error)
	CancelGroup(ctx context.Context, groupID uuid.UUID) (*models.GroupBooking, error)
	CountActiveMembers(ctx context.Context, eventID uuid.UUID) (int, error)
}

// RuleSource looks up an event's capacity rule.
type RuleSource interface {
	GetRule(ctx context.Context, eventID uuid.UUID) (*models.CapacityRule, error)
}

// Slots is the part of the capacity counter group bookings need.
type Slots interface {
	Reserve(ctx context.Context, eventID uuid.UUID, maxCapacity int, holdID string, ttl time.Duration) (bool, error)
	ConfirmHold(ctx context.Context, eventID uuid.UUID, holdID string, maxCapacity int) (bool, error)
	ReleaseHold(ctx context.Context, eventID uuid.UUID, holdID string) error
	Release(ctx context.Context, eventID uuid.UUID, units int) (int, error)
}

// CreateInput describes a new group booking.
type CreateInput struct {
	EventID             uuid.UUID
	LeaderID            uuid.UUID
	LeaderEmail         string
	Name                string
	MinSize             int
	MaxSize             int
	PricePerPersonCents int64
}

// Service coordinates group bookings. Every member takes one event seat.
type Service struct {
	store     Store
	rules     RuleSource
	slots     Slots
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
	Promoter  waitlist.Promoter
	Jobs      waitlist.JobQueue
	Publisher notify.Publisher
	Logger    *zap.Logger
}

// NewService creates a group booking service.
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
		promoter:  d.Promoter,
		jobs:      d.Jobs,
		publisher: d.Publisher,
		logger:    d.Logger,
	}
}

// Create opens a pending group for an event that accepts reservations.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.GroupBooking, error) {
	g := &models.GroupBooking{
		EventID:             in.EventID,
		LeaderID:            in.LeaderID,
		LeaderEmail:         strings.TrimSpace(in.LeaderEmail),
		Name:                strings.TrimSpace(in.Name),
		MinSize:             in.MinSize,
		MaxSize:             in.MaxSize,
		Status:              models.GroupStatusPending,
		PricePerPersonCents: in.PricePerPersonCents,
	}
	if g.Name == "" {
		return nil, models.Invalid("group_name is required")
	}
	if _, err := mail.ParseAddress(g.LeaderEmail); err != nil {
		return nil, models.Invalid("invalid leader email %q", g.LeaderEmail)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	rule, err := s.rules.GetRule(ctx, in.EventID)
	if err != nil {
		return nil, err
	}
	if !rule.AllowReservations {
		return nil, models.Invalid("event does not accept group reservations")
	}
	if g.MaxSize > rule.MaxCapacity {
		return nil, models.Invalid("max_size cannot exceed event capacity %d", rule.MaxCapacity)
	}
	if err := s.store.CreateGroup(ctx, g); err != nil {
		return nil, err
	}
	s.logger.Info("group created",
		zap.String("group_id", g.ID.String()),
		zap.String("event_id", g.EventID.String()),
		zap.Int("min_size", g.MinSize),
		zap.Int("max_size", g.MaxSize),
	)
	return g, nil
}

// AddMember seats a user in the group. The event seat is claimed first as a
// hold and made permanent only after the member row commits.
func (s *Service) AddMember(ctx context.Context, groupID, userID uuid.UUID, name, email string) (*models.GroupMember, *models.GroupBooking, error) {
	m := &models.GroupMember{GroupID: groupID, UserID: userID, Name: strings.TrimSpace(name), Email: strings.TrimSpace(email)}
	if m.Name == "" {
		return nil, nil, models.Invalid("name is required")
	}
	if _, err := mail.ParseAddress(m.Email); err != nil {
		return nil, nil, models.Invalid("invalid email %q", m.Email)
	}

	g, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case !g.IsOpen():
		return nil, nil, models.ErrGroupClosed
	case g.CurrentSize >= g.MaxSize:
		return nil, nil, models.ErrGroupFull
	}
	for _, existing := range g.Members {
		if existing.UserID == userID {
			return nil, nil, models.ErrDuplicateMember
		}
	}

	rule, err := s.rules.GetRule(ctx, g.EventID)
	if err != nil {
		return nil, nil, err
	}
	holdID := "group:" + groupID.String() + ":" + uuid.NewString()
	ok, err := s.slots.Reserve(ctx, g.EventID, rule.MaxCapacity, holdID, rule.ReservationTimeout())
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, models.ErrEventFull
	}

	updated, err := s.store.AddMember(ctx, m)
	if err != nil {
		s.releaseHold(ctx, g.EventID, holdID)
		return nil, nil, err
	}
	held, err := s.slots.ConfirmHold(ctx, g.EventID, holdID, rule.MaxCapacity)
	if err != nil || !held {
		s.releaseHold(ctx, g.EventID, holdID)
		if _, rerr := s.store.RemoveMember(ctx, groupID, userID); rerr != nil {
			s.logger.Error("compensating member removal failed", zap.String("group_id", groupID.String()), zap.Error(rerr))
		}
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, models.ErrEventFull
	}

	s.logger.Info("group member added",
		zap.String("group_id", groupID.String()),
		zap.String("user_id", userID.String()),
		zap.Int("current_size", updated.CurrentSize),
	)
	if g.Status == models.GroupStatusPending && updated.Status == models.GroupStatusActive {
		notify.Emit(ctx, s.publisher, s.logger, updated.EventID, notify.GroupActivated, updated)
	}
	return m, updated, nil
}

// RemoveMember frees a member's seat in an open group.
func (s *Service) RemoveMember(ctx context.Context, groupID, userID uuid.UUID) (*models.GroupBooking, error) {
	g, err := s.store.RemoveMember(ctx, groupID, userID)
	if err != nil {
		return nil, err
	}
	s.release(ctx, g.EventID, 1)
	s.logger.Info("group member removed", zap.String("group_id", groupID.String()), zap.String("user_id", userID.String()))
	waitlist.TriggerPromotion(ctx, s.promoter, s.jobs, s.logger, g.EventID, "group_member_removed")
	return g, nil
}

// Confirm locks in a group that reached min_size and computes its total.
func (s *Service) Confirm(ctx context.Context, groupID uuid.UUID) (*models.GroupBooking, error) {
	g, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !g.IsOpen() {
		return nil, models.ErrGroupClosed
	}
	if g.CurrentSize < g.MinSize {
		return nil, models.Invalid("group needs at least %d members to confirm, has %d", g.MinSize, g.CurrentSize)
	}
	confirmed, err := s.store.ConfirmGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("group confirmed",
		zap.String("group_id", groupID.String()),
		zap.Int("current_size", confirmed.CurrentSize),
		zap.Int64("total_amount_cents", confirmed.TotalAmountCents),
	)
	notify.Emit(ctx, s.publisher, s.logger, confirmed.EventID, notify.GroupConfirmed, confirmed)
	return confirmed, nil
}

// Cancel cancels the group and releases all of its seats.
func (s *Service) Cancel(ctx context.Context, groupID uuid.UUID) (*models.GroupBooking, error) {
	g, err := s.store.CancelGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	s.release(ctx, g.EventID, g.CurrentSize)
	s.logger.Info("group cancelled", zap.String("group_id", groupID.String()), zap.Int("released", g.CurrentSize))
	notify.Emit(ctx, s.publisher, s.logger, g.EventID, notify.GroupCancelled, g)
	if g.CurrentSize > 0 {
		waitlist.TriggerPromotion(ctx, s.promoter, s.jobs, s.logger, g.EventID, "group_cancelled")
	}
	return g, nil
}

// Get returns a group with its members.
func (s *Service) Get(ctx context.Context, groupID uuid.UUID) (*models.GroupBooking, error) {
	return s.store.GetGroup(ctx, groupID)
}

func (s *Service) release(ctx context.Context, eventID uuid.UUID, units int) {
	if _, err := s.slots.Release(ctx, eventID, units); err != nil {
		s.logger.Error("capacity release failed, counter left to reconciler",
			zap.String("event_id", eventID.String()),
			zap.Int("units", units),
			zap.Error(err),
		)
	}
}

func (s *Service) releaseHold(ctx context.Context, eventID uuid.UUID, holdID string) {
	if err := s.slots.ReleaseHold(ctx, eventID, holdID); err != nil {
		s.logger.Warn("release group hold failed, sweeper will reclaim it", zap.String("hold_id", holdID), zap.Error(err))
	}
}
