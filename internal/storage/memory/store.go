// Package memory is a process-local implementation of every store contract,
// used for local runs and tests. A single mutex serializes all operations,
// which gives each method the same atomicity the Postgres repositories get
// from transactions and advisory locks.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/capacity/internal/models"
)

type key struct {
	event uuid.UUID
	user  uuid.UUID
}

// Store holds rules, registrations, waitlist entries and groups in memory.
type Store struct {
	mu            sync.Mutex
	rules         map[uuid.UUID]models.CapacityRule
	registrations map[key]*models.Registration
	entries       map[key]*models.WaitlistEntry
	entryKeys     map[uuid.UUID]key
	groups        map[uuid.UUID]*models.GroupBooking
	members       map[uuid.UUID][]models.GroupMember
	now           func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		rules:         make(map[uuid.UUID]models.CapacityRule),
		registrations: make(map[key]*models.Registration),
		entries:       make(map[key]*models.WaitlistEntry),
		entryKeys:     make(map[uuid.UUID]key),
		groups:        make(map[uuid.UUID]*models.GroupBooking),
		members:       make(map[uuid.UUID][]models.GroupMember),
		now:           time.Now,
	}
}

// GetRule implements the rule store.
func (s *Store) GetRule(_ context.Context, eventID uuid.UUID) (*models.CapacityRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[eventID]
	if !ok {
		return nil, models.ErrRuleNotFound
	}
	return &r, nil
}

// UpsertRule implements the rule store.
func (s *Store) UpsertRule(_ context.Context, rule *models.CapacityRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	rule.UpdatedAt = now
	if old, ok := s.rules[rule.EventID]; ok {
		rule.CreatedAt = old.CreatedAt
	} else {
		rule.CreatedAt = now
	}
	s.rules[rule.EventID] = *rule
	return nil
}

// ListRules implements the rule store.
func (s *Store) ListRules(_ context.Context) ([]models.CapacityRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]models.CapacityRule, 0, len(s.rules))
	for _, r := range s.rules {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].EventID.String() < list[j].EventID.String() })
	return list, nil
}

// CreateRegistration implements the registration store.
func (s *Store) CreateRegistration(_ context.Context, reg *models.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved, err := s.confirmLocked(reg.EventID, reg.UserID, reg.Source, reg.Attendee)
	if err != nil {
		return err
	}
	*reg = *saved
	return nil
}

func (s *Store) confirmLocked(eventID, userID uuid.UUID, source string, attendee models.AttendeeInfo) (*models.Registration, error) {
	if source == "" {
		source = models.RegistrationSourceDirect
	}
	k := key{eventID, userID}
	now := s.now()
	reg, ok := s.registrations[k]
	if ok && reg.IsLive() {
		return nil, models.ErrDuplicateRegistration
	}
	if !ok {
		reg = &models.Registration{ID: uuid.New(), EventID: eventID, UserID: userID}
		s.registrations[k] = reg
	}
	reg.Status = models.RegistrationStatusConfirmed
	reg.Source = source
	reg.Attendee = attendee
	reg.RegisteredAt = now
	reg.CancelledAt = nil
	reg.UpdatedAt = now
	out := *reg
	return &out, nil
}

// CancelRegistration implements the registration store.
func (s *Store) CancelRegistration(_ context.Context, eventID, userID uuid.UUID) (*models.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.registrations[key{eventID, userID}]
	if !ok {
		return nil, models.ErrRegistrationNotFound
	}
	if !reg.IsLive() {
		return nil, models.ErrAlreadyCancelled
	}
	now := s.now()
	reg.Status = models.RegistrationStatusCancelled
	reg.CancelledAt = &now
	reg.UpdatedAt = now
	out := *reg
	return &out, nil
}

// DeleteRegistration implements the registration store.
func (s *Store) DeleteRegistration(_ context.Context, eventID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{eventID, userID}
	reg, ok := s.registrations[k]
	if !ok || !reg.IsLive() {
		return models.ErrRegistrationNotFound
	}
	delete(s.registrations, k)
	return nil
}

// GetRegistration implements the registration store.
func (s *Store) GetRegistration(_ context.Context, eventID, userID uuid.UUID) (*models.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.registrations[key{eventID, userID}]
	if !ok {
		return nil, models.ErrRegistrationNotFound
	}
	out := *reg
	return &out, nil
}

// ListRegistrations implements the registration store.
func (s *Store) ListRegistrations(_ context.Context, eventID uuid.UUID, status string) ([]models.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []models.Registration
	for k, reg := range s.registrations {
		if k.event == eventID && (status == "" || reg.Status == status) {
			list = append(list, *reg)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].RegisteredAt.Before(list[j].RegisteredAt) })
	return list, nil
}

// CountConfirmed implements the registration store.
func (s *Store) CountConfirmed(_ context.Context, eventID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, reg := range s.registrations {
		if k.event == eventID && reg.IsLive() {
			n++
		}
	}
	return n, nil
}

// ConfirmFromWaitlist implements the promotion confirmer. Either both the
// entry flip and the registration happen or neither does.
func (s *Store) ConfirmFromWaitlist(_ context.Context, entryID uuid.UUID) (*models.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.entryKeys[entryID]
	if !ok {
		return nil, models.ErrWaitlistEntryNotFound
	}
	e := s.entries[k]
	if e.IsPromoted {
		return nil, models.ErrAlreadyPromoted
	}
	if reg, ok := s.registrations[k]; ok && reg.IsLive() {
		return nil, models.ErrDuplicateRegistration
	}
	reg, err := s.confirmLocked(k.event, k.user, models.RegistrationSourceWaitlist, e.Attendee)
	if err != nil {
		return nil, err
	}
	now := s.now()
	e.IsPromoted = true
	e.PromotedAt = &now
	s.shiftAfterLocked(k.event, e.Position)
	return reg, nil
}

// RevertPromotion implements the promotion confirmer.
func (s *Store) RevertPromotion(_ context.Context, entryID uuid.UUID, position int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.entryKeys[entryID]
	if !ok {
		return models.ErrWaitlistEntryNotFound
	}
	if reg, ok := s.registrations[k]; ok && reg.IsLive() && reg.Source == models.RegistrationSourceWaitlist {
		delete(s.registrations, k)
	}
	e := s.entries[k]
	if !e.IsPromoted {
		return nil
	}
	waiting := 0
	for k2, other := range s.entries {
		if k2.event == k.event && !other.IsPromoted {
			waiting++
		}
	}
	position = max(1, min(position, waiting+1))
	for k2, other := range s.entries {
		if k2.event == k.event && !other.IsPromoted && other.Position >= position {
			other.Position++
		}
	}
	e.Position = position
	e.IsPromoted = false
	e.PromotedAt = nil
	return nil
}

// JoinWaitlist implements the waitlist store.
func (s *Store) JoinWaitlist(_ context.Context, entry *models.WaitlistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{entry.EventID, entry.UserID}
	e, ok := s.entries[k]
	if ok && !e.IsPromoted {
		return models.ErrAlreadyOnWaitlist
	}
	if !ok {
		e = &models.WaitlistEntry{ID: uuid.New(), EventID: entry.EventID, UserID: entry.UserID}
		s.entries[k] = e
		s.entryKeys[e.ID] = k
	}
	maxPos := 0
	for k2, other := range s.entries {
		if k2.event == entry.EventID && !other.IsPromoted && other.Position > maxPos {
			maxPos = other.Position
		}
	}
	e.Position = maxPos + 1
	e.Priority = entry.Priority
	e.IsPromoted = false
	e.Attendee = entry.Attendee
	e.JoinedAt = s.now()
	e.PromotedAt = nil
	*entry = *e
	return nil
}

// LeaveWaitlist implements the waitlist store.
func (s *Store) LeaveWaitlist(_ context.Context, eventID, userID uuid.UUID) (*models.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{eventID, userID}
	e, ok := s.entries[k]
	if !ok || e.IsPromoted {
		return nil, models.ErrWaitlistEntryNotFound
	}
	delete(s.entries, k)
	delete(s.entryKeys, e.ID)
	s.shiftAfterLocked(eventID, e.Position)
	out := *e
	return &out, nil
}

func (s *Store) shiftAfterLocked(eventID uuid.UUID, position int) {
	for k, e := range s.entries {
		if k.event == eventID && !e.IsPromoted && e.Position > position {
			e.Position--
		}
	}
}

// GetWaitlistEntry implements the waitlist store.
func (s *Store) GetWaitlistEntry(_ context.Context, eventID, userID uuid.UUID) (*models.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key{eventID, userID}]
	if !ok {
		return nil, models.ErrWaitlistEntryNotFound
	}
	out := *e
	return &out, nil
}

// WaitlistPosition implements the waitlist store.
func (s *Store) WaitlistPosition(_ context.Context, eventID, userID uuid.UUID) (*models.WaitlistPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key{eventID, userID}]
	if !ok || e.IsPromoted {
		return nil, models.ErrWaitlistEntryNotFound
	}
	ahead := 0
	for k, other := range s.entries {
		if k.event == eventID && !other.IsPromoted && other.RanksAhead(e) {
			ahead++
		}
	}
	return &models.WaitlistPosition{Position: e.Position, UsersAhead: ahead, JoinedAt: e.JoinedAt}, nil
}

// ListWaiting implements the waitlist store.
func (s *Store) ListWaiting(_ context.Context, eventID uuid.UUID, limit int) ([]models.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []models.WaitlistEntry
	for k, e := range s.entries {
		if k.event == eventID && !e.IsPromoted {
			list = append(list, *e)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].RanksAhead(&list[j]) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// CountWaiting implements the waitlist store.
func (s *Store) CountWaiting(_ context.Context, eventID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if k.event == eventID && !e.IsPromoted {
			n++
		}
	}
	return n, nil
}

// CreateGroup implements the group store.
func (s *Store) CreateGroup(_ context.Context, g *models.GroupBooking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	g.ID = uuid.New()
	g.CurrentSize = 0
	g.Status = models.GroupStatusPending
	g.TotalAmountCents = 0
	g.CreatedAt = now
	g.UpdatedAt = now
	g.Members = nil
	stored := *g
	s.groups[g.ID] = &stored
	return nil
}

// GetGroup implements the group store.
func (s *Store) GetGroup(_ context.Context, id uuid.UUID) (*models.GroupBooking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groupLocked(id)
}

func (s *Store) groupLocked(id uuid.UUID) (*models.GroupBooking, error) {
	g, ok := s.groups[id]
	if !ok {
		return nil, models.ErrGroupNotFound
	}
	out := *g
	out.Members = append([]models.GroupMember(nil), s.members[id]...)
	return &out, nil
}

// AddMember implements the group store.
func (s *Store) AddMember(_ context.Context, m *models.GroupMember) (*models.GroupBooking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[m.GroupID]
	if !ok {
		return nil, models.ErrGroupNotFound
	}
	for _, existing := range s.members[m.GroupID] {
		if existing.UserID == m.UserID {
			return nil, models.ErrDuplicateMember
		}
	}
	if !g.IsOpen() {
		return nil, models.ErrGroupClosed
	}
	if g.CurrentSize >= g.MaxSize {
		return nil, models.ErrGroupFull
	}
	now := s.now()
	m.ID = uuid.New()
	m.JoinedAt = now
	s.members[m.GroupID] = append(s.members[m.GroupID], *m)
	g.CurrentSize++
	g.Status = g.StatusForSize(g.CurrentSize)
	g.UpdatedAt = now
	return s.groupLocked(g.ID)
}

// RemoveMember implements the group store.
func (s *Store) RemoveMember(_ context.Context, groupID, userID uuid.UUID) (*models.GroupBooking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, models.ErrGroupNotFound
	}
	if !g.IsOpen() {
		return nil, models.ErrGroupClosed
	}
	members := s.members[groupID]
	idx := -1
	for i, m := range members {
		if m.UserID == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, models.ErrMemberNotFound
	}
	s.members[groupID] = append(members[:idx:idx], members[idx+1:]...)
	g.CurrentSize--
	g.Status = g.StatusForSize(g.CurrentSize)
	g.UpdatedAt = s.now()
	return s.groupLocked(groupID)
}

// ConfirmGroup implements the group store.
func (s *Store) ConfirmGroup(_ context.Context, groupID uuid.UUID) (*models.GroupBooking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, models.ErrGroupNotFound
	}
	if !g.IsOpen() {
		return nil, models.ErrGroupClosed
	}
	if g.CurrentSize < g.MinSize {
		return nil, models.Invalid("group needs at least %d members to confirm, has %d", g.MinSize, g.CurrentSize)
	}
	now := s.now()
	g.Status = models.GroupStatusConfirmed
	g.TotalAmountCents = g.Total()
	g.ConfirmedAt = &now
	g.UpdatedAt = now
	return s.groupLocked(groupID)
}

// CancelGroup implements the group store.
func (s *Store) CancelGroup(_ context.Context, groupID uuid.UUID) (*models.GroupBooking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, models.ErrGroupNotFound
	}
	if g.Status == models.GroupStatusCancelled {
		return nil, models.ErrAlreadyCancelled
	}
	now := s.now()
	g.Status = models.GroupStatusCancelled
	g.CancelledAt = &now
	g.UpdatedAt = now
	return s.groupLocked(groupID)
}

// CountActiveMembers implements the group store.
func (s *Store) CountActiveMembers(_ context.Context, eventID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, g := range s.groups {
		if g.EventID == eventID && g.HoldsCapacity() {
			n += g.CurrentSize
		}
	}
	return n, nil
}
