package waitlist

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/capacity/internal/capacity"
	"github.com/aura-webinar/capacity/internal/models"
	"github.com/aura-webinar/capacity/internal/storage/memory"
)

type fixture struct {
	store   *memory.Store
	counter *capacity.Counter
	service *Service
	engine  *Engine
	eventID uuid.UUID
}

func newFixture(t *testing.T, maxCapacity int) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := memory.NewStore()
	counter := capacity.NewCounter(client, nil)
	eventID := uuid.New()
	require.NoError(t, store.UpsertRule(context.Background(), &models.CapacityRule{
		EventID:                   eventID,
		MaxCapacity:               maxCapacity,
		WarningThreshold:          80,
		AllowReservations:         true,
		ReservationTimeoutMinutes: 10,
	}))
	return &fixture{
		store:   store,
		counter: counter,
		service: NewService(store, store, store, nil, nil),
		engine:  NewEngine(store, store, counter, store, nil, nil),
		eventID: eventID,
	}
}

func (f *fixture) join(t *testing.T, priority int) *models.WaitlistEntry {
	t.Helper()
	e, err := f.service.Join(context.Background(), f.eventID, uuid.New(), priority, models.AttendeeInfo{FullName: "Guest"})
	require.NoError(t, err)
	return e
}

func (f *fixture) fill(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.counter.Increment(context.Background(), f.eventID)
		require.NoError(t, err)
	}
}

func TestService_JoinAndLeaveRenumbers(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	d := f.join(t, 0)
	e := f.join(t, 0)
	fe := f.join(t, 0)
	assert.Equal(t, 1, d.Position)
	assert.Equal(t, 2, e.Position)
	assert.Equal(t, 3, fe.Position)

	_, err := f.service.Leave(ctx, f.eventID, e.UserID)
	require.NoError(t, err)

	pos, err := f.service.Position(ctx, f.eventID, d.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, pos.Position)
	pos, err = f.service.Position(ctx, f.eventID, fe.UserID)
	require.NoError(t, err)
	assert.Equal(t, 2, pos.Position)
	assert.Equal(t, 1, pos.UsersAhead)
}

func TestService_LeaveTwiceIsNotFound(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	a := f.join(t, 0)
	b := f.join(t, 0)

	_, err := f.service.Leave(ctx, f.eventID, a.UserID)
	require.NoError(t, err)
	_, err = f.service.Leave(ctx, f.eventID, a.UserID)
	assert.True(t, models.IsNotFound(err))

	pos, err := f.service.Position(ctx, f.eventID, b.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, pos.Position)
}

func TestService_JoinRejections(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.service.Join(ctx, uuid.New(), uuid.New(), 0, models.AttendeeInfo{})
	assert.ErrorIs(t, err, models.ErrRuleNotFound)

	a := f.join(t, 0)
	_, err = f.service.Join(ctx, f.eventID, a.UserID, 0, models.AttendeeInfo{})
	assert.ErrorIs(t, err, models.ErrAlreadyOnWaitlist)

	confirmed := uuid.New()
	require.NoError(t, f.store.CreateRegistration(ctx, &models.Registration{EventID: f.eventID, UserID: confirmed}))
	_, err = f.service.Join(ctx, f.eventID, confirmed, 0, models.AttendeeInfo{})
	assert.ErrorIs(t, err, models.ErrDuplicateRegistration)
}

func TestService_ConcurrentLeavesKeepDensity(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	var entries []*models.WaitlistEntry
	for i := 0; i < 20; i++ {
		entries = append(entries, f.join(t, 0))
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i += 2 {
		wg.Add(1)
		go func(userID uuid.UUID) {
			defer wg.Done()
			_, err := f.service.Leave(ctx, f.eventID, userID)
			assert.NoError(t, err)
		}(entries[i].UserID)
	}
	wg.Wait()

	list, err := f.service.List(ctx, f.eventID, 0)
	require.NoError(t, err)
	require.Len(t, list, 10)
	for i, e := range list {
		assert.Equal(t, i+1, e.Position)
	}
}

func TestEngine_PromotesByPriorityThenPosition(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	f.fill(t, 8)

	first := f.join(t, 0)
	_ = f.join(t, 0)
	vip := f.join(t, 5)
	_ = f.join(t, 0)

	promoted, err := f.engine.Promote(ctx, f.eventID, 2)
	require.NoError(t, err)
	require.Len(t, promoted, 2)
	assert.Equal(t, vip.UserID, promoted[0].UserID)
	assert.Equal(t, first.UserID, promoted[1].UserID)

	for _, p := range promoted {
		reg, err := f.store.GetRegistration(ctx, f.eventID, p.UserID)
		require.NoError(t, err)
		assert.Equal(t, models.RegistrationSourceWaitlist, reg.Source)
	}

	n, err := f.counter.Current(ctx, f.eventID)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	list, err := f.service.List(ctx, f.eventID, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].Position)
	assert.Equal(t, 2, list[1].Position)
}

func TestEngine_NoSpotsIsNoop(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.join(t, 0)

	promoted, err := f.engine.Promote(ctx, f.eventID, 0)
	require.NoError(t, err)
	assert.Empty(t, promoted)

	f.fill(t, 1)
	promoted, err = f.engine.PromoteAvailable(ctx, f.eventID)
	require.NoError(t, err)
	assert.Empty(t, promoted)

	n, err := f.store.CountWaiting(ctx, f.eventID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEngine_FewerEntriesThanSpots(t *testing.T) {
	f := newFixture(t, 5)
	f.join(t, 0)
	f.join(t, 0)

	promoted, err := f.engine.Promote(context.Background(), f.eventID, 5)
	require.NoError(t, err)
	assert.Len(t, promoted, 2)
}

func TestEngine_StopsWhenCounterFull(t *testing.T) {
	f := newFixture(t, 2)
	f.fill(t, 1)
	f.join(t, 0)
	f.join(t, 0)

	// caller asks for more than the counter has room for
	promoted, err := f.engine.Promote(context.Background(), f.eventID, 2)
	require.NoError(t, err)
	assert.Len(t, promoted, 1)

	n, err := f.counter.Current(context.Background(), f.eventID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEngine_ConcurrentPromoteClaimsEachEntryOnce(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		f.join(t, i%3)
	}

	var (
		mu    sync.Mutex
		total int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			promoted, err := f.engine.Promote(ctx, f.eventID, 10)
			assert.NoError(t, err)
			mu.Lock()
			total += len(promoted)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, total)
	confirmed, err := f.store.CountConfirmed(ctx, f.eventID)
	require.NoError(t, err)
	assert.Equal(t, 10, confirmed)

	snap, err := f.counter.Snapshot(ctx, f.eventID)
	require.NoError(t, err)
	assert.Equal(t, 10, snap.Count, "losing promoters release their holds")
	assert.Equal(t, 0, snap.Holds)
}

func TestEngine_DropsEntryOfAlreadyRegisteredUser(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	stale := f.join(t, 0)
	next := f.join(t, 0)
	require.NoError(t, f.store.CreateRegistration(ctx, &models.Registration{EventID: f.eventID, UserID: stale.UserID}))
	f.fill(t, 1)

	promoted, err := f.engine.Promote(ctx, f.eventID, 2)
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	assert.Equal(t, next.UserID, promoted[0].UserID)

	_, err = f.store.GetWaitlistEntry(ctx, f.eventID, stale.UserID)
	assert.True(t, models.IsNotFound(err))
	n, err := f.counter.Current(ctx, f.eventID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEngine_UnknownEvent(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.engine.Promote(context.Background(), uuid.New(), 1)
	assert.ErrorIs(t, err, models.ErrRuleNotFound)
}

// unconfirmedHolds reserves through the real counter but never manages to
// make a hold permanent.
type unconfirmedHolds struct {
	*capacity.Counter
	err error
}

func (u unconfirmedHolds) ConfirmHold(context.Context, uuid.UUID, string, int) (bool, error) {
	return false, u.err
}

func TestEngine_LostHoldRevertsPromotion(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	f.fill(t, 1)
	a := f.join(t, 0)
	b := f.join(t, 0)
	c := f.join(t, 0)

	engine := NewEngine(f.store, f.store, unconfirmedHolds{Counter: f.counter, err: errors.New("connection reset")}, f.store, nil, nil)
	promoted, err := engine.Promote(ctx, f.eventID, 2)
	require.Error(t, err)
	assert.Empty(t, promoted)

	_, err = f.store.GetRegistration(ctx, f.eventID, a.UserID)
	assert.True(t, models.IsNotFound(err))
	for want, e := range []*models.WaitlistEntry{a, b, c} {
		pos, err := f.service.Position(ctx, f.eventID, e.UserID)
		require.NoError(t, err)
		assert.Equal(t, want+1, pos.Position)
	}

	snap, err := f.counter.Snapshot(ctx, f.eventID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Count)
	assert.Zero(t, snap.Holds)

	// a healthy run afterwards promotes the same entry
	promoted, err = f.engine.Promote(ctx, f.eventID, 1)
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	assert.Equal(t, a.UserID, promoted[0].UserID)
}

func TestEngine_SweptHoldOnFullEventStops(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.fill(t, 1)
	a := f.join(t, 0)
	_ = f.join(t, 0)

	engine := NewEngine(f.store, f.store, unconfirmedHolds{Counter: f.counter}, f.store, nil, nil)
	promoted, err := engine.Promote(ctx, f.eventID, 1)
	require.NoError(t, err)
	assert.Empty(t, promoted)

	pos, err := f.service.Position(ctx, f.eventID, a.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, pos.Position)
	n, err := f.store.CountConfirmed(ctx, f.eventID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, mustCurrent(t, f))
}

func TestEngine_SkippedEntryDoesNotUseASpot(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	stale := f.join(t, 0)
	next := f.join(t, 0)
	last := f.join(t, 0)
	require.NoError(t, f.store.CreateRegistration(ctx, &models.Registration{EventID: f.eventID, UserID: stale.UserID}))
	f.fill(t, 1)

	promoted, err := f.engine.Promote(ctx, f.eventID, 2)
	require.NoError(t, err)
	require.Len(t, promoted, 2)
	assert.Equal(t, next.UserID, promoted[0].UserID)
	assert.Equal(t, last.UserID, promoted[1].UserID)
	assert.Equal(t, 3, mustCurrent(t, f))
}

func mustCurrent(t *testing.T, f *fixture) int {
	t.Helper()
	n, err := f.counter.Current(context.Background(), f.eventID)
	require.NoError(t, err)
	return n
}
