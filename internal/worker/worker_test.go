package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/capacity/internal/capacity"
	"github.com/aura-webinar/capacity/internal/models"
	"github.com/aura-webinar/capacity/internal/storage/memory"
	"github.com/aura-webinar/capacity/internal/waitlist"
	"github.com/aura-webinar/capacity/pkg/queue"
)

type fixture struct {
	mr       *miniredis.Miniredis
	client   *redis.Client
	store    *memory.Store
	counter  *capacity.Counter
	capacity *capacity.Service
	waitlist *waitlist.Service
	engine   *waitlist.Engine
	eventID  uuid.UUID
}

func newFixture(t *testing.T, maxCapacity int) *fixture {
	t.Helper()
	f := &fixture{mr: miniredis.RunT(t), store: memory.NewStore(), eventID: uuid.New()}
	f.client = redis.NewClient(&redis.Options{Addr: f.mr.Addr()})
	t.Cleanup(func() { _ = f.client.Close() })

	f.counter = capacity.NewCounter(f.client, nil)
	f.capacity = capacity.NewService(f.store, f.counter, f.store, f.store, f.store, nil)
	require.NoError(t, f.capacity.PutRule(context.Background(), &models.CapacityRule{
		EventID:                   f.eventID,
		MaxCapacity:               maxCapacity,
		WarningThreshold:          80,
		AllowReservations:         true,
		ReservationTimeoutMinutes: 1,
	}))
	f.waitlist = waitlist.NewService(f.store, f.store, f.store, nil, nil)
	f.engine = waitlist.NewEngine(f.store, f.store, f.counter, f.store, nil, nil)
	return f
}

// seat records a confirmed registration in both the ledger and the counter.
func (f *fixture) seat(t *testing.T) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	userID := uuid.New()
	require.NoError(t, f.store.CreateRegistration(ctx, &models.Registration{EventID: f.eventID, UserID: userID}))
	_, err := f.counter.Increment(ctx, f.eventID)
	require.NoError(t, err)
	return userID
}

func (f *fixture) wait(t *testing.T) uuid.UUID {
	t.Helper()
	entry, err := f.waitlist.Join(context.Background(), f.eventID, uuid.New(), 0, models.AttendeeInfo{})
	require.NoError(t, err)
	return entry.UserID
}

func (f *fixture) current(t *testing.T) int {
	t.Helper()
	n, err := f.counter.Current(context.Background(), f.eventID)
	require.NoError(t, err)
	return n
}

func (f *fixture) isRegistered(t *testing.T, userID uuid.UUID) bool {
	t.Helper()
	reg, err := f.store.GetRegistration(context.Background(), f.eventID, userID)
	if models.IsNotFound(err) {
		return false
	}
	require.NoError(t, err)
	return reg.IsLive()
}

func TestHoldSweeper_ReleasesExpiredHoldAndPromotes(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.seat(t)
	ok, err := f.counter.Reserve(ctx, f.eventID, 2, "register:abandoned", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	waiting := f.wait(t)

	sweeper := NewHoldSweeper(f.counter, f.engine, time.Minute, nil)
	sweeper.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	released, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.True(t, f.isRegistered(t, waiting))
	assert.Equal(t, 2, f.current(t))

	durable, err := f.capacity.Durable(ctx, f.eventID)
	require.NoError(t, err)
	assert.Equal(t, durable, f.current(t))
}

func TestHoldSweeper_LeavesLiveHolds(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	ok, err := f.counter.Reserve(ctx, f.eventID, 2, "register:live", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := NewHoldSweeper(f.counter, f.engine, time.Minute, nil).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, released)
	assert.Equal(t, 1, f.current(t))
}

// brokenConfirm loses every ConfirmHold call after the ledger write.
type brokenConfirm struct{ *capacity.Counter }

func (brokenConfirm) ConfirmHold(context.Context, uuid.UUID, string, int) (bool, error) {
	return false, errors.New("i/o timeout")
}

func TestHoldSweeper_FailedPromotionNeverUndercounts(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	leaving := f.seat(t)
	f.seat(t)
	waiting := f.wait(t)
	_, err := f.store.CancelRegistration(ctx, f.eventID, leaving)
	require.NoError(t, err)
	_, err = f.counter.Decrement(ctx, f.eventID)
	require.NoError(t, err)

	broken := waitlist.NewEngine(f.store, f.store, brokenConfirm{f.counter}, f.store, nil, nil)
	_, err = broken.PromoteAvailable(ctx, f.eventID)
	require.Error(t, err)
	assert.False(t, f.isRegistered(t, waiting))

	sweeper := NewHoldSweeper(f.counter, f.engine, time.Minute, nil)
	sweeper.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	released, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, released)

	durable, err := f.capacity.Durable(ctx, f.eventID)
	require.NoError(t, err)
	assert.Equal(t, 1, durable)
	assert.Equal(t, durable, f.current(t))

	_, err = f.engine.PromoteAvailable(ctx, f.eventID)
	require.NoError(t, err)
	assert.True(t, f.isRegistered(t, waiting))

	ok, err := f.counter.CheckAndReserve(ctx, f.eventID, 2)
	require.NoError(t, err)
	assert.False(t, ok, "a full event must not hand out another seat")
	durable, err = f.capacity.Durable(ctx, f.eventID)
	require.NoError(t, err)
	assert.Equal(t, 2, durable)
	assert.Equal(t, durable, f.current(t))
}

func TestReconciler_CorrectsOvercountAndPromotes(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	f.seat(t)
	f.seat(t)
	waiting := f.wait(t)
	require.NoError(t, f.client.Set(ctx, "capacity:count:"+f.eventID.String(), 5, 0).Err())

	r := NewReconciler(f.counter, f.capacity, f.engine, time.Minute, 0, nil)
	res, err := r.ReconcileEvent(ctx, f.eventID)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Counter)
	assert.Equal(t, 2, res.Durable)
	assert.Equal(t, 3, res.Drift)
	assert.True(t, res.Applied)
	assert.Equal(t, 1, res.Promoted)

	assert.True(t, f.isRegistered(t, waiting))
	assert.Equal(t, 3, f.current(t))
}

func TestReconciler_CorrectsUndercount(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	f.seat(t)
	f.seat(t)
	f.seat(t)
	require.NoError(t, f.client.Set(ctx, "capacity:count:"+f.eventID.String(), 1, 0).Err())

	res, err := NewReconciler(f.counter, f.capacity, nil, time.Minute, 0, nil).ReconcileEvent(ctx, f.eventID)
	require.NoError(t, err)
	assert.Equal(t, -2, res.Drift)
	assert.True(t, res.Applied)
	assert.Equal(t, 3, f.current(t))
}

func TestReconciler_CountsLiveHolds(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	f.seat(t)
	ok, err := f.counter.Reserve(ctx, f.eventID, 5, "register:pending", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := NewReconciler(f.counter, f.capacity, nil, time.Minute, 0, nil).ReconcileEvent(ctx, f.eventID)
	require.NoError(t, err)
	assert.Zero(t, res.Drift)
	assert.Equal(t, 1, res.Holds)
	assert.False(t, res.Applied)
	assert.Equal(t, 2, f.current(t))
}

// movingLedger reports a different durable count on every read.
type movingLedger struct {
	calls atomic.Int32
}

func (l *movingLedger) Durable(context.Context, uuid.UUID) (int, error) {
	return int(l.calls.Add(1)), nil
}

func (l *movingLedger) Rules(context.Context) ([]models.CapacityRule, error) { return nil, nil }

func TestReconciler_SkipsWhileLedgerMoves(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	require.NoError(t, f.client.Set(ctx, "capacity:count:"+f.eventID.String(), 4, 0).Err())

	res, err := NewReconciler(f.counter, &movingLedger{}, nil, time.Minute, 0, nil).ReconcileEvent(ctx, f.eventID)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, 4, f.current(t))
}

// racingCounter lets another writer in between snapshot and compare-and-set.
type racingCounter struct {
	*capacity.Counter
}

func (c racingCounter) Snapshot(ctx context.Context, eventID uuid.UUID) (capacity.Snapshot, error) {
	snap, err := c.Counter.Snapshot(ctx, eventID)
	if err != nil {
		return snap, err
	}
	_, err = c.Counter.Increment(ctx, eventID)
	return snap, err
}

func TestReconciler_YieldsToConcurrentWriter(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	f.seat(t)
	require.NoError(t, f.client.Set(ctx, "capacity:count:"+f.eventID.String(), 6, 0).Err())

	res, err := NewReconciler(racingCounter{f.counter}, f.capacity, nil, time.Minute, 0, nil).ReconcileEvent(ctx, f.eventID)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Drift)
	assert.False(t, res.Applied)
	assert.Equal(t, 7, f.current(t))
}

func TestReconciler_ReconcileAll(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	f.seat(t)
	other := uuid.New()
	require.NoError(t, f.capacity.PutRule(ctx, &models.CapacityRule{EventID: other, MaxCapacity: 3, ReservationTimeoutMinutes: 1}))
	require.NoError(t, f.client.Set(ctx, "capacity:count:"+other.String(), 2, 0).Err())

	corrected, err := NewReconciler(f.counter, f.capacity, f.engine, time.Minute, 0, nil).ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, corrected)

	n, err := f.counter.Current(ctx, other)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPromotionProcessor_Process(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.seat(t)
	waiting := f.wait(t)

	q := queue.NewQueue(f.client, nil)
	require.NoError(t, q.EnqueuePromote(ctx, queue.PromotePayload{EventID: f.eventID, Reason: "registration_cancelled"}))
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	p := NewPromotionProcessor(f.engine, q, nil)
	require.NoError(t, p.Process(ctx, job))
	assert.True(t, f.isRegistered(t, waiting))
	assert.Equal(t, 2, f.current(t))

	// A duplicate job finds no free seat.
	require.NoError(t, p.Process(ctx, job))
}

func TestPromotionProcessor_RejectsUnknownJob(t *testing.T) {
	f := newFixture(t, 2)
	p := NewPromotionProcessor(f.engine, queue.NewQueue(f.client, nil), nil)

	err := p.Process(context.Background(), &queue.Job{ID: "x", Type: "send_email", Payload: json.RawMessage(`{}`)})
	assert.Error(t, err)
}

type failingPromoter struct{}

func (failingPromoter) PromoteAvailable(context.Context, uuid.UUID) ([]models.WaitlistEntry, error) {
	return nil, models.Unavailable("capacity read", errors.New("connection refused"))
}

func TestPromotionProcessor_RunRetriesFailedJobs(t *testing.T) {
	f := newFixture(t, 2)
	q := queue.NewQueue(f.client, nil)
	require.NoError(t, q.EnqueuePromote(context.Background(), queue.PromotePayload{EventID: f.eventID}))

	p := NewPromotionProcessor(failingPromoter{}, q, nil)
	p.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, dead, err := q.Len(context.Background())
		return err == nil && dead == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}
}
