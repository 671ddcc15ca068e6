package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-webinar/capacity/config"
	"github.com/aura-webinar/capacity/internal/groups"
	"github.com/aura-webinar/capacity/internal/models"
	"github.com/aura-webinar/capacity/pkg/database"
)

func skipWithoutPostgres(t *testing.T) {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") != "1" || os.Getenv("DATABASE_URL") == "" {
		t.Skip("set INTEGRATION_TEST=1 and DATABASE_URL to run Postgres tests")
	}
}

// newPostgresCore runs against a real database when INTEGRATION_TEST=1 and
// DATABASE_URL are set.
func newPostgresCore(t *testing.T) *Core {
	t.Helper()
	skipWithoutPostgres(t)
	cfg := &config.Config{
		Database: config.DatabaseConfig{URL: os.Getenv("DATABASE_URL"), MaxConns: 20, MinConns: 1},
		Capacity: config.CapacityConfig{
			StorageDriver:     config.StorageDriverPostgres,
			SweepInterval:     time.Minute,
			ReconcileInterval: time.Minute,
		},
	}
	stores, err := OpenStores(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(stores.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewCore(stores, rdb, cfg.Capacity, nil)
}

func putRule(t *testing.T, core *Core, maxCapacity int) uuid.UUID {
	t.Helper()
	eventID := uuid.New()
	require.NoError(t, core.Capacity.PutRule(context.Background(), &models.CapacityRule{
		EventID:                   eventID,
		MaxCapacity:               maxCapacity,
		WarningThreshold:          80,
		AllowReservations:         true,
		ReservationTimeoutMinutes: 5,
	}))
	return eventID
}

func TestPostgres_ConcurrentRegistrationAndPromotion(t *testing.T) {
	core := newPostgresCore(t)
	ctx := context.Background()
	eventID := putRule(t, core, 5)

	users := make([]uuid.UUID, 20)
	var wg sync.WaitGroup
	for i := range users {
		users[i] = uuid.New()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := core.Registrations.Register(ctx, eventID, users[i], models.AttendeeInfo{
				FullName: fmt.Sprintf("user %d", i),
				Email:    fmt.Sprintf("u%d@example.com", i),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	confirmed, err := core.Stores.Registrations.CountConfirmed(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, 5, confirmed)

	waiting, err := core.Waitlist.List(ctx, eventID, 0)
	require.NoError(t, err)
	require.Len(t, waiting, 15)
	for i, e := range waiting {
		assert.Equal(t, i+1, e.Position)
	}

	regs, err := core.Registrations.List(ctx, eventID, models.RegistrationStatusConfirmed)
	require.NoError(t, err)
	_, err = core.Registrations.Cancel(ctx, eventID, regs[0].UserID)
	require.NoError(t, err)

	promoted, err := core.Stores.Registrations.GetRegistration(ctx, eventID, waiting[0].UserID)
	require.NoError(t, err)
	assert.Equal(t, models.RegistrationSourceWaitlist, promoted.Source)

	pos, err := core.Waitlist.Position(ctx, eventID, waiting[1].UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, pos.Position)

	current, err := core.Counter.Current(ctx, eventID)
	require.NoError(t, err)
	durable, err := core.Capacity.Durable(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, 5, durable)
	assert.Equal(t, durable, current)
}

func TestPostgres_GroupBooking(t *testing.T) {
	core := newPostgresCore(t)
	ctx := context.Background()
	eventID := putRule(t, core, 10)

	g, err := core.Groups.Create(ctx, groups.CreateInput{
		EventID:             eventID,
		LeaderID:            uuid.New(),
		LeaderEmail:         "lead@example.com",
		Name:                "Team",
		MinSize:             3,
		MaxSize:             4,
		PricePerPersonCents: 1500,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, _ = core.Groups.AddMember(ctx, g.ID, uuid.New(), fmt.Sprintf("m%d", i), fmt.Sprintf("m%d@example.com", i))
		}(i)
	}
	wg.Wait()

	got, err := core.Groups.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.CurrentSize)
	assert.Len(t, got.Members, 4)

	confirmed, err := core.Groups.Confirm(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), confirmed.TotalAmountCents)

	cancelled, err := core.Groups.Cancel(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GroupStatusCancelled, cancelled.Status)

	durable, err := core.Capacity.Durable(ctx, eventID)
	require.NoError(t, err)
	assert.Zero(t, durable)
}

func TestPostgres_ConcurrentMigrate(t *testing.T) {
	skipWithoutPostgres(t)
	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, os.Getenv("DATABASE_URL"), database.PoolConfig{MaxConns: 8}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, database.Migrate(ctx, pool, zap.NewNop()))
		}()
	}
	wg.Wait()

	var n int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE name = '001_capacity.sql'`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestPostgres_RevertPromotion(t *testing.T) {
	core := newPostgresCore(t)
	ctx := context.Background()
	eventID := putRule(t, core, 5)

	var entries []*models.WaitlistEntry
	for i := 0; i < 3; i++ {
		e, err := core.Waitlist.Join(ctx, eventID, uuid.New(), 0, models.AttendeeInfo{})
		require.NoError(t, err)
		entries = append(entries, e)
	}
	confirmer := core.Stores.Confirmer

	_, err := confirmer.ConfirmFromWaitlist(ctx, entries[0].ID)
	require.NoError(t, err)
	require.NoError(t, confirmer.RevertPromotion(ctx, entries[0].ID, entries[0].Position))

	_, err = core.Stores.Registrations.GetRegistration(ctx, eventID, entries[0].UserID)
	assert.True(t, models.IsNotFound(err))
	for i, e := range entries {
		pos, err := core.Waitlist.Position(ctx, eventID, e.UserID)
		require.NoError(t, err)
		assert.Equal(t, i+1, pos.Position)
	}
}
