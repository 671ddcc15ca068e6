package capacity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/aura-webinar/capacity/internal/models"
	"github.com/aura-webinar/capacity/pkg/telemetry"
)

const (
	keyPrefix = "capacity:"
	// holdIndexKey is the set of event ids that currently have holds.
	holdIndexKey = keyPrefix + "holds:events"
)

func countKey(eventID uuid.UUID) string   { return keyPrefix + "count:" + eventID.String() }
func holdsKey(eventID uuid.UUID) string   { return keyPrefix + "holds:" + eventID.String() }
func versionKey(eventID uuid.UUID) string { return keyPrefix + "version:" + eventID.String() }

func keys(eventID uuid.UUID) []string {
	return []string{countKey(eventID), holdsKey(eventID), versionKey(eventID), holdIndexKey}
}

// Snapshot is a consistent read of one event's counter state.
type Snapshot struct {
	Count   int
	Version int64
	Holds   int
}

// Counter is the per-event occupancy counter. All read-modify-write paths run
// as a single Redis command or Lua script, so concurrent callers across
// processes never lose updates.
type Counter struct {
	client *redis.Client
	logger *zap.Logger
}

// NewCounter creates a Redis-backed capacity counter.
func NewCounter(client *redis.Client, logger *zap.Logger) *Counter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Counter{client: client, logger: logger}
}

// Increment unconditionally takes one slot and returns the new count.
func (c *Counter) Increment(ctx context.Context, eventID uuid.UUID) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "capacity.increment", attribute.String("event_id", eventID.String()))
	n, err := incrementScript.Run(ctx, c.client, keys(eventID)).Int64()
	if err != nil {
		err = models.Unavailable("capacity increment", err)
	}
	telemetry.End(span, err)
	return int(n), err
}

// Decrement frees one slot, never going below zero.
func (c *Counter) Decrement(ctx context.Context, eventID uuid.UUID) (int, error) {
	return c.Release(ctx, eventID, 1)
}

// Release frees units slots, never going below zero.
func (c *Counter) Release(ctx context.Context, eventID uuid.UUID, units int) (int, error) {
	if units <= 0 {
		return c.Current(ctx, eventID)
	}
	ctx, span := telemetry.StartSpan(ctx, "capacity.release",
		attribute.String("event_id", eventID.String()),
		attribute.Int("units", units),
	)
	n, err := releaseScript.Run(ctx, c.client, keys(eventID), units).Int64()
	if err != nil {
		err = models.Unavailable("capacity release", err)
	}
	telemetry.End(span, err)
	return int(n), err
}

// Current returns the occupied slot count.
func (c *Counter) Current(ctx context.Context, eventID uuid.UUID) (int, error) {
	n, err := c.client.Get(ctx, countKey(eventID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, models.Unavailable("capacity read", err)
	}
	return n, nil
}

// CheckAndReserve takes one slot if fewer than max are occupied.
func (c *Counter) CheckAndReserve(ctx context.Context, eventID uuid.UUID, maxCapacity int) (bool, error) {
	return c.reserve(ctx, eventID, maxCapacity, "", 0)
}

// Reserve takes one slot like CheckAndReserve and records it as a hold that
// expires after ttl unless confirmed with ConfirmHold.
func (c *Counter) Reserve(ctx context.Context, eventID uuid.UUID, maxCapacity int, holdID string, ttl time.Duration) (bool, error) {
	if holdID == "" {
		return false, fmt.Errorf("reserve: hold id is required")
	}
	return c.reserve(ctx, eventID, maxCapacity, holdID, ttl)
}

func (c *Counter) reserve(ctx context.Context, eventID uuid.UUID, maxCapacity int, holdID string, ttl time.Duration) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "capacity.reserve",
		attribute.String("event_id", eventID.String()),
		attribute.Int("max_capacity", maxCapacity),
	)
	expiresAt := time.Now().Add(ttl).UnixMilli()
	values, err := reserveScript.Run(ctx, c.client, keys(eventID), maxCapacity, holdID, expiresAt, eventID.String()).Int64Slice()
	if err != nil {
		err = models.Unavailable("capacity reserve", err)
		telemetry.End(span, err)
		return false, err
	}
	if len(values) < 2 {
		err = fmt.Errorf("unexpected reserve result length: %d", len(values))
		telemetry.End(span, err)
		return false, err
	}
	ok := values[0] == 1
	span.SetAttributes(attribute.Bool("reserved", ok), attribute.Int64("count", values[1]))
	telemetry.End(span, nil)
	return ok, nil
}

// ConfirmHold makes a held slot permanent. It reports false only when the
// hold had expired and the event has since filled up.
func (c *Counter) ConfirmHold(ctx context.Context, eventID uuid.UUID, holdID string, maxCapacity int) (bool, error) {
	n, err := confirmHoldScript.Run(ctx, c.client, keys(eventID), holdID, maxCapacity).Int64()
	if err != nil {
		return false, models.Unavailable("capacity confirm hold", err)
	}
	return n == 1, nil
}

// ReleaseHold gives back a held slot. Releasing a hold that was already swept
// is a no-op.
func (c *Counter) ReleaseHold(ctx context.Context, eventID uuid.UUID, holdID string) error {
	n, err := releaseHoldScript.Run(ctx, c.client, keys(eventID), holdID).Int64()
	if err != nil {
		return models.Unavailable("capacity release hold", err)
	}
	if n < 0 {
		c.logger.Debug("hold already released", zap.String("event_id", eventID.String()), zap.String("hold_id", holdID))
	}
	return nil
}

// SweepExpired releases every hold whose expiry is at or before now and
// returns the released count per event.
func (c *Counter) SweepExpired(ctx context.Context, now time.Time) (map[uuid.UUID]int, error) {
	ids, err := c.client.SMembers(ctx, holdIndexKey).Result()
	if err != nil {
		return nil, models.Unavailable("capacity list holds", err)
	}
	released := make(map[uuid.UUID]int)
	for _, raw := range ids {
		eventID, err := uuid.Parse(raw)
		if err != nil {
			c.logger.Warn("invalid event id in hold index", zap.String("raw", raw))
			c.client.SRem(ctx, holdIndexKey, raw)
			continue
		}
		n, err := sweepScript.Run(ctx, c.client, keys(eventID), now.UnixMilli(), raw).Int64()
		if err != nil {
			return released, models.Unavailable("capacity sweep", err)
		}
		if n > 0 {
			released[eventID] = int(n)
		}
	}
	return released, nil
}

// Snapshot reads count, version and live hold count in one transaction.
func (c *Counter) Snapshot(ctx context.Context, eventID uuid.UUID) (Snapshot, error) {
	var (
		get   *redis.SliceCmd
		holds *redis.IntCmd
	)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.MGet(ctx, countKey(eventID), versionKey(eventID))
		holds = pipe.ZCard(ctx, holdsKey(eventID))
		return nil
	})
	if err != nil {
		return Snapshot{}, models.Unavailable("capacity snapshot", err)
	}
	vals := get.Val()
	return Snapshot{
		Count:   int(parseInt(vals[0])),
		Version: parseInt(vals[1]),
		Holds:   int(holds.Val()),
	}, nil
}

// CompareAndSet overwrites the counter with durable + live holds if no other
// writer touched it since the snapshot with the given version was taken.
func (c *Counter) CompareAndSet(ctx context.Context, eventID uuid.UUID, version int64, durable int) (bool, int, error) {
	values, err := reconcileScript.Run(ctx, c.client, keys(eventID), version, durable).Int64Slice()
	if err != nil {
		return false, 0, models.Unavailable("capacity reconcile", err)
	}
	if len(values) < 2 {
		return false, 0, fmt.Errorf("unexpected reconcile result length: %d", len(values))
	}
	return values[0] == 1, int(values[1]), nil
}

func parseInt(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
