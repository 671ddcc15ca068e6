package capacity

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/capacity/internal/models"
	"github.com/aura-webinar/capacity/pkg/database"
)

// RulesRepository persists per-event capacity rules.
type RulesRepository struct {
	pool *pgxpool.Pool
}

// NewRulesRepository creates a capacity rules repository.
func NewRulesRepository(pool *pgxpool.Pool) *RulesRepository {
	return &RulesRepository{pool: pool}
}

const ruleColumns = `event_id, max_capacity, warning_threshold, allow_reservations, reservation_timeout_minutes, created_at, updated_at`

func scanRule(row pgx.Row) (*models.CapacityRule, error) {
	var r models.CapacityRule
	err := row.Scan(&r.EventID, &r.MaxCapacity, &r.WarningThreshold, &r.AllowReservations,
		&r.ReservationTimeoutMinutes, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRule returns the rule for an event.
func (r *RulesRepository) GetRule(ctx context.Context, eventID uuid.UUID) (*models.CapacityRule, error) {
	rule, err := scanRule(r.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM capacity_rules WHERE event_id = $1`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrRuleNotFound
	}
	if err != nil {
		return nil, database.Wrap("get capacity rule", err)
	}
	return rule, nil
}

// UpsertRule creates or replaces an event's rule.
func (r *RulesRepository) UpsertRule(ctx context.Context, rule *models.CapacityRule) error {
	const q = `INSERT INTO capacity_rules (event_id, max_capacity, warning_threshold, allow_reservations, reservation_timeout_minutes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO UPDATE SET
			max_capacity = EXCLUDED.max_capacity,
			warning_threshold = EXCLUDED.warning_threshold,
			allow_reservations = EXCLUDED.allow_reservations,
			reservation_timeout_minutes = EXCLUDED.reservation_timeout_minutes,
			updated_at = NOW()
		RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, q, rule.EventID, rule.MaxCapacity, rule.WarningThreshold,
		rule.AllowReservations, rule.ReservationTimeoutMinutes).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	return database.Wrap("upsert capacity rule", err)
}

// ListRules returns every rule, used by the reconciler to walk all events.
func (r *RulesRepository) ListRules(ctx context.Context) ([]models.CapacityRule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+ruleColumns+` FROM capacity_rules ORDER BY event_id`)
	if err != nil {
		return nil, database.Wrap("list capacity rules", err)
	}
	defer rows.Close()
	var list []models.CapacityRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, database.Wrap("scan capacity rule", err)
		}
		list = append(list, *rule)
	}
	return list, database.Wrap("list capacity rules", rows.Err())
}
