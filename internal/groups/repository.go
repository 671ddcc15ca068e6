package groups

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/capacity/internal/models"
	"github.com/aura-webinar/capacity/pkg/database"
)

// Repository persists group bookings and their members.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a group bookings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const groupColumns = `id, event_id, leader_id, leader_email, group_name, min_size, max_size, current_size, status,
	price_per_person_cents, total_amount_cents, confirmed_at, cancelled_at, created_at, updated_at`

func scanGroup(row pgx.Row) (*models.GroupBooking, error) {
	var g models.GroupBooking
	err := row.Scan(&g.ID, &g.EventID, &g.LeaderID, &g.LeaderEmail, &g.Name, &g.MinSize, &g.MaxSize,
		&g.CurrentSize, &g.Status, &g.PricePerPersonCents, &g.TotalAmountCents,
		&g.ConfirmedAt, &g.CancelledAt, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// CreateGroup inserts a pending group with no members.
func (r *Repository) CreateGroup(ctx context.Context, g *models.GroupBooking) error {
	const q = `INSERT INTO group_bookings (event_id, leader_id, leader_email, group_name, min_size, max_size, price_per_person_cents)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + groupColumns
	saved, err := scanGroup(r.pool.QueryRow(ctx, q, g.EventID, g.LeaderID, g.LeaderEmail, g.Name,
		g.MinSize, g.MaxSize, g.PricePerPersonCents))
	if err != nil {
		return database.Wrap("create group", err)
	}
	*g = *saved
	return nil
}

// GetGroup returns a group with its members.
func (r *Repository) GetGroup(ctx context.Context, id uuid.UUID) (*models.GroupBooking, error) {
	g, err := scanGroup(r.pool.QueryRow(ctx, `SELECT `+groupColumns+` FROM group_bookings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrGroupNotFound
	}
	if err != nil {
		return nil, database.Wrap("get group", err)
	}
	rows, err := r.pool.Query(ctx, `SELECT id, group_id, user_id, name, email, joined_at
		FROM group_members WHERE group_id = $1 ORDER BY joined_at`, id)
	if err != nil {
		return nil, database.Wrap("list group members", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m models.GroupMember
		if err := rows.Scan(&m.ID, &m.GroupID, &m.UserID, &m.Name, &m.Email, &m.JoinedAt); err != nil {
			return nil, database.Wrap("scan group member", err)
		}
		g.Members = append(g.Members, m)
	}
	return g, database.Wrap("list group members", rows.Err())
}

// AddMember increments current_size and inserts the member in one
// transaction. The increment is a single conditional UPDATE, so concurrent
// joins can never push current_size past max_size.
func (r *Repository) AddMember(ctx context.Context, m *models.GroupMember) (*models.GroupBooking, error) {
	var g *models.GroupBooking
	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var exists bool
		err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2)`,
			m.GroupID, m.UserID).Scan(&exists)
		if err != nil {
			return database.Wrap("check group member", err)
		}
		if exists {
			return models.ErrDuplicateMember
		}
		g, err = scanGroup(tx.QueryRow(ctx, `UPDATE group_bookings SET
				current_size = current_size + 1,
				status = CASE WHEN current_size + 1 >= min_size THEN 'active' ELSE 'pending' END,
				updated_at = NOW()
			WHERE id = $1 AND status IN ('pending', 'active') AND current_size < max_size
			RETURNING `+groupColumns, m.GroupID))
		if errors.Is(err, pgx.ErrNoRows) {
			return r.addMemberRejection(ctx, tx, m.GroupID)
		}
		if err != nil {
			return database.Wrap("increment group size", err)
		}

		err = tx.QueryRow(ctx, `INSERT INTO group_members (group_id, user_id, name, email)
			VALUES ($1, $2, $3, $4) RETURNING id, joined_at`, m.GroupID, m.UserID, m.Name, m.Email).
			Scan(&m.ID, &m.JoinedAt)
		if database.IsUniqueViolation(err) {
			return models.ErrDuplicateMember
		}
		return database.Wrap("insert group member", err)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// addMemberRejection explains why the conditional increment matched nothing.
func (r *Repository) addMemberRejection(ctx context.Context, tx pgx.Tx, groupID uuid.UUID) error {
	var status string
	var current, maxSize int
	err := tx.QueryRow(ctx, `SELECT status, current_size, max_size FROM group_bookings WHERE id = $1`, groupID).
		Scan(&status, &current, &maxSize)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrGroupNotFound
	}
	if err != nil {
		return database.Wrap("get group", err)
	}
	if status != models.GroupStatusPending && status != models.GroupStatusActive {
		return models.ErrGroupClosed
	}
	return models.ErrGroupFull
}

// RemoveMember deletes a member of an open group and shrinks current_size.
func (r *Repository) RemoveMember(ctx context.Context, groupID, userID uuid.UUID) (*models.GroupBooking, error) {
	var g *models.GroupBooking
	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM group_bookings WHERE id = $1 FOR UPDATE`, groupID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrGroupNotFound
		}
		if err != nil {
			return database.Wrap("lock group", err)
		}
		if status != models.GroupStatusPending && status != models.GroupStatusActive {
			return models.ErrGroupClosed
		}
		tag, err := tx.Exec(ctx, `DELETE FROM group_members WHERE group_id = $1 AND user_id = $2`, groupID, userID)
		if err != nil {
			return database.Wrap("delete group member", err)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrMemberNotFound
		}
		g, err = scanGroup(tx.QueryRow(ctx, `UPDATE group_bookings SET
				current_size = current_size - 1,
				status = CASE WHEN current_size - 1 >= min_size THEN 'active' ELSE 'pending' END,
				updated_at = NOW()
			WHERE id = $1
			RETURNING `+groupColumns, groupID))
		return database.Wrap("decrement group size", err)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// ConfirmGroup moves an open group that reached min_size to confirmed and
// fixes its total.
func (r *Repository) ConfirmGroup(ctx context.Context, groupID uuid.UUID) (*models.GroupBooking, error) {
	g, err := scanGroup(r.pool.QueryRow(ctx, `UPDATE group_bookings SET
			status = 'confirmed',
			total_amount_cents = price_per_person_cents * current_size,
			confirmed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'active') AND current_size >= min_size
		RETURNING `+groupColumns, groupID))
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, database.Wrap("confirm group", err)
	}
	cur, err := r.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !cur.IsOpen() {
		return nil, models.ErrGroupClosed
	}
	return nil, models.Invalid("group needs at least %d members to confirm, has %d", cur.MinSize, cur.CurrentSize)
}

// CancelGroup cancels a group. The returned group carries the size it had
// when cancelled, which is the number of seats to release.
func (r *Repository) CancelGroup(ctx context.Context, groupID uuid.UUID) (*models.GroupBooking, error) {
	g, err := scanGroup(r.pool.QueryRow(ctx, `UPDATE group_bookings SET
			status = 'cancelled', cancelled_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status <> 'cancelled'
		RETURNING `+groupColumns, groupID))
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, database.Wrap("cancel group", err)
	}
	if _, err := r.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	return nil, models.ErrAlreadyCancelled
}

// CountActiveMembers counts members of an event's groups that still hold seats.
func (r *Repository) CountActiveMembers(ctx context.Context, eventID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(current_size), 0) FROM group_bookings
		WHERE event_id = $1 AND status <> 'cancelled'`, eventID).Scan(&n)
	return n, database.Wrap("count group members", err)
}
