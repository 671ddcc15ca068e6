package waitlist

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/capacity/internal/models"
	"github.com/aura-webinar/capacity/pkg/database"
)

// Repository persists waitlist entries. Every statement that assigns or
// shifts positions runs under the event's advisory lock.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a waitlist repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const entryColumns = `id, event_id, user_id, position, priority, is_promoted, full_name, email, phone, joined_at, promoted_at`

// scanEntry reads one waitlist row selected with entryColumns.
func scanEntry(row pgx.Row) (*models.WaitlistEntry, error) {
	var e models.WaitlistEntry
	err := row.Scan(&e.ID, &e.EventID, &e.UserID, &e.Position, &e.Priority, &e.IsPromoted,
		&e.Attendee.FullName, &e.Attendee.Email, &e.Attendee.Phone, &e.JoinedAt, &e.PromotedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// JoinWaitlist appends an entry at max(position)+1. A user whose earlier
// entry was promoted re-enters through the same row.
func (r *Repository) JoinWaitlist(ctx context.Context, entry *models.WaitlistEntry) error {
	return database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := database.LockEvent(ctx, tx, entry.EventID); err != nil {
			return err
		}
		var promoted bool
		err := tx.QueryRow(ctx, `SELECT is_promoted FROM waitlist_entries WHERE event_id = $1 AND user_id = $2`,
			entry.EventID, entry.UserID).Scan(&promoted)
		switch {
		case err == nil && !promoted:
			return models.ErrAlreadyOnWaitlist
		case err != nil && !errors.Is(err, pgx.ErrNoRows):
			return database.Wrap("find waitlist entry", err)
		}

		const q = `INSERT INTO waitlist_entries (event_id, user_id, position, priority, full_name, email, phone)
			VALUES ($1, $2,
				(SELECT COALESCE(MAX(position), 0) + 1 FROM waitlist_entries WHERE event_id = $1 AND NOT is_promoted),
				$3, $4, $5, $6)
			ON CONFLICT (event_id, user_id) DO UPDATE SET
				position = EXCLUDED.position,
				priority = EXCLUDED.priority,
				is_promoted = FALSE,
				full_name = EXCLUDED.full_name,
				email = EXCLUDED.email,
				phone = EXCLUDED.phone,
				joined_at = NOW(),
				promoted_at = NULL
			RETURNING ` + entryColumns
		saved, err := scanEntry(tx.QueryRow(ctx, q, entry.EventID, entry.UserID, entry.Priority,
			entry.Attendee.FullName, entry.Attendee.Email, entry.Attendee.Phone))
		if err != nil {
			return database.Wrap("insert waitlist entry", err)
		}
		*entry = *saved
		return nil
	})
}

// LeaveWaitlist removes a waiting entry and closes the gap it leaves.
func (r *Repository) LeaveWaitlist(ctx context.Context, eventID, userID uuid.UUID) (*models.WaitlistEntry, error) {
	var removed *models.WaitlistEntry
	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := database.LockEvent(ctx, tx, eventID); err != nil {
			return err
		}
		e, err := scanEntry(tx.QueryRow(ctx, `DELETE FROM waitlist_entries
			WHERE event_id = $1 AND user_id = $2 AND NOT is_promoted
			RETURNING `+entryColumns, eventID, userID))
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrWaitlistEntryNotFound
		}
		if err != nil {
			return database.Wrap("delete waitlist entry", err)
		}
		if err := ShiftAfter(ctx, tx, eventID, e.Position); err != nil {
			return err
		}
		removed = e
		return nil
	})
	return removed, err
}

// ShiftAfter moves every waiting entry behind position up by one. The caller
// must hold the event lock.
func ShiftAfter(ctx context.Context, tx pgx.Tx, eventID uuid.UUID, position int) error {
	_, err := tx.Exec(ctx, `UPDATE waitlist_entries SET position = position - 1
		WHERE event_id = $1 AND NOT is_promoted AND position > $2`, eventID, position)
	return database.Wrap("renumber waitlist", err)
}

// GetWaitlistEntry returns the entry for a user, promoted or not.
func (r *Repository) GetWaitlistEntry(ctx context.Context, eventID, userID uuid.UUID) (*models.WaitlistEntry, error) {
	e, err := scanEntry(r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM waitlist_entries
		WHERE event_id = $1 AND user_id = $2`, eventID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrWaitlistEntryNotFound
	}
	if err != nil {
		return nil, database.Wrap("get waitlist entry", err)
	}
	return e, nil
}

// WaitlistPosition returns a waiting user's position and how many entries
// rank strictly ahead by (priority desc, position asc).
func (r *Repository) WaitlistPosition(ctx context.Context, eventID, userID uuid.UUID) (*models.WaitlistPosition, error) {
	const q = `SELECT w.position, w.joined_at,
			(SELECT COUNT(*) FROM waitlist_entries o
			 WHERE o.event_id = w.event_id AND NOT o.is_promoted
			   AND (o.priority > w.priority OR (o.priority = w.priority AND o.position < w.position)))
		FROM waitlist_entries w
		WHERE w.event_id = $1 AND w.user_id = $2 AND NOT w.is_promoted`
	var p models.WaitlistPosition
	err := r.pool.QueryRow(ctx, q, eventID, userID).Scan(&p.Position, &p.JoinedAt, &p.UsersAhead)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrWaitlistEntryNotFound
	}
	if err != nil {
		return nil, database.Wrap("get waitlist position", err)
	}
	return &p, nil
}

// ListWaiting returns up to limit waiting entries in promotion order.
// limit <= 0 returns all of them.
func (r *Repository) ListWaiting(ctx context.Context, eventID uuid.UUID, limit int) ([]models.WaitlistEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM waitlist_entries
		WHERE event_id = $1 AND NOT is_promoted
		ORDER BY priority DESC, position ASC`
	args := []interface{}{eventID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, database.Wrap("list waitlist", err)
	}
	defer rows.Close()
	var list []models.WaitlistEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, database.Wrap("scan waitlist entry", err)
		}
		list = append(list, *e)
	}
	return list, database.Wrap("list waitlist", rows.Err())
}

// CountWaiting returns the number of non-promoted entries.
func (r *Repository) CountWaiting(ctx context.Context, eventID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM waitlist_entries WHERE event_id = $1 AND NOT is_promoted`, eventID).Scan(&n)
	return n, database.Wrap("count waitlist", err)
}
