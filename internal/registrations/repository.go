package registrations

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/capacity/internal/models"
	"github.com/aura-webinar/capacity/internal/waitlist"
	"github.com/aura-webinar/capacity/pkg/database"
)

// Repository handles registration ledger persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a registrations repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const registrationColumns = `id, event_id, user_id, status, source, full_name, email, phone, registered_at, cancelled_at, updated_at`

func scanRegistration(row pgx.Row) (*models.Registration, error) {
	var reg models.Registration
	err := row.Scan(&reg.ID, &reg.EventID, &reg.UserID, &reg.Status, &reg.Source,
		&reg.Attendee.FullName, &reg.Attendee.Email, &reg.Attendee.Phone,
		&reg.RegisteredAt, &reg.CancelledAt, &reg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// upsertConfirmed writes a confirmed row for (event, user). A cancelled row
// is revived in place; a confirmed one makes the statement return no rows.
const upsertConfirmed = `INSERT INTO registrations (event_id, user_id, status, source, full_name, email, phone)
	VALUES ($1, $2, 'confirmed', $3, $4, $5, $6)
	ON CONFLICT (event_id, user_id) DO UPDATE SET
		status = 'confirmed',
		source = EXCLUDED.source,
		full_name = EXCLUDED.full_name,
		email = EXCLUDED.email,
		phone = EXCLUDED.phone,
		registered_at = NOW(),
		cancelled_at = NULL,
		updated_at = NOW()
	WHERE registrations.status = 'cancelled'
	RETURNING ` + registrationColumns

// CreateRegistration inserts a confirmed registration (unique per event+user).
// The caller must already hold a capacity slot.
func (r *Repository) CreateRegistration(ctx context.Context, reg *models.Registration) error {
	if reg.Source == "" {
		reg.Source = models.RegistrationSourceDirect
	}
	saved, err := scanRegistration(r.pool.QueryRow(ctx, upsertConfirmed, reg.EventID, reg.UserID, reg.Source,
		reg.Attendee.FullName, reg.Attendee.Email, reg.Attendee.Phone))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrDuplicateRegistration
	}
	if err != nil {
		return database.Wrap("create registration", err)
	}
	*reg = *saved
	return nil
}

// CancelRegistration marks a confirmed registration cancelled.
func (r *Repository) CancelRegistration(ctx context.Context, eventID, userID uuid.UUID) (*models.Registration, error) {
	reg, err := scanRegistration(r.pool.QueryRow(ctx, `UPDATE registrations
		SET status = 'cancelled', cancelled_at = NOW(), updated_at = NOW()
		WHERE event_id = $1 AND user_id = $2 AND status = 'confirmed'
		RETURNING `+registrationColumns, eventID, userID))
	if err == nil {
		return reg, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, database.Wrap("cancel registration", err)
	}
	if _, err := r.GetRegistration(ctx, eventID, userID); err != nil {
		return nil, err
	}
	return nil, models.ErrAlreadyCancelled
}

// DeleteRegistration removes a confirmed row that never got a seat behind it.
func (r *Repository) DeleteRegistration(ctx context.Context, eventID, userID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM registrations
		WHERE event_id = $1 AND user_id = $2 AND status = 'confirmed'`, eventID, userID)
	if err != nil {
		return database.Wrap("delete registration", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrRegistrationNotFound
	}
	return nil
}

// GetRegistration returns the ledger row for (event, user) in any status.
func (r *Repository) GetRegistration(ctx context.Context, eventID, userID uuid.UUID) (*models.Registration, error) {
	reg, err := scanRegistration(r.pool.QueryRow(ctx, `SELECT `+registrationColumns+`
		FROM registrations WHERE event_id = $1 AND user_id = $2`, eventID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrRegistrationNotFound
	}
	if err != nil {
		return nil, database.Wrap("get registration", err)
	}
	return reg, nil
}

// ListRegistrations returns an event's registrations, optionally filtered by status.
func (r *Repository) ListRegistrations(ctx context.Context, eventID uuid.UUID, status string) ([]models.Registration, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+registrationColumns+` FROM registrations
		WHERE event_id = $1 AND ($2::text = '' OR status = $2::text)
		ORDER BY registered_at`, eventID, status)
	if err != nil {
		return nil, database.Wrap("list registrations", err)
	}
	defer rows.Close()
	var list []models.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, database.Wrap("scan registration", err)
		}
		list = append(list, *reg)
	}
	return list, database.Wrap("list registrations", rows.Err())
}

// CountConfirmed returns the number of confirmed registrations for an event.
func (r *Repository) CountConfirmed(ctx context.Context, eventID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM registrations WHERE event_id = $1 AND status = 'confirmed'`, eventID).Scan(&n)
	return n, database.Wrap("count registrations", err)
}

// ConfirmFromWaitlist flips a waiting entry to promoted, closes its position
// gap and writes the confirmed registration, all in one transaction.
func (r *Repository) ConfirmFromWaitlist(ctx context.Context, entryID uuid.UUID) (*models.Registration, error) {
	var reg *models.Registration
	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var eventID uuid.UUID
		err := tx.QueryRow(ctx, `SELECT event_id FROM waitlist_entries WHERE id = $1`, entryID).Scan(&eventID)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrWaitlistEntryNotFound
		}
		if err != nil {
			return database.Wrap("find waitlist entry", err)
		}
		if err := database.LockEvent(ctx, tx, eventID); err != nil {
			return err
		}

		var (
			userID   uuid.UUID
			position int
			attendee models.AttendeeInfo
		)
		err = tx.QueryRow(ctx, `UPDATE waitlist_entries SET is_promoted = TRUE, promoted_at = NOW()
			WHERE id = $1 AND NOT is_promoted
			RETURNING user_id, position, full_name, email, phone`, entryID).
			Scan(&userID, &position, &attendee.FullName, &attendee.Email, &attendee.Phone)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrAlreadyPromoted
		}
		if err != nil {
			return database.Wrap("promote waitlist entry", err)
		}
		if err := waitlist.ShiftAfter(ctx, tx, eventID, position); err != nil {
			return err
		}

		reg, err = scanRegistration(tx.QueryRow(ctx, upsertConfirmed, eventID, userID,
			models.RegistrationSourceWaitlist, attendee.FullName, attendee.Email, attendee.Phone))
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrDuplicateRegistration
		}
		return database.Wrap("insert promoted registration", err)
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// RevertPromotion undoes ConfirmFromWaitlist: the promoted registration is
// removed and the entry waits again at position, clamped to the current tail.
func (r *Repository) RevertPromotion(ctx context.Context, entryID uuid.UUID, position int) error {
	return database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var eventID, userID uuid.UUID
		err := tx.QueryRow(ctx, `SELECT event_id, user_id FROM waitlist_entries WHERE id = $1`, entryID).
			Scan(&eventID, &userID)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrWaitlistEntryNotFound
		}
		if err != nil {
			return database.Wrap("find waitlist entry", err)
		}
		if err := database.LockEvent(ctx, tx, eventID); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM registrations
			WHERE event_id = $1 AND user_id = $2 AND status = 'confirmed' AND source = $3`,
			eventID, userID, models.RegistrationSourceWaitlist); err != nil {
			return database.Wrap("delete promoted registration", err)
		}

		var promoted bool
		var waiting int
		err = tx.QueryRow(ctx, `SELECT
				(SELECT is_promoted FROM waitlist_entries WHERE id = $1),
				(SELECT COUNT(*) FROM waitlist_entries WHERE event_id = $2 AND NOT is_promoted)`,
			entryID, eventID).Scan(&promoted, &waiting)
		if err != nil {
			return database.Wrap("count waitlist", err)
		}
		if !promoted {
			return nil
		}
		position = max(1, min(position, waiting+1))

		if _, err := tx.Exec(ctx, `UPDATE waitlist_entries SET position = position + 1
			WHERE event_id = $1 AND NOT is_promoted AND position >= $2`, eventID, position); err != nil {
			return database.Wrap("renumber waitlist", err)
		}
		_, err = tx.Exec(ctx, `UPDATE waitlist_entries SET is_promoted = FALSE, promoted_at = NULL, position = $2
			WHERE id = $1`, entryID, position)
		return database.Wrap("restore waitlist entry", err)
	})
}
