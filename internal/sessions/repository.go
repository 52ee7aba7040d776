package sessions

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classmesh/backend/internal/models"
)

const sessionColumns = `id, title, description, host_id, room_id, scheduled_at, status,
	started_at, ended_at, duration_minutes, recording_ref, recording_url, visible, created_at, updated_at`

// Repository handles live class persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a live class repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.Title, &s.Description, &s.HostID, &s.RoomID, &s.ScheduledAt, &s.Status,
		&s.StartedAt, &s.EndedAt, &s.DurationMinutes, &s.RecordingRef, &s.RecordingURL, &s.Visible,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// Create inserts a new live class.
func (r *Repository) Create(ctx context.Context, s *models.Session) error {
	const q = `INSERT INTO live_classes (id, title, description, host_id, room_id, scheduled_at, status, visible)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, s.Title, s.Description, s.HostID, s.RoomID, s.ScheduledAt, s.Status, s.Visible).
		Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

// GetByID returns a live class by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM live_classes WHERE id = $1`, id))
}

// Update writes lifecycle and visibility fields.
func (r *Repository) Update(ctx context.Context, s *models.Session) error {
	const q = `UPDATE live_classes SET title = $1, description = $2, status = $3, started_at = $4,
		ended_at = $5, duration_minutes = $6, recording_ref = $7, recording_url = $8, visible = $9,
		updated_at = NOW() WHERE id = $10`
	_, err := r.pool.Exec(ctx, q, s.Title, s.Description, s.Status, s.StartedAt,
		s.EndedAt, s.DurationMinutes, s.RecordingRef, s.RecordingURL, s.Visible, s.ID)
	return err
}

// Delete removes a live class by ID; attendance records cascade.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM live_classes WHERE id = $1`, id)
	return err
}

// ListByHost returns all live classes created by a host, newest first.
func (r *Repository) ListByHost(ctx context.Context, hostID uuid.UUID) ([]models.Session, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM live_classes WHERE host_id = $1 ORDER BY created_at DESC`, hostID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListVisible returns visible live classes: live first, then by schedule.
func (r *Repository) ListVisible(ctx context.Context) ([]models.Session, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM live_classes WHERE visible
		 ORDER BY status = 'live' DESC, scheduled_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]models.Session, error) {
	var list []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// IsHost reports whether userID is the host of the session. Used by the
// signaling relay to authorize moderation directives against persisted state.
func (r *Repository) IsHost(ctx context.Context, sessionID, userID uuid.UUID) (bool, error) {
	const q = `SELECT host_id FROM live_classes WHERE id = $1`
	var hostID uuid.UUID
	if err := r.pool.QueryRow(ctx, q, sessionID).Scan(&hostID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	return hostID == userID, nil
}

// GetStatus returns the lifecycle status of a session. Used by the relay to
// gate room joins.
func (r *Repository) GetStatus(ctx context.Context, sessionID uuid.UUID) (string, error) {
	const q = `SELECT status FROM live_classes WHERE id = $1`
	var status string
	if err := r.pool.QueryRow(ctx, q, sessionID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return status, nil
}

// SetRecording stores the finished recording reference and URL.
func (r *Repository) SetRecording(ctx context.Context, id uuid.UUID, ref, url string) error {
	const q = `UPDATE live_classes SET recording_ref = $1, recording_url = $2, updated_at = NOW() WHERE id = $3`
	_, err := r.pool.Exec(ctx, q, ref, url, id)
	return err
}
