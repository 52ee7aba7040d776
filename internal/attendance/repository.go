package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classmesh/backend/internal/models"
)

// Repository handles attendance record persistence. It implements the
// sessions.Ledger interface.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an attendance repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Open inserts a new open record for (session, user). The partial unique
// index on open records makes a duplicate insert fail rather than create a
// second open interval.
func (r *Repository) Open(ctx context.Context, sessionID, userID uuid.UUID, joinTime time.Time) (*models.AttendanceRecord, error) {
	const q = `INSERT INTO attendance_records (id, session_id, user_id, join_time)
		VALUES (gen_random_uuid(), $1, $2, $3)
		RETURNING id, created_at`
	rec := models.AttendanceRecord{SessionID: sessionID, UserID: userID, JoinTime: joinTime}
	if err := r.pool.QueryRow(ctx, q, sessionID, userID, joinTime).Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindOpen returns the open record for (session, user), or nil when none.
func (r *Repository) FindOpen(ctx context.Context, sessionID, userID uuid.UUID) (*models.AttendanceRecord, error) {
	const q = `SELECT id, session_id, user_id, join_time, leave_time, total_minutes, created_at
		FROM attendance_records
		WHERE session_id = $1 AND user_id = $2 AND leave_time IS NULL
		ORDER BY join_time DESC LIMIT 1`
	var rec models.AttendanceRecord
	err := r.pool.QueryRow(ctx, q, sessionID, userID).
		Scan(&rec.ID, &rec.SessionID, &rec.UserID, &rec.JoinTime, &rec.LeaveTime, &rec.TotalMinutes, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Close stamps the leave time and total minutes on one record.
func (r *Repository) Close(ctx context.Context, recordID uuid.UUID, leaveTime time.Time, totalMinutes int) error {
	const q = `UPDATE attendance_records SET leave_time = $1, total_minutes = $2 WHERE id = $3 AND leave_time IS NULL`
	_, err := r.pool.Exec(ctx, q, leaveTime, totalMinutes, recordID)
	return err
}

// CloseAllOpen closes every open record of a session at the given time,
// rounding the elapsed interval to whole minutes. Used when the session ends.
func (r *Repository) CloseAllOpen(ctx context.Context, sessionID uuid.UUID, leaveTime time.Time) error {
	const q = `UPDATE attendance_records
		SET leave_time = $2,
		    total_minutes = GREATEST(0, ROUND(EXTRACT(EPOCH FROM ($2 - join_time)) / 60.0))::INT
		WHERE session_id = $1 AND leave_time IS NULL`
	_, err := r.pool.Exec(ctx, q, sessionID, leaveTime)
	return err
}

// ListBySession returns all records for a session, newest join first.
func (r *Repository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.AttendanceRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, user_id, join_time, leave_time, total_minutes, created_at
		 FROM attendance_records WHERE session_id = $1 ORDER BY join_time DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.AttendanceRecord
	for rows.Next() {
		var rec models.AttendanceRecord
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.UserID, &rec.JoinTime, &rec.LeaveTime, &rec.TotalMinutes, &rec.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}
