package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classmesh/backend/internal/models"
)

// Store persists live class sessions.
type Store interface {
	Create(ctx context.Context, s *models.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	Update(ctx context.Context, s *models.Session) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByHost(ctx context.Context, hostID uuid.UUID) ([]models.Session, error)
	ListVisible(ctx context.Context) ([]models.Session, error)
}

// Ledger persists attendance records.
type Ledger interface {
	Open(ctx context.Context, sessionID, userID uuid.UUID, joinTime time.Time) (*models.AttendanceRecord, error)
	FindOpen(ctx context.Context, sessionID, userID uuid.UUID) (*models.AttendanceRecord, error)
	Close(ctx context.Context, recordID uuid.UUID, leaveTime time.Time, totalMinutes int) error
	CloseAllOpen(ctx context.Context, sessionID uuid.UUID, leaveTime time.Time) error
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.AttendanceRecord, error)
}

// Broadcaster pushes global lifecycle events to every connected signaling
// client, so a started class is discoverable before anyone joined its room.
type Broadcaster interface {
	SessionStarted(s *models.Session)
	SessionEnded(s *models.Session)
}

// RecordingStorage deletes externally stored recording blobs (best effort).
type RecordingStorage interface {
	DeleteRecording(ctx context.Context, key string) error
}

// Service owns the session lifecycle state machine and the attendance ledger
// it drives. Lifecycle writes are persisted before any broadcast.
type Service struct {
	store     Store
	ledger    Ledger
	broadcast Broadcaster
	recStore  RecordingStorage
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates the session lifecycle service. broadcast and recStore
// may be nil (no signaling hub / no blob storage configured).
func NewService(store Store, ledger Ledger, broadcast Broadcaster, recStore RecordingStorage, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		ledger:    ledger,
		broadcast: broadcast,
		recStore:  recStore,
		logger:    logger,
		now:       time.Now,
	}
}

// ScheduleInput is the input for Schedule.
type ScheduleInput struct {
	Title       string
	Description string
	HostID      uuid.UUID
	RoomID      string
	ScheduledAt time.Time
}

// Schedule creates a new session in the scheduled state.
func (s *Service) Schedule(ctx context.Context, in ScheduleInput) (*models.Session, error) {
	if in.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}
	if in.RoomID == "" {
		return nil, fmt.Errorf("%w: room id is required", ErrValidation)
	}
	if in.HostID == uuid.Nil {
		return nil, fmt.Errorf("%w: host id is required", ErrValidation)
	}
	if in.ScheduledAt.IsZero() {
		return nil, fmt.Errorf("%w: scheduled time is required", ErrValidation)
	}

	sess := &models.Session{
		Title:       in.Title,
		Description: in.Description,
		HostID:      in.HostID,
		RoomID:      in.RoomID,
		ScheduledAt: in.ScheduledAt,
		Status:      models.StatusScheduled,
		Visible:     true,
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Start moves a scheduled session to live and broadcasts the transition
// globally. Only the host may start.
func (s *Service) Start(ctx context.Context, id, callerID uuid.UUID) (*models.Session, error) {
	sess, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.HostID != callerID {
		return nil, ErrNotHost
	}
	if sess.Status != models.StatusScheduled {
		return nil, ErrNotScheduled
	}

	now := s.now()
	sess.Status = models.StatusLive
	sess.StartedAt = &now
	if err := s.store.Update(ctx, sess); err != nil {
		return nil, err
	}

	if s.broadcast != nil {
		s.broadcast.SessionStarted(sess)
	}
	s.logger.Info("live class started", zap.String("session_id", sess.ID.String()))
	return sess, nil
}

// End moves a live session to ended, computes its duration, bulk-closes every
// open attendance record at the session end time and broadcasts globally.
func (s *Service) End(ctx context.Context, id, callerID uuid.UUID) (*models.Session, error) {
	sess, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.HostID != callerID {
		return nil, ErrNotHost
	}
	if sess.Status != models.StatusLive {
		return nil, ErrNotLive
	}

	now := s.now()
	sess.Status = models.StatusEnded
	sess.EndedAt = &now
	if sess.StartedAt != nil {
		minutes := models.WatchMinutes(*sess.StartedAt, now)
		sess.DurationMinutes = &minutes
	}
	if err := s.store.Update(ctx, sess); err != nil {
		return nil, err
	}

	if err := s.ledger.CloseAllOpen(ctx, sess.ID, now); err != nil {
		// Accounting-only impact; the transition already happened.
		s.logger.Error("bulk close attendance failed", zap.Error(err), zap.String("session_id", sess.ID.String()))
	}

	if s.broadcast != nil {
		s.broadcast.SessionEnded(sess)
	}
	s.logger.Info("live class ended", zap.String("session_id", sess.ID.String()))
	return sess, nil
}

// ToggleVisibility flips the discoverability flag. Independent of lifecycle.
func (s *Service) ToggleVisibility(ctx context.Context, id, callerID uuid.UUID) (*models.Session, error) {
	sess, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.HostID != callerID {
		return nil, ErrNotHost
	}
	sess.Visible = !sess.Visible
	if err := s.store.Update(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Purge deletes a session and its attendance records, and requests deletion
// of any externally stored recording. Storage failures are logged, never
// fatal, and do not block the local delete. Allowed in any lifecycle state.
func (s *Service) Purge(ctx context.Context, id, callerID uuid.UUID) error {
	sess, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if sess.HostID != callerID {
		return ErrNotHost
	}

	if sess.RecordingRef != "" && s.recStore != nil {
		if err := s.recStore.DeleteRecording(ctx, sess.RecordingRef); err != nil {
			s.logger.Warn("recording delete failed",
				zap.Error(err), zap.String("session_id", sess.ID.String()), zap.String("key", sess.RecordingRef))
		}
	}

	// Attendance rows cascade with the session row.
	return s.store.Delete(ctx, id)
}

// Join records attendance for a live session and returns it. Rejected unless
// the session is live. Reuses an already-open record so at most one open
// record exists per (session, user).
func (s *Service) Join(ctx context.Context, id, userID uuid.UUID) (*models.Session, error) {
	sess, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.StatusLive {
		return nil, ErrNotLive
	}

	if rec, err := s.ledger.FindOpen(ctx, id, userID); err == nil && rec != nil {
		return sess, nil
	}
	if _, err := s.ledger.Open(ctx, id, userID, s.now()); err != nil {
		s.logger.Error("open attendance failed", zap.Error(err), zap.String("session_id", id.String()))
	}
	return sess, nil
}

// Leave closes the user's open attendance record, if any. Idempotent.
func (s *Service) Leave(ctx context.Context, id, userID uuid.UUID) error {
	rec, err := s.ledger.FindOpen(ctx, id, userID)
	if err != nil || rec == nil {
		return nil
	}
	now := s.now()
	return s.ledger.Close(ctx, rec.ID, now, models.WatchMinutes(rec.JoinTime, now))
}

// Get returns a session by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return s.store.GetByID(ctx, id)
}

// ListForHost returns every session created by the host.
func (s *Service) ListForHost(ctx context.Context, hostID uuid.UUID) ([]models.Session, error) {
	return s.store.ListByHost(ctx, hostID)
}

// ListAvailable returns visible sessions in any lifecycle state, so students
// can find upcoming classes, join live ones and watch recordings of ended ones.
func (s *Service) ListAvailable(ctx context.Context) ([]models.Session, error) {
	return s.store.ListVisible(ctx)
}

// Attendance returns all attendance records for a session.
func (s *Service) Attendance(ctx context.Context, id uuid.UUID) ([]models.AttendanceRecord, error) {
	if _, err := s.store.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.ledger.ListBySession(ctx, id)
}
