package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/classmesh/backend/internal/models"
)

type fakeStore struct {
	sessions map[uuid.UUID]*models.Session
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[uuid.UUID]*models.Session)}
}

func (f *fakeStore) Create(_ context.Context, s *models.Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	copied := *s
	f.sessions[s.ID] = &copied
	return nil
}

func (f *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*models.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (f *fakeStore) Update(_ context.Context, s *models.Session) error {
	if _, ok := f.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	copied := *s
	f.sessions[s.ID] = &copied
	return nil
}

func (f *fakeStore) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := f.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(f.sessions, id)
	return nil
}

func (f *fakeStore) ListByHost(_ context.Context, hostID uuid.UUID) ([]models.Session, error) {
	var out []models.Session
	for _, s := range f.sessions {
		if s.HostID == hostID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) ListVisible(_ context.Context) ([]models.Session, error) {
	var out []models.Session
	for _, s := range f.sessions {
		if s.Visible {
			out = append(out, *s)
		}
	}
	return out, nil
}

type fakeLedger struct {
	records map[uuid.UUID]*models.AttendanceRecord
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{records: make(map[uuid.UUID]*models.AttendanceRecord)}
}

func (f *fakeLedger) Open(_ context.Context, sessionID, userID uuid.UUID, joinTime time.Time) (*models.AttendanceRecord, error) {
	for _, r := range f.records {
		if r.SessionID == sessionID && r.UserID == userID && r.LeaveTime == nil {
			return nil, errors.New("open record already exists")
		}
	}
	rec := &models.AttendanceRecord{
		ID:        uuid.New(),
		SessionID: sessionID,
		UserID:    userID,
		JoinTime:  joinTime,
	}
	f.records[rec.ID] = rec
	return rec, nil
}

func (f *fakeLedger) FindOpen(_ context.Context, sessionID, userID uuid.UUID) (*models.AttendanceRecord, error) {
	for _, r := range f.records {
		if r.SessionID == sessionID && r.UserID == userID && r.LeaveTime == nil {
			copied := *r
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeLedger) Close(_ context.Context, recordID uuid.UUID, leaveTime time.Time, totalMinutes int) error {
	r, ok := f.records[recordID]
	if !ok || r.LeaveTime != nil {
		return errors.New("no open record")
	}
	r.LeaveTime = &leaveTime
	r.TotalMinutes = totalMinutes
	return nil
}

func (f *fakeLedger) CloseAllOpen(_ context.Context, sessionID uuid.UUID, leaveTime time.Time) error {
	for _, r := range f.records {
		if r.SessionID == sessionID && r.LeaveTime == nil {
			t := leaveTime
			r.LeaveTime = &t
			r.TotalMinutes = models.WatchMinutes(r.JoinTime, leaveTime)
		}
	}
	return nil
}

func (f *fakeLedger) ListBySession(_ context.Context, sessionID uuid.UUID) ([]models.AttendanceRecord, error) {
	var out []models.AttendanceRecord
	for _, r := range f.records {
		if r.SessionID == sessionID {
			out = append(out, *r)
		}
	}
	return out, nil
}

type fakeBroadcaster struct {
	started []uuid.UUID
	ended   []uuid.UUID
}

func (f *fakeBroadcaster) SessionStarted(s *models.Session) { f.started = append(f.started, s.ID) }
func (f *fakeBroadcaster) SessionEnded(s *models.Session)   { f.ended = append(f.ended, s.ID) }

type fakeRecordingStorage struct {
	deleted []string
	err     error
}

func (f *fakeRecordingStorage) DeleteRecording(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return f.err
}

type ServiceTestSuite struct {
	suite.Suite
	store     *fakeStore
	ledger    *fakeLedger
	broadcast *fakeBroadcaster
	recStore  *fakeRecordingStorage
	svc       *Service
	hostID    uuid.UUID
	studentID uuid.UUID
	testNow   time.Time
}

func (s *ServiceTestSuite) SetupTest() {
	s.store = newFakeStore()
	s.ledger = newFakeLedger()
	s.broadcast = &fakeBroadcaster{}
	s.recStore = &fakeRecordingStorage{}
	s.svc = NewService(s.store, s.ledger, s.broadcast, s.recStore, zap.NewNop())
	s.hostID = uuid.New()
	s.studentID = uuid.New()
	s.testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s.svc.now = func() time.Time { return s.testNow }
}

func TestServiceTestSuite(t *testing.T) {
	suite.Run(t, new(ServiceTestSuite))
}

func (s *ServiceTestSuite) schedule() *models.Session {
	sess, err := s.svc.Schedule(context.Background(), ScheduleInput{
		Title:       "Algebra II",
		HostID:      s.hostID,
		RoomID:      "a1b2c3d4",
		ScheduledAt: s.testNow.Add(time.Hour),
	})
	s.Require().NoError(err)
	return sess
}

func (s *ServiceTestSuite) TestScheduleValidation() {
	_, err := s.svc.Schedule(context.Background(), ScheduleInput{
		HostID:      s.hostID,
		RoomID:      "room",
		ScheduledAt: s.testNow,
	})
	s.Require().ErrorIs(err, ErrValidation)

	_, err = s.svc.Schedule(context.Background(), ScheduleInput{
		Title:       "Algebra II",
		RoomID:      "room",
		ScheduledAt: s.testNow,
	})
	s.Require().ErrorIs(err, ErrValidation)

	_, err = s.svc.Schedule(context.Background(), ScheduleInput{
		Title:       "Algebra II",
		HostID:      s.hostID,
		RoomID:      "room",
	})
	s.Require().ErrorIs(err, ErrValidation)
}

func (s *ServiceTestSuite) TestScheduleCreatesScheduledVisible() {
	sess := s.schedule()
	s.Equal(models.StatusScheduled, sess.Status)
	s.True(sess.Visible)
	s.Nil(sess.StartedAt)
	s.Nil(sess.EndedAt)
}

func (s *ServiceTestSuite) TestStartOnlyByHost() {
	sess := s.schedule()
	_, err := s.svc.Start(context.Background(), sess.ID, s.studentID)
	s.Require().ErrorIs(err, ErrNotHost)
	s.Empty(s.broadcast.started)
}

func (s *ServiceTestSuite) TestStartSetsLiveAndBroadcasts() {
	sess := s.schedule()
	started, err := s.svc.Start(context.Background(), sess.ID, s.hostID)
	s.Require().NoError(err)
	s.Equal(models.StatusLive, started.Status)
	s.Require().NotNil(started.StartedAt)
	s.Equal(s.testNow, *started.StartedAt)
	s.Equal([]uuid.UUID{sess.ID}, s.broadcast.started)
}

func (s *ServiceTestSuite) TestStartRejectsWrongState() {
	sess := s.schedule()
	_, err := s.svc.Start(context.Background(), sess.ID, s.hostID)
	s.Require().NoError(err)

	// live -> start again
	_, err = s.svc.Start(context.Background(), sess.ID, s.hostID)
	s.Require().ErrorIs(err, ErrNotScheduled)

	// ended -> start
	_, err = s.svc.End(context.Background(), sess.ID, s.hostID)
	s.Require().NoError(err)
	_, err = s.svc.Start(context.Background(), sess.ID, s.hostID)
	s.Require().ErrorIs(err, ErrNotScheduled)
}

func (s *ServiceTestSuite) TestEndOnlyFromLive() {
	sess := s.schedule()
	_, err := s.svc.End(context.Background(), sess.ID, s.hostID)
	s.Require().ErrorIs(err, ErrNotLive)
}

func (s *ServiceTestSuite) TestEndComputesDurationAndBroadcasts() {
	sess := s.schedule()
	_, err := s.svc.Start(context.Background(), sess.ID, s.hostID)
	s.Require().NoError(err)

	s.testNow = s.testNow.Add(47*time.Minute + 40*time.Second)
	ended, err := s.svc.End(context.Background(), sess.ID, s.hostID)
	s.Require().NoError(err)
	s.Equal(models.StatusEnded, ended.Status)
	s.Require().NotNil(ended.EndedAt)
	s.Require().NotNil(ended.DurationMinutes)
	s.Equal(48, *ended.DurationMinutes)
	s.Equal([]uuid.UUID{sess.ID}, s.broadcast.ended)
}

func (s *ServiceTestSuite) TestEndClosesAllOpenAttendance() {
	sess := s.schedule()
	_, err := s.svc.Start(context.Background(), sess.ID, s.hostID)
	s.Require().NoError(err)

	_, err = s.svc.Join(context.Background(), sess.ID, s.studentID)
	s.Require().NoError(err)
	other := uuid.New()
	_, err = s.svc.Join(context.Background(), sess.ID, other)
	s.Require().NoError(err)

	s.testNow = s.testNow.Add(30 * time.Minute)
	ended, err := s.svc.End(context.Background(), sess.ID, s.hostID)
	s.Require().NoError(err)

	records, err := s.svc.Attendance(context.Background(), sess.ID)
	s.Require().NoError(err)
	s.Require().Len(records, 2)
	for _, r := range records {
		s.Require().NotNil(r.LeaveTime)
		s.Equal(*ended.EndedAt, *r.LeaveTime)
		s.Equal(30, r.TotalMinutes)
	}
}

func (s *ServiceTestSuite) TestJoinRejectedUnlessLive() {
	sess := s.schedule()
	_, err := s.svc.Join(context.Background(), sess.ID, s.studentID)
	s.Require().ErrorIs(err, ErrNotLive)

	records, err := s.ledger.ListBySession(context.Background(), sess.ID)
	s.Require().NoError(err)
	s.Empty(records)
}

func (s *ServiceTestSuite) TestJoinOpensAtMostOneRecord() {
	sess := s.schedule()
	_, err := s.svc.Start(context.Background(), sess.ID, s.hostID)
	s.Require().NoError(err)

	_, err = s.svc.Join(context.Background(), sess.ID, s.studentID)
	s.Require().NoError(err)
	_, err = s.svc.Join(context.Background(), sess.ID, s.studentID)
	s.Require().NoError(err)

	records, err := s.ledger.ListBySession(context.Background(), sess.ID)
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.Nil(records[0].LeaveTime)
}

func (s *ServiceTestSuite) TestLeaveClosesWithRoundedMinutes() {
	sess := s.schedule()
	_, err := s.svc.Start(context.Background(), sess.ID, s.hostID)
	s.Require().NoError(err)
	_, err = s.svc.Join(context.Background(), sess.ID, s.studentID)
	s.Require().NoError(err)

	s.testNow = s.testNow.Add(12*time.Minute + 29*time.Second)
	s.Require().NoError(s.svc.Leave(context.Background(), sess.ID, s.studentID))

	records, err := s.ledger.ListBySession(context.Background(), sess.ID)
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.Require().NotNil(records[0].LeaveTime)
	s.Equal(12, records[0].TotalMinutes)
}

func (s *ServiceTestSuite) TestLeaveIsIdempotent() {
	sess := s.schedule()
	s.Require().NoError(s.svc.Leave(context.Background(), sess.ID, s.studentID))
	s.Require().NoError(s.svc.Leave(context.Background(), sess.ID, s.studentID))
}

func (s *ServiceTestSuite) TestRejoinAfterLeaveOpensNewRecord() {
	sess := s.schedule()
	_, err := s.svc.Start(context.Background(), sess.ID, s.hostID)
	s.Require().NoError(err)
	_, err = s.svc.Join(context.Background(), sess.ID, s.studentID)
	s.Require().NoError(err)
	s.Require().NoError(s.svc.Leave(context.Background(), sess.ID, s.studentID))
	_, err = s.svc.Join(context.Background(), sess.ID, s.studentID)
	s.Require().NoError(err)

	records, err := s.ledger.ListBySession(context.Background(), sess.ID)
	s.Require().NoError(err)
	s.Require().Len(records, 2)
}

func (s *ServiceTestSuite) TestToggleVisibility() {
	sess := s.schedule()
	toggled, err := s.svc.ToggleVisibility(context.Background(), sess.ID, s.hostID)
	s.Require().NoError(err)
	s.False(toggled.Visible)

	toggled, err = s.svc.ToggleVisibility(context.Background(), sess.ID, s.hostID)
	s.Require().NoError(err)
	s.True(toggled.Visible)

	_, err = s.svc.ToggleVisibility(context.Background(), sess.ID, s.studentID)
	s.Require().ErrorIs(err, ErrNotHost)
}

func (s *ServiceTestSuite) TestPurgeDeletesAndRequestsRecordingDelete() {
	sess := s.schedule()
	stored := s.store.sessions[sess.ID]
	stored.RecordingRef = "recordings/x/y.webm"

	s.Require().NoError(s.svc.Purge(context.Background(), sess.ID, s.hostID))
	s.Equal([]string{"recordings/x/y.webm"}, s.recStore.deleted)
	_, err := s.svc.Get(context.Background(), sess.ID)
	s.Require().ErrorIs(err, ErrNotFound)
}

func (s *ServiceTestSuite) TestPurgeSurvivesStorageFailure() {
	sess := s.schedule()
	stored := s.store.sessions[sess.ID]
	stored.RecordingRef = "recordings/x/y.webm"
	s.recStore.err = errors.New("s3 unreachable")

	s.Require().NoError(s.svc.Purge(context.Background(), sess.ID, s.hostID))
	_, err := s.svc.Get(context.Background(), sess.ID)
	s.Require().ErrorIs(err, ErrNotFound)
}

func (s *ServiceTestSuite) TestPurgeOnlyByHost() {
	sess := s.schedule()
	err := s.svc.Purge(context.Background(), sess.ID, s.studentID)
	s.Require().ErrorIs(err, ErrNotHost)
}

func (s *ServiceTestSuite) TestNotFound() {
	_, err := s.svc.Start(context.Background(), uuid.New(), s.hostID)
	s.Require().ErrorIs(err, ErrNotFound)
	_, err = s.svc.Attendance(context.Background(), uuid.New())
	s.Require().ErrorIs(err, ErrNotFound)
}
