package monitoring

import (
	"context"
	"testing"
	"time"

	"proctorhub-monitoring-svc/src/clients"
	"proctorhub-monitoring-svc/src/internal/config"
	"proctorhub-monitoring-svc/src/internal/middleware"
	"proctorhub-monitoring-svc/src/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// fakeRepo is an in-memory Repository mirroring the atomic-update semantics
// of the mongo implementation.
type fakeRepo struct {
	events      []*models.Event
	sessions    map[string]*models.LiveSession
	appendErr   error
	upsertCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sessions: map[string]*models.LiveSession{}}
}

func (f *fakeRepo) AppendEvent(ctx context.Context, event *models.Event) (string, error) {
	if f.appendErr != nil {
		return "", f.appendErr
	}
	stored := *event
	if stored.ID.IsZero() {
		stored.ID = primitive.NewObjectID()
	}
	f.events = append(f.events, &stored)
	return stored.ID.Hex(), nil
}

func (f *fakeRepo) FindViolationEvents(ctx context.Context, since time.Time, q *ListQuery) ([]*models.Event, error) {
	var out []*models.Event
	for _, e := range f.events {
		if e.Kind == models.KindViolation && !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeRepo) FindEventByID(ctx context.Context, eventID string) (*models.Event, error) {
	for _, e := range f.events {
		if e.ID.Hex() == eventID {
			return e, nil
		}
	}
	return nil, models.ErrAlertNotFound
}

func (f *fakeRepo) SupersedeActive(ctx context.Context, userID, examID string) (int64, error) {
	var n int64
	for _, s := range f.sessions {
		if s.UserID == userID && s.ExamID == examID && s.Status == models.StatusActive {
			s.Status = models.StatusAbandoned
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) InsertSession(ctx context.Context, session *models.LiveSession) error {
	copied := *session
	f.sessions[session.SessionID] = &copied
	return nil
}

func (f *fakeRepo) UpsertHeartbeat(ctx context.Context, event *models.Event) (*models.LiveSession, bool, error) {
	f.upsertCalls++
	s, ok := f.sessions[event.SessionID]
	if !ok {
		s = &models.LiveSession{
			SessionID:     event.SessionID,
			UserID:        event.UserID,
			ExamID:        event.ExamID,
			StartTime:     event.Timestamp,
			LastHeartbeat: event.Timestamp,
			Status:        models.StatusActive,
		}
		if event.Heartbeat != nil {
			s.ProgressCurrent = event.Heartbeat.CurrentQuestion
			s.ProgressTotal = event.Heartbeat.TotalQuestions
		}
		f.sessions[event.SessionID] = s
		copied := *s
		return &copied, true, nil
	}
	updated := ApplyEvent(*s, event, 0)
	*s = updated
	copied := updated
	return &copied, false, nil
}

func (f *fakeRepo) IncrementViolations(ctx context.Context, userID, examID string) (*models.LiveSession, error) {
	for _, s := range f.sessions {
		if s.UserID == userID && s.ExamID == examID &&
			(s.Status == models.StatusActive || s.Status == models.StatusFlagged) {
			s.ViolationsCount++
			copied := *s
			return &copied, nil
		}
	}
	return nil, models.ErrSessionNotFound
}

func (f *fakeRepo) FlagOnThreshold(ctx context.Context, sessionID string, threshold int) (bool, error) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return false, models.ErrSessionNotFound
	}
	if s.Status == models.StatusActive && s.ViolationsCount >= threshold {
		s.Status = models.StatusFlagged
		return true, nil
	}
	return false, nil
}

func (f *fakeRepo) FlagSession(ctx context.Context, sessionID string) (*models.LiveSession, error) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	s.Status = models.StatusFlagged
	copied := *s
	return &copied, nil
}

func (f *fakeRepo) AddResolvedAlert(ctx context.Context, sessionID, alertID string) (*models.LiveSession, error) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	if !s.HasResolved(alertID) {
		s.ResolvedAlertIDs = append(s.ResolvedAlertIDs, alertID)
	}
	copied := *s
	return &copied, nil
}

func (f *fakeRepo) ClearFlagged(ctx context.Context, userID, examID string) ([]*models.LiveSession, error) {
	var cleared []*models.LiveSession
	for _, s := range f.sessions {
		if s.UserID == userID && s.ExamID == examID && s.Status == models.StatusFlagged {
			s.Status = models.StatusSubmitted
			copied := *s
			cleared = append(cleared, &copied)
		}
	}
	return cleared, nil
}

func (f *fakeRepo) MarkStale(ctx context.Context, sessionID, status string) (bool, error) {
	s, ok := f.sessions[sessionID]
	if !ok || s.Status != models.StatusActive {
		return false, nil
	}
	s.Status = status
	return true, nil
}

func (f *fakeRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.LiveSession, error) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	copied := *s
	return &copied, nil
}

func (f *fakeRepo) ListSessions(ctx context.Context, q *ListQuery) ([]*models.LiveSession, error) {
	var out []*models.LiveSession
	for _, s := range f.sessions {
		if q.ExamID != "" && s.ExamID != q.ExamID {
			continue
		}
		if q.UserID != "" && s.UserID != q.UserID {
			continue
		}
		if len(q.Statuses) > 0 {
			match := false
			for _, st := range q.Statuses {
				if s.Status == st {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		copied := *s
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeRepo) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	for id, s := range f.sessions {
		if s.IsTerminal() && s.UpdatedAt.Before(olderThan) {
			delete(f.sessions, id)
			n++
		}
	}
	return n, nil
}

type fakeDirectory struct{}

func (fakeDirectory) LookupExam(ctx context.Context, examID string) (*clients.ExamInfo, error) {
	return &clients.ExamInfo{ID: examID, Title: "Algorithms Final", DurationMinutes: 90}, nil
}

func (fakeDirectory) LookupUser(ctx context.Context, userID string) (*clients.UserInfo, error) {
	return &clients.UserInfo{ID: userID, Name: "Test Student"}, nil
}

type capturePublisher struct {
	events []*models.ChangeEvent
}

func (p *capturePublisher) Publish(event *models.ChangeEvent) {
	p.events = append(p.events, event)
}

func (p *capturePublisher) kinds() []string {
	var out []string
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

func testConfig() *config.Configuration {
	return &config.Configuration{
		Monitoring: config.MonitoringConfig{
			FlagThreshold:           5,
			LivenessFallbackMinutes: 120,
			LivenessDurationFactor:  1.5,
			AlertWindowMinutes:      30,
		},
	}
}

func newTestService() (Service, *fakeRepo, *capturePublisher) {
	repo := newFakeRepo()
	pub := &capturePublisher{}
	svc := NewService(repo, fakeDirectory{}, pub, testConfig())
	return svc, repo, pub
}

func TestStartSessionIssuesServerIdentity(t *testing.T) {
	svc, repo, pub := newTestService()

	resp, err := svc.StartSession(context.Background(), "user-1", "exam-1", "10.0.0.1", "test-agent")
	require.NoError(t, err)
	require.NotEmpty(t, resp.SessionID)
	assert.Equal(t, models.StatusActive, resp.Status)
	assert.False(t, resp.StartTime.IsZero())

	stored := repo.sessions[resp.SessionID]
	require.NotNil(t, stored)
	assert.Equal(t, "Algorithms Final", stored.ExamTitle)
	assert.Equal(t, "Test Student", stored.UserName)

	require.Len(t, pub.events, 1)
	assert.Equal(t, models.ChangeSessionCreated, pub.events[0].Kind)
}

func TestStartSessionSupersedesStaleActive(t *testing.T) {
	svc, repo, _ := newTestService()

	first, err := svc.StartSession(context.Background(), "user-1", "exam-1", "", "")
	require.NoError(t, err)
	second, err := svc.StartSession(context.Background(), "user-1", "exam-1", "", "")
	require.NoError(t, err)
	require.NotEqual(t, first.SessionID, second.SessionID)

	assert.Equal(t, models.StatusAbandoned, repo.sessions[first.SessionID].Status)
	assert.Equal(t, models.StatusActive, repo.sessions[second.SessionID].Status)
}

func TestRecordHeartbeatCreatesAndUpdates(t *testing.T) {
	svc, _, pub := newTestService()

	resp, err := svc.RecordHeartbeat(context.Background(), "user-1", &HeartbeatRequest{
		ExamID:          "exam-1",
		SessionID:       "sess-1",
		CurrentQuestion: 2,
		TotalQuestions:  20,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, resp.SessionStatus)
	assert.False(t, resp.Invalidated)
	assert.Equal(t, []string{models.ChangeSessionCreated}, pub.kinds())

	_, err = svc.RecordHeartbeat(context.Background(), "user-1", &HeartbeatRequest{
		ExamID:          "exam-1",
		SessionID:       "sess-1",
		CurrentQuestion: 3,
		TotalQuestions:  20,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{models.ChangeSessionCreated, models.ChangeSessionUpdated}, pub.kinds())
}

func TestRecordHeartbeatRejectsForeignSession(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.sessions["sess-1"] = &models.LiveSession{
		SessionID: "sess-1",
		UserID:    "owner",
		ExamID:    "exam-1",
		Status:    models.StatusActive,
	}

	_, err := svc.RecordHeartbeat(context.Background(), "intruder", &HeartbeatRequest{
		ExamID:    "exam-1",
		SessionID: "sess-1",
	})
	assert.ErrorIs(t, err, models.ErrSessionNotOwned)
}

func TestRecordHeartbeatInvalidatesTerminalSession(t *testing.T) {
	svc, repo, pub := newTestService()
	repo.sessions["sess-1"] = &models.LiveSession{
		SessionID: "sess-1",
		UserID:    "user-1",
		ExamID:    "exam-1",
		Status:    models.StatusSubmitted,
	}

	resp, err := svc.RecordHeartbeat(context.Background(), "user-1", &HeartbeatRequest{
		ExamID:    "exam-1",
		SessionID: "sess-1",
	})
	require.NoError(t, err)
	assert.True(t, resp.Invalidated)
	assert.Equal(t, models.StatusSubmitted, resp.SessionStatus)
	// No upsert and no publish: a closed attempt must not be revived.
	assert.Zero(t, repo.upsertCalls)
	assert.Empty(t, pub.events)
}

func violationRequest(violationType string) *ViolationRequest {
	return &ViolationRequest{
		ExamID:    "exam-1",
		SessionID: "sess-1",
		Violation: ViolationReport{
			Type:    violationType,
			Details: "observed by surface",
			Level:   1,
		},
	}
}

func TestRecordViolationDropsNonStudent(t *testing.T) {
	svc, repo, pub := newTestService()

	err := svc.RecordViolation(context.Background(), "lecturer-1", middleware.RoleLecturer, violationRequest(models.ViolationTabSwitch))
	require.NoError(t, err)
	assert.Empty(t, repo.events)
	assert.Empty(t, pub.events)
}

func TestRecordViolationWithoutSessionIsDeferred(t *testing.T) {
	svc, repo, _ := newTestService()

	err := svc.RecordViolation(context.Background(), "user-1", middleware.RoleStudent, violationRequest(models.ViolationTabSwitch))
	require.NoError(t, err)
	// Logged for the aggregation fallback even though no session exists.
	require.Len(t, repo.events, 1)
	assert.Equal(t, models.KindViolation, repo.events[0].Kind)
}

func TestRecordViolationFlagsOnThreshold(t *testing.T) {
	svc, repo, pub := newTestService()

	start, err := svc.StartSession(context.Background(), "user-1", "exam-1", "", "")
	require.NoError(t, err)
	pub.events = nil

	for i := 0; i < 5; i++ {
		err := svc.RecordViolation(context.Background(), "user-1", middleware.RoleStudent, violationRequest(models.ViolationTabSwitch))
		require.NoError(t, err)
	}

	session := repo.sessions[start.SessionID]
	assert.Equal(t, models.StatusFlagged, session.Status)
	assert.Equal(t, 5, session.ViolationsCount)

	var alertCreated int
	for _, e := range pub.events {
		if e.Kind == models.ChangeAlertCreated {
			alertCreated++
			require.NotNil(t, e.Alert)
			assert.Equal(t, start.SessionID, e.Alert.SessionID)
			assert.NotEmpty(t, e.Alert.ID)
		}
	}
	assert.Equal(t, 1, alertCreated, "threshold crossing must emit exactly one alert")
}

func TestRecordViolationSeverityFallback(t *testing.T) {
	svc, repo, _ := newTestService()
	_, err := svc.StartSession(context.Background(), "user-1", "exam-1", "", "")
	require.NoError(t, err)

	req := violationRequest(models.ViolationDevTools)
	req.Violation.Severity = "" // client omitted it
	require.NoError(t, svc.RecordViolation(context.Background(), "user-1", middleware.RoleStudent, req))

	var last *models.Event
	for _, e := range repo.events {
		if e.Kind == models.KindViolation {
			last = e
		}
	}
	require.NotNil(t, last)
	assert.Equal(t, models.SeverityCritical, last.Violation.Severity)
}

func TestRecordViolationSurvivesLogFailure(t *testing.T) {
	svc, repo, _ := newTestService()
	_, err := svc.StartSession(context.Background(), "user-1", "exam-1", "", "")
	require.NoError(t, err)

	repo.appendErr = models.ErrDatabaseQuery
	err = svc.RecordViolation(context.Background(), "user-1", middleware.RoleStudent, violationRequest(models.ViolationCopyAttempt))
	require.NoError(t, err, "log failure must not fail the report")

	sessions, _ := repo.ListSessions(context.Background(), &ListQuery{UserID: "user-1"})
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sessions[0].ViolationsCount)
}
