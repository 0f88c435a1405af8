package aggregator

import (
	"context"
	"testing"
	"time"

	"proctorhub-monitoring-svc/src/clients"
	"proctorhub-monitoring-svc/src/internal/config"
	"proctorhub-monitoring-svc/src/internal/models"
	"proctorhub-monitoring-svc/src/internal/monitoring"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// viewRepo is an in-memory monitoring.Repository covering the read and
// maintenance paths the aggregator exercises.
type viewRepo struct {
	sessions map[string]*models.LiveSession
	events   []*models.Event
}

func newViewRepo() *viewRepo {
	return &viewRepo{sessions: map[string]*models.LiveSession{}}
}

func (r *viewRepo) addSession(s *models.LiveSession) {
	r.sessions[s.SessionID] = s
}

func (r *viewRepo) addViolation(userID, examID, sessionID, violationType string, ts time.Time) *models.Event {
	event := &models.Event{
		ID:        primitive.NewObjectID(),
		Kind:      models.KindViolation,
		UserID:    userID,
		ExamID:    examID,
		SessionID: sessionID,
		Timestamp: ts,
		Violation: &models.ViolationPayload{
			Type:     violationType,
			Message:  "observed",
			Severity: models.DetermineSeverity(violationType, 1),
		},
	}
	r.events = append(r.events, event)
	return event
}

func (r *viewRepo) AppendEvent(ctx context.Context, event *models.Event) (string, error) {
	stored := *event
	if stored.ID.IsZero() {
		stored.ID = primitive.NewObjectID()
	}
	r.events = append(r.events, &stored)
	return stored.ID.Hex(), nil
}

func (r *viewRepo) FindViolationEvents(ctx context.Context, since time.Time, q *monitoring.ListQuery) ([]*models.Event, error) {
	var out []*models.Event
	for _, e := range r.events {
		if e.Kind != models.KindViolation || e.Timestamp.Before(since) {
			continue
		}
		if q != nil && q.ExamID != "" && e.ExamID != q.ExamID {
			continue
		}
		if q != nil && q.UserID != "" && e.UserID != q.UserID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *viewRepo) FindEventByID(ctx context.Context, eventID string) (*models.Event, error) {
	for _, e := range r.events {
		if e.ID.Hex() == eventID {
			return e, nil
		}
	}
	return nil, models.ErrAlertNotFound
}

func (r *viewRepo) SupersedeActive(ctx context.Context, userID, examID string) (int64, error) {
	return 0, nil
}

func (r *viewRepo) InsertSession(ctx context.Context, session *models.LiveSession) error {
	r.addSession(session)
	return nil
}

func (r *viewRepo) UpsertHeartbeat(ctx context.Context, event *models.Event) (*models.LiveSession, bool, error) {
	return nil, false, models.ErrDatabaseQuery
}

func (r *viewRepo) IncrementViolations(ctx context.Context, userID, examID string) (*models.LiveSession, error) {
	return nil, models.ErrSessionNotFound
}

func (r *viewRepo) FlagOnThreshold(ctx context.Context, sessionID string, threshold int) (bool, error) {
	return false, nil
}

func (r *viewRepo) FlagSession(ctx context.Context, sessionID string) (*models.LiveSession, error) {
	return nil, models.ErrSessionNotFound
}

func (r *viewRepo) AddResolvedAlert(ctx context.Context, sessionID, alertID string) (*models.LiveSession, error) {
	return nil, models.ErrSessionNotFound
}

func (r *viewRepo) ClearFlagged(ctx context.Context, userID, examID string) ([]*models.LiveSession, error) {
	return nil, nil
}

func (r *viewRepo) MarkStale(ctx context.Context, sessionID, status string) (bool, error) {
	s, ok := r.sessions[sessionID]
	if !ok || s.Status != models.StatusActive {
		return false, nil
	}
	s.Status = status
	return true, nil
}

func (r *viewRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.LiveSession, error) {
	if s, ok := r.sessions[sessionID]; ok {
		return s, nil
	}
	return nil, models.ErrSessionNotFound
}

func (r *viewRepo) ListSessions(ctx context.Context, q *monitoring.ListQuery) ([]*models.LiveSession, error) {
	var out []*models.LiveSession
	for _, s := range r.sessions {
		if q != nil && q.ExamID != "" && s.ExamID != q.ExamID {
			continue
		}
		if q != nil && q.UserID != "" && s.UserID != q.UserID {
			continue
		}
		if q != nil && len(q.Statuses) > 0 {
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
		out = append(out, s)
	}
	return out, nil
}

func (r *viewRepo) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	for id, s := range r.sessions {
		if s.IsTerminal() && s.UpdatedAt.Before(olderThan) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

// examDirectory answers with a fixed exam duration; zero means unknown.
type examDirectory struct {
	durationMinutes int
}

func (d examDirectory) LookupExam(ctx context.Context, examID string) (*clients.ExamInfo, error) {
	return &clients.ExamInfo{ID: examID, Title: "Databases Midterm", DurationMinutes: d.durationMinutes}, nil
}

func (d examDirectory) LookupUser(ctx context.Context, userID string) (*clients.UserInfo, error) {
	return &clients.UserInfo{ID: userID, Name: "Aggregated Student"}, nil
}

func aggregatorConfig() *config.Configuration {
	return &config.Configuration{
		Monitoring: config.MonitoringConfig{
			FlagThreshold:           5,
			LivenessFallbackMinutes: 120,
			LivenessDurationFactor:  1.5,
			AlertWindowMinutes:      30,
			RetentionHours:          24,
		},
	}
}

func activeView(sessionID, userID, examID string, lastBeat time.Time) *models.LiveSession {
	return &models.LiveSession{
		SessionID:     sessionID,
		UserID:        userID,
		ExamID:        examID,
		Status:        models.StatusActive,
		StartTime:     lastBeat.Add(-time.Minute),
		LastHeartbeat: lastBeat,
	}
}

func TestLiveViewFiltersStaleSessions(t *testing.T) {
	repo := newViewRepo()
	now := time.Now().UTC()
	repo.addSession(activeView("fresh", "user-1", "exam-1", now))
	repo.addSession(activeView("stale", "user-2", "exam-1", now.Add(-3*time.Hour)))
	repo.sessions["stale"].ProgressCurrent = 4

	svc := NewService(repo, nil, examDirectory{}, aggregatorConfig())

	view, err := svc.LiveView(context.Background(), &monitoring.ListQuery{ExamID: "exam-1"})
	require.NoError(t, err)
	require.Len(t, view.Sessions, 1)
	assert.Equal(t, "fresh", view.Sessions[0].SessionID)

	// The stale one transitioned in storage, with progress so abandoned.
	assert.Equal(t, models.StatusAbandoned, repo.sessions["stale"].Status)
}

func TestLiveViewUsesExamDurationForLiveness(t *testing.T) {
	// Exam duration 10 minutes, factor 1.5: a beat 20 minutes old is stale
	// even though the configured fallback window would keep it alive.
	repo := newViewRepo()
	now := time.Now().UTC()
	repo.addSession(activeView("sess-1", "user-1", "exam-1", now.Add(-20*time.Minute)))

	svc := NewService(repo, nil, examDirectory{durationMinutes: 10}, aggregatorConfig())

	view, err := svc.LiveView(context.Background(), &monitoring.ListQuery{})
	require.NoError(t, err)
	assert.Empty(t, view.Sessions)
	assert.Equal(t, models.StatusExpired, repo.sessions["sess-1"].Status)
}

func TestLiveViewSynthesizesSessionFromViolations(t *testing.T) {
	repo := newViewRepo()
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		repo.addViolation("ghost", "exam-1", "", models.ViolationTabSwitch, now.Add(time.Duration(i)*time.Second))
	}

	svc := NewService(repo, nil, examDirectory{}, aggregatorConfig())

	view, err := svc.LiveView(context.Background(), &monitoring.ListQuery{ExamID: "exam-1"})
	require.NoError(t, err)
	require.Len(t, view.Sessions, 1)

	synth := view.Sessions[0]
	assert.Equal(t, "synth-ghost-exam-1", synth.SessionID)
	assert.Equal(t, 3, synth.ViolationsCount)
	assert.Equal(t, models.StatusActive, synth.Status)
	// View-only: nothing persisted, the rebuild stays idempotent.
	assert.NotContains(t, repo.sessions, synth.SessionID)

	again, err := svc.LiveView(context.Background(), &monitoring.ListQuery{ExamID: "exam-1"})
	require.NoError(t, err)
	require.Len(t, again.Sessions, 1)
	assert.Equal(t, synth.SessionID, again.Sessions[0].SessionID)
}

func TestLiveViewSynthesizedSessionFlagsOnThreshold(t *testing.T) {
	repo := newViewRepo()
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		repo.addViolation("ghost", "exam-1", "", models.ViolationTabSwitch, now.Add(time.Duration(i)*time.Second))
	}

	svc := NewService(repo, nil, examDirectory{}, aggregatorConfig())

	view, err := svc.LiveView(context.Background(), &monitoring.ListQuery{})
	require.NoError(t, err)
	require.Len(t, view.Sessions, 1)
	assert.Equal(t, models.StatusFlagged, view.Sessions[0].Status)
}

func TestLiveViewAlertsCarryStickyResolution(t *testing.T) {
	repo := newViewRepo()
	now := time.Now().UTC()
	event := repo.addViolation("user-1", "exam-1", "sess-1", models.ViolationDevTools, now)
	repo.addViolation("user-1", "exam-1", "sess-1", models.ViolationCopyAttempt, now.Add(time.Second))

	session := activeView("sess-1", "user-1", "exam-1", now)
	session.ViolationsCount = 2
	session.ResolvedAlertIDs = []string{event.ID.Hex()}
	repo.addSession(session)

	svc := NewService(repo, nil, examDirectory{}, aggregatorConfig())

	view, err := svc.LiveView(context.Background(), &monitoring.ListQuery{})
	require.NoError(t, err)
	require.Len(t, view.Alerts, 2)

	byID := map[string]*models.Alert{}
	for _, alert := range view.Alerts {
		byID[alert.ID] = alert
	}
	assert.True(t, byID[event.ID.Hex()].Resolved)

	for _, alert := range view.Alerts {
		if alert.ID != event.ID.Hex() {
			assert.False(t, alert.Resolved)
		}
	}

	assert.Equal(t, 1, view.Stats.UnresolvedAlerts)
}

func TestLiveViewIgnoresViolationsOutsideWindow(t *testing.T) {
	repo := newViewRepo()
	now := time.Now().UTC()
	repo.addViolation("user-1", "exam-1", "sess-1", models.ViolationTabSwitch, now.Add(-2*time.Hour))
	repo.addSession(activeView("sess-1", "user-1", "exam-1", now))

	svc := NewService(repo, nil, examDirectory{}, aggregatorConfig())

	view, err := svc.LiveView(context.Background(), &monitoring.ListQuery{})
	require.NoError(t, err)
	assert.Empty(t, view.Alerts)
}

func TestLiveViewStats(t *testing.T) {
	repo := newViewRepo()
	now := time.Now().UTC()

	active := activeView("sess-1", "user-1", "exam-1", now)
	active.ViolationsCount = 2
	repo.addSession(active)

	flagged := activeView("sess-2", "user-2", "exam-1", now)
	flagged.Status = models.StatusFlagged
	flagged.ViolationsCount = 5
	repo.addSession(flagged)

	svc := NewService(repo, nil, examDirectory{}, aggregatorConfig())

	view, err := svc.LiveView(context.Background(), &monitoring.ListQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, view.Stats.ActiveSessions)
	assert.Equal(t, 1, view.Stats.FlaggedSessions)
	assert.Equal(t, 7, view.Stats.TotalViolations)
}

func TestLiveViewBackfillsNames(t *testing.T) {
	repo := newViewRepo()
	now := time.Now().UTC()
	repo.addSession(activeView("sess-1", "user-1", "exam-1", now))

	svc := NewService(repo, nil, examDirectory{durationMinutes: 90}, aggregatorConfig())

	view, err := svc.LiveView(context.Background(), &monitoring.ListQuery{})
	require.NoError(t, err)
	require.Len(t, view.Sessions, 1)
	assert.Equal(t, "Aggregated Student", view.Sessions[0].UserName)
	assert.Equal(t, "Databases Midterm", view.Sessions[0].ExamTitle)
}

// memViewCache is a single-entry ViewCache used to verify the cache path.
type memViewCache struct {
	view       *models.LiveView
	gets, sets int
}

func (c *memViewCache) Get(ctx context.Context, q *monitoring.ListQuery) (*models.LiveView, error) {
	c.gets++
	return c.view, nil
}

func (c *memViewCache) Set(ctx context.Context, q *monitoring.ListQuery, view *models.LiveView) error {
	c.sets++
	c.view = view
	return nil
}

func (c *memViewCache) Invalidate(ctx context.Context) error {
	c.view = nil
	return nil
}

func TestLiveViewServedFromCache(t *testing.T) {
	repo := newViewRepo()
	repo.addSession(activeView("sess-1", "user-1", "exam-1", time.Now().UTC()))
	cache := &memViewCache{}

	svc := NewService(repo, cache, examDirectory{}, aggregatorConfig())

	first, err := svc.LiveView(context.Background(), &monitoring.ListQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, cache.sets)

	second, err := svc.LiveView(context.Background(), &monitoring.ListQuery{})
	require.NoError(t, err)
	assert.Same(t, first, second, "second query should hit the cache")
	assert.Equal(t, 1, cache.sets)
}

func TestRunMaintenance(t *testing.T) {
	repo := newViewRepo()
	now := time.Now().UTC()

	repo.addSession(activeView("fresh", "user-1", "exam-1", now))

	stale := activeView("stale", "user-2", "exam-1", now.Add(-4*time.Hour))
	repo.addSession(stale)

	old := activeView("old", "user-3", "exam-1", now)
	old.Status = models.StatusSubmitted
	old.UpdatedAt = now.Add(-48 * time.Hour)
	repo.addSession(old)

	svc := NewService(repo, nil, examDirectory{}, aggregatorConfig())
	require.NoError(t, svc.RunMaintenance(context.Background()))

	assert.Equal(t, models.StatusActive, repo.sessions["fresh"].Status)
	assert.Equal(t, models.StatusExpired, repo.sessions["stale"].Status)
	assert.NotContains(t, repo.sessions, "old")
}
