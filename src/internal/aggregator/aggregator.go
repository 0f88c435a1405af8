package aggregator

import (
	"context"
	"fmt"
	"time"

	"proctorhub-monitoring-svc/src/internal/config"
	"proctorhub-monitoring-svc/src/internal/metrics"
	"proctorhub-monitoring-svc/src/internal/models"
	"proctorhub-monitoring-svc/src/internal/monitoring"

	"github.com/sirupsen/logrus"
)

// Service reconstructs the current live-session and alert view for the
// dashboards. The view is a pure function of the event log and session
// projection except for sticky alert resolutions, which always win.
type Service interface {
	LiveView(ctx context.Context, q *monitoring.ListQuery) (*models.LiveView, error)
	RunMaintenance(ctx context.Context) error
}

type service struct {
	repo      monitoring.Repository
	cache     ViewCache
	directory monitoring.Directory
	cfg       *config.MonitoringConfig
}

func NewService(repo monitoring.Repository, cache ViewCache, directory monitoring.Directory, cfg *config.Configuration) Service {
	return &service{
		repo:      repo,
		cache:     cache,
		directory: directory,
		cfg:       &cfg.Monitoring,
	}
}

// LiveView answers a dashboard query, from cache when possible.
func (s *service) LiveView(ctx context.Context, q *monitoring.ListQuery) (*models.LiveView, error) {
	if s.cache != nil {
		if view, err := s.cache.Get(ctx, q); err == nil && view != nil {
			return view, nil
		}
	}

	started := time.Now()
	view, err := s.aggregate(ctx, q, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	metrics.AggregationDuration.Observe(float64(time.Since(started).Milliseconds()))

	if s.cache != nil {
		if err := s.cache.Set(ctx, q, view); err != nil {
			logrus.WithError(err).Warn("Failed to cache live view")
		}
	}

	return view, nil
}

// aggregate rebuilds the view from storage. Running it twice over the same
// log state yields the same counts and statuses; only resolved alert ids,
// carried on the sessions themselves, are sticky.
func (s *service) aggregate(ctx context.Context, q *monitoring.ListQuery, now time.Time) (*models.LiveView, error) {
	sessions, err := s.repo.ListSessions(ctx, q)
	if err != nil {
		return nil, err
	}

	since := now.Add(-time.Duration(s.cfg.AlertWindowMinutes) * time.Minute)
	violations, err := s.repo.FindViolationEvents(ctx, since, q)
	if err != nil {
		return nil, err
	}

	bySessionKey := make(map[string]*models.LiveSession, len(sessions))
	for _, session := range sessions {
		bySessionKey[sessionKey(session.UserID, session.ExamID)] = session
	}

	// Reconstruction fallback: violating students whose start signal was
	// lost still show up, synthesized from their earliest violation.
	synthesized := s.synthesizeSessions(bySessionKey, violations, now)

	var live []*models.LiveSession
	for _, session := range sessions {
		if session.Status != models.StatusActive && session.Status != models.StatusFlagged {
			continue
		}
		status := monitoring.LivenessStatus(session, now, s.livenessThreshold(ctx, session.ExamID))
		if status != session.Status {
			// Stale: transition in storage and drop from the active view.
			// A concurrent heartbeat wins the race via the status filter.
			if _, err := s.repo.MarkStale(ctx, session.SessionID, status); err != nil {
				logrus.WithError(err).WithField("session_id", session.SessionID).Warn("Failed to expire stale session")
			}
			session.Status = status
			continue
		}
		live = append(live, session)
	}
	live = append(live, synthesized...)

	alerts := s.deriveAlerts(violations, bySessionKey)

	for _, session := range live {
		s.backfillNames(ctx, session)
	}

	view := &models.LiveView{
		Sessions:    live,
		Alerts:      alerts,
		Stats:       buildStats(live, alerts),
		GeneratedAt: now,
	}
	return view, nil
}

// synthesizeSessions builds deterministic session entries for (user, exam)
// keys that have recent violations but no session row. They are view-only:
// nothing is persisted, so re-running the aggregation stays idempotent.
func (s *service) synthesizeSessions(existing map[string]*models.LiveSession, violations []*models.Event, now time.Time) []*models.LiveSession {
	grouped := make(map[string][]*models.Event)
	for _, event := range violations {
		key := sessionKey(event.UserID, event.ExamID)
		if _, ok := existing[key]; ok {
			continue
		}
		grouped[key] = append(grouped[key], event)
	}

	var synthesized []*models.LiveSession
	for _, events := range grouped {
		first := events[0] // FindViolationEvents sorts by timestamp ascending
		session := &models.LiveSession{
			SessionID:        fmt.Sprintf("synth-%s-%s", first.UserID, first.ExamID),
			UserID:           first.UserID,
			ExamID:           first.ExamID,
			StartTime:        first.Timestamp,
			LastHeartbeat:    events[len(events)-1].Timestamp,
			ViolationsCount:  len(events),
			Status:           models.StatusActive,
			ResolvedAlertIDs: []string{},
			UpdatedAt:        now,
		}
		if session.ViolationsCount >= s.cfg.FlagThreshold {
			session.Status = models.StatusFlagged
		}
		existing[sessionKey(first.UserID, first.ExamID)] = session
		synthesized = append(synthesized, session)

		logrus.WithFields(logrus.Fields{
			"user_id": first.UserID,
			"exam_id": first.ExamID,
			"count":   len(events),
		}).Info("Synthesized session from violations without start signal")
	}

	return synthesized
}

// deriveAlerts projects recent violations into dashboard alerts. An alert id
// is the violation's event-log id; resolution is read from the owning
// session's sticky resolved list, never recomputed from the raw events.
func (s *service) deriveAlerts(violations []*models.Event, sessions map[string]*models.LiveSession) []*models.Alert {
	alerts := make([]*models.Alert, 0, len(violations))
	for _, event := range violations {
		if event.ID.IsZero() {
			continue
		}
		alertID := event.ID.Hex()

		alert := &models.Alert{
			ID:        alertID,
			SessionID: event.SessionID,
			UserID:    event.UserID,
			ExamID:    event.ExamID,
			Type:      event.Violation.Type,
			Message:   event.Violation.Message,
			Severity:  event.Violation.Severity,
			Timestamp: event.Timestamp,
		}

		if session, ok := sessions[sessionKey(event.UserID, event.ExamID)]; ok {
			alert.Resolved = session.HasResolved(alertID)
			alert.UserName = session.UserName
			alert.ExamTitle = session.ExamTitle
			if alert.SessionID == "" {
				alert.SessionID = session.SessionID
			}
		}

		alerts = append(alerts, alert)
	}
	return alerts
}

// RunMaintenance expires stale sessions and purges terminal ones past the
// retention window. Wired to a periodic ticker at startup.
func (s *service) RunMaintenance(ctx context.Context) error {
	sessions, err := s.repo.ListSessions(ctx, &monitoring.ListQuery{
		Statuses: []string{models.StatusActive},
	})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	expired := 0
	for _, session := range sessions {
		status := monitoring.LivenessStatus(session, now, s.livenessThreshold(ctx, session.ExamID))
		if status == session.Status {
			continue
		}
		changed, err := s.repo.MarkStale(ctx, session.SessionID, status)
		if err != nil {
			logrus.WithError(err).WithField("session_id", session.SessionID).Warn("Failed to expire stale session")
			continue
		}
		if changed {
			expired++
		}
	}

	cutoff := now.Add(-time.Duration(s.cfg.RetentionHours) * time.Hour)
	purged, err := s.repo.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return err
	}

	if expired > 0 || purged > 0 {
		logrus.WithFields(logrus.Fields{
			"expired": expired,
			"purged":  purged,
		}).Info("Session maintenance pass completed")
	}
	return nil
}

// livenessThreshold derives the allowed heartbeat gap from the exam duration
// (1.5x by default) and falls back to the configured window when the exam
// directory has no answer.
func (s *service) livenessThreshold(ctx context.Context, examID string) time.Duration {
	fallback := time.Duration(s.cfg.LivenessFallbackMinutes) * time.Minute
	if s.directory == nil {
		return fallback
	}

	exam, err := s.directory.LookupExam(ctx, examID)
	if err != nil || exam.DurationMinutes <= 0 {
		return fallback
	}

	factor := s.cfg.LivenessDurationFactor
	if factor <= 0 {
		factor = 1.5
	}
	return time.Duration(float64(exam.DurationMinutes) * factor * float64(time.Minute))
}

func (s *service) backfillNames(ctx context.Context, session *models.LiveSession) {
	if s.directory == nil {
		return
	}
	if session.ExamTitle == "" {
		if exam, err := s.directory.LookupExam(ctx, session.ExamID); err == nil {
			session.ExamTitle = exam.Title
		}
	}
	if session.UserName == "" {
		if user, err := s.directory.LookupUser(ctx, session.UserID); err == nil {
			session.UserName = user.Name
		}
	}
}

func buildStats(sessions []*models.LiveSession, alerts []*models.Alert) *models.MonitoringStats {
	stats := &models.MonitoringStats{}
	for _, session := range sessions {
		switch session.Status {
		case models.StatusActive:
			stats.ActiveSessions++
		case models.StatusFlagged:
			stats.FlaggedSessions++
		}
		stats.TotalViolations += session.ViolationsCount
	}
	for _, alert := range alerts {
		if !alert.Resolved {
			stats.UnresolvedAlerts++
		}
	}
	return stats
}

func sessionKey(userID, examID string) string {
	return userID + "|" + examID
}
