package admin

import (
	"context"
	"errors"
	"time"

	"proctorhub-monitoring-svc/src/internal/aggregator"
	"proctorhub-monitoring-svc/src/internal/models"
	"proctorhub-monitoring-svc/src/internal/monitoring"
	"proctorhub-monitoring-svc/src/internal/realtime"

	"github.com/sirupsen/logrus"
)

// Service applies privileged overrides. Admin state always wins over
// client-reported state: every mutation here is written through the same
// storage guards as ingestion, audited in the event log, republished on the
// realtime bus and eagerly invalidates the aggregation cache.
type Service interface {
	ResolveAlert(ctx context.Context, actorID, alertID string) error
	FlagSession(ctx context.Context, actorID, sessionID, reason string) (*models.LiveSession, error)
	GrantRetake(ctx context.Context, actorID, userID, examID string) (int, error)
}

type service struct {
	repo      monitoring.Repository
	publisher realtime.Publisher
	cache     aggregator.ViewCache
}

func NewService(repo monitoring.Repository, publisher realtime.Publisher, cache aggregator.ViewCache) Service {
	return &service{
		repo:      repo,
		publisher: publisher,
		cache:     cache,
	}
}

// ResolveAlert pins the alert id to the owning session's sticky resolved
// list. Once set, no re-aggregation of the raw log can revive the alert.
func (s *service) ResolveAlert(ctx context.Context, actorID, alertID string) error {
	event, err := s.repo.FindEventByID(ctx, alertID)
	if err != nil {
		if errors.Is(err, models.ErrRecordNotFound) || errors.Is(err, models.ErrInvalidParams) {
			return models.ErrAlertNotFound
		}
		return err
	}

	session, err := s.owningSession(ctx, event)
	if err != nil {
		return err
	}

	session, err = s.repo.AddResolvedAlert(ctx, session.SessionID, alertID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	s.audit(ctx, &models.Event{
		Kind:      models.KindAdminAction,
		UserID:    event.UserID,
		ExamID:    event.ExamID,
		SessionID: session.SessionID,
		Timestamp: now,
		AdminAction: &models.AdminActionPayload{
			Action:  models.ActionResolveAlert,
			ActorID: actorID,
			AlertID: alertID,
		},
	})

	alert := &models.Alert{
		ID:        alertID,
		SessionID: session.SessionID,
		UserID:    session.UserID,
		UserName:  session.UserName,
		ExamID:    session.ExamID,
		ExamTitle: session.ExamTitle,
		Timestamp: event.Timestamp,
		Resolved:  true,
	}
	if event.Violation != nil {
		alert.Type = event.Violation.Type
		alert.Message = event.Violation.Message
		alert.Severity = event.Violation.Severity
	}
	s.publisher.Publish(&models.ChangeEvent{
		Kind:      models.ChangeAlertResolved,
		Alert:     alert,
		Timestamp: now,
	})

	s.invalidate(ctx)

	logrus.WithFields(logrus.Fields{
		"alert_id":   alertID,
		"session_id": session.SessionID,
		"actor_id":   actorID,
	}).Info("Alert resolved")
	return nil
}

// FlagSession forces flagged regardless of the violation count and
// independent of anything the client has reported.
func (s *service) FlagSession(ctx context.Context, actorID, sessionID, reason string) (*models.LiveSession, error) {
	session, err := s.repo.FlagSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	auditID := s.audit(ctx, &models.Event{
		Kind:      models.KindAdminAction,
		UserID:    session.UserID,
		ExamID:    session.ExamID,
		SessionID: sessionID,
		Timestamp: now,
		AdminAction: &models.AdminActionPayload{
			Action:  models.ActionFlagSession,
			ActorID: actorID,
			Reason:  reason,
		},
	})

	s.publisher.Publish(&models.ChangeEvent{
		Kind:      models.ChangeSessionUpdated,
		Session:   session,
		Timestamp: now,
	})
	s.publisher.Publish(&models.ChangeEvent{
		Kind: models.ChangeAlertCreated,
		Alert: &models.Alert{
			ID:        auditID,
			SessionID: sessionID,
			UserID:    session.UserID,
			UserName:  session.UserName,
			ExamID:    session.ExamID,
			ExamTitle: session.ExamTitle,
			Type:      models.ViolationAdminFlag,
			Message:   reason,
			Severity:  models.SeverityCritical,
			Timestamp: now,
		},
		Timestamp: now,
	})

	s.invalidate(ctx)

	logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"actor_id":   actorID,
		"reason":     reason,
	}).Warn("Session flagged by admin")
	return session, nil
}

// GrantRetake clears flagged state on every session of the (user, exam) pair
// in one storage command, so "retake allowed but still flagged" cannot occur.
// Lecturer discretion overrides any prior admin invalidation.
func (s *service) GrantRetake(ctx context.Context, actorID, userID, examID string) (int, error) {
	cleared, err := s.repo.ClearFlagged(ctx, userID, examID)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	s.audit(ctx, &models.Event{
		Kind:      models.KindAdminAction,
		UserID:    userID,
		ExamID:    examID,
		Timestamp: now,
		AdminAction: &models.AdminActionPayload{
			Action:  models.ActionGrantRetake,
			ActorID: actorID,
		},
	})

	for _, session := range cleared {
		s.publisher.Publish(&models.ChangeEvent{
			Kind:      models.ChangeSessionUpdated,
			Session:   session,
			Timestamp: now,
		})
	}

	s.invalidate(ctx)

	logrus.WithFields(logrus.Fields{
		"user_id":  userID,
		"exam_id":  examID,
		"cleared":  len(cleared),
		"actor_id": actorID,
	}).Info("Retake granted, flags cleared")
	return len(cleared), nil
}

// owningSession resolves the session an alert belongs to. Events logged
// before a session existed carry no session id, so the (user, exam) key is
// the fallback; the most recent session for the key owns the alert.
func (s *service) owningSession(ctx context.Context, event *models.Event) (*models.LiveSession, error) {
	if event.SessionID != "" {
		session, err := s.repo.GetBySessionID(ctx, event.SessionID)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, models.ErrSessionNotFound) {
			return nil, err
		}
	}

	sessions, err := s.repo.ListSessions(ctx, &monitoring.ListQuery{
		UserID: event.UserID,
		ExamID: event.ExamID,
	})
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, models.ErrSessionNotFound
	}
	return sessions[0], nil
}

func (s *service) audit(ctx context.Context, event *models.Event) string {
	eventID, err := s.repo.AppendEvent(ctx, event)
	if err != nil {
		logrus.WithError(err).WithField("action", event.AdminAction.Action).Warn("Admin audit event not persisted")
	}
	return eventID
}

func (s *service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		logrus.WithError(err).Warn("Failed to invalidate live view cache")
	}
}
