package monitoring

import (
	"context"
	"errors"
	"time"

	"proctorhub-monitoring-svc/src/clients"
	"proctorhub-monitoring-svc/src/internal/config"
	"proctorhub-monitoring-svc/src/internal/metrics"
	"proctorhub-monitoring-svc/src/internal/middleware"
	"proctorhub-monitoring-svc/src/internal/models"
	"proctorhub-monitoring-svc/src/internal/realtime"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Directory resolves display names and exam metadata from the main platform.
type Directory interface {
	LookupExam(ctx context.Context, examID string) (*clients.ExamInfo, error)
	LookupUser(ctx context.Context, userID string) (*clients.UserInfo, error)
}

// Service is the authenticated write path for heartbeats and violations.
type Service interface {
	StartSession(ctx context.Context, userID, examID, ipAddress, userAgent string) (*StartSessionResponse, error)
	RecordHeartbeat(ctx context.Context, userID string, req *HeartbeatRequest) (*HeartbeatResponse, error)
	RecordViolation(ctx context.Context, userID, role string, req *ViolationRequest) error
}

type service struct {
	repo      Repository
	directory Directory
	publisher realtime.Publisher
	cfg       *config.MonitoringConfig
}

func NewService(repo Repository, directory Directory, publisher realtime.Publisher, cfg *config.Configuration) Service {
	return &service{
		repo:      repo,
		directory: directory,
		publisher: publisher,
		cfg:       &cfg.Monitoring,
	}
}

// StartSession issues a server-authoritative session id and start time,
// superseding any stale active session for the (user, exam) key.
func (s *service) StartSession(ctx context.Context, userID, examID, ipAddress, userAgent string) (*StartSessionResponse, error) {
	superseded, err := s.repo.SupersedeActive(ctx, userID, examID)
	if err != nil {
		return nil, err
	}
	if superseded > 0 {
		logrus.WithFields(logrus.Fields{
			"user_id":    userID,
			"exam_id":    examID,
			"superseded": superseded,
		}).Info("Superseded stale active sessions for new attempt")
	}

	now := time.Now().UTC()
	session := &models.LiveSession{
		SessionID:        uuid.NewString(),
		UserID:           userID,
		ExamID:           examID,
		StartTime:        now,
		LastHeartbeat:    now,
		Status:           models.StatusActive,
		IPAddress:        ipAddress,
		UserAgent:        userAgent,
		ResolvedAlertIDs: []string{},
		UpdatedAt:        now,
	}
	s.backfillNames(ctx, session)

	if err := s.repo.InsertSession(ctx, session); err != nil {
		return nil, err
	}

	s.appendBestEffort(ctx, &models.Event{
		Kind:      models.KindAdminAction,
		UserID:    userID,
		ExamID:    examID,
		SessionID: session.SessionID,
		Timestamp: now,
		AdminAction: &models.AdminActionPayload{
			Action:  models.ActionStartSession,
			ActorID: userID,
		},
	})

	s.publisher.Publish(&models.ChangeEvent{
		Kind:      models.ChangeSessionCreated,
		Session:   session,
		Timestamp: now,
	})

	logrus.WithFields(logrus.Fields{
		"user_id":    userID,
		"exam_id":    examID,
		"session_id": session.SessionID,
	}).Info("Monitoring session started")

	return &StartSessionResponse{
		SessionID: session.SessionID,
		StartTime: session.StartTime,
		Status:    session.Status,
	}, nil
}

// RecordHeartbeat applies a heartbeat idempotently and answers with the
// current status so the exam surface can detect admin-side invalidation.
func (s *service) RecordHeartbeat(ctx context.Context, userID string, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	existing, err := s.repo.GetBySessionID(ctx, req.SessionID)
	if err != nil && !errors.Is(err, models.ErrSessionNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.UserID != userID {
			logrus.WithFields(logrus.Fields{
				"session_id": req.SessionID,
				"user_id":    userID,
				"owner_id":   existing.UserID,
			}).Warn("Heartbeat for session owned by another user")
			return nil, models.ErrSessionNotOwned
		}
		if existing.IsTerminal() {
			// The attempt was closed server-side; tell the client to stop.
			return &HeartbeatResponse{
				SessionStatus: existing.Status,
				Invalidated:   true,
			}, nil
		}
	}

	event := &models.Event{
		Kind:      models.KindHeartbeat,
		UserID:    userID,
		ExamID:    req.ExamID,
		SessionID: req.SessionID,
		Timestamp: time.Now().UTC(),
		Heartbeat: &models.HeartbeatPayload{
			CurrentQuestion: req.CurrentQuestion,
			TotalQuestions:  req.TotalQuestions,
		},
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}

	s.appendBestEffort(ctx, event)

	session, created, err := s.repo.UpsertHeartbeat(ctx, event)
	if err != nil {
		return nil, err
	}
	if created {
		s.backfillNames(ctx, session)
	}

	metrics.HeartbeatsIngested.Inc()

	kind := models.ChangeSessionUpdated
	if created {
		kind = models.ChangeSessionCreated
	}
	s.publisher.Publish(&models.ChangeEvent{
		Kind:      kind,
		Session:   session,
		Timestamp: event.Timestamp,
	})

	return &HeartbeatResponse{
		SessionStatus: session.Status,
		Invalidated:   session.IsTerminal(),
	}, nil
}

// RecordViolation appends the violation as a unique fact and rolls the count
// into the owning session. Reports from non-student roles are dropped without
// error to keep the signal clean; a missing session is not an error either,
// the aggregator later synthesizes one from the logged events.
func (s *service) RecordViolation(ctx context.Context, userID, role string, req *ViolationRequest) error {
	if role != middleware.RoleStudent {
		metrics.ViolationsDropped.Inc()
		logrus.WithFields(logrus.Fields{
			"user_id": userID,
			"role":    role,
		}).Debug("Dropping violation report from non-student role")
		return nil
	}

	severity := req.Violation.Severity
	if !severity.Valid() {
		severity = models.DetermineSeverity(req.Violation.Type, req.Violation.Level)
	}

	timestamp := req.Violation.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	event := &models.Event{
		Kind:      models.KindViolation,
		UserID:    userID,
		ExamID:    req.ExamID,
		SessionID: req.SessionID,
		Timestamp: timestamp,
		Violation: &models.ViolationPayload{
			Type:     req.Violation.Type,
			Message:  req.Violation.Details,
			Severity: severity,
		},
	}
	if err := event.Validate(); err != nil {
		return err
	}

	eventID, appendErr := s.repo.AppendEvent(ctx, event)
	if appendErr != nil {
		// Best-effort: losing one log entry must not disrupt exam-taking.
		logrus.WithError(appendErr).Warn("Violation event not persisted, continuing")
	}

	metrics.ViolationsIngested.WithLabelValues(req.Violation.Type, string(severity)).Inc()

	session, err := s.repo.IncrementViolations(ctx, userID, req.ExamID)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			logrus.WithFields(logrus.Fields{
				"user_id": userID,
				"exam_id": req.ExamID,
			}).Info("Violation without live session, deferring to aggregation fallback")
			return nil
		}
		return err
	}

	s.publisher.Publish(&models.ChangeEvent{
		Kind:      models.ChangeSessionUpdated,
		Session:   session,
		Timestamp: timestamp,
	})

	if session.Status == models.StatusActive && session.ViolationsCount >= s.cfg.FlagThreshold {
		flagged, err := s.repo.FlagOnThreshold(ctx, session.SessionID, s.cfg.FlagThreshold)
		if err != nil {
			return err
		}
		if flagged {
			session.Status = models.StatusFlagged
			metrics.SessionsFlagged.Inc()

			logrus.WithFields(logrus.Fields{
				"session_id": session.SessionID,
				"user_id":    userID,
				"exam_id":    req.ExamID,
				"violations": session.ViolationsCount,
			}).Warn("Session flagged on violation threshold")

			s.publisher.Publish(&models.ChangeEvent{
				Kind:      models.ChangeSessionUpdated,
				Session:   session,
				Timestamp: timestamp,
			})
			s.publisher.Publish(&models.ChangeEvent{
				Kind: models.ChangeAlertCreated,
				Alert: &models.Alert{
					ID:        eventID,
					SessionID: session.SessionID,
					UserID:    session.UserID,
					UserName:  session.UserName,
					ExamID:    session.ExamID,
					ExamTitle: session.ExamTitle,
					Type:      req.Violation.Type,
					Message:   req.Violation.Details,
					Severity:  severity,
					Timestamp: timestamp,
				},
				Timestamp: timestamp,
			})
		}
	}

	return nil
}

// appendBestEffort writes to the event log without failing the request. The
// monitoring write path degrades to a warning when the log store is down.
func (s *service) appendBestEffort(ctx context.Context, event *models.Event) {
	if _, err := s.repo.AppendEvent(ctx, event); err != nil {
		logrus.WithError(err).WithField("kind", event.Kind).Warn("Monitoring event not persisted, continuing")
	}
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
