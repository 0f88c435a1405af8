package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Event kind discriminants for the append-only monitoring log.
const (
	KindHeartbeat   = "heartbeat"
	KindViolation   = "violation"
	KindAdminAction = "admin_action"
)

// Admin action constants
const (
	ActionResolveAlert = "resolve_alert"
	ActionFlagSession  = "flag_session"
	ActionGrantRetake  = "grant_retake"
	ActionStartSession = "start_session"
)

// Event is a single entry in the append-only monitoring log. Exactly one
// payload matching Kind is populated; Validate enforces this at the
// ingestion boundary.
type Event struct {
	ID          primitive.ObjectID  `json:"id" bson:"_id,omitempty"`
	Kind        string              `json:"kind" bson:"kind"`
	UserID      string              `json:"userId" bson:"user_id"`
	ExamID      string              `json:"examId" bson:"exam_id"`
	SessionID   string              `json:"sessionId" bson:"session_id"`
	Timestamp   time.Time           `json:"timestamp" bson:"timestamp"`
	Heartbeat   *HeartbeatPayload   `json:"heartbeat,omitempty" bson:"heartbeat,omitempty"`
	Violation   *ViolationPayload   `json:"violation,omitempty" bson:"violation,omitempty"`
	AdminAction *AdminActionPayload `json:"adminAction,omitempty" bson:"admin_action,omitempty"`
}

// HeartbeatPayload carries liveness and progress for an in-flight attempt.
type HeartbeatPayload struct {
	CurrentQuestion int `json:"currentQuestion" bson:"current_question"`
	TotalQuestions  int `json:"totalQuestions" bson:"total_questions"`
}

// ViolationPayload is an immutable behavioral fact reported by the exam surface.
type ViolationPayload struct {
	Type     string   `json:"type" bson:"type"`
	Message  string   `json:"message" bson:"message"`
	Severity Severity `json:"severity" bson:"severity"`
}

// AdminActionPayload is the audit record of a privileged override.
type AdminActionPayload struct {
	Action  string `json:"action" bson:"action"`
	ActorID string `json:"actorId" bson:"actor_id"`
	Reason  string `json:"reason,omitempty" bson:"reason,omitempty"`
	AlertID string `json:"alertId,omitempty" bson:"alert_id,omitempty"`
}

// Validate checks the discriminant against the populated payload.
func (e *Event) Validate() error {
	if e.UserID == "" || e.ExamID == "" {
		return ErrInvalidEvent
	}
	switch e.Kind {
	case KindHeartbeat:
		if e.Heartbeat == nil || e.Violation != nil || e.AdminAction != nil {
			return ErrInvalidEvent
		}
		if e.SessionID == "" {
			return ErrInvalidEvent
		}
	case KindViolation:
		if e.Violation == nil || e.Heartbeat != nil || e.AdminAction != nil {
			return ErrInvalidEvent
		}
		if e.Violation.Type == "" || !e.Violation.Severity.Valid() {
			return ErrInvalidEvent
		}
	case KindAdminAction:
		if e.AdminAction == nil || e.Heartbeat != nil || e.Violation != nil {
			return ErrInvalidEvent
		}
		if e.AdminAction.Action == "" || e.AdminAction.ActorID == "" {
			return ErrInvalidEvent
		}
	default:
		return ErrInvalidEvent
	}
	return nil
}

// Realtime change-event kinds pushed to dashboards.
const (
	ChangeSessionCreated = "session_created"
	ChangeSessionUpdated = "session_updated"
	ChangeAlertCreated   = "alert_created"
	ChangeAlertResolved  = "alert_resolved"
)

// ChangeEvent is the full-state envelope published on the realtime bus.
// Consumers treat it as an idempotent replacement keyed by session/alert id,
// never as a delta.
type ChangeEvent struct {
	Kind      string       `json:"kind"`
	Session   *LiveSession `json:"session,omitempty"`
	Alert     *Alert       `json:"alert,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Topics returns the bus topics this change fans out to: the global feed
// plus the per-exam and per-user feeds of the affected entity.
func (c *ChangeEvent) Topics() []string {
	var examID, userID string
	switch {
	case c.Session != nil:
		examID, userID = c.Session.ExamID, c.Session.UserID
	case c.Alert != nil:
		examID, userID = c.Alert.ExamID, c.Alert.UserID
	}

	topics := []string{TopicAll}
	if examID != "" {
		topics = append(topics, TopicExam(examID))
	}
	if userID != "" {
		topics = append(topics, TopicUser(userID))
	}
	return topics
}

// Bus topic names.
const TopicAll = "monitoring.all"

func TopicExam(examID string) string { return "monitoring.exam." + examID }

func TopicUser(userID string) string { return "monitoring.user." + userID }
