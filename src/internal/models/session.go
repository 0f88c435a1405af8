package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Session status constants
const (
	StatusActive    = "active"
	StatusFlagged   = "flagged"
	StatusSubmitted = "submitted"
	StatusExpired   = "expired"
	StatusAbandoned = "abandoned"
)

// LiveSession is the ephemeral per-attempt projection, keyed by
// (user_id, exam_id) with at most one active instance per key. It is
// derived from the event log and may be rebuilt from it at any time;
// only resolved alert ids are sticky across rebuilds.
type LiveSession struct {
	ID               primitive.ObjectID `json:"-" bson:"_id,omitempty"`
	SessionID        string             `json:"sessionId" bson:"session_id"`
	UserID           string             `json:"userId" bson:"user_id"`
	UserName         string             `json:"userName" bson:"user_name"`
	ExamID           string             `json:"examId" bson:"exam_id"`
	ExamTitle        string             `json:"examTitle" bson:"exam_title"`
	StartTime        time.Time          `json:"startTime" bson:"start_time"`
	LastHeartbeat    time.Time          `json:"lastHeartbeat" bson:"last_heartbeat"`
	ProgressCurrent  int                `json:"progressCurrent" bson:"progress_current"`
	ProgressTotal    int                `json:"progressTotal" bson:"progress_total"`
	ViolationsCount  int                `json:"violationsCount" bson:"violations_count"`
	Status           string             `json:"status" bson:"status"`
	IPAddress        string             `json:"ipAddress,omitempty" bson:"ip_address,omitempty"`
	UserAgent        string             `json:"userAgent,omitempty" bson:"user_agent,omitempty"`
	ResolvedAlertIDs []string           `json:"resolvedAlertIds" bson:"resolved_alert_ids"`
	UpdatedAt        time.Time          `json:"updatedAt" bson:"updated_at"`
}

// IsTerminal reports whether the session has left the active lifecycle.
func (s *LiveSession) IsTerminal() bool {
	switch s.Status {
	case StatusSubmitted, StatusExpired, StatusAbandoned:
		return true
	}
	return false
}

// HasResolved reports whether alertID was stickily resolved on this session.
func (s *LiveSession) HasResolved(alertID string) bool {
	for _, id := range s.ResolvedAlertIDs {
		if id == alertID {
			return true
		}
	}
	return false
}
