package monitoring

import (
	"time"

	"proctorhub-monitoring-svc/src/internal/models"
)

// StartSessionRequest begins a monitored exam attempt.
type StartSessionRequest struct {
	ExamID string `json:"examId" binding:"required"`
}

// StartSessionResponse returns the server-issued identifiers. The server is
// authoritative for both the session id and the start time.
type StartSessionResponse struct {
	SessionID string    `json:"sessionId"`
	StartTime time.Time `json:"startTime"`
	Status    string    `json:"status"`
}

// HeartbeatRequest reports liveness and progress for an attempt.
type HeartbeatRequest struct {
	ExamID          string `json:"examId" binding:"required"`
	SessionID       string `json:"sessionId" binding:"required"`
	CurrentQuestion int    `json:"currentQuestion"`
	TotalQuestions  int    `json:"totalQuestions"`
}

// HeartbeatResponse carries the session status back so the client notices an
// admin-side invalidation within one heartbeat interval.
type HeartbeatResponse struct {
	SessionStatus string `json:"sessionStatus"`
	Invalidated   bool   `json:"invalidated"`
}

// ViolationReport is the client-classified behavioral signal.
type ViolationReport struct {
	Type      string          `json:"type" binding:"required"`
	Details   string          `json:"details"`
	Timestamp time.Time       `json:"timestamp"`
	Severity  models.Severity `json:"severity"`
	Level     int             `json:"level"`
}

// ViolationRequest is the report envelope sent by the exam surface.
type ViolationRequest struct {
	Violation       ViolationReport `json:"violation" binding:"required"`
	SessionID       string          `json:"sessionId"`
	ExamID          string          `json:"examId" binding:"required"`
	TotalViolations int             `json:"totalViolations"`
}
