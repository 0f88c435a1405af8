package client

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultHeartbeatInterval matches the server's expectation that an admin
// invalidation becomes observable within one interval.
const DefaultHeartbeatInterval = 10 * time.Second

// ProgressFunc reports the exam surface's current position.
type ProgressFunc func() (currentQuestion, totalQuestions int)

// HeartbeatEmitter keeps the server informed that an attempt is in progress.
// It owns only the heartbeat timer; the shared transport stays available to
// other monitoring concerns after StopSession.
type HeartbeatEmitter struct {
	transport *Transport
	interval  time.Duration
	progress  ProgressFunc

	mu          sync.Mutex
	sessionID   string
	examID      string
	cancel      context.CancelFunc
	invalidated bool
}

func NewHeartbeatEmitter(transport *Transport, interval time.Duration, progress ProgressFunc) *HeartbeatEmitter {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if progress == nil {
		progress = func() (int, int) { return 0, 0 }
	}
	return &HeartbeatEmitter{
		transport: transport,
		interval:  interval,
		progress:  progress,
	}
}

// StartSession obtains a server-issued session id, emits an immediate
// heartbeat and then beats at the configured interval until StopSession or
// a server-side invalidation.
func (e *HeartbeatEmitter) StartSession(ctx context.Context, examID string) (string, error) {
	start, err := e.transport.StartSession(ctx, examID)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.sessionID = start.SessionID
	e.examID = examID
	e.cancel = cancel
	e.invalidated = false
	e.mu.Unlock()

	e.beat(runCtx)
	go e.run(runCtx)

	logrus.WithFields(logrus.Fields{
		"exam_id":    examID,
		"session_id": start.SessionID,
	}).Debug("Heartbeat emitter started")

	return start.SessionID, nil
}

func (e *HeartbeatEmitter) run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.beat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// beat sends one heartbeat. Delivery failure is non-fatal and simply retried
// on the next tick; only the server decides expiry.
func (e *HeartbeatEmitter) beat(ctx context.Context) {
	e.mu.Lock()
	sessionID, examID := e.sessionID, e.examID
	e.mu.Unlock()
	if sessionID == "" {
		return
	}

	current, total := e.progress()
	status, err := e.transport.SendHeartbeat(ctx, &Heartbeat{
		ExamID:          examID,
		SessionID:       sessionID,
		CurrentQuestion: current,
		TotalQuestions:  total,
	})
	if err != nil {
		logrus.WithError(err).Debug("Heartbeat delivery failed, retrying next tick")
		return
	}

	if status.Invalidated {
		logrus.WithFields(logrus.Fields{
			"session_id": sessionID,
			"status":     status.SessionStatus,
		}).Warn("Session invalidated server-side, stopping heartbeats")

		e.mu.Lock()
		e.invalidated = true
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
		e.mu.Unlock()
	}
}

// Invalidated reports whether the server invalidated the session. The exam
// flow must check this before accepting further answers.
func (e *HeartbeatEmitter) Invalidated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.invalidated
}

// SessionID returns the current server-issued session id, empty after stop.
func (e *HeartbeatEmitter) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// StopSession cancels the heartbeat timer and clears local identifiers. The
// shared transport is deliberately left alone: cancellation is scoped to the
// logical session, not the connection.
func (e *HeartbeatEmitter) StopSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.sessionID = ""
	e.examID = ""
}
