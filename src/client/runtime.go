package client

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// RuntimeConfig configures one monitored exam attempt.
type RuntimeConfig struct {
	ExamID            string
	Role              string
	MonitoringEnabled bool

	HeartbeatInterval time.Duration
	Progress          ProgressFunc
	Detector          DetectorConfig
	Notifier          Notifier
}

// SessionRuntime owns the client-side lifecycle of a monitored attempt: one
// shared transport, a heartbeat emitter and a violation detector. Stop ends
// the attempt's timers but leaves the transport usable for the next attempt.
type SessionRuntime struct {
	transport *Transport
	emitter   *HeartbeatEmitter
	detector  *Detector

	cfg     RuntimeConfig
	started bool
}

// NewSessionRuntime wires a runtime onto an existing transport.
func NewSessionRuntime(transport *Transport, cfg RuntimeConfig) *SessionRuntime {
	detectorCfg := cfg.Detector
	detectorCfg.Role = cfg.Role
	detectorCfg.Enabled = cfg.MonitoringEnabled
	detectorCfg.ExamID = cfg.ExamID
	if detectorCfg.OnNotify == nil {
		detectorCfg.OnNotify = cfg.Notifier
	}

	return &SessionRuntime{
		transport: transport,
		emitter:   NewHeartbeatEmitter(transport, cfg.HeartbeatInterval, cfg.Progress),
		detector:  NewDetector(detectorCfg, transport),
		cfg:       cfg,
	}
}

// Start registers the session with the server and begins heartbeats and
// detection. Non-students get a no-op detector but still heartbeat, so the
// lecturer preview looks like the student experience.
func (r *SessionRuntime) Start(ctx context.Context) (string, error) {
	sessionID, err := r.emitter.StartSession(ctx, r.cfg.ExamID)
	if err != nil {
		return "", err
	}
	r.detector.SetSession(sessionID, r.cfg.ExamID)
	r.started = true

	logrus.WithFields(logrus.Fields{
		"sessionId": sessionID,
		"examId":    r.cfg.ExamID,
		"detector":  r.detector.State().Active,
	}).Info("Monitoring session started")
	return sessionID, nil
}

// Observe forwards a raw surface signal to the detector.
func (r *SessionRuntime) Observe(sig SurfaceSignal) {
	r.detector.Observe(sig)
}

// State returns the detector's uniform view.
func (r *SessionRuntime) State() DetectorState {
	return r.detector.State()
}

// Invalidated reports whether the server has terminated the session.
func (r *SessionRuntime) Invalidated() bool {
	return r.emitter.Invalidated()
}

// SessionID returns the server-issued session id, empty before Start.
func (r *SessionRuntime) SessionID() string {
	return r.emitter.SessionID()
}

// Stop ends heartbeats and cancels detector timers. The transport stays
// alive: submission and result calls reuse it after the attempt ends.
func (r *SessionRuntime) Stop() {
	if !r.started {
		return
	}
	r.emitter.StopSession()
	r.detector.Stop()
	r.started = false
	logrus.WithField("examId", r.cfg.ExamID).Debug("Monitoring session stopped")
}
