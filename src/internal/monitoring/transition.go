package monitoring

import (
	"time"

	"proctorhub-monitoring-svc/src/internal/models"
)

// ApplyEvent is the single transition table for live-session state. Ingestion,
// aggregation and tests all funnel through it, so replaying the same log
// always derives the same status and counts. It never mutates its input.
//
// Admin actions dominate client-reported state: a flag or retake applies no
// matter what the counters say, and heartbeats never revive a terminal or
// flagged session.
func ApplyEvent(s models.LiveSession, e *models.Event, flagThreshold int) models.LiveSession {
	switch e.Kind {
	case models.KindHeartbeat:
		if s.IsTerminal() {
			return s
		}
		if e.Timestamp.After(s.LastHeartbeat) {
			s.LastHeartbeat = e.Timestamp
			if e.Heartbeat != nil {
				s.ProgressCurrent = e.Heartbeat.CurrentQuestion
				s.ProgressTotal = e.Heartbeat.TotalQuestions
			}
		}
		if s.StartTime.IsZero() || e.Timestamp.Before(s.StartTime) {
			s.StartTime = e.Timestamp
		}

	case models.KindViolation:
		// Duplicate reports over-count on purpose: a missed violation is
		// worse than an early flag.
		s.ViolationsCount++
		if s.Status == models.StatusActive && s.ViolationsCount >= flagThreshold {
			s.Status = models.StatusFlagged
		}

	case models.KindAdminAction:
		if e.AdminAction == nil {
			return s
		}
		switch e.AdminAction.Action {
		case models.ActionFlagSession:
			s.Status = models.StatusFlagged
		case models.ActionGrantRetake:
			if s.Status == models.StatusFlagged {
				s.Status = models.StatusSubmitted
			}
		case models.ActionResolveAlert:
			if e.AdminAction.AlertID != "" && !s.HasResolved(e.AdminAction.AlertID) {
				resolved := make([]string, len(s.ResolvedAlertIDs), len(s.ResolvedAlertIDs)+1)
				copy(resolved, s.ResolvedAlertIDs)
				s.ResolvedAlertIDs = append(resolved, e.AdminAction.AlertID)
			}
		}
	}

	return s
}

// LivenessStatus classifies a session against the liveness window. An active
// session whose last heartbeat is older than threshold with no terminal signal
// is abandoned when the student had started answering, expired otherwise
// (typically sessions synthesized from violations with no heartbeat at all).
// Flagged sessions are exempt: a flag sticks until an explicit admin or
// retake action, never silently decays into expired.
func LivenessStatus(s *models.LiveSession, now time.Time, threshold time.Duration) string {
	if s.Status != models.StatusActive {
		return s.Status
	}

	last := s.LastHeartbeat
	if last.IsZero() {
		last = s.StartTime
	}
	if now.Sub(last) <= threshold {
		return s.Status
	}

	if s.ProgressCurrent > 0 {
		return models.StatusAbandoned
	}
	return models.StatusExpired
}
