package monitoring

import (
	"testing"
	"time"

	"proctorhub-monitoring-svc/src/internal/models"
)

const testFlagThreshold = 5

func baseTime() time.Time {
	return time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
}

func activeSession() models.LiveSession {
	return models.LiveSession{
		SessionID:     "sess-1",
		UserID:        "user-1",
		ExamID:        "exam-1",
		Status:        models.StatusActive,
		StartTime:     baseTime(),
		LastHeartbeat: baseTime(),
	}
}

func heartbeatAt(ts time.Time, current, total int) *models.Event {
	return &models.Event{
		Kind:      models.KindHeartbeat,
		UserID:    "user-1",
		ExamID:    "exam-1",
		SessionID: "sess-1",
		Timestamp: ts,
		Heartbeat: &models.HeartbeatPayload{CurrentQuestion: current, TotalQuestions: total},
	}
}

func violationEvent() *models.Event {
	return &models.Event{
		Kind:      models.KindViolation,
		UserID:    "user-1",
		ExamID:    "exam-1",
		Timestamp: baseTime(),
		Violation: &models.ViolationPayload{Type: models.ViolationTabSwitch, Severity: models.SeverityHigh},
	}
}

func adminEvent(action, alertID string) *models.Event {
	return &models.Event{
		Kind:      models.KindAdminAction,
		UserID:    "user-1",
		ExamID:    "exam-1",
		Timestamp: baseTime(),
		AdminAction: &models.AdminActionPayload{
			Action:  action,
			ActorID: "admin-1",
			AlertID: alertID,
		},
	}
}

func TestApplyEventHeartbeat(t *testing.T) {
	tests := []struct {
		name       string
		session    func() models.LiveSession
		event      *models.Event
		wantBeat   time.Time
		wantStatus string
		wantProg   int
	}{
		{
			name:       "newer heartbeat advances",
			session:    activeSession,
			event:      heartbeatAt(baseTime().Add(10*time.Second), 4, 20),
			wantBeat:   baseTime().Add(10 * time.Second),
			wantStatus: models.StatusActive,
			wantProg:   4,
		},
		{
			name:       "older heartbeat ignored",
			session:    activeSession,
			event:      heartbeatAt(baseTime().Add(-10*time.Second), 4, 20),
			wantBeat:   baseTime(),
			wantStatus: models.StatusActive,
			wantProg:   0,
		},
		{
			name: "equal timestamp ignored",
			session: func() models.LiveSession {
				s := activeSession()
				s.ProgressCurrent = 7
				return s
			},
			event:      heartbeatAt(baseTime(), 2, 20),
			wantBeat:   baseTime(),
			wantStatus: models.StatusActive,
			wantProg:   7,
		},
		{
			name: "terminal session never revived",
			session: func() models.LiveSession {
				s := activeSession()
				s.Status = models.StatusSubmitted
				return s
			},
			event:      heartbeatAt(baseTime().Add(time.Minute), 5, 20),
			wantBeat:   baseTime(),
			wantStatus: models.StatusSubmitted,
			wantProg:   0,
		},
		{
			name: "flagged session accepts heartbeat but stays flagged",
			session: func() models.LiveSession {
				s := activeSession()
				s.Status = models.StatusFlagged
				return s
			},
			event:      heartbeatAt(baseTime().Add(time.Minute), 6, 20),
			wantBeat:   baseTime().Add(time.Minute),
			wantStatus: models.StatusFlagged,
			wantProg:   6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApplyEvent(tt.session(), tt.event, testFlagThreshold)
			if !got.LastHeartbeat.Equal(tt.wantBeat) {
				t.Errorf("LastHeartbeat = %v, want %v", got.LastHeartbeat, tt.wantBeat)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", got.Status, tt.wantStatus)
			}
			if got.ProgressCurrent != tt.wantProg {
				t.Errorf("ProgressCurrent = %d, want %d", got.ProgressCurrent, tt.wantProg)
			}
		})
	}
}

func TestApplyEventHeartbeatIdempotent(t *testing.T) {
	// Replaying the same heartbeat any number of times must converge on
	// one state.
	event := heartbeatAt(baseTime().Add(5*time.Second), 3, 20)
	once := ApplyEvent(activeSession(), event, testFlagThreshold)
	twice := ApplyEvent(once, event, testFlagThreshold)

	if !twice.LastHeartbeat.Equal(once.LastHeartbeat) || twice.ProgressCurrent != once.ProgressCurrent {
		t.Fatalf("replay diverged: %+v vs %+v", once, twice)
	}
}

func TestApplyEventViolationThreshold(t *testing.T) {
	s := activeSession()
	for i := 0; i < testFlagThreshold-1; i++ {
		s = ApplyEvent(s, violationEvent(), testFlagThreshold)
		if s.Status != models.StatusActive {
			t.Fatalf("flagged at %d violations, threshold is %d", i+1, testFlagThreshold)
		}
	}

	s = ApplyEvent(s, violationEvent(), testFlagThreshold)
	if s.Status != models.StatusFlagged {
		t.Fatalf("Status = %q after %d violations, want flagged", s.Status, testFlagThreshold)
	}
	if s.ViolationsCount != testFlagThreshold {
		t.Fatalf("ViolationsCount = %d, want %d", s.ViolationsCount, testFlagThreshold)
	}

	// More violations keep counting without changing status.
	s = ApplyEvent(s, violationEvent(), testFlagThreshold)
	if s.Status != models.StatusFlagged || s.ViolationsCount != testFlagThreshold+1 {
		t.Fatalf("post-flag state = %q/%d", s.Status, s.ViolationsCount)
	}
}

func TestApplyEventAdminActions(t *testing.T) {
	t.Run("flag overrides active", func(t *testing.T) {
		got := ApplyEvent(activeSession(), adminEvent(models.ActionFlagSession, ""), testFlagThreshold)
		if got.Status != models.StatusFlagged {
			t.Fatalf("Status = %q, want flagged", got.Status)
		}
	})

	t.Run("retake clears flagged", func(t *testing.T) {
		s := activeSession()
		s.Status = models.StatusFlagged
		got := ApplyEvent(s, adminEvent(models.ActionGrantRetake, ""), testFlagThreshold)
		if got.Status != models.StatusSubmitted {
			t.Fatalf("Status = %q, want submitted", got.Status)
		}
	})

	t.Run("retake leaves active untouched", func(t *testing.T) {
		got := ApplyEvent(activeSession(), adminEvent(models.ActionGrantRetake, ""), testFlagThreshold)
		if got.Status != models.StatusActive {
			t.Fatalf("Status = %q, want active", got.Status)
		}
	})

	t.Run("resolve is sticky and deduplicated", func(t *testing.T) {
		s := ApplyEvent(activeSession(), adminEvent(models.ActionResolveAlert, "alert-1"), testFlagThreshold)
		s = ApplyEvent(s, adminEvent(models.ActionResolveAlert, "alert-1"), testFlagThreshold)
		if len(s.ResolvedAlertIDs) != 1 || !s.HasResolved("alert-1") {
			t.Fatalf("ResolvedAlertIDs = %v", s.ResolvedAlertIDs)
		}
	})
}

func TestApplyEventDoesNotMutateInput(t *testing.T) {
	original := activeSession()
	original.ResolvedAlertIDs = []string{"alert-0"}

	_ = ApplyEvent(original, adminEvent(models.ActionResolveAlert, "alert-1"), testFlagThreshold)
	if len(original.ResolvedAlertIDs) != 1 {
		t.Fatalf("input mutated: %v", original.ResolvedAlertIDs)
	}
}

func TestLivenessStatus(t *testing.T) {
	threshold := 2 * time.Minute
	now := baseTime().Add(10 * time.Minute)

	tests := []struct {
		name    string
		session func() models.LiveSession
		want    string
	}{
		{
			name: "recent heartbeat stays active",
			session: func() models.LiveSession {
				s := activeSession()
				s.LastHeartbeat = now.Add(-30 * time.Second)
				return s
			},
			want: models.StatusActive,
		},
		{
			name: "stale with progress is abandoned",
			session: func() models.LiveSession {
				s := activeSession()
				s.LastHeartbeat = now.Add(-5 * time.Minute)
				s.ProgressCurrent = 3
				return s
			},
			want: models.StatusAbandoned,
		},
		{
			name: "stale without progress expires",
			session: func() models.LiveSession {
				s := activeSession()
				s.LastHeartbeat = now.Add(-5 * time.Minute)
				return s
			},
			want: models.StatusExpired,
		},
		{
			name: "no heartbeat falls back to start time",
			session: func() models.LiveSession {
				s := activeSession()
				s.LastHeartbeat = time.Time{}
				s.StartTime = now.Add(-time.Minute)
				return s
			},
			want: models.StatusActive,
		},
		{
			name: "flagged never decays",
			session: func() models.LiveSession {
				s := activeSession()
				s.Status = models.StatusFlagged
				s.LastHeartbeat = now.Add(-time.Hour)
				return s
			},
			want: models.StatusFlagged,
		},
		{
			name: "terminal statuses pass through",
			session: func() models.LiveSession {
				s := activeSession()
				s.Status = models.StatusSubmitted
				return s
			},
			want: models.StatusSubmitted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.session()
			if got := LivenessStatus(&s, now, threshold); got != tt.want {
				t.Errorf("LivenessStatus = %q, want %q", got, tt.want)
			}
		})
	}
}
