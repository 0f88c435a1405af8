package models

import "time"

// Alert is the dashboard-facing view derived from a violation event.
// Its id is the event-log document id of the originating violation, so
// resolution can be pinned to the owning session and survive any
// re-aggregation of the raw log.
type Alert struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	ExamID    string    `json:"examId"`
	ExamTitle string    `json:"examTitle"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Resolved  bool      `json:"resolved"`
}

// MonitoringStats is the roll-up returned alongside the live view.
type MonitoringStats struct {
	ActiveSessions   int `json:"activeSessions"`
	FlaggedSessions  int `json:"flaggedSessions"`
	TotalViolations  int `json:"totalViolations"`
	UnresolvedAlerts int `json:"unresolvedAlerts"`
}

// LiveView is the aggregated answer to a dashboard query.
type LiveView struct {
	Sessions    []*LiveSession   `json:"sessions"`
	Alerts      []*Alert         `json:"alerts"`
	Stats       *MonitoringStats `json:"stats"`
	GeneratedAt time.Time        `json:"generatedAt"`
}
