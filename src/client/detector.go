package client

import (
	"context"
	"sync"
	"time"

	"proctorhub-monitoring-svc/src/internal/models"

	"github.com/sirupsen/logrus"
)

// SignalKind identifies a raw observation from the exam-taking surface.
type SignalKind string

const (
	SignalVisibilityHidden  SignalKind = "visibility_hidden"
	SignalVisibilityVisible SignalKind = "visibility_visible"
	SignalWindowBlur        SignalKind = "window_blur"
	SignalWindowFocus       SignalKind = "window_focus"
	SignalKeyCombo          SignalKind = "key_combo"
	SignalPointerLeave      SignalKind = "pointer_leave"
	SignalPointerEnter      SignalKind = "pointer_enter"
	SignalTextSelection     SignalKind = "text_selection"
	SignalDragDrop          SignalKind = "drag_drop"
	SignalWindowResize      SignalKind = "window_resize"
	SignalCopy              SignalKind = "copy"
	SignalPaste             SignalKind = "paste"
	SignalContextMenu       SignalKind = "context_menu"
	SignalPrint             SignalKind = "print"
	SignalViewportDelta     SignalKind = "viewport_delta"
	SignalActivity          SignalKind = "activity"
)

// SurfaceSignal is one raw observation. At defaults to now when zero.
type SurfaceSignal struct {
	Kind   SignalKind
	At     time.Time
	Detail string
	Combo  string
	// Viewport geometry, used by the devtools heuristic.
	InnerWidth, InnerHeight int
	OuterWidth, OuterHeight int
}

// Violation is the detector's classified record of a signal.
type Violation struct {
	Type      string          `json:"type"`
	Details   string          `json:"details"`
	Severity  models.Severity `json:"severity"`
	Timestamp time.Time       `json:"timestamp"`
}

// Notification is a throttled user-facing warning.
type Notification struct {
	Tone    string // info, warning, critical
	Message string
	At      time.Time
}

// Notifier shows warnings to the exam taker.
type Notifier interface {
	Notify(n Notification)
}

// Reporter forwards classified violations to the server. *Transport
// satisfies it.
type Reporter interface {
	ReportViolation(ctx context.Context, report *ViolationReport) error
}

// DetectorState is the uniform view returned whether or not monitoring is
// enabled, so caller logic never branches on activation.
type DetectorState struct {
	ViolationsCount int
	Violations      []Violation
	Active          bool
}

// DetectorConfig tunes the classification heuristics.
type DetectorConfig struct {
	Role      string
	Enabled   bool
	SessionID string
	ExamID    string

	BlurChurnThreshold  int           // window blur/focus transitions before reporting
	ResizeThreshold     int           // resizes before reporting
	PointerLeaveGrace   time.Duration // delay before a pointer-leave counts
	SelectionWindow     time.Duration // sliding window for selection bursts
	SelectionBurst      int           // selections within the window that count as a burst
	NotifyInterval      time.Duration // minimum gap between user-facing warnings
	InactivityTimeout   time.Duration // no activity for this long is itself a signal
	FalsePositiveWindow time.Duration // visibility return inside this marks a possible false positive
	DevtoolsDelta       int           // px difference between outer and inner size

	OnNotify Notifier
}

func (c *DetectorConfig) applyDefaults() {
	if c.BlurChurnThreshold <= 0 {
		c.BlurChurnThreshold = 3
	}
	if c.ResizeThreshold <= 0 {
		c.ResizeThreshold = 3
	}
	if c.PointerLeaveGrace <= 0 {
		c.PointerLeaveGrace = 250 * time.Millisecond
	}
	if c.SelectionWindow <= 0 {
		c.SelectionWindow = 10 * time.Second
	}
	if c.SelectionBurst <= 0 {
		c.SelectionBurst = 5
	}
	if c.NotifyInterval <= 0 {
		c.NotifyInterval = 3 * time.Second
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 2 * time.Minute
	}
	if c.FalsePositiveWindow <= 0 {
		c.FalsePositiveWindow = 500 * time.Millisecond
	}
	if c.DevtoolsDelta <= 0 {
		c.DevtoolsDelta = 160
	}
}

// Blocked shortcut classification. View-source and devtools combos escalate
// to critical through the severity level.
var blockedCombos = map[string]struct {
	violationType string
	level         int
	detail        string
}{
	"ctrl+c":       {models.ViolationCopyAttempt, 1, "copy shortcut blocked"},
	"ctrl+x":       {models.ViolationCopyAttempt, 1, "cut shortcut blocked"},
	"ctrl+v":       {models.ViolationPasteAttempt, 1, "paste shortcut blocked"},
	"ctrl+p":       {models.ViolationPrintAttempt, 1, "print shortcut blocked"},
	"ctrl+u":       {models.ViolationBlockedKeys, 2, "view-source shortcut blocked"},
	"ctrl+s":       {models.ViolationBlockedKeys, 1, "save shortcut blocked"},
	"f12":          {models.ViolationDevTools, 1, "devtools shortcut blocked"},
	"ctrl+shift+i": {models.ViolationDevTools, 1, "devtools shortcut blocked"},
	"ctrl+shift+j": {models.ViolationDevTools, 1, "devtools console shortcut blocked"},
	"ctrl+shift+c": {models.ViolationDevTools, 1, "devtools inspect shortcut blocked"},
}

// Detector classifies surface signals into violations, throttles user-facing
// warnings and forwards every classified violation to the server. It is
// active only for students with monitoring enabled, but its returned state
// keeps the same shape either way.
type Detector struct {
	cfg      DetectorConfig
	reporter Reporter

	mu                     sync.Mutex
	violations             []Violation
	count                  int
	blurTransitions        int
	resizeCount            int
	selectionTimes         []time.Time
	lastSelectionHit       time.Time
	lastHiddenAt           time.Time
	possibleFalsePositives int
	devtoolsReported       bool
	lastNotify             time.Time

	pointerTimer    *time.Timer
	inactivityTimer *time.Timer
	stopped         bool
}

// NewDetector creates a detector. A nil reporter records locally only.
func NewDetector(cfg DetectorConfig, reporter Reporter) *Detector {
	cfg.applyDefaults()
	d := &Detector{
		cfg:      cfg,
		reporter: reporter,
	}
	if d.active() {
		d.armInactivityTimer()
	}
	return d
}

func (d *Detector) active() bool {
	return d.cfg.Enabled && d.cfg.Role == "student"
}

// State returns the uniform detector view.
func (d *Detector) State() DetectorState {
	d.mu.Lock()
	defer d.mu.Unlock()
	violations := make([]Violation, len(d.violations))
	copy(violations, d.violations)
	return DetectorState{
		ViolationsCount: d.count,
		Violations:      violations,
		Active:          d.active(),
	}
}

// PossibleFalsePositives exposes the count of visibility flips that returned
// within the false-positive window; used for analysis, not for retraction.
func (d *Detector) PossibleFalsePositives() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.possibleFalsePositives
}

// Observe feeds one raw signal into the classifier.
func (d *Detector) Observe(sig SurfaceSignal) {
	if !d.active() {
		return
	}
	if sig.At.IsZero() {
		sig.At = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	// Any signal is user activity as far as the inactivity heuristic cares.
	d.armInactivityTimerLocked()

	switch sig.Kind {
	case SignalVisibilityHidden:
		// Report immediately: tab switches must be caught fast. Whether it
		// turns out to be a flick-back is tracked separately.
		d.lastHiddenAt = sig.At
		d.recordLocked(models.ViolationTabSwitch, "tab or window hidden", 1, sig.At)

	case SignalVisibilityVisible:
		if !d.lastHiddenAt.IsZero() && sig.At.Sub(d.lastHiddenAt) < d.cfg.FalsePositiveWindow {
			// Already reported, at-least-once semantics: mark for analysis
			// instead of retracting.
			d.possibleFalsePositives++
		}
		d.lastHiddenAt = time.Time{}

	case SignalWindowBlur:
		d.blurTransitions++
		if d.blurTransitions == d.cfg.BlurChurnThreshold {
			d.recordLocked(models.ViolationWindowBlur, "repeated window focus loss", 1, sig.At)
		} else if d.blurTransitions > d.cfg.BlurChurnThreshold*2 {
			d.recordLocked(models.ViolationWindowBlur, "excessive window focus churn", 2, sig.At)
			d.blurTransitions = 0
		}

	case SignalWindowFocus:
		// Focus returning is not a violation on its own.

	case SignalKeyCombo:
		if blocked, ok := blockedCombos[sig.Combo]; ok {
			d.recordLocked(blocked.violationType, blocked.detail, blocked.level, sig.At)
		}

	case SignalPointerLeave:
		// Grace delay avoids flagging legitimate navbar use: the report only
		// fires if the pointer has not come back.
		d.cancelPointerTimerLocked()
		at := sig.At
		d.pointerTimer = time.AfterFunc(d.cfg.PointerLeaveGrace, func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if d.stopped {
				return
			}
			d.recordLocked(models.ViolationPointerLeave, "pointer left the exam surface", 1, at)
		})

	case SignalPointerEnter:
		d.cancelPointerTimerLocked()

	case SignalTextSelection:
		d.selectionTimes = append(d.selectionTimes, sig.At)
		cutoff := sig.At.Add(-d.cfg.SelectionWindow)
		kept := d.selectionTimes[:0]
		for _, ts := range d.selectionTimes {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		d.selectionTimes = kept
		// Rate-limited: at most one selection-burst report per window.
		if len(d.selectionTimes) >= d.cfg.SelectionBurst && sig.At.Sub(d.lastSelectionHit) >= d.cfg.SelectionWindow {
			d.lastSelectionHit = sig.At
			d.recordLocked(models.ViolationTextSelection, "rapid text selection burst", 1, sig.At)
		}

	case SignalDragDrop:
		d.recordLocked(models.ViolationDragDrop, "drag and drop attempt", 1, sig.At)

	case SignalWindowResize:
		d.resizeCount++
		if d.resizeCount == d.cfg.ResizeThreshold {
			d.recordLocked(models.ViolationWindowResize, "repeated window resizing", 1, sig.At)
		}

	case SignalCopy:
		d.recordLocked(models.ViolationCopyAttempt, "copy attempt", 1, sig.At)

	case SignalPaste:
		d.recordLocked(models.ViolationPasteAttempt, "paste attempt", 1, sig.At)

	case SignalContextMenu:
		d.recordLocked(models.ViolationContextMenu, "context menu opened", 1, sig.At)

	case SignalPrint:
		d.recordLocked(models.ViolationPrintAttempt, "print attempt", 1, sig.At)

	case SignalViewportDelta:
		// Heuristic: a large outer-vs-inner delta usually means an open
		// devtools pane. Reported once until the delta clears.
		widthDelta := sig.OuterWidth - sig.InnerWidth
		heightDelta := sig.OuterHeight - sig.InnerHeight
		if widthDelta > d.cfg.DevtoolsDelta || heightDelta > d.cfg.DevtoolsDelta {
			if !d.devtoolsReported {
				d.devtoolsReported = true
				d.recordLocked(models.ViolationDevTools, "developer tools likely open", 1, sig.At)
			}
		} else {
			d.devtoolsReported = false
		}

	case SignalActivity:
		// Timer already re-armed above.
	}
}

// recordLocked classifies, stores, notifies (throttled) and reports. Callers
// hold d.mu.
func (d *Detector) recordLocked(violationType, details string, level int, at time.Time) {
	severity := models.DetermineSeverity(violationType, level)
	violation := Violation{
		Type:      violationType,
		Details:   details,
		Severity:  severity,
		Timestamp: at,
	}
	d.violations = append(d.violations, violation)
	d.count++

	d.notifyLocked(violation)

	if d.reporter == nil {
		return
	}

	report := &ViolationReport{
		SessionID:       d.cfg.SessionID,
		ExamID:          d.cfg.ExamID,
		TotalViolations: d.count,
	}
	report.Violation.Type = violationType
	report.Violation.Details = details
	report.Violation.Timestamp = at
	report.Violation.Severity = severity
	report.Violation.Level = level

	// Fire and forget: a failed report must never interrupt the exam.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.reporter.ReportViolation(ctx, report); err != nil {
			logrus.WithError(err).WithField("type", violationType).Debug("Violation report failed")
		}
	}()
}

// notifyLocked shows at most one warning per NotifyInterval, with tone scaled
// to severity. Throttling applies only to the user-facing warning, never to
// the server report.
func (d *Detector) notifyLocked(violation Violation) {
	if d.cfg.OnNotify == nil {
		return
	}
	if violation.Timestamp.Sub(d.lastNotify) < d.cfg.NotifyInterval {
		return
	}
	d.lastNotify = violation.Timestamp

	tone := "info"
	switch {
	case violation.Severity.AtLeast(models.SeverityCritical):
		tone = "critical"
	case violation.Severity.AtLeast(models.SeverityMedium):
		tone = "warning"
	}

	d.cfg.OnNotify.Notify(Notification{
		Tone:    tone,
		Message: violation.Details,
		At:      violation.Timestamp,
	})
}

func (d *Detector) armInactivityTimer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.armInactivityTimerLocked()
}

func (d *Detector) armInactivityTimerLocked() {
	if d.inactivityTimer != nil {
		d.inactivityTimer.Stop()
	}
	d.inactivityTimer = time.AfterFunc(d.cfg.InactivityTimeout, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.stopped {
			return
		}
		d.recordLocked(models.ViolationInactivity, "extended inactivity", 1, time.Now())
		d.armInactivityTimerLocked()
	})
}

func (d *Detector) cancelPointerTimerLocked() {
	if d.pointerTimer != nil {
		d.pointerTimer.Stop()
		d.pointerTimer = nil
	}
}

// SetSession updates the identifiers attached to outgoing reports once the
// server issues them.
func (d *Detector) SetSession(sessionID, examID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.SessionID = sessionID
	d.cfg.ExamID = examID
}

// Stop cancels pending timers. Recorded state remains readable.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.cancelPointerTimerLocked()
	if d.inactivityTimer != nil {
		d.inactivityTimer.Stop()
		d.inactivityTimer = nil
	}
}
