package models

// Severity classifies how strongly a violation correlates with cheating.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// Violation type constants shared by the exam-surface SDK and the server.
const (
	ViolationTabSwitch     = "tab_switch"
	ViolationWindowBlur    = "window_blur"
	ViolationBlockedKeys   = "blocked_shortcut"
	ViolationPointerLeave  = "pointer_leave"
	ViolationTextSelection = "text_selection"
	ViolationDragDrop      = "drag_drop"
	ViolationWindowResize  = "window_resize"
	ViolationCopyAttempt   = "copy_attempt"
	ViolationPasteAttempt  = "paste_attempt"
	ViolationContextMenu   = "context_menu"
	ViolationPrintAttempt  = "print_attempt"
	ViolationDevTools      = "devtools_open"
	ViolationInactivity    = "inactivity"
	ViolationAdminFlag     = "admin_flag"
)

var defaultSeverity = map[string]Severity{
	ViolationTabSwitch:     SeverityHigh,
	ViolationWindowBlur:    SeverityMedium,
	ViolationBlockedKeys:   SeverityHigh,
	ViolationPointerLeave:  SeverityMedium,
	ViolationTextSelection: SeverityLow,
	ViolationDragDrop:      SeverityHigh,
	ViolationWindowResize:  SeverityMedium,
	ViolationCopyAttempt:   SeverityCritical,
	ViolationPasteAttempt:  SeverityMedium,
	ViolationContextMenu:   SeverityHigh,
	ViolationPrintAttempt:  SeverityHigh,
	ViolationDevTools:      SeverityCritical,
	ViolationInactivity:    SeverityMedium,
	ViolationAdminFlag:     SeverityCritical,
}

// DetermineSeverity maps a violation type to its severity. Level escalates
// repeat offenders: level >= 2 bumps the default one step up (capped at
// critical), so e.g. repeated pointer-leave moves from medium to high.
func DetermineSeverity(violationType string, level int) Severity {
	sev, ok := defaultSeverity[violationType]
	if !ok {
		sev = SeverityMedium
	}
	if level >= 2 && sev != SeverityCritical {
		switch sev {
		case SeverityLow:
			sev = SeverityMedium
		case SeverityMedium:
			sev = SeverityHigh
		case SeverityHigh:
			sev = SeverityCritical
		}
	}
	return sev
}
