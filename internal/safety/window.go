// Package safety implements the admission-control layer in front of DDL
// execution: maintenance windows, rate limits, CPU throttling, storage
// budgets, and write-performance ceilings. Every gate decision is auditable.
package safety

import (
	"time"

	"github.com/indexpilot-io/indexpilot/internal/config"
)

// Window decision reasons.
const (
	WindowReasonDisabled = "window_disabled"
	WindowReasonInside   = "inside_window"
	WindowReasonWait     = "window_within_wait"
	WindowReasonTooFar   = "maintenance_window_too_far"
)

type (
	// MaintenanceWindow evaluates wall-time maintenance windows, including
	// windows that wrap midnight (e.g. 22:00-02:00).
	MaintenanceWindow struct {
		policy  config.WindowPolicy
		maxWait time.Duration
	}

	// WindowDecision says whether DDL may run now, and if not, how long
	// until the window opens.
	WindowDecision struct {
		Allowed      bool
		Reason       string
		SecondsUntil int64 // 0 when allowed
	}
)

// NewMaintenanceWindow creates a window checker. maxWait bounds how long a
// caller is asked to wait; a farther window defers the operation instead.
func NewMaintenanceWindow(policy config.WindowPolicy, maxWait time.Duration) *MaintenanceWindow {
	return &MaintenanceWindow{policy: policy, maxWait: maxWait}
}

// InWindow reports whether t falls inside the maintenance window.
func (w *MaintenanceWindow) InWindow(t time.Time) bool {
	if !w.policy.Enabled {
		return true
	}

	if !w.dayAllowed(t.Weekday()) {
		return false
	}

	hour := t.Hour()
	start, end := w.policy.StartHour, w.policy.EndHour

	if start <= end {
		return hour >= start && hour < end
	}

	// Window wraps midnight: e.g. 22-02 covers [22,24) and [0,2).
	return hour >= start || hour < end
}

// Check evaluates the window at time t.
func (w *MaintenanceWindow) Check(t time.Time) WindowDecision {
	if !w.policy.Enabled {
		return WindowDecision{Allowed: true, Reason: WindowReasonDisabled}
	}

	if w.InWindow(t) {
		return WindowDecision{Allowed: true, Reason: WindowReasonInside}
	}

	wait := w.SecondsUntil(t)

	if time.Duration(wait)*time.Second <= w.maxWait {
		return WindowDecision{Reason: WindowReasonWait, SecondsUntil: wait}
	}

	return WindowDecision{Reason: WindowReasonTooFar, SecondsUntil: wait}
}

// SecondsUntil returns how many seconds from t until the window next opens.
// Returns 0 when t is already inside the window.
func (w *MaintenanceWindow) SecondsUntil(t time.Time) int64 {
	if w.InWindow(t) {
		return 0
	}

	// Scan forward to the next allowed day's opening hour. Eight days
	// covers every days-of-week configuration.
	for day := 0; day < 8; day++ {
		candidate := time.Date(t.Year(), t.Month(), t.Day(), w.policy.StartHour, 0, 0, 0, t.Location())
		candidate = candidate.AddDate(0, 0, day)

		if candidate.After(t) && w.dayAllowed(candidate.Weekday()) {
			return int64(candidate.Sub(t).Seconds())
		}
	}

	return 0
}

func (w *MaintenanceWindow) dayAllowed(day time.Weekday) bool {
	if len(w.policy.DaysOfWeek) == 0 {
		return true
	}

	for _, allowed := range w.policy.DaysOfWeek {
		if int(day) == allowed {
			return true
		}
	}

	return false
}
