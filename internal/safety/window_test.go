package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/indexpilot-io/indexpilot/internal/config"
)

func allDays() []int { return []int{0, 1, 2, 3, 4, 5, 6} }

// at builds a local time on 2026-03-04 (a Wednesday) at the given hour.
func at(hour int) time.Time {
	return time.Date(2026, 3, 4, hour, 0, 0, 0, time.Local)
}

func TestWindowDisabledAlwaysAllows(t *testing.T) {
	w := NewMaintenanceWindow(config.WindowPolicy{Enabled: false}, time.Hour)

	assert.True(t, w.InWindow(at(12)))
	assert.True(t, w.Check(at(12)).Allowed)
}

func TestWindowSimpleRange(t *testing.T) {
	w := NewMaintenanceWindow(config.WindowPolicy{
		Enabled: true, StartHour: 2, EndHour: 6, DaysOfWeek: allDays(),
	}, time.Hour)

	assert.True(t, w.InWindow(at(2)))
	assert.True(t, w.InWindow(at(5)))
	assert.False(t, w.InWindow(at(6)), "end hour is exclusive")
	assert.False(t, w.InWindow(at(12)))
}

func TestWindowWrapsMidnight(t *testing.T) {
	w := NewMaintenanceWindow(config.WindowPolicy{
		Enabled: true, StartHour: 22, EndHour: 2, DaysOfWeek: allDays(),
	}, time.Hour)

	assert.True(t, w.InWindow(at(23)))
	assert.True(t, w.InWindow(at(1)))
	assert.False(t, w.InWindow(at(3)))
	assert.False(t, w.InWindow(at(12)))
}

func TestWindowDayFiltering(t *testing.T) {
	// Sundays only. 2026-03-04 is a Wednesday.
	w := NewMaintenanceWindow(config.WindowPolicy{
		Enabled: true, StartHour: 2, EndHour: 6, DaysOfWeek: []int{0},
	}, time.Hour)

	assert.False(t, w.InWindow(at(3)))

	sunday := time.Date(2026, 3, 8, 3, 0, 0, 0, time.Local)
	assert.True(t, w.InWindow(sunday))
}

func TestWindowTooFarDefersOperation(t *testing.T) {
	// Window 02:00-06:00, checked at noon: next opening is ~14h away, far
	// beyond a one-hour wait budget.
	w := NewMaintenanceWindow(config.WindowPolicy{
		Enabled: true, StartHour: 2, EndHour: 6, DaysOfWeek: allDays(),
	}, time.Hour)

	decision := w.Check(at(12))

	assert.False(t, decision.Allowed)
	assert.Equal(t, WindowReasonTooFar, decision.Reason)
	assert.InDelta(t, 14*3600, decision.SecondsUntil, 1)
}

func TestWindowWithinWaitBudget(t *testing.T) {
	w := NewMaintenanceWindow(config.WindowPolicy{
		Enabled: true, StartHour: 2, EndHour: 6, DaysOfWeek: allDays(),
	}, 3*time.Hour)

	decision := w.Check(at(1))

	assert.False(t, decision.Allowed)
	assert.Equal(t, WindowReasonWait, decision.Reason)
	assert.InDelta(t, 3600, decision.SecondsUntil, 1)
}

func TestSecondsUntilZeroInsideWindow(t *testing.T) {
	w := NewMaintenanceWindow(config.WindowPolicy{
		Enabled: true, StartHour: 2, EndHour: 6, DaysOfWeek: allDays(),
	}, time.Hour)

	assert.Zero(t, w.SecondsUntil(at(3)))
}

func TestSecondsUntilSkipsDisallowedDays(t *testing.T) {
	// Sundays only, asked on Wednesday noon: the wait spans to Sunday 02:00.
	w := NewMaintenanceWindow(config.WindowPolicy{
		Enabled: true, StartHour: 2, EndHour: 6, DaysOfWeek: []int{0},
	}, time.Hour)

	wait := w.SecondsUntil(at(12))

	sunday := time.Date(2026, 3, 8, 2, 0, 0, 0, time.Local)
	assert.InDelta(t, sunday.Sub(at(12)).Seconds(), float64(wait), 1)
}
