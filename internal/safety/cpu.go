package safety

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"

	"github.com/indexpilot-io/indexpilot/internal/config"
)

type (
	// CPUMeter samples system CPU utilization in percent.
	CPUMeter interface {
		Percent(ctx context.Context) (float64, error)
	}

	// SystemCPUMeter reads host CPU utilization.
	SystemCPUMeter struct{}

	// CPUThrottle blocks DDL while recent CPU load is above the configured
	// threshold. It keeps a moving window of samples; the throttle decision
	// uses the window average, not a single spike.
	CPUThrottle struct {
		policy config.CPUThrottlePolicy
		meter  CPUMeter
		logger *slog.Logger

		mu      sync.Mutex
		samples []cpuSample
	}

	cpuSample struct {
		at      time.Time
		percent float64
	}

	// ThrottleDecision is the outcome of one CPU check.
	ThrottleDecision struct {
		Allowed    bool
		AvgPercent float64
		Reason     string
	}
)

// Percent implements CPUMeter over the host counters. The zero interval
// returns utilization since the previous call, which is what a periodic
// sampler wants.
func (SystemCPUMeter) Percent(ctx context.Context) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, fmt.Errorf("reading cpu utilization: %w", err)
	}

	if len(percents) == 0 {
		return 0, fmt.Errorf("reading cpu utilization: no samples")
	}

	return percents[0], nil
}

// NewCPUThrottle creates a throttle. meter may be nil, defaulting to the
// host meter.
func NewCPUThrottle(policy config.CPUThrottlePolicy, meter CPUMeter, logger *slog.Logger) *CPUThrottle {
	if meter == nil {
		meter = SystemCPUMeter{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &CPUThrottle{policy: policy, meter: meter, logger: logger}
}

// Check samples CPU and decides whether DDL may proceed right now. Meter
// failures fail open: a broken CPU reading must not block index creation
// forever.
func (t *CPUThrottle) Check(ctx context.Context) ThrottleDecision {
	percent, err := t.meter.Percent(ctx)
	if err != nil {
		t.logger.Warn("cpu sampling failed, throttle failing open", "error", err)

		return ThrottleDecision{Allowed: true, Reason: "meter_unavailable"}
	}

	avg := t.record(percent)

	if avg > t.policy.CPUThreshold {
		return ThrottleDecision{
			AvgPercent: avg,
			Reason: fmt.Sprintf("cpu %.1f%% above threshold %.1f%%",
				avg, t.policy.CPUThreshold),
		}
	}

	return ThrottleDecision{Allowed: true, AvgPercent: avg, Reason: "cpu_ok"}
}

// Wait blocks until CPU drops below threshold or the cooldown budget is
// spent. Returns nil when cleared, an error when the budget ran out or the
// context was canceled.
func (t *CPUThrottle) Wait(ctx context.Context) error {
	deadline := time.Now().Add(t.policy.MaxCooldownWait)

	cooldown := t.policy.CPUCooldown
	if cooldown <= 0 {
		cooldown = 5 * time.Second
	}

	for {
		decision := t.Check(ctx)
		if decision.Allowed {
			return nil
		}

		if time.Now().Add(cooldown).After(deadline) {
			return fmt.Errorf("cpu throttle: cooldown budget exhausted at %.1f%%", decision.AvgPercent)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cooldown):
		}
	}
}

// record appends a sample, discards those older than the monitoring window,
// and returns the window average.
func (t *CPUThrottle) record(percent float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()

	window := t.policy.CPUMonitoringWindow
	if window <= 0 {
		window = time.Minute
	}

	t.samples = append(t.samples, cpuSample{at: now, percent: percent})

	cutoff := now.Add(-window)
	keep := t.samples[:0]
	for _, s := range t.samples {
		if s.at.After(cutoff) {
			keep = append(keep, s)
		}
	}
	t.samples = keep

	var sum float64
	for _, s := range t.samples {
		sum += s.percent
	}

	return sum / float64(len(t.samples))
}
