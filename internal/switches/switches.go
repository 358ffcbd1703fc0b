// Package switches provides the process-wide runtime switches that gate every
// indexpilot subsystem.
//
// Precedence, highest first:
//  1. Runtime override (explicit Enable/Disable call)
//  2. System-wide bypass (global kill switch)
//  3. Feature flag loaded from the policy file
//  4. Default-on
//
// Reads on the hot path are a single atomic pointer load; updates go through a
// serialized path that publishes a fresh immutable snapshot.
package switches

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/indexpilot-io/indexpilot/internal/config"
)

// Feature identifies a switchable subsystem.
type Feature string

// The switchable subsystems.
const (
	AutoIndexing    Feature = "auto_indexing"
	StatsCollection Feature = "stats_collection"
	ExpressionCheck Feature = "expression_checks"
	MutationLogging Feature = "mutation_logging"
	SchemaEvolution Feature = "schema_evolution"
	Reporting       Feature = "reporting"
	HealthChecks    Feature = "health_checks"
	Interceptor     Feature = "interceptor"
	Retry           Feature = "retry"
)

// AllFeatures lists every switchable subsystem, in stable order.
var AllFeatures = []Feature{
	AutoIndexing,
	StatsCollection,
	ExpressionCheck,
	MutationLogging,
	SchemaEvolution,
	Reporting,
	HealthChecks,
	Interceptor,
	Retry,
}

// ErrUnknownFeature is returned when asked about a feature that does not exist.
var ErrUnknownFeature = errors.New("unknown feature")

// DisabledError reports that an operation was skipped because a switch says so.
// Components return it instead of pretending success.
type DisabledError struct {
	Feature Feature
	Reason  string
}

// Error implements the error interface.
func (e *DisabledError) Error() string {
	return fmt.Sprintf("operation disabled: feature=%s reason=%s", e.Feature, e.Reason)
}

// Disabled constructs a DisabledError for the given feature.
func Disabled(feature Feature, reason string) *DisabledError {
	return &DisabledError{Feature: feature, Reason: reason}
}

type (
	// Snapshot is an immutable view of every switch at one point in time.
	// Safe to read from any goroutine without locking.
	Snapshot struct {
		SystemBypass bool
		Flags        map[Feature]bool // from policy file; missing key means default-on
		Overrides    map[Feature]bool // runtime Enable/Disable calls
	}

	// Switches is the process-wide switch registry.
	Switches struct {
		mu       sync.Mutex // serializes updates
		snapshot atomic.Pointer[Snapshot]
	}
)

// New creates a switch registry seeded from the policy file.
//
// The policy's bypass.system toggle becomes the system bypass; each entry under
// bypass.features becomes a feature flag. Features absent from the policy
// default to enabled.
func New(policy *config.Policy) *Switches {
	flags := make(map[Feature]bool, len(AllFeatures))

	if policy != nil {
		for name, toggle := range policy.Bypass.Features {
			flags[Feature(name)] = toggle.Enabled
		}
	}

	s := &Switches{}
	s.snapshot.Store(&Snapshot{
		SystemBypass: policy != nil && policy.Bypass.System.Enabled,
		Flags:        flags,
		Overrides:    map[Feature]bool{},
	})

	return s
}

// Current returns the current snapshot. The returned value must be treated as
// read-only.
func (s *Switches) Current() *Snapshot {
	return s.snapshot.Load()
}

// Enabled reports whether a feature is effective, applying the precedence rules.
func (s *Switches) Enabled(feature Feature) bool {
	return s.snapshot.Load().Enabled(feature)
}

// Enabled applies the precedence rules against this snapshot.
func (snap *Snapshot) Enabled(feature Feature) bool {
	// 1. Runtime override wins.
	if v, ok := snap.Overrides[feature]; ok {
		return v
	}

	// 2. System-wide bypass disables everything.
	if snap.SystemBypass {
		return false
	}

	// 3. Feature flag from policy.
	if v, ok := snap.Flags[feature]; ok {
		return v
	}

	// 4. Default-on.
	return true
}

// Check returns nil if the feature is effective, or a DisabledError naming the
// reason it is off.
func (s *Switches) Check(feature Feature) error {
	snap := s.snapshot.Load()

	if v, ok := snap.Overrides[feature]; ok {
		if v {
			return nil
		}

		return Disabled(feature, "runtime_override")
	}

	if snap.SystemBypass {
		return Disabled(feature, "system_bypass")
	}

	if v, ok := snap.Flags[feature]; ok && !v {
		return Disabled(feature, "feature_flag")
	}

	return nil
}

// SetOverride sets a runtime override for a feature and publishes a new snapshot.
func (s *Switches) SetOverride(feature Feature, enabled bool) error {
	if !validFeature(feature) {
		return fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
	}

	s.update(func(next *Snapshot) {
		next.Overrides[feature] = enabled
	})

	return nil
}

// ClearOverride removes a runtime override, restoring flag/default behavior.
func (s *Switches) ClearOverride(feature Feature) error {
	if !validFeature(feature) {
		return fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
	}

	s.update(func(next *Snapshot) {
		delete(next.Overrides, feature)
	})

	return nil
}

// SetSystemBypass flips the global kill switch.
func (s *Switches) SetSystemBypass(enabled bool) {
	s.update(func(next *Snapshot) {
		next.SystemBypass = enabled
	})
}

// update copies the current snapshot, applies fn, and publishes the result.
// Serialized by s.mu so concurrent updates cannot lose each other.
func (s *Switches) update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.snapshot.Load()

	next := &Snapshot{
		SystemBypass: current.SystemBypass,
		Flags:        make(map[Feature]bool, len(current.Flags)),
		Overrides:    make(map[Feature]bool, len(current.Overrides)),
	}
	for k, v := range current.Flags {
		next.Flags[k] = v
	}

	for k, v := range current.Overrides {
		next.Overrides[k] = v
	}

	fn(next)
	s.snapshot.Store(next)
}

func validFeature(feature Feature) bool {
	for _, f := range AllFeatures {
		if f == feature {
			return true
		}
	}

	return false
}
