package config

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPolicyPath is the default location for the indexpilot policy file.
// Uses hidden file format following common tool conventions (.eslintrc, .prettierrc, etc.).
const DefaultPolicyPath = ".indexpilot.yaml"

// PolicyPathEnvVar is the environment variable name for a custom policy file path.
const PolicyPathEnvVar = "INDEXPILOT_POLICY_PATH"

type (
	// Policy holds the hierarchical option groups loaded from .indexpilot.yaml.
	//
	// Every field has a documented default applied by DefaultPolicy; a missing file
	// or a missing key falls back to those defaults. Environment variables are not
	// merged here; components that support env overrides read them explicitly with
	// the GetEnv* helpers on top of the loaded policy.
	Policy struct {
		Bypass     BypassPolicy     `yaml:"bypass"`
		Features   FeaturesPolicy   `yaml:"features"`
		Safeguards SafeguardsPolicy `yaml:"production_safeguards"`
		Storage    StoragePolicy    `yaml:"storage"`
	}

	// BypassPolicy holds the global and per-feature kill switches.
	BypassPolicy struct {
		System   Toggle            `yaml:"system"`
		Features map[string]Toggle `yaml:"features"`
		Startup  StartupPolicy     `yaml:"startup"`
	}

	// Toggle is a single enabled/disabled switch in the policy file.
	Toggle struct {
		Enabled bool `yaml:"enabled"`
	}

	// StartupPolicy controls startup-time behavior.
	StartupPolicy struct {
		SkipInitialization bool `yaml:"skip_initialization"`
	}

	// FeaturesPolicy groups per-feature tuning knobs.
	FeaturesPolicy struct {
		QueryInterceptor InterceptorPolicy `yaml:"query_interceptor"`
		AutoIndexer      AutoIndexerPolicy `yaml:"auto_indexer"`
		CPUThrottle      CPUThrottlePolicy `yaml:"cpu_throttle"`
		RateLimiter      RateLimiterPolicy `yaml:"rate_limiter"`
		Retry            RetryPolicy       `yaml:"retry"`
	}

	// RetryPolicy controls the DDL retry loop for transient failures.
	RetryPolicy struct {
		MaxRetries        int           `yaml:"max_retries"`
		InitialDelay      time.Duration `yaml:"initial_delay"`
		BackoffMultiplier float64       `yaml:"backoff_multiplier"`
		MaxDelay          time.Duration `yaml:"max_delay"`
	}

	// InterceptorPolicy tunes the pre-execution query interceptor.
	InterceptorPolicy struct {
		MaxQueryCost          float64                   `yaml:"max_query_cost"`
		MaxSeqScanCost        float64                   `yaml:"max_seq_scan_cost"`
		MaxPlanningTimeMillis int                       `yaml:"max_planning_time_ms"`
		EnableBlocking        bool                      `yaml:"enable_blocking"`
		EnableRateLimiting    bool                      `yaml:"enable_rate_limiting"`
		EnablePlanCache       bool                      `yaml:"enable_plan_cache"`
		PlanCacheTTL          time.Duration             `yaml:"plan_cache_ttl"`
		PlanCacheMaxSize      int                       `yaml:"plan_cache_max_size"`
		SafetyScoreWarning    float64                   `yaml:"safety_score_warning"`
		SafetyScoreUnsafe     float64                   `yaml:"safety_score_unsafe"`
		Whitelist             []string                  `yaml:"whitelist"`
		Blacklist             []string                  `yaml:"blacklist"`
		TableThresholds       map[string]TableThreshold `yaml:"table_thresholds"`
	}

	// TableThreshold overrides the global cost thresholds for one table.
	// A zero value means "use the global threshold".
	TableThreshold struct {
		MaxQueryCost   float64 `yaml:"max_query_cost"`
		MaxSeqScanCost float64 `yaml:"max_seq_scan_cost"`
	}

	// AutoIndexerPolicy tunes candidate generation and the cost/benefit heuristic.
	AutoIndexerPolicy struct {
		TickInterval             time.Duration `yaml:"tick_interval"`
		WindowHours              int           `yaml:"window_hours"`
		MinQueryThreshold        int           `yaml:"min_query_threshold"`
		BuildCostPer1000Rows     float64       `yaml:"build_cost_per_1000_rows"`
		QueryCostPer10000Rows    float64       `yaml:"query_cost_per_10000_rows"`
		MinSelectivityForIndex   float64       `yaml:"min_selectivity_for_index"`
		MinImprovementPct        float64       `yaml:"min_improvement_pct"`
		SampleQueryRuns          int           `yaml:"sample_query_runs"`
		UseRealQueryPlans        bool          `yaml:"use_real_query_plans"`
		SmallTableRowCount       int64         `yaml:"small_table_row_count"`
		MediumTableRowCount      int64         `yaml:"medium_table_row_count"`
		SmallTableMinQueriesHour int           `yaml:"small_table_min_queries_per_hour"`
		LargeTableCostReduction  float64       `yaml:"large_table_cost_reduction_factor"`
		MaxWaitForWindow         time.Duration `yaml:"max_wait_for_maintenance_window"`
		MLWeight                 float64       `yaml:"ml_weight"`
		MaxErrorPct              float64       `yaml:"max_cardinality_error_pct"`
	}

	// CPUThrottlePolicy tunes the DDL CPU throttle.
	CPUThrottlePolicy struct {
		CPUThreshold         float64       `yaml:"cpu_threshold"`
		CPUCooldown          time.Duration `yaml:"cpu_cooldown"`
		MaxCPUDuringCreation float64       `yaml:"max_cpu_during_creation"`
		MinDelayBetweenIndex time.Duration `yaml:"min_delay_between_indexes"`
		CPUMonitoringWindow  time.Duration `yaml:"cpu_monitoring_window"`
		MaxCooldownWait      time.Duration `yaml:"max_cooldown_wait"`
	}

	// RateLimiterPolicy holds token-bucket settings per operation class.
	RateLimiterPolicy struct {
		Query         BucketPolicy `yaml:"query"`
		IndexCreation BucketPolicy `yaml:"index_creation"`
		Connection    BucketPolicy `yaml:"connection"`
	}

	// BucketPolicy is a single token-bucket configuration.
	BucketPolicy struct {
		MaxRequests       int `yaml:"max_requests"`
		TimeWindowSeconds int `yaml:"time_window_seconds"`
	}

	// SafeguardsPolicy groups production safeguards.
	SafeguardsPolicy struct {
		MaintenanceWindow WindowPolicy       `yaml:"maintenance_window"`
		WritePerformance  WritePolicyLimits  `yaml:"write_performance"`
		TenantLimits      TenantLimitsPolicy `yaml:"tenant_limits"`
	}

	// WindowPolicy describes the maintenance window in wall time.
	WindowPolicy struct {
		Enabled    bool  `yaml:"enabled"`
		StartHour  int   `yaml:"start_hour"`
		EndHour    int   `yaml:"end_hour"`
		DaysOfWeek []int `yaml:"days_of_week"`
	}

	// WritePolicyLimits caps write amplification from index proliferation.
	WritePolicyLimits struct {
		Enabled                bool    `yaml:"enabled"`
		MaxIndexesPerTable     int     `yaml:"max_indexes_per_table"`
		WarnIndexesPerTable    int     `yaml:"warn_indexes_per_table"`
		WriteOverheadThreshold float64 `yaml:"write_overhead_threshold"`
	}

	// TenantLimitsPolicy caps per-tenant index counts.
	TenantLimitsPolicy struct {
		MaxIndexesPerTenant int `yaml:"max_indexes_per_tenant"`
	}

	// StoragePolicy holds storage budget configuration.
	StoragePolicy struct {
		MaxTotalMB        int64   `yaml:"max_total_mb"`
		MaxPerTenantMB    int64   `yaml:"max_per_tenant_mb"`
		WarnThresholdPct  float64 `yaml:"warn_threshold_pct"`
		// TenantAttribution selects how shared-schema catalog totals are attributed
		// to tenants: "shared_even" divides evenly, "catalog" trusts per-schema sizes.
		TenantAttribution string `yaml:"tenant_attribution"`
	}
)

// DefaultPolicy returns the documented defaults for every policy knob.
func DefaultPolicy() *Policy {
	return &Policy{
		Bypass: BypassPolicy{
			System:   Toggle{Enabled: false},
			Features: map[string]Toggle{},
		},
		Features: FeaturesPolicy{
			QueryInterceptor: InterceptorPolicy{
				MaxQueryCost:          10000,
				MaxSeqScanCost:        5000,
				MaxPlanningTimeMillis: 100,
				EnableBlocking:        true,
				EnableRateLimiting:    true,
				EnablePlanCache:       true,
				PlanCacheTTL:          5 * time.Minute,
				PlanCacheMaxSize:      1000,
				SafetyScoreWarning:    0.7,
				SafetyScoreUnsafe:     0.4,
			},
			AutoIndexer: AutoIndexerPolicy{
				TickInterval:             time.Hour,
				WindowHours:              24,
				MinQueryThreshold:        100,
				BuildCostPer1000Rows:     1.0,
				QueryCostPer10000Rows:    1.0,
				MinSelectivityForIndex:   0.01,
				MinImprovementPct:        20,
				SampleQueryRuns:          3,
				UseRealQueryPlans:        true,
				SmallTableRowCount:       1000,
				MediumTableRowCount:      100000,
				SmallTableMinQueriesHour: 500,
				LargeTableCostReduction:  0.9,
				MaxWaitForWindow:         time.Hour,
				MLWeight:                 0.3,
				MaxErrorPct:              50,
			},
			CPUThrottle: CPUThrottlePolicy{
				CPUThreshold:         80,
				CPUCooldown:          30 * time.Second,
				MaxCPUDuringCreation: 90,
				MinDelayBetweenIndex: 10 * time.Second,
				CPUMonitoringWindow:  time.Minute,
				MaxCooldownWait:      5 * time.Minute,
			},
			RateLimiter: RateLimiterPolicy{
				Query:         BucketPolicy{MaxRequests: 1000, TimeWindowSeconds: 60},
				IndexCreation: BucketPolicy{MaxRequests: 10, TimeWindowSeconds: 3600},
				Connection:    BucketPolicy{MaxRequests: 100, TimeWindowSeconds: 60},
			},
			Retry: RetryPolicy{
				MaxRetries:        3,
				InitialDelay:      100 * time.Millisecond,
				BackoffMultiplier: 2.0,
				MaxDelay:          5 * time.Second,
			},
		},
		Safeguards: SafeguardsPolicy{
			MaintenanceWindow: WindowPolicy{
				Enabled:    false,
				StartHour:  2,
				EndHour:    6,
				DaysOfWeek: []int{0, 1, 2, 3, 4, 5, 6},
			},
			WritePerformance: WritePolicyLimits{
				Enabled:                true,
				MaxIndexesPerTable:     10,
				WarnIndexesPerTable:    7,
				WriteOverheadThreshold: 0.3,
			},
			TenantLimits: TenantLimitsPolicy{
				MaxIndexesPerTenant: 50,
			},
		},
		Storage: StoragePolicy{
			MaxTotalMB:        10240,
			MaxPerTenantMB:    1024,
			WarnThresholdPct:  0.8,
			TenantAttribution: "shared_even",
		},
	}
}

// LoadPolicy loads the policy from a YAML file at the given path.
//
// Behavior:
//   - Returns defaults (not error) if the file doesn't exist - the policy file is optional
//   - Returns defaults + logs warning if YAML is invalid (graceful degradation)
//   - Returns defaults overlaid with the file's values on success
//
// This graceful degradation ensures the service can start even without a policy
// file; every knob has a safe default.
func LoadPolicy(path string) (*Policy, error) {
	policy := DefaultPolicy()

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Policy file not found, continuing with defaults",
				slog.String("path", path))

			return policy, nil
		}

		slog.Warn("Failed to read policy file, continuing with defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return policy, nil
	}

	if len(data) == 0 {
		return policy, nil
	}

	if err := yaml.Unmarshal(data, policy); err != nil {
		slog.Warn("Failed to parse policy file, continuing with defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultPolicy(), nil
	}

	if policy.Bypass.Features == nil {
		policy.Bypass.Features = map[string]Toggle{}
	}

	return policy, nil
}

// LoadPolicyFromEnv loads the policy from the path specified in INDEXPILOT_POLICY_PATH.
// Falls back to ".indexpilot.yaml" in the current directory if not set.
func LoadPolicyFromEnv() (*Policy, error) {
	path := GetEnvStr(PolicyPathEnvVar, DefaultPolicyPath)

	return LoadPolicy(path)
}
