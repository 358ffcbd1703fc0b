package interceptor

import (
	"sync"
	"sync/atomic"
	"time"
)

type (
	// Metrics holds the interceptor's monotone counters. All methods are
	// safe for concurrent use.
	Metrics struct {
		interceptions    atomic.Int64
		blocks           atomic.Int64
		analysisFailures atomic.Int64
		analyses         atomic.Int64
		analysisMicros   atomic.Int64

		mu             sync.Mutex
		blocksByReason map[string]int64
	}

	// Snapshot is a point-in-time copy of interceptor counters.
	Snapshot struct {
		Interceptions    int64            `json:"interceptions"`
		Blocks           int64            `json:"blocks"`
		BlocksByReason   map[string]int64 `json:"blocks_by_reason"`
		AnalysisFailures int64            `json:"analysis_failures"`
		CacheHits        int64            `json:"cache_hits"`
		CacheMisses      int64            `json:"cache_misses"`
		MeanAnalysisMs   float64          `json:"mean_analysis_ms"`
	}
)

func (m *Metrics) recordBlock(reason string) {
	m.blocks.Add(1)

	m.mu.Lock()
	if m.blocksByReason == nil {
		m.blocksByReason = make(map[string]int64)
	}
	m.blocksByReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) recordAnalysis(elapsed time.Duration) {
	m.analyses.Add(1)
	m.analysisMicros.Add(elapsed.Microseconds())
}

func (m *Metrics) snapshot(cacheHits, cacheMisses int64) Snapshot {
	snap := Snapshot{
		Interceptions:    m.interceptions.Load(),
		Blocks:           m.blocks.Load(),
		AnalysisFailures: m.analysisFailures.Load(),
		CacheHits:        cacheHits,
		CacheMisses:      cacheMisses,
		BlocksByReason:   make(map[string]int64),
	}

	if n := m.analyses.Load(); n > 0 {
		snap.MeanAnalysisMs = float64(m.analysisMicros.Load()) / float64(n) / 1000.0
	}

	m.mu.Lock()
	for reason, count := range m.blocksByReason {
		snap.BlocksByReason[reason] = count
	}
	m.mu.Unlock()

	return snap
}
