package authchain

import "sync/atomic"

// MetricID identifies one engine counter.
type MetricID uint8

const (
	// MetricChainStarted counts chain runs begun.
	MetricChainStarted MetricID = iota
	// MetricChainCompleted counts chain runs fully satisfied.
	MetricChainCompleted
	// MetricChainReset counts explicit restarts.
	MetricChainReset
	// MetricStepVerified counts successful step verifications.
	MetricStepVerified
	// MetricStepFailed counts failed step verifications.
	MetricStepFailed
	// MetricMethodSwitched counts alternative-method switches.
	MetricMethodSwitched
	// MetricSecretPromoted counts staged secrets promoted to records.
	MetricSecretPromoted
	// MetricCodesRegenerated counts recovery code set replacements.
	MetricCodesRegenerated
	// MetricAttemptsExceeded counts rejections by the attempt limiter.
	MetricAttemptsExceeded

	metricCount
)

// Metrics is a fixed set of lock-free counters. Snapshot is safe to call
// concurrently with Inc.
type Metrics struct {
	counters [metricCount]atomic.Uint64
}

func newMetrics() *Metrics { return &Metrics{} }

// Inc increments one counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || id >= metricCount {
		return
	}
	m.counters[id].Add(1)
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() map[MetricID]uint64 {
	out := make(map[MetricID]uint64, metricCount)
	if m == nil {
		return out
	}
	for id := MetricID(0); id < metricCount; id++ {
		out[id] = m.counters[id].Load()
	}
	return out
}
