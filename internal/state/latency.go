package state

import (
	"math"
	"time"
)

// LatencyTracker accumulates timing statistics for generator calls.
type LatencyTracker struct {
	CallCount int     `json:"call_count"`
	TotalMS   float64 `json:"total_ms"`
	MinMS     float64 `json:"min_ms"`
	MaxMS     float64 `json:"max_ms"`
}

// Observe records one call.
func (l *LatencyTracker) Observe(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	if l.CallCount == 0 || ms < l.MinMS {
		l.MinMS = ms
	}
	if ms > l.MaxMS {
		l.MaxMS = ms
	}
	l.CallCount++
	l.TotalMS += ms
}

// LatencySummary is a rounded view of the tracker.
type LatencySummary struct {
	CallCount int     `json:"call_count"`
	TotalMS   float64 `json:"total_ms"`
	MinMS     float64 `json:"min_ms"`
	MaxMS     float64 `json:"max_ms"`
	AvgMS     float64 `json:"avg_ms"`
}

// Summary returns the statistics rounded to two decimals. All values are zero
// before the first call.
func (l LatencyTracker) Summary() LatencySummary {
	if l.CallCount == 0 {
		return LatencySummary{}
	}
	return LatencySummary{
		CallCount: l.CallCount,
		TotalMS:   round2(l.TotalMS),
		MinMS:     round2(l.MinMS),
		MaxMS:     round2(l.MaxMS),
		AvgMS:     round2(l.TotalMS / float64(l.CallCount)),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
