package usecase

import (
	"sync"
	"time"
)

// MetricsSummary represents aggregated prediction insights since start-up.
type MetricsSummary struct {
	TotalRequests    int64            `json:"total_requests"`
	PositiveResults  int64            `json:"positive_results"`
	NegativeResults  int64            `json:"negative_results"`
	Failures         map[string]int64 `json:"failures"`
	AverageLatencyMs float64          `json:"average_latency_ms"`
}

type metricsRecorder struct {
	mu           sync.Mutex
	total        int64
	positive     int64
	negative     int64
	failures     map[Kind]int64
	totalLatency time.Duration
}

func (m *metricsRecorder) record(result *Result, err error, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	m.totalLatency += latency
	if err != nil {
		if m.failures == nil {
			m.failures = make(map[Kind]int64)
		}
		kind, _ := KindOf(err)
		m.failures[kind]++
		return
	}
	if result.Label == LabelPositive {
		m.positive++
	} else {
		m.negative++
	}
}

// RecordRejection counts a request refused before it reached Predict.
// Errors without a failure kind are counted as unclassified.
func (uc *PredictionUseCase) RecordRejection(err error) {
	uc.metrics.record(nil, err, 0)
}

// GetMetricsSummary aggregates prediction counters recorded by Predict and
// RecordRejection.
func (uc *PredictionUseCase) GetMetricsSummary() *MetricsSummary {
	m := uc.metrics
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := &MetricsSummary{
		TotalRequests:   m.total,
		PositiveResults: m.positive,
		NegativeResults: m.negative,
		Failures:        make(map[string]int64, len(m.failures)),
	}
	for kind, count := range m.failures {
		name := kind.String()
		if kind == 0 {
			name = "unclassified"
		}
		summary.Failures[name] = count
	}
	if m.total > 0 {
		summary.AverageLatencyMs = float64(m.totalLatency) / float64(m.total) / float64(time.Millisecond)
	}
	return summary
}
