package usecase

import (
	"context"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/example/face-service/internal/classifier"
)

// latencySampleSize bounds how many recent requests feed the latency figures.
const latencySampleSize = 1000

// MetricsSummary represents aggregated inference insights.
type MetricsSummary struct {
	Executor       classifier.ExecutorStats `json:"executor"`
	Persisted      bool                     `json:"persisted"`
	TotalRequests  int64                    `json:"total_requests"`
	Successful     int64                    `json:"successful_requests"`
	SuccessRate    float64                  `json:"success_rate"`
	DistinctLabels int64                    `json:"distinct_labels"`
	MeanLatencyMs  float64                  `json:"mean_latency_ms"`
	P95LatencyMs   float64                  `json:"p95_latency_ms"`
}

// GetMetricsSummary combines live executor counters with persisted history.
func (uc *InferenceUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	summary := &MetricsSummary{Executor: uc.classifier.Stats()}
	if uc.repo == nil {
		return summary, nil
	}

	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}
	summary.Persisted = true
	summary.TotalRequests = aggregation.TotalCount
	summary.Successful = aggregation.SuccessCount
	summary.DistinctLabels = aggregation.DistinctLabels
	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	latencies, err := uc.repo.RecentLatencies(ctx, latencySampleSize)
	if err != nil {
		return nil, err
	}
	summary.MeanLatencyMs, summary.P95LatencyMs = latencyStats(latencies)
	return summary, nil
}

func latencyStats(latencies []float64) (mean, p95 float64) {
	if len(latencies) == 0 {
		return 0, 0
	}
	sorted := append([]float64(nil), latencies...)
	sort.Float64s(sorted)
	return stat.Mean(sorted, nil), stat.Quantile(0.95, stat.Empirical, sorted, nil)
}
