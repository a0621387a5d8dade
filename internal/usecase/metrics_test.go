package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/face-service/internal/repository"
)

func TestGetMetricsSummaryWithHistory(t *testing.T) {
	latencies := make([]float64, 0, 100)
	for i := 100; i >= 1; i-- {
		latencies = append(latencies, float64(i))
	}
	repo := &stubRepository{
		aggregate: &repository.MetricsAggregation{TotalCount: 10, SuccessCount: 8, DistinctLabels: 3},
		latencies: latencies,
	}
	uc := newTestUseCase(&stubClassifier{calls: 4}, WithRepository(repo))

	summary, err := uc.GetMetricsSummary(context.Background())
	require.NoError(t, err)

	assert.True(t, summary.Persisted)
	assert.Equal(t, int64(4), summary.Executor.CompletedJobs)
	assert.InDelta(t, 0.8, summary.SuccessRate, 1e-9)
	assert.Equal(t, int64(3), summary.DistinctLabels)
	assert.InDelta(t, 50.5, summary.MeanLatencyMs, 1e-9)
	assert.InDelta(t, 95, summary.P95LatencyMs, 1)
}

func TestGetMetricsSummaryWithoutRepository(t *testing.T) {
	uc := newTestUseCase(&stubClassifier{calls: 2})

	summary, err := uc.GetMetricsSummary(context.Background())
	require.NoError(t, err)

	assert.False(t, summary.Persisted)
	assert.Equal(t, int64(2), summary.Executor.TotalJobs)
	assert.Zero(t, summary.TotalRequests)
}

func TestLatencyStatsEmpty(t *testing.T) {
	mean, p95 := latencyStats(nil)
	assert.Zero(t, mean)
	assert.Zero(t, p95)
}
