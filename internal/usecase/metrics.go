package usecase

import "context"

// MetricsSummary represents aggregated recognition insights.
type MetricsSummary struct {
	TotalRecognitions int64   `json:"total_recognitions"`
	EmptyResults      int64   `json:"empty_results"`
	EmptyRate         float64 `json:"empty_rate"`
	CacheHits         int64   `json:"cache_hits"`
	CacheHitRate      float64 `json:"cache_hit_rate"`
	AverageLatencyMs  float64 `json:"average_latency_ms"`
}

// MetricsUseCase reads the recognition log for reporting.
type MetricsUseCase struct {
	repo RecognitionRepository
}

// NewMetricsUseCase constructs the reporting use case.
func NewMetricsUseCase(repo RecognitionRepository) *MetricsUseCase {
	return &MetricsUseCase{repo: repo}
}

// GetMetricsSummary aggregates recognition metrics from persisted logs.
func (uc *MetricsUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRecognitions: aggregation.TotalCount,
		EmptyResults:      aggregation.EmptyCount,
		CacheHits:         aggregation.CacheHitCount,
		AverageLatencyMs:  aggregation.AverageLatencyMs,
	}
	if aggregation.TotalCount > 0 {
		total := float64(aggregation.TotalCount)
		summary.EmptyRate = float64(aggregation.EmptyCount) / total
		summary.CacheHitRate = float64(aggregation.CacheHitCount) / total
	}
	return summary, nil
}
