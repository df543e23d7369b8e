package usecase

import "context"

// MetricsSummary represents aggregated lookup insights.
type MetricsSummary struct {
	TotalLookups      int64   `json:"total_lookups"`
	SuccessfulLookups int64   `json:"successful_lookups"`
	SuccessRate       float64 `json:"success_rate"`
	CacheHitRate      float64 `json:"cache_hit_rate"`
	AverageMatches    float64 `json:"average_matches"`
	AverageLatencyMs  float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates lookup metrics from persisted logs.
func (uc *LookupUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalLookups:      aggregation.TotalCount,
		SuccessfulLookups: aggregation.SuccessCount,
		AverageMatches:    aggregation.AverageMatches,
		AverageLatencyMs:  aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
		summary.CacheHitRate = float64(aggregation.CacheHitCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
