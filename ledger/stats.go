package ledger

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/yanolja/modelrouter"
)

// Dimension groups samples for aggregation.
type Dimension string

const (
	DimensionEndpoint Dimension = "endpoint"
	DimensionProvider Dimension = "provider"
	DimensionCategory Dimension = "category"
)

func ParseDimension(value string) (Dimension, error) {
	switch Dimension(value) {
	case DimensionEndpoint, DimensionProvider, DimensionCategory:
		return Dimension(value), nil
	case "":
		return DimensionEndpoint, nil
	}
	return "", fmt.Errorf("unknown dimension: %s", value)
}

func (d Dimension) keyOf(sample *modelrouter.PerformanceSample) string {
	switch d {
	case DimensionProvider:
		return sample.ProviderID
	case DimensionCategory:
		return sample.Category
	default:
		return sample.EndpointID
	}
}

const (
	WindowHour = time.Hour
	WindowDay  = 24 * time.Hour
	WindowWeek = 7 * 24 * time.Hour
)

// ParseWindow accepts "1h", "24h" and "7d".
func ParseWindow(value string) (time.Duration, error) {
	switch value {
	case "1h":
		return WindowHour, nil
	case "24h", "1d", "":
		return WindowDay, nil
	case "7d", "168h":
		return WindowWeek, nil
	}
	return 0, fmt.Errorf("unsupported window: %s", value)
}

// Stats summarizes a group of samples.
type Stats struct {
	Count       int     `json:"count"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"success_rate"`

	AvgLatency time.Duration `json:"avg_latency"`
	P50        time.Duration `json:"p50"`
	P95        time.Duration `json:"p95"`
	P99        time.Duration `json:"p99"`

	// Average over successful samples only.
	AvgQuality float64 `json:"avg_quality"`

	TotalCost float64 `json:"total_cost"`

	// Zero when nothing succeeded.
	CostPerSuccess float64 `json:"cost_per_success"`
}

// Summary is the part of Stats that needs a single pass and no sorting.
type Summary struct {
	Count       int
	Successes   int
	SuccessRate float64
	AvgLatency  time.Duration

	// Average over successful samples only.
	AvgQuality float64
}

// summarizeWindow scans the time-ordered samples with RecordedAt in
// [from, to] without copying them.
func summarizeWindow(samples []modelrouter.PerformanceSample, from time.Time, to time.Time) Summary {
	start := sort.Search(len(samples), func(i int) bool {
		return !samples[i].RecordedAt.Before(from)
	})
	var summary Summary
	totalLatency := time.Duration(0)
	totalQuality := 0.0
	for i := start; i < len(samples) && !samples[i].RecordedAt.After(to); i++ {
		summary.Count++
		totalLatency += samples[i].Latency
		if samples[i].Success {
			summary.Successes++
			totalQuality += samples[i].Quality
		}
	}
	if summary.Count == 0 {
		return summary
	}
	summary.SuccessRate = float64(summary.Successes) / float64(summary.Count)
	summary.AvgLatency = totalLatency / time.Duration(summary.Count)
	if summary.Successes > 0 {
		summary.AvgQuality = totalQuality / float64(summary.Successes)
	}
	return summary
}

func summarize(samples []*modelrouter.PerformanceSample) Stats {
	stats := Stats{Count: len(samples)}
	if len(samples) == 0 {
		return stats
	}

	latencies := make([]time.Duration, 0, len(samples))
	totalLatency := time.Duration(0)
	totalQuality := 0.0
	for _, sample := range samples {
		latencies = append(latencies, sample.Latency)
		totalLatency += sample.Latency
		stats.TotalCost += sample.Cost
		if sample.Success {
			stats.Successes++
			totalQuality += sample.Quality
		}
	}

	stats.SuccessRate = float64(stats.Successes) / float64(stats.Count)
	stats.AvgLatency = totalLatency / time.Duration(len(samples))
	if stats.Successes > 0 {
		stats.AvgQuality = totalQuality / float64(stats.Successes)
		stats.CostPerSuccess = stats.TotalCost / float64(stats.Successes)
	}

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})
	stats.P50 = percentile(latencies, 0.50)
	stats.P95 = percentile(latencies, 0.95)
	stats.P99 = percentile(latencies, 0.99)
	return stats
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := p * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	fraction := rank - float64(lower)
	return sorted[lower] + time.Duration(math.Round(fraction*float64(sorted[upper]-sorted[lower])))
}
