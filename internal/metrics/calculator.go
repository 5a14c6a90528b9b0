package metrics

import (
	"sort"
	"time"

	"github.com/saveenergy/losstest/pkg/types"
)

// CalculateRTT summarises RTT samples given in arrival order. Percentiles use
// nearest-rank on a sorted copy; jitter is the mean absolute difference of
// consecutive samples in arrival order.
func CalculateRTT(samples []time.Duration) types.RTTSummary {
	if len(samples) == 0 {
		return types.RTTSummary{}
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	sum := time.Duration(0)
	for _, s := range sorted {
		sum += s
	}

	n := len(sorted)
	return types.RTTSummary{
		Count:    n,
		MinMs:    toMs(sorted[0]),
		MaxMs:    toMs(sorted[n-1]),
		AvgMs:    float64(sum) / float64(n) / float64(time.Millisecond),
		P50Ms:    toMs(sorted[n*50/100]),
		P95Ms:    toMs(sorted[n*95/100]),
		P99Ms:    toMs(sorted[n*99/100]),
		JitterMs: CalculateJitter(samples),
	}
}

func CalculateJitter(samples []time.Duration) float64 {
	if len(samples) < 2 {
		return 0
	}

	var sum float64
	for i := 1; i < len(samples); i++ {
		diff := float64(samples[i] - samples[i-1])
		if diff < 0 {
			diff = -diff
		}
		sum += diff
	}

	return sum / float64(len(samples)-1) / float64(time.Millisecond)
}

// LossPercent is lost/sent*100, defined as 0 when nothing was sent.
func LossPercent(sent, lost int64) float64 {
	if sent <= 0 {
		return 0
	}
	return float64(lost) / float64(sent) * 100
}

func toMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
