package analyze

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// ErrZeroElapsed is returned when a rate is requested over a zero or
// negative elapsed time.
var ErrZeroElapsed = errors.New("elapsed time is zero")

// ActionsPerSecond returns total / elapsed in actions per second.
func ActionsPerSecond(total int, elapsed time.Duration) (float64, error) {
	if elapsed <= 0 {
		return 0, fmt.Errorf("actions per second over %v: %w", elapsed, ErrZeroElapsed)
	}
	return float64(total) / elapsed.Seconds(), nil
}

// Percentiles reported for every timing.
var Percentiles = []int{10, 20, 25, 30, 40, 50, 60, 70, 75, 80, 90, 95, 99}

// Stats summarizes a sample of timings, in seconds.
type Stats struct {
	Count    int
	Min      float64
	Max      float64
	Mean     float64
	Median   float64
	StdDev   float64
	Variance float64

	// Quantiles maps "p10" .. "p99" to the interpolated value.
	Quantiles map[string]float64
}

// ComputeStats computes Stats for samples. samples is not modified.
func ComputeStats(samples []float64) Stats {
	st := Stats{Count: len(samples), Quantiles: make(map[string]float64, len(Percentiles))}
	if len(samples) == 0 {
		return st
	}

	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	st.Min = sorted[0]
	st.Max = sorted[len(sorted)-1]
	st.Mean = sum / float64(len(sorted))
	st.Median = quantile(sorted, 0.5)

	if len(sorted) > 1 {
		var sq float64
		for _, v := range sorted {
			d := v - st.Mean
			sq += d * d
		}
		st.Variance = sq / float64(len(sorted)-1)
		st.StdDev = math.Sqrt(st.Variance)
	}

	for _, p := range Percentiles {
		st.Quantiles[fmt.Sprintf("p%d", p)] = quantile(sorted, float64(p)/100)
	}
	return st
}

// quantile returns the q-quantile of sorted using linear interpolation
// between closest ranks.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
