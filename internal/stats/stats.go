// Package stats provides the pure statistics kernel used by the latency
// harness analyzer: percentile ladders, means, standard deviation, and
// two-sample comparison. All functions are deterministic and perform no I/O.
package stats

import (
	"math"
	"sort"
)

// Summary holds descriptive statistics over a set of samples.
type Summary struct {
	Count  int
	Min    float64
	Max    float64
	Mean   float64
	Median float64
	P95    float64
	P99    float64
	StdDev float64
}

// Summarize computes a [Summary] over samples. An empty input yields the
// zero Summary.
func Summarize(samples []float64) Summary {
	if len(samples) == 0 {
		return Summary{}
	}
	sorted := sortedCopy(samples)
	return Summary{
		Count:  len(sorted),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Mean:   Mean(sorted),
		Median: percentileSorted(sorted, 0.50),
		P95:    percentileSorted(sorted, 0.95),
		P99:    percentileSorted(sorted, 0.99),
		StdDev: StdDev(sorted),
	}
}

// Percentile returns the value at percentile p (0.0-1.0) using nearest-rank.
// Returns 0 for an empty input.
func Percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return percentileSorted(sortedCopy(samples), p)
}

// Median returns the 50th percentile of samples.
func Median(samples []float64) float64 {
	return Percentile(samples, 0.50)
}

// Mean returns the arithmetic mean of samples, or 0 for an empty input.
func Mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

// StdDev returns the population standard deviation of samples, or 0 when
// fewer than two samples are present.
func StdDev(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	mean := Mean(samples)
	var sq float64
	for _, v := range samples {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(samples)))
}

// Min returns the smallest sample, or 0 for an empty input.
func Min(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	min := samples[0]
	for _, v := range samples[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

// Max returns the largest sample, or 0 for an empty input.
func Max(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	max := samples[0]
	for _, v := range samples[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

// Delta describes the fractional change between a baseline and a current
// sample set on the two statistics the regression detector inspects.
// Positive values mean the current set is slower.
type Delta struct {
	BaselineMedian float64
	CurrentMedian  float64
	MedianChange   float64 // (current - baseline) / baseline

	BaselineP99 float64
	CurrentP99  float64
	P99Change   float64
}

// Compare computes the [Delta] between baseline and current samples.
// A zero baseline statistic yields a 0 change for that statistic so that
// empty baselines never report a regression.
func Compare(baseline, current []float64) Delta {
	bSorted := sortedCopy(baseline)
	cSorted := sortedCopy(current)

	d := Delta{}
	if len(bSorted) > 0 {
		d.BaselineMedian = percentileSorted(bSorted, 0.50)
		d.BaselineP99 = percentileSorted(bSorted, 0.99)
	}
	if len(cSorted) > 0 {
		d.CurrentMedian = percentileSorted(cSorted, 0.50)
		d.CurrentP99 = percentileSorted(cSorted, 0.99)
	}
	if d.BaselineMedian > 0 {
		d.MedianChange = (d.CurrentMedian - d.BaselineMedian) / d.BaselineMedian
	}
	if d.BaselineP99 > 0 {
		d.P99Change = (d.CurrentP99 - d.BaselineP99) / d.BaselineP99
	}
	return d
}

func sortedCopy(samples []float64) []float64 {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	return sorted
}

// percentileSorted returns the nearest-rank percentile from an already
// sorted slice.
func percentileSorted(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
