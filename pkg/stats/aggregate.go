package stats

import (
	"fmt"
	"time"

	mstats "github.com/montanaflynn/stats"
)

// Aggregate describes a set of durations. The zero value means no samples.
type Aggregate struct {
	Count  int
	Min    time.Duration
	Max    time.Duration
	Mean   time.Duration
	Median time.Duration
	P99    time.Duration
	StdDev time.Duration
}

func Summarize(samples []time.Duration) Aggregate {
	if len(samples) == 0 {
		return Aggregate{}
	}
	data := make(mstats.Float64Data, len(samples))
	for i, d := range samples {
		data[i] = float64(d)
	}

	// errors only come from empty input, which is excluded above
	minV, _ := data.Min()
	maxV, _ := data.Max()
	mean, _ := data.Mean()
	median, _ := data.Median()
	p99, err := data.Percentile(99)
	if err != nil {
		// too few samples to interpolate
		p99 = maxV
	}
	var stdDev float64
	if len(data) > 1 {
		stdDev, _ = mstats.StandardDeviationSample(data)
	}

	return Aggregate{
		Count:  len(samples),
		Min:    time.Duration(minV),
		Max:    time.Duration(maxV),
		Mean:   time.Duration(mean),
		Median: time.Duration(median),
		P99:    time.Duration(p99),
		StdDev: time.Duration(stdDev),
	}
}

func (a Aggregate) String() string {
	if a.Count == 0 {
		return "no samples"
	}
	return fmt.Sprintf("min %v max %v mean %v median %v p99 %v sd %v",
		a.Min, a.Max, a.Mean, a.Median, a.P99, a.StdDev)
}
