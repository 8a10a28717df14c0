package aggregator

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// ColumnStats holds per-dimension statistics across a set of rows
type ColumnStats struct {
	Mean   []float64
	StdDev []float64
	Median []float64
	Count  int
}

// calculateColumnStats computes mean, population standard deviation and
// median for every column of rows. All rows must share the same width.
func calculateColumnStats(rows [][]float64) *ColumnStats {
	if len(rows) == 0 {
		return &ColumnStats{}
	}

	width := len(rows[0])
	stats := &ColumnStats{
		Mean:   make([]float64, width),
		StdDev: make([]float64, width),
		Median: make([]float64, width),
		Count:  len(rows),
	}

	column := make([]float64, len(rows))
	for d := 0; d < width; d++ {
		for i, row := range rows {
			column[i] = row[d]
		}

		stats.Mean[d], stats.StdDev[d] = stat.PopMeanStdDev(column, nil)

		sort.Float64s(column)
		stats.Median[d] = percentile(column, 50)
	}

	return sanitizeStats(stats)
}

// percentile calculates the specified percentile of sorted data, linearly
// interpolating between neighbours. p=50 on an even count averages the two
// middle values.
func percentile(sortedData []float64, p float64) float64 {
	if len(sortedData) == 0 {
		return 0
	}

	if len(sortedData) == 1 {
		return sortedData[0]
	}

	index := (p / 100.0) * float64(len(sortedData)-1)

	if index != float64(int(index)) {
		lower := int(math.Floor(index))
		upper := int(math.Ceil(index))

		if upper >= len(sortedData) {
			return sortedData[len(sortedData)-1]
		}

		weight := index - float64(lower)
		return sortedData[lower]*(1-weight) + sortedData[upper]*weight
	}

	return sortedData[int(index)]
}

// sanitizeStats replaces infinite or NaN results with zero. Inputs are
// validated finite, so this only triggers on overflow.
func sanitizeStats(stats *ColumnStats) *ColumnStats {
	for _, values := range [][]float64{stats.Mean, stats.StdDev, stats.Median} {
		for i, v := range values {
			if math.IsInf(v, 0) || math.IsNaN(v) {
				values[i] = 0
			}
		}
	}
	return stats
}
