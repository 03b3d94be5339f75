// Package stats provides the numerical kernels used by the gridprep
// transform pipeline: running means, per-phase climatologies and anomalies,
// linear trend removal, sample variance, and empirical orthogonal function
// decomposition.
//
// The kernels operate on row-major blocks of float64 values with a leading
// sample axis: a block of r rows with rowLen values per row represents r
// consecutive time samples over rowLen locations. The accumulator types
// (Climatology, Trend, Variance) support out-of-core execution: blocks may
// be fed in any chunking as long as samples arrive exactly once, so eager
// and chunked callers produce identical results.
package stats

import (
	"fmt"
	"math"
)

// RunMean computes a centered running mean of the given window size along
// the sample axis, trimming trim samples from each end of the output so the
// window never reads outside the series. trim must be at least window/2.
//
// data holds rows samples of rowLen locations each; the result holds
// rows-2*trim samples. Output sample t is the mean of input samples
// [t+trim-window/2, t+trim-window/2+window).
func RunMean(data []float64, rows, rowLen, window, trim int) ([]float64, error) {
	if window < 1 {
		return nil, fmt.Errorf("stats: running mean window %d is not positive", window)
	}
	if trim < window/2 {
		return nil, fmt.Errorf("stats: trim %d is smaller than half window %d", trim, window)
	}
	outRows := rows - 2*trim
	if outRows <= 0 {
		return nil, fmt.Errorf("stats: series of %d samples too short for trim %d", rows, trim)
	}
	out := make([]float64, outRows*rowLen)
	// Sliding window sum per location.
	sums := make([]float64, rowLen)
	start := trim - window/2
	for t := start; t < start+window; t++ {
		row := data[t*rowLen : (t+1)*rowLen]
		for j, v := range row {
			sums[j] += v
		}
	}
	w := float64(window)
	for t := 0; t < outRows; t++ {
		outRow := out[t*rowLen : (t+1)*rowLen]
		for j, s := range sums {
			outRow[j] = s / w
		}
		if t+1 < outRows {
			drop := data[(start+t)*rowLen : (start+t+1)*rowLen]
			add := data[(start+t+window)*rowLen : (start+t+window+1)*rowLen]
			for j := range sums {
				sums[j] += add[j] - drop[j]
			}
		}
	}
	return out, nil
}

// Climatology accumulates per-phase means over the sample axis, where the
// phase of sample t is t modulo the year length.
type Climatology struct {
	yearLen int
	rowLen  int
	sums    []float64
	counts  []int64
}

// NewClimatology returns an accumulator for a series with the given
// samples-per-year and row length.
func NewClimatology(yearLen, rowLen int) *Climatology {
	if yearLen < 1 {
		yearLen = 1
	}
	return &Climatology{
		yearLen: yearLen,
		rowLen:  rowLen,
		sums:    make([]float64, yearLen*rowLen),
		counts:  make([]int64, yearLen),
	}
}

// Add accumulates a block whose first row is sample t0 of the series.
func (c *Climatology) Add(block []float64, t0 int) {
	rows := len(block) / c.rowLen
	for t := 0; t < rows; t++ {
		phase := (t0 + t) % c.yearLen
		sums := c.sums[phase*c.rowLen : (phase+1)*c.rowLen]
		row := block[t*c.rowLen : (t+1)*c.rowLen]
		for j, v := range row {
			sums[j] += v
		}
		c.counts[phase]++
	}
}

// Means returns the per-phase climatology as yearLen rows of rowLen values.
func (c *Climatology) Means() []float64 {
	out := make([]float64, len(c.sums))
	for phase := 0; phase < c.yearLen; phase++ {
		n := float64(c.counts[phase])
		row := c.sums[phase*c.rowLen : (phase+1)*c.rowLen]
		outRow := out[phase*c.rowLen : (phase+1)*c.rowLen]
		for j, s := range row {
			if n > 0 {
				outRow[j] = s / n
			}
		}
	}
	return out
}

// RemoveClimo subtracts the per-phase climatology from a block in place.
// The block's first row is sample t0 of the series and climo holds yearLen
// rows of rowLen values.
func RemoveClimo(block []float64, t0, rowLen int, climo []float64, yearLen int) {
	if yearLen < 1 {
		yearLen = 1
	}
	rows := len(block) / rowLen
	for t := 0; t < rows; t++ {
		phase := (t0 + t) % yearLen
		cRow := climo[phase*rowLen : (phase+1)*rowLen]
		row := block[t*rowLen : (t+1)*rowLen]
		for j := range row {
			row[j] -= cRow[j]
		}
	}
}

// Trend accumulates the per-location ordinary-least-squares fit of each
// location's series against the sample index.
type Trend struct {
	rowLen int
	n      float64
	sumT   float64
	sumTT  float64
	sumY   []float64
	sumTY  []float64

	slope     []float64
	intercept []float64
}

// NewTrend returns a trend accumulator for series with rowLen locations.
func NewTrend(rowLen int) *Trend {
	return &Trend{
		rowLen: rowLen,
		sumY:   make([]float64, rowLen),
		sumTY:  make([]float64, rowLen),
	}
}

// Add accumulates a block whose first row is sample t0 of the series.
func (tr *Trend) Add(block []float64, t0 int) {
	rows := len(block) / tr.rowLen
	for t := 0; t < rows; t++ {
		x := float64(t0 + t)
		tr.n++
		tr.sumT += x
		tr.sumTT += x * x
		row := block[t*tr.rowLen : (t+1)*tr.rowLen]
		for j, v := range row {
			tr.sumY[j] += v
			tr.sumTY[j] += x * v
		}
	}
	tr.slope = nil
}

func (tr *Trend) fit() {
	if tr.slope != nil {
		return
	}
	tr.slope = make([]float64, tr.rowLen)
	tr.intercept = make([]float64, tr.rowLen)
	den := tr.n*tr.sumTT - tr.sumT*tr.sumT
	for j := 0; j < tr.rowLen; j++ {
		if den != 0 {
			tr.slope[j] = (tr.n*tr.sumTY[j] - tr.sumT*tr.sumY[j]) / den
		}
		tr.intercept[j] = (tr.sumY[j] - tr.slope[j]*tr.sumT) / tr.n
	}
}

// Remove subtracts the fitted linear trend from a block in place. The
// block's first row is sample t0 of the series.
func (tr *Trend) Remove(block []float64, t0 int) {
	tr.fit()
	rows := len(block) / tr.rowLen
	for t := 0; t < rows; t++ {
		x := float64(t0 + t)
		row := block[t*tr.rowLen : (t+1)*tr.rowLen]
		for j := range row {
			row[j] -= tr.intercept[j] + tr.slope[j]*x
		}
	}
}

// Slopes returns the fitted per-location slopes.
func (tr *Trend) Slopes() []float64 {
	tr.fit()
	return append([]float64(nil), tr.slope...)
}

// Variance accumulates the per-location sample variance (ddof=1) along the
// sample axis using Welford's online update.
type Variance struct {
	rowLen int
	n      float64
	mean   []float64
	m2     []float64
}

// NewVariance returns a variance accumulator for series with rowLen
// locations.
func NewVariance(rowLen int) *Variance {
	return &Variance{
		rowLen: rowLen,
		mean:   make([]float64, rowLen),
		m2:     make([]float64, rowLen),
	}
}

// Add accumulates a block of samples.
func (v *Variance) Add(block []float64) {
	rows := len(block) / v.rowLen
	for t := 0; t < rows; t++ {
		v.n++
		row := block[t*v.rowLen : (t+1)*v.rowLen]
		for j, y := range row {
			delta := y - v.mean[j]
			v.mean[j] += delta / v.n
			v.m2[j] += delta * (y - v.mean[j])
		}
	}
}

// Total returns the sum over locations of the per-location sample variance.
func (v *Variance) Total() float64 {
	if v.n < 2 {
		return math.NaN()
	}
	var total float64
	for _, m2 := range v.m2 {
		total += m2 / (v.n - 1)
	}
	return total
}
