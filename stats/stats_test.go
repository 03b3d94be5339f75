package stats

import (
	"math"
	"testing"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestRunMean(t *testing.T) {
	// Constant series: running mean is the identity away from the edges.
	rowLen := 2
	rows := 10
	data := make([]float64, rows*rowLen)
	for i := range data {
		data[i] = 3.5
	}
	out, err := RunMean(data, rows, rowLen, 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != (rows-4)*rowLen {
		t.Fatalf("output length: have %d, want %d", len(out), (rows-4)*rowLen)
	}
	for i, v := range out {
		if !almostEqual(v, 3.5, 1e-12) {
			t.Errorf("index %d: have %g, want 3.5", i, v)
		}
	}

	// Linear series: a centered running mean of odd window preserves it.
	lin := make([]float64, rows)
	for i := range lin {
		lin[i] = float64(i)
	}
	out, err = RunMean(lin, rows, 1, 3, 1)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range out {
		want := float64(i + 1)
		if !almostEqual(v, want, 1e-12) {
			t.Errorf("index %d: have %g, want %g", i, v, want)
		}
	}
}

func TestRunMeanErrors(t *testing.T) {
	if _, err := RunMean(make([]float64, 10), 10, 1, 12, 1); err == nil {
		t.Error("expected error for trim smaller than half window")
	}
	if _, err := RunMean(make([]float64, 10), 10, 1, 4, 5); err == nil {
		t.Error("expected error for over-trimmed series")
	}
}

func TestClimatologyPhases(t *testing.T) {
	// Two locations, year length 2: even samples are 1/10, odd are 3/30.
	rowLen := 2
	c := NewClimatology(2, rowLen)
	block := []float64{
		1, 10,
		3, 30,
		1, 10,
		3, 30,
	}
	// Feed in two uneven blocks to exercise the streaming path.
	c.Add(block[:2], 0)
	c.Add(block[2:], 1)
	means := c.Means()
	want := []float64{1, 10, 3, 30}
	for i := range want {
		if !almostEqual(means[i], want[i], 1e-12) {
			t.Errorf("phase mean %d: have %g, want %g", i, means[i], want[i])
		}
	}

	RemoveClimo(block, 0, rowLen, means, 2)
	for i, v := range block {
		if !almostEqual(v, 0, 1e-12) {
			t.Errorf("anomaly %d: have %g, want 0", i, v)
		}
	}
}

func TestTrendRemoval(t *testing.T) {
	rowLen := 2
	rows := 20
	data := make([]float64, rows*rowLen)
	for ti := 0; ti < rows; ti++ {
		data[ti*rowLen] = 2.5*float64(ti) + 1   // pure trend
		data[ti*rowLen+1] = -0.5*float64(ti) + 7 // negative trend
	}
	tr := NewTrend(rowLen)
	tr.Add(data[:10*rowLen], 0)
	tr.Add(data[10*rowLen:], 10)

	slopes := tr.Slopes()
	if !almostEqual(slopes[0], 2.5, 1e-9) || !almostEqual(slopes[1], -0.5, 1e-9) {
		t.Errorf("slopes: have %v, want [2.5 -0.5]", slopes)
	}

	tr.Remove(data, 0)
	for i, v := range data {
		if !almostEqual(v, 0, 1e-9) {
			t.Errorf("residual %d: have %g, want 0", i, v)
		}
	}
}

func TestVariance(t *testing.T) {
	v := NewVariance(1)
	v.Add([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	// Sample variance (ddof=1) of the series is 32/7.
	want := 32.0 / 7.0
	if !almostEqual(v.Total(), want, 1e-12) {
		t.Errorf("have %g, want %g", v.Total(), want)
	}

	// Streaming in blocks matches one-shot accumulation.
	v2 := NewVariance(1)
	v2.Add([]float64{2, 4, 4})
	v2.Add([]float64{4, 5, 5, 7, 9})
	if !almostEqual(v2.Total(), v.Total(), 1e-12) {
		t.Errorf("streamed variance %g != one-shot %g", v2.Total(), v.Total())
	}
}

func TestCalcEOFs(t *testing.T) {
	// Rank-1 data: one mode explains everything.
	rows, rowLen := 6, 4
	pattern := []float64{1, 2, -1, 0.5}
	data := make([]float64, rows*rowLen)
	for ti := 0; ti < rows; ti++ {
		amp := float64(ti+1) * 0.3
		for j := 0; j < rowLen; j++ {
			data[ti*rowLen+j] = amp * pattern[j]
		}
	}
	eofs, svals, st, err := CalcEOFs(data, rows, rowLen, 2)
	if err != nil {
		t.Fatal(err)
	}
	r, c := eofs.Dims()
	if r != rowLen || c != 2 {
		t.Fatalf("EOF dims: have %d x %d, want %d x 2", r, c, rowLen)
	}
	if len(svals) != 2 {
		t.Fatalf("singular values: have %d, want 2", len(svals))
	}
	if !almostEqual(st.VarianceExplained[0], 1, 1e-9) {
		t.Errorf("leading mode variance explained: have %g, want 1", st.VarianceExplained[0])
	}
	// Leading EOF is the (normalized) pattern up to sign.
	norm := 0.0
	for _, p := range pattern {
		norm += p * p
	}
	norm = math.Sqrt(norm)
	sign := 1.0
	if eofs.At(0, 0)*pattern[0] < 0 {
		sign = -1
	}
	for j := 0; j < rowLen; j++ {
		want := sign * pattern[j] / norm
		if !almostEqual(eofs.At(j, 0), want, 1e-9) {
			t.Errorf("EOF element %d: have %g, want %g", j, eofs.At(j, 0), want)
		}
	}
}

func TestCalcEOFsErrors(t *testing.T) {
	if _, _, _, err := CalcEOFs(make([]float64, 12), 3, 4, 5); err == nil {
		t.Error("expected error when retaining more modes than available")
	}
	if _, _, _, err := CalcEOFs(make([]float64, 12), 3, 4, 0); err == nil {
		t.Error("expected error for zero retained modes")
	}
}
