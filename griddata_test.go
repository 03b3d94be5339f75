/*
Copyright © 2024 the gridprep authors.
This file is part of gridprep.

gridprep is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

gridprep is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with gridprep.  If not, see <http://www.gnu.org/licenses/>.
*/

package gridprep

import (
	"math"
	"testing"
	"time"

	"github.com/ctessum/sparse"
)

const testTolerance = 1.e-10

// monthlyTimes returns n monthly dates starting January 1950.
func monthlyTimes(n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = time.Date(1950, time.Month(1+i%12), 1, 0, 0, 0, 0, time.UTC).AddDate(i/12, 0, 0)
	}
	return out
}

// testConfig builds a configuration for data shaped (nt x nlat x nlon)
// with evenly spaced coordinates.
func testConfig(nt, nlat, nlon int) *Config {
	lat := make([]float64, nlat)
	for i := range lat {
		lat[i] = -60 + 120*float64(i)/float64(nlat)
	}
	lon := make([]float64, nlon)
	for i := range lon {
		lon[i] = 360 * float64(i) / float64(nlon)
	}
	return &Config{
		DimCoords: map[Dim]Coord{
			Time: {Index: 0, Times: monthlyTimes(nt)},
			Lat:  {Index: 1, Vals: lat},
			Lon:  {Index: 2, Vals: lon},
		},
	}
}

// testArray fills a (nt x nlat x nlon) array with fn(t, cell).
func testArray(nt, nlat, nlon int, fn func(t, cell int) float64) *sparse.DenseArray {
	d := sparse.ZerosDense(nt, nlat, nlon)
	for t := 0; t < nt; t++ {
		for c := 0; c < nlat*nlon; c++ {
			d.Elements[t*nlat*nlon+c] = fn(t, c)
		}
	}
	return d
}

func allClose(t *testing.T, have, want []float64, context string) {
	t.Helper()
	if len(have) != len(want) {
		t.Fatalf("%s: length %d, want %d", context, len(have), len(want))
	}
	for i := range have {
		if math.IsNaN(want[i]) {
			if !math.IsNaN(have[i]) {
				t.Errorf("%s: element %d = %g, want NaN", context, i, have[i])
			}
			continue
		}
		if math.Abs(have[i]-want[i]) > testTolerance {
			t.Errorf("%s: element %d = %g, want %g", context, i, have[i], want[i])
		}
	}
}

func TestNewDense(t *testing.T) {
	data := testArray(4, 2, 3, func(tt, c int) float64 { return float64(tt*10 + c) })
	gd, err := New(data, testConfig(4, 2, 3))
	if err != nil {
		t.Fatal(err)
	}
	if gd.IsMasked() {
		t.Error("fully valid data reported as masked")
	}
	if have, want := gd.CurrentKey(), StageOrig; have != want {
		t.Errorf("current key = %q, want %q", have, want)
	}
	if have, want := gd.NumValid(), 6; have != want {
		t.Errorf("NumValid = %d, want %d", have, want)
	}
	if have, want := gd.NumSamples(), 4; have != want {
		t.Errorf("NumSamples = %d, want %d", have, want)
	}
	out, err := gd.Data()
	if err != nil {
		t.Fatal(err)
	}
	allClose(t, out.Elements, data.Elements, "data round trip")
}

func TestDerivedMaskCompression(t *testing.T) {
	fill := 1.0e20
	data := testArray(4, 2, 3, func(tt, c int) float64 { return float64(tt*10 + c) })
	data.Elements[2*6+1] = math.NaN() // cell 1 invalid at t=2
	data.Elements[0*6+4] = fill       // cell 4 invalid at t=0
	cfg := testConfig(4, 2, 3)
	cfg.FillValue = &fill
	gd, err := New(data, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !gd.IsMasked() {
		t.Fatal("data with invalid values not reported as masked")
	}
	if have, want := gd.CurrentKey(), StageCompressed; have != want {
		t.Errorf("current key = %q, want %q", have, want)
	}
	if have, want := gd.NumValid(), 4; have != want {
		t.Errorf("NumValid = %d, want %d", have, want)
	}
	mask := gd.ValidMask()
	wantMask := []bool{true, false, true, true, false, true}
	for i := range wantMask {
		if mask[i] != wantMask[i] {
			t.Errorf("mask[%d] = %v, want %v", i, mask[i], wantMask[i])
		}
	}
	out, err := gd.Data()
	if err != nil {
		t.Fatal(err)
	}
	if have, want := out.Shape[0], 4; have != want {
		t.Fatalf("compressed rows = %d, want %d", have, want)
	}
	if have, want := out.Shape[1], 4; have != want {
		t.Fatalf("compressed row length = %d, want %d", have, want)
	}
	// Valid cells only, in flat spatial order.
	want := make([]float64, 0, 16)
	for tt := 0; tt < 4; tt++ {
		for _, c := range []int{0, 2, 3, 5} {
			want = append(want, float64(tt*10+c))
		}
	}
	allClose(t, out.Elements, want, "compressed data")
}

func TestExternalMaskUnion(t *testing.T) {
	data := testArray(3, 2, 2, func(tt, c int) float64 { return float64(tt + c) })
	data.Elements[1*4+1] = math.NaN() // cell 1 invalid in the data
	cfg := testConfig(3, 2, 2)
	cfg.ValidMask = []bool{false, true, true, true} // cell 0 invalid externally
	cfg.MaskShape = []int{2, 2}
	gd, err := New(data, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := gd.NumValid(), 2; have != want {
		t.Errorf("NumValid = %d, want %d", have, want)
	}
	out, err := gd.Data()
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{2, 3, 3, 4, 4, 5} // cells 2 and 3 at t=0..2
	allClose(t, out.Elements, want, "union-masked data")
}

func TestAlreadyCompressedInput(t *testing.T) {
	// Build a masked object, then feed its compressed output back in with
	// the same mask; the result must be unchanged.
	data := testArray(3, 2, 2, func(tt, c int) float64 { return float64(tt*4 + c) })
	data.Elements[2] = math.NaN() // cell 2 at t=0
	gd1, err := New(data, testConfig(3, 2, 2))
	if err != nil {
		t.Fatal(err)
	}
	comp, err := gd1.Data()
	if err != nil {
		t.Fatal(err)
	}
	cfg := &Config{
		DimCoords: map[Dim]Coord{Time: {Index: 0, Times: monthlyTimes(comp.Shape[0])}},
		ValidMask: gd1.ValidMask(),
		MaskShape: []int{4},
	}
	gd2, err := New(comp, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := gd2.NumValid(), gd1.NumValid(); have != want {
		t.Errorf("NumValid = %d, want %d", have, want)
	}
	out, err := gd2.Data()
	if err != nil {
		t.Fatal(err)
	}
	allClose(t, out.Elements, comp.Elements, "recompressed data")
	fs := gd2.FullShape()
	if len(fs) != 2 || fs[1] != 4 {
		t.Errorf("full shape = %v, want [3 4]", fs)
	}
}

func TestCompressedInputRejectsNonFinite(t *testing.T) {
	data := sparse.ZerosDense(2, 3)
	data.Elements[4] = math.Inf(1)
	cfg := &Config{
		DimCoords: map[Dim]Coord{Time: {Index: 0, Times: monthlyTimes(2)}},
		ValidMask: []bool{true, false, true, true, false},
		MaskShape: []int{5},
	}
	if _, err := New(data, cfg); err == nil {
		t.Error("non-finite value in compressed data did not error")
	}
}

func TestTooManyDimensions(t *testing.T) {
	if _, err := New(sparse.ZerosDense(2, 2, 2, 2, 2), nil); err == nil {
		t.Error("5-dimensional data did not error")
	}
}

func TestTimeMustLead(t *testing.T) {
	cfg := &Config{
		DimCoords: map[Dim]Coord{Time: {Index: 1, Times: monthlyTimes(3)}},
	}
	if _, err := New(sparse.ZerosDense(2, 3), cfg); err == nil {
		t.Error("trailing time coordinate did not error")
	}
}

func TestInflateFullGrid(t *testing.T) {
	data := testArray(2, 2, 2, func(tt, c int) float64 { return float64(tt*4 + c) })
	data.Elements[1] = math.NaN() // cell 1
	gd, err := New(data, testConfig(2, 2, 2))
	if err != nil {
		t.Fatal(err)
	}
	full, err := gd.InflateFullGrid(nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(full.Shape) != 3 || full.Shape[1] != 2 || full.Shape[2] != 2 {
		t.Fatalf("inflated shape = %v, want [2 2 2]", full.Shape)
	}
	want := []float64{0, math.NaN(), 2, 3, 4, math.NaN(), 6, 7}
	allClose(t, full.Elements, want, "inflated data")

	// A supplied array with the wrong compressed length is rejected.
	if _, err := gd.InflateFullGrid(sparse.ZerosDense(2, 5), false); err == nil {
		t.Error("inflating mismatched data did not error")
	}
}
