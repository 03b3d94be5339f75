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
)

func TestResetRestoresTimeCoord(t *testing.T) {
	// Monthly data resampled to annual means, then filtered and centered:
	// resetting to an earlier stage must restore that stage's time
	// coordinate, and resetting to a stage that never changed the
	// sampling dimension resolves through its ancestors.
	const n = 48
	data := testArray(n, 1, 2, func(tt, c int) float64 { return float64(tt + c) })
	gd, err := New(data, testConfig(n, 1, 2))
	if err != nil {
		t.Fatal(err)
	}
	if err := gd.Resample(StageResampled, 12, 0); err != nil {
		t.Fatal(err)
	}
	if err := gd.RunningMean(3, 1); err != nil {
		t.Fatal(err)
	}
	if err := gd.Anomaly(1, nil); err != nil {
		t.Fatal(err)
	}

	if have, want := gd.NumSamples(), 2; have != want {
		t.Fatalf("NumSamples after pipeline = %d, want %d", have, want)
	}
	anomTimes := gd.TimeCoord()

	if err := gd.ResetTo(StageResampled); err != nil {
		t.Fatal(err)
	}
	if have, want := gd.NumSamples(), 4; have != want {
		t.Errorf("NumSamples at %s = %d, want %d", StageResampled, have, want)
	}
	orig := monthlyTimes(n)
	times := gd.TimeCoord()
	for i := 0; i < 4; i++ {
		if !times[i].Equal(orig[i*12]) {
			t.Errorf("resampled time[%d] = %v, want %v", i, times[i], orig[i*12])
		}
	}

	// The anomaly stage kept the running-mean coordinate.
	if err := gd.ResetTo(StageAnomaly); err != nil {
		t.Fatal(err)
	}
	times = gd.TimeCoord()
	if len(times) != 2 {
		t.Fatalf("anomaly time coordinate has %d samples, want 2", len(times))
	}
	for i := range times {
		if !times[i].Equal(anomTimes[i]) {
			t.Errorf("anomaly time[%d] = %v, want %v", i, times[i], anomTimes[i])
		}
	}
}

func TestResetUnknownStage(t *testing.T) {
	gd, err := New(testArray(4, 1, 1, func(tt, c int) float64 { return 1 }), testConfig(4, 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if err := gd.ResetTo(StageDetrended); err == nil {
		t.Error("resetting to a never-produced stage did not error")
	}
}

func TestHistoryChain(t *testing.T) {
	gd, err := New(testArray(8, 1, 1, func(tt, c int) float64 { return float64(tt) }), testConfig(8, 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if err := gd.Resample(StageResampled, 2, 0); err != nil {
		t.Fatal(err)
	}
	if err := gd.Detrend(); err != nil {
		t.Fatal(err)
	}
	want := []StageKey{StageOrig, StageResampled, StageDetrended}
	have := gd.History()
	if len(have) != len(want) {
		t.Fatalf("history = %v, want %v", have, want)
	}
	for i := range want {
		if have[i] != want[i] {
			t.Fatalf("history = %v, want %v", have, want)
		}
	}
}

func TestGetCoordinateGrids(t *testing.T) {
	data := testArray(2, 2, 3, func(tt, c int) float64 { return float64(c) })
	data.Elements[4] = math.NaN() // cell 4 invalid
	cfg := testConfig(2, 2, 3)
	cfg.DimCoords[Lat] = Coord{Index: 1, Vals: []float64{-30, 30}}
	cfg.DimCoords[Lon] = Coord{Index: 2, Vals: []float64{0, 120, 240}}
	gd, err := New(data, cfg)
	if err != nil {
		t.Fatal(err)
	}

	grids, err := gd.GetCoordinateGrids([]Dim{Lat, Lon}, false, true)
	if err != nil {
		t.Fatal(err)
	}
	allClose(t, grids[Lat].Elements, []float64{-30, -30, -30, 30, 30, 30}, "broadcast latitude grid")
	allClose(t, grids[Lon].Elements, []float64{0, 120, 240, 0, 120, 240}, "broadcast longitude grid")

	grids, err = gd.GetCoordinateGrids([]Dim{Lat}, true, true)
	if err != nil {
		t.Fatal(err)
	}
	allClose(t, grids[Lat].Elements, []float64{-30, -30, -30, 30, 30}, "compressed latitude grid")

	if _, err := gd.GetCoordinateGrids([]Dim{Time}, false, true); err == nil {
		t.Error("requesting a grid for the sampling dimension did not error")
	}
}
