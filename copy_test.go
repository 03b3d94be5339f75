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
	"testing"
)

func TestCopyIsolation(t *testing.T) {
	data := testArray(8, 1, 2, func(tt, c int) float64 { return float64(tt*2 + c) })
	gd, err := New(data, testConfig(8, 1, 2))
	if err != nil {
		t.Fatal(err)
	}
	if err := gd.Resample(StageResampled, 2, 0); err != nil {
		t.Fatal(err)
	}
	cp, err := gd.Copy(nil, "")
	if err != nil {
		t.Fatal(err)
	}
	before, err := cp.Data()
	if err != nil {
		t.Fatal(err)
	}

	// Mutating the source must not show through.
	if err := gd.Detrend(); err != nil {
		t.Fatal(err)
	}
	after, err := cp.Data()
	if err != nil {
		t.Fatal(err)
	}
	allClose(t, after.Elements, before.Elements, "copy after source mutation")

	// The copy's history collapses to the stage it was seeded from.
	h := cp.History()
	if len(h) != 1 || h[0] != StageResampled {
		t.Errorf("copy history = %v, want [%s]", h, StageResampled)
	}
	if have, want := cp.CurrentKey(), StageResampled; have != want {
		t.Errorf("copy current key = %q, want %q", have, want)
	}
	// Earlier stages are gone.
	if err := cp.ResetTo(StageOrig); err == nil {
		t.Error("resetting a copy to a discarded stage did not error")
	}
}

func TestCopySubsample(t *testing.T) {
	data := testArray(6, 1, 1, func(tt, c int) float64 { return float64(tt) })
	gd, err := New(data, testConfig(6, 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	cp, err := gd.Copy([]int{0, 2, 5}, "")
	if err != nil {
		t.Fatal(err)
	}
	out, err := cp.Data()
	if err != nil {
		t.Fatal(err)
	}
	allClose(t, out.Elements, []float64{0, 2, 5}, "subsampled copy")
	times := cp.TimeCoord()
	orig := monthlyTimes(6)
	for i, j := range []int{0, 2, 5} {
		if !times[i].Equal(orig[j]) {
			t.Errorf("subsampled time[%d] = %v, want %v", i, times[i], orig[j])
		}
	}

	if _, err := gd.Copy([]int{7}, ""); err == nil {
		t.Error("out-of-range sample index did not error")
	}
}

func TestTrainTestSplitRandom(t *testing.T) {
	const n, testSize = 20, 5
	data := testArray(n, 1, 1, func(tt, c int) float64 { return float64(tt) })
	gd, err := New(data, testConfig(n, 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	train, test, err := gd.TrainTestSplitRandom(testSize, []int{1}, 42, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := test.NumSamples(), testSize; have != want {
		t.Errorf("test samples = %d, want %d", have, want)
	}

	// The sample values identify the drawn indices. No training sample
	// may equal a test sample or sit one step after it.
	testVals := map[float64]bool{}
	td, err := test.Data()
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range td.Elements {
		testVals[v] = true
	}
	tr, err := train.Data()
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range tr.Elements {
		if testVals[v] {
			t.Errorf("sample %g appears in both partitions", v)
		}
		if testVals[v-1] {
			t.Errorf("training sample %g overlaps a lagged test sample", v)
		}
	}
	if have := test.NumSamples() + train.NumSamples(); have > n {
		t.Errorf("partitions hold %d samples, more than the %d available", have, n)
	}

	// Same seed, same split.
	train2, test2, err := gd.TrainTestSplitRandom(testSize, []int{1}, 42, "", "")
	if err != nil {
		t.Fatal(err)
	}
	td2, err := test2.Data()
	if err != nil {
		t.Fatal(err)
	}
	allClose(t, td2.Elements, td.Elements, "test partition reproducibility")
	tr2, err := train2.Data()
	if err != nil {
		t.Fatal(err)
	}
	allClose(t, tr2.Elements, tr.Elements, "training partition reproducibility")
}

func TestTrainTestSplitBadSize(t *testing.T) {
	gd, err := New(testArray(5, 1, 1, func(tt, c int) float64 { return 1 }), testConfig(5, 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := gd.TrainTestSplitRandom(5, nil, 1, "", ""); err == nil {
		t.Error("test size equal to the series length did not error")
	}
	if _, _, err := gd.TrainTestSplitRandom(0, nil, 1, "", ""); err == nil {
		t.Error("zero test size did not error")
	}
}
