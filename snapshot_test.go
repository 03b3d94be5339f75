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
	"bytes"
	"math"
	"path/filepath"
	"testing"

	"github.com/spatialstats/gridprep/internal/chunkstore"
)

func TestSnapshotMemory(t *testing.T) {
	data := testArray(16, 1, 2, func(tt, c int) float64 {
		return math.Sin(float64(tt)) + float64(c)
	})
	data.Elements[3] = math.NaN() // make it masked
	gd, err := New(data, testConfig(16, 1, 2))
	if err != nil {
		t.Fatal(err)
	}
	if err := gd.Anomaly(4, nil); err != nil {
		t.Fatal(err)
	}
	want, err := gd.Data()
	if err != nil {
		t.Fatal(err)
	}
	wantTimes := gd.TimeCoord()

	var buf bytes.Buffer
	if err := gd.Save(&buf); err != nil {
		t.Fatal(err)
	}
	back, err := Load(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer back.Close()

	if have, want := back.CurrentKey(), StageAnomaly; have != want {
		t.Errorf("restored current key = %q, want %q", have, want)
	}
	out, err := back.Data()
	if err != nil {
		t.Fatal(err)
	}
	allClose(t, out.Elements, want.Elements, "restored data")
	if back.Climo() == nil {
		t.Error("restored object lost its climatology")
	}
	if have, want := back.NumValid(), gd.NumValid(); have != want {
		t.Errorf("restored NumValid = %d, want %d", have, want)
	}
	times := back.TimeCoord()
	if len(times) != len(wantTimes) {
		t.Fatalf("restored time coordinate has %d samples, want %d", len(times), len(wantTimes))
	}
	for i := range times {
		if !times[i].Equal(wantTimes[i]) {
			t.Errorf("restored time[%d] = %v, want %v", i, times[i], wantTimes[i])
		}
	}

	// Earlier stages travel too.
	if err := back.ResetTo(StageOrig); err != nil {
		t.Errorf("restored object cannot reset to %s: %v", StageOrig, err)
	}
}

func TestSnapshotChunked(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	codec, err := chunkstore.CodecByName("lz4")
	if err != nil {
		t.Fatal(err)
	}
	store, err := chunkstore.Create(dir, codec)
	if err != nil {
		t.Fatal(err)
	}

	data := testArray(12, 2, 2, func(tt, c int) float64 { return float64(tt)*0.5 + float64(c) })
	gd, err := NewChunked(data, store, "tas", testConfig(12, 2, 2))
	if err != nil {
		t.Fatal(err)
	}
	if err := gd.Detrend(); err != nil {
		t.Fatal(err)
	}
	want, err := gd.Data()
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := gd.Save(&buf); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	back, err := Load(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer back.Close()
	if have, wantKey := back.CurrentKey(), StageDetrended; have != wantKey {
		t.Errorf("restored current key = %q, want %q", have, wantKey)
	}
	out, err := back.Data()
	if err != nil {
		t.Fatal(err)
	}
	allClose(t, out.Elements, want.Elements, "restored chunked data")
}
