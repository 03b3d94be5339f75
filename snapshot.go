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
	"encoding/gob"
	"fmt"
	"io"
	"time"

	"github.com/ctessum/sparse"
	"gonum.org/v1/gonum/mat"

	"github.com/spatialstats/gridprep/internal/cftime"
	"github.com/spatialstats/gridprep/internal/chunkstore"
	"github.com/spatialstats/gridprep/stats"
)

// snapshotTimeUnits is the encoding used for time coordinates in a
// snapshot when the object carries no units of its own.
const snapshotTimeUnits = "days since 0001-01-01 00:00:00"

// snapshot is the gob layout of a saved GridData object. Time coordinates
// travel as numeric offsets under the object's CF units so the snapshot
// stays independent of Go's time serialization.
type snapshot struct {
	SaveNone  bool
	ForceFlat bool
	Flattened bool
	Irregular bool

	TimeUnits string
	TimeCal   string
	FillValue *float64

	FullShape      []int
	LeadingTime    bool
	TimeShape      []int
	SpatialShape   []int
	FlatSpatialLen int

	DimIdx     map[Dim]int
	DimVals    map[Dim][]float64
	DimAxes    map[Dim]int
	CoordGrids map[Dim][]float64

	ValidMask []bool
	IsMasked  bool
	CellArea  []float64

	CurrKey      StageKey
	History      map[StageKey][]StageKey
	AlteredTimes map[StageKey][]float64

	EOFRows, EOFCols int
	EOFData          []float64
	SVals            []float64
	EOFStats         *snapshotEOFStats
	EOFCalcOn        StageKey
	Climo            *sparse.DenseArray
	StdScale         *float64

	// In-memory databins are embedded; chunked databins stay in their
	// store and are reattached by name on load.
	MemBins  map[StageKey]*sparse.DenseArray
	Chunked  bool
	StoreDir string
	Group    string
	BinKeys  []StageKey
}

type snapshotEOFStats struct {
	TotalVariance     float64
	VarianceExplained []float64
	NumRetained       int
}

// Save writes the object's state to w as a gob stream. Chunked objects
// record the location of their store rather than the data itself; the
// store directory must still exist when the snapshot is loaded.
func (gd *GridData) Save(w io.Writer) error {
	units, cal := gd.timeUnits, gd.timeCal
	if units == "" {
		units = snapshotTimeUnits
	}

	s := snapshot{
		SaveNone:       gd.saveNone,
		ForceFlat:      gd.forceFlat,
		Flattened:      gd.flattened,
		Irregular:      gd.irregular,
		TimeUnits:      units,
		TimeCal:        cal,
		FillValue:      gd.fillValue,
		FullShape:      gd.fullShape,
		LeadingTime:    gd.leadingTime,
		TimeShape:      gd.timeShape,
		SpatialShape:   gd.spatialShape,
		FlatSpatialLen: gd.flatSpatialLen,
		DimIdx:         gd.dimIdx,
		CoordGrids:     gd.coordGrids,
		ValidMask:      gd.validMask,
		IsMasked:       gd.isMasked,
		CellArea:       gd.cellArea,
		CurrKey:        gd.currKey,
		History:        gd.history,
		SVals:          gd.svals,
		EOFCalcOn:      gd.eofCalcOn,
		Climo:          gd.climo,
		StdScale:       gd.stdScale,
	}
	if gd.eofs != nil {
		s.EOFRows, s.EOFCols = gd.eofs.Dims()
		s.EOFData = gd.eofs.RawMatrix().Data
	}
	if gd.eofStats != nil {
		s.EOFStats = &snapshotEOFStats{
			TotalVariance:     gd.eofStats.TotalVariance,
			VarianceExplained: gd.eofStats.VarianceExplained,
			NumRetained:       gd.eofStats.NumRetained,
		}
	}

	s.DimVals = make(map[Dim][]float64, len(gd.dimCoords))
	s.DimAxes = make(map[Dim]int, len(gd.dimCoords))
	for k, c := range gd.dimCoords {
		s.DimAxes[k] = c.Index
		if k != Time {
			s.DimVals[k] = c.Vals
		}
	}
	s.AlteredTimes = make(map[StageKey][]float64, len(gd.alteredTimes))
	for k, times := range gd.alteredTimes {
		nums, err := cftime.Encode(times, units, cal)
		if err != nil {
			return fmt.Errorf("gridprep: snapshot: encoding time coordinate for stage %q: %v", k, err)
		}
		s.AlteredTimes[k] = nums
	}

	switch b := gd.backend.(type) {
	case *ChunkedBackend:
		s.Chunked = true
		s.StoreDir = b.Store().Dir()
		s.Group = b.Group()
		for k := range gd.bins {
			s.BinKeys = append(s.BinKeys, k)
		}
	default:
		s.MemBins = make(map[StageKey]*sparse.DenseArray, len(gd.bins))
		for k, h := range gd.bins {
			data, err := h.ReadAll()
			if err != nil {
				return err
			}
			s.MemBins[k] = data
		}
	}

	if err := gob.NewEncoder(w).Encode(&s); err != nil {
		return fmt.Errorf("gridprep: snapshot: %v", err)
	}
	return nil
}

// Load restores a GridData object from a gob stream previously written by
// Save. A chunked snapshot reopens its store and reattaches the stored
// databins; the loaded object owns the reopened store.
func Load(r io.Reader) (*GridData, error) {
	var s snapshot
	if err := gob.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("gridprep: loading snapshot: %v", err)
	}

	gd := &GridData{
		saveNone:       s.SaveNone,
		forceFlat:      s.ForceFlat,
		flattened:      s.Flattened,
		irregular:      s.Irregular,
		timeUnits:      s.TimeUnits,
		timeCal:        s.TimeCal,
		fillValue:      s.FillValue,
		fullShape:      s.FullShape,
		leadingTime:    s.LeadingTime,
		timeShape:      s.TimeShape,
		spatialShape:   s.SpatialShape,
		flatSpatialLen: s.FlatSpatialLen,
		dimIdx:         s.DimIdx,
		coordGrids:     s.CoordGrids,
		validMask:      s.ValidMask,
		isMasked:       s.IsMasked,
		cellArea:       s.CellArea,
		history:        s.History,
		svals:          s.SVals,
		eofCalcOn:      s.EOFCalcOn,
		climo:          s.Climo,
		stdScale:       s.StdScale,
		bins:           make(map[StageKey]Handle),
		alteredTimes:   make(map[StageKey][]time.Time, len(s.AlteredTimes)),
	}
	if s.EOFData != nil {
		gd.eofs = mat.NewDense(s.EOFRows, s.EOFCols, s.EOFData)
	}
	if s.EOFStats != nil {
		gd.eofStats = &stats.EOFStats{
			TotalVariance:     s.EOFStats.TotalVariance,
			VarianceExplained: s.EOFStats.VarianceExplained,
			NumRetained:       s.EOFStats.NumRetained,
		}
	}

	gd.dimCoords = make(map[Dim]Coord, len(s.DimAxes))
	for k, axis := range s.DimAxes {
		gd.dimCoords[k] = Coord{Index: axis, Vals: s.DimVals[k]}
	}
	for k, nums := range s.AlteredTimes {
		times, err := cftime.Decode(nums, s.TimeUnits, s.TimeCal)
		if err != nil {
			return nil, fmt.Errorf("gridprep: snapshot: decoding time coordinate for stage %q: %v", k, err)
		}
		gd.alteredTimes[k] = times
	}

	if s.Chunked {
		store, err := chunkstore.Open(s.StoreDir)
		if err != nil {
			return nil, fmt.Errorf("gridprep: snapshot: reopening store: %v", err)
		}
		be := NewChunkedBackend(store, s.Group, s.LeadingTime)
		be.ownsStore = true
		gd.backend = be
		for _, k := range s.BinKeys {
			h, err := be.Reattach(k)
			if err != nil {
				store.Close()
				return nil, fmt.Errorf("gridprep: snapshot: reattaching databin %q: %v", k, err)
			}
			gd.bins[k] = h
		}
	} else {
		gd.backend = NewMemoryBackend()
		for k, data := range s.MemBins {
			gd.bins[k] = &memHandle{data: data}
		}
	}

	if err := gd.ResetTo(s.CurrKey); err != nil {
		gd.Close()
		return nil, err
	}
	return gd, nil
}
