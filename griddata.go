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
	"fmt"
	"math"
	"time"

	"github.com/ctessum/sparse"
	"gonum.org/v1/gonum/mat"

	"github.com/spatialstats/gridprep/internal/chunkstore"
	"github.com/spatialstats/gridprep/stats"
)

// GridData holds a gridded dataset together with its dimension metadata,
// valid-data mask, and the databins produced by each transform stage.
// Transform methods read the current databin, materialize their result into
// a new named bin on the storage backend, and advance the current-stage
// pointer; ResetTo rewinds to any previously recorded stage.
//
// A GridData object is not safe for concurrent use; callers needing
// concurrent pipelines should work on independent copies (see Copy).
type GridData struct {
	backend   Backend
	saveNone  bool
	forceFlat bool
	flattened bool
	irregular bool

	timeUnits string
	timeCal   string
	fillValue *float64

	fullShape      []int
	leadingTime    bool
	timeShape      []int
	spatialShape   []int
	flatSpatialLen int

	dimIdx     map[Dim]int
	dimCoords  map[Dim]Coord
	coordGrids map[Dim][]float64

	validMask []bool
	isMasked  bool
	cellArea  []float64

	curr    Handle
	currKey StageKey

	bins         map[StageKey]Handle
	history      map[StageKey][]StageKey
	alteredTimes map[StageKey][]time.Time

	eofs      *mat.Dense
	svals     []float64
	eofStats  *stats.EOFStats
	eofCalcOn StageKey
	climo     *sparse.DenseArray
	stdScale  *float64
}

// New constructs a GridData object from an in-memory array using the eager
// in-memory storage backend. If the data contains invalid values (NaN,
// infinite, or equal to the configured fill value) at some spatial
// locations over any time sample, a spatially compressed version of the
// data is stored and becomes the current databin.
func New(data *sparse.DenseArray, cfg *Config) (*GridData, error) {
	return newGridData(&memHandle{data: data.Copy()}, NewMemoryBackend(), cfg)
}

// NewChunked constructs a GridData object like New, but with every databin
// materialized through chunked storage in the given store under group.
func NewChunked(data *sparse.DenseArray, store *chunkstore.Store, group string, cfg *Config) (*GridData, error) {
	leading := cfg != nil && cfg.DimCoords != nil && cfg.DimCoords[Time].Len() > 0
	be := NewChunkedBackend(store, group, leading)
	return newGridData(&memHandle{data: data.Copy()}, be, cfg)
}

func newGridData(src Handle, backend Backend, cfg *Config) (*GridData, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	shape := src.Shape()
	if len(shape) > 4 {
		return nil, fmt.Errorf("gridprep: data has %d dimensions; a maximum of 4 is allowed", len(shape))
	}

	gd := &GridData{
		backend:      backend,
		saveNone:     cfg.SaveNone,
		forceFlat:    cfg.ForceFlat,
		irregular:    cfg.IrregularGrid,
		timeUnits:    cfg.TimeUnits,
		timeCal:      cfg.TimeCal,
		fillValue:    cfg.FillValue,
		fullShape:    append([]int(nil), shape...),
		bins:         make(map[StageKey]Handle),
		history:      make(map[StageKey][]StageKey),
		alteredTimes: make(map[StageKey][]time.Time),
	}
	if cfg.CellArea != nil {
		gd.cellArea = append([]float64(nil), cfg.CellArea...)
	}
	if cfg.CoordGrids != nil {
		gd.coordGrids = make(map[Dim][]float64, len(cfg.CoordGrids))
		for k, v := range cfg.CoordGrids {
			gd.coordGrids[k] = append([]float64(nil), v...)
		}
	}

	// Match dimension coordinates to axes.
	if cfg.DimCoords != nil {
		if tc, ok := cfg.DimCoords[Time]; ok {
			if tc.Index != 0 {
				return nil, fmt.Errorf("gridprep: sampling dimension must be the leading dimension; time coordinate given for axis %d", tc.Index)
			}
			gd.leadingTime = true
			gd.timeShape = []int{shape[0]}
			gd.spatialShape = append([]int(nil), shape[1:]...)
			gd.alteredTimes[StageOrig] = append([]time.Time(nil), tc.Times...)
		} else {
			gd.spatialShape = append([]int(nil), shape...)
		}
		gd.dimIdx = matchDims(shape, cfg.DimCoords)
		gd.dimCoords = make(map[Dim]Coord, len(cfg.DimCoords))
		for k, v := range cfg.DimCoords {
			gd.dimCoords[k] = v.clone()
		}
	} else {
		gd.spatialShape = append([]int(nil), shape...)
	}
	gd.flatSpatialLen = shapeSize(gd.spatialShape)

	// External valid-data mask handling.
	alreadyCompressed := false
	if cfg.ValidMask != nil {
		maskShape := cfg.MaskShape
		if maskShape == nil {
			maskShape = gd.spatialShape
		}
		if len(cfg.ValidMask) != shapeSize(maskShape) {
			return nil, fmt.Errorf("gridprep: valid mask has %d elements but its shape %v implies %d", len(cfg.ValidMask), maskShape, shapeSize(maskShape))
		}
		if len(maskShape) != len(gd.spatialShape) {
			return nil, fmt.Errorf("gridprep: valid mask dimensionality %d does not match spatial dimensionality %d", len(maskShape), len(gd.spatialShape))
		}
		for i, datDim := range gd.spatialShape {
			if datDim > maskShape[i] {
				return nil, fmt.Errorf("gridprep: data dimension %d larger than mask dimension: %d > %d", i, datDim, maskShape[i])
			}
			alreadyCompressed = alreadyCompressed || datDim < maskShape[i]
		}
		gd.validMask = append([]bool(nil), cfg.ValidMask...)
		gd.isMasked = true
		if alreadyCompressed {
			// The incoming data is already compressed to the valid
			// cells; the mask records the true spatial extent.
			gd.fullShape = append(append([]int(nil), gd.timeShape...), maskShape...)
			gd.spatialShape = append([]int(nil), maskShape...)
			gd.flatSpatialLen = shapeSize(maskShape)
		}
	}

	// Derive validity from the data itself when no external mask is
	// given, and tighten an externally supplied full-size mask by any
	// invalid values present in the data.
	if !alreadyCompressed {
		derived, err := gd.deriveValidMask(src)
		if err != nil {
			return nil, err
		}
		if cfg.ValidMask == nil {
			if derived != nil {
				gd.validMask = derived
				gd.isMasked = true
			}
		} else if derived != nil {
			for i := range gd.validMask {
				gd.validMask[i] = gd.validMask[i] && derived[i]
			}
		}
	}

	// Compression only makes sense against a flat spatial index.
	gd.flattened = gd.forceFlat || gd.isMasked

	// Materialize the original databin, applying an external
	// full-size mask as NaN and asserting finiteness of
	// already-compressed input.
	origShape := append([]int(nil), shape...)
	if gd.flattened && !alreadyCompressed {
		origShape = append(append([]int(nil), gd.timeShape...), shapeSize(shape[len(gd.timeShape):]))
	}
	orig, err := backend.Allocate(StageOrig, origShape)
	if err != nil {
		return nil, fmt.Errorf("gridprep: allocating original databin: %v", err)
	}
	applyMask := cfg.ValidMask != nil && !alreadyCompressed
	rowLen := shapeSize(origShape[1:])
	if !gd.leadingTime {
		rowLen = shapeSize(origShape)
	}
	// Offsets are in source-shape rows; convert to destination rows when
	// the destination is flattened more aggressively than the source.
	rowStride := shapeSize(shape[1:])
	dstStride := 1
	if gd.flattened && !alreadyCompressed && !gd.leadingTime {
		dstStride = rowStride
	}
	err = eachBlock(src, gd.backend.ChunkRows(shape), func(t0 int, block *sparse.DenseArray) error {
		if alreadyCompressed {
			for _, v := range block.Elements {
				if !isFinite(v) {
					return fmt.Errorf("gridprep: non-finite value encountered in compressed data")
				}
			}
		}
		if applyMask {
			base := t0 * rowStride
			for i := range block.Elements {
				if !gd.validMask[(base+i)%rowLen] {
					block.Elements[i] = math.NaN()
				}
			}
		}
		return orig.WriteRows(t0*dstStride, block)
	})
	if err != nil {
		return nil, err
	}
	gd.bins[StageOrig] = orig
	gd.addHistory("", StageOrig)
	gd.curr, gd.currKey = orig, StageOrig

	switch {
	case alreadyCompressed:
		// Nothing further: the original databin already holds the
		// compressed data.
	case gd.isMasked:
		if err := gd.compressCurrent(); err != nil {
			return nil, err
		}
	}
	return gd, nil
}

// matchDims assigns each named dimension to the axis whose length equals
// its coordinate vector's length.
func matchDims(shape []int, dimCoords map[Dim]Coord) map[Dim]int {
	idx := make(map[Dim]int)
	for key, c := range dimCoords {
		if c.Index < len(shape) && shape[c.Index] == c.Len() {
			idx[key] = c.Index
		}
	}
	return idx
}

// deriveValidMask scans the data for invalid (non-finite or fill-valued)
// elements, collapsing over the time axis when present: a spatial cell is
// invalid if it is ever invalid at any time sample. It returns nil when the
// data is fully valid.
func (gd *GridData) deriveValidMask(src Handle) ([]bool, error) {
	shape := src.Shape()
	spatialLen := shapeSize(shape)
	if gd.leadingTime {
		spatialLen = shapeSize(shape[1:])
	}
	valid := make([]bool, spatialLen)
	for i := range valid {
		valid[i] = true
	}
	anyInvalid := false
	rowStride := shapeSize(shape[1:])
	chunk := gd.backend.ChunkRows(shape)
	err := eachBlock(src, chunk, func(t0 int, block *sparse.DenseArray) error {
		base := t0 * rowStride
		for i, v := range block.Elements {
			ok := isFinite(v)
			if ok && gd.fillValue != nil && v == *gd.fillValue {
				ok = false
			}
			if !ok {
				valid[(base+i)%spatialLen] = false
				anyInvalid = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !anyInvalid {
		return nil, nil
	}
	return valid, nil
}

// compressCurrent compresses the current databin down to the valid spatial
// locations, together with the cell-area weights, and makes the compressed
// bin current.
func (gd *GridData) compressCurrent() error {
	nvalid := 0
	for _, ok := range gd.validMask {
		if ok {
			nvalid++
		}
	}
	var newShape []int
	if gd.leadingTime {
		newShape = []int{gd.timeShape[0], nvalid}
	} else {
		newShape = []int{nvalid}
	}

	var dst Handle
	var err error
	if gd.saveNone {
		dst = gd.backend.Transient(newShape)
	} else {
		if dst, err = gd.backend.Allocate(StageCompressed, newShape); err != nil {
			return fmt.Errorf("gridprep: allocating compressed databin: %v", err)
		}
	}

	srcRowLen := gd.flatSpatialLen
	if gd.leadingTime {
		err = eachBlock(gd.curr, gd.backend.ChunkRows(gd.curr.Shape()), func(t0 int, block *sparse.DenseArray) error {
			rows := block.Shape[0]
			out := make([]float64, 0, rows*nvalid)
			for t := 0; t < rows; t++ {
				row := block.Elements[t*srcRowLen : (t+1)*srcRowLen]
				for j, v := range row {
					if gd.validMask[j] {
						out = append(out, v)
					}
				}
			}
			return dst.WriteRows(t0, denseWithShape(out, rows, nvalid))
		})
	} else {
		var all *sparse.DenseArray
		if all, err = gd.curr.ReadAll(); err == nil {
			out := make([]float64, 0, nvalid)
			for j, v := range all.Elements {
				if gd.validMask[j] {
					out = append(out, v)
				}
			}
			err = dst.WriteRows(0, denseWithShape(out, nvalid))
		}
	}
	if err != nil {
		return err
	}

	if gd.cellArea != nil {
		ca := make([]float64, 0, nvalid)
		for j, v := range gd.cellArea {
			if gd.validMask[j] {
				ca = append(ca, v)
			}
		}
		gd.cellArea = ca
	}

	if !gd.saveNone {
		gd.bins[StageCompressed] = dst
	}
	gd.addHistory(gd.currKey, StageCompressed)
	gd.curr, gd.currKey = dst, StageCompressed
	return nil
}

// addHistory records that stage newKey was produced from the chain leading
// to prev. An empty prev starts a new chain.
func (gd *GridData) addHistory(prev, newKey StageKey) {
	if prev == "" {
		gd.history[newKey] = []StageKey{newKey}
		return
	}
	chain := append([]StageKey(nil), gd.history[prev]...)
	gd.history[newKey] = append(chain, newKey)
}

// eachBlock streams leading-axis blocks of up to chunkRows rows from h.
// Data without a leading sample axis is processed as a single block.
func eachBlock(h Handle, chunkRows int, fn func(t0 int, block *sparse.DenseArray) error) error {
	shape := h.Shape()
	rows := shape[0]
	if chunkRows < 1 {
		chunkRows = rows
	}
	for t0 := 0; t0 < rows; t0 += chunkRows {
		t1 := t0 + chunkRows
		if t1 > rows {
			t1 = rows
		}
		block, err := h.ReadRows(t0, t1)
		if err != nil {
			return err
		}
		if err := fn(t0, block); err != nil {
			return err
		}
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Data reads back the current databin.
func (gd *GridData) Data() (*sparse.DenseArray, error) {
	return gd.curr.ReadAll()
}

// CurrentKey returns the stage key of the current databin.
func (gd *GridData) CurrentKey() StageKey { return gd.currKey }

// IsLeadingTime reports whether the data's leading axis is the sampling
// dimension.
func (gd *GridData) IsLeadingTime() bool { return gd.leadingTime }

// IsMasked reports whether any spatial location holds invalid data.
func (gd *GridData) IsMasked() bool { return gd.isMasked }

// ValidMask returns the flattened valid-data mask, or nil for fully dense
// data.
func (gd *GridData) ValidMask() []bool {
	if gd.validMask == nil {
		return nil
	}
	return append([]bool(nil), gd.validMask...)
}

// NumValid returns the count of valid spatial cells (the full spatial
// extent for dense data).
func (gd *GridData) NumValid() int {
	if gd.validMask == nil {
		return gd.flatSpatialLen
	}
	n := 0
	for _, ok := range gd.validMask {
		if ok {
			n++
		}
	}
	return n
}

// FullShape returns the shape as originally supplied, before any
// compression.
func (gd *GridData) FullShape() []int { return append([]int(nil), gd.fullShape...) }

// SpatialShape returns the uncompressed spatial shape.
func (gd *GridData) SpatialShape() []int { return append([]int(nil), gd.spatialShape...) }

// NumSamples returns the current length of the sampling dimension, or 0
// when there is no leading time axis.
func (gd *GridData) NumSamples() int {
	if !gd.leadingTime {
		return 0
	}
	return gd.timeShape[0]
}

// CellArea returns the (possibly compressed) per-cell area weights, or nil
// if none were supplied.
func (gd *GridData) CellArea() []float64 {
	if gd.cellArea == nil {
		return nil
	}
	return append([]float64(nil), gd.cellArea...)
}

// Climo returns the climatology produced by the most recent Anomaly call,
// or nil.
func (gd *GridData) Climo() *sparse.DenseArray {
	if gd.climo == nil {
		return nil
	}
	return gd.climo.Copy()
}

// EOFs returns the basis from the most recent EOF projection, or nil.
func (gd *GridData) EOFs() *mat.Dense {
	if gd.eofs == nil {
		return nil
	}
	return mat.DenseCopyOf(gd.eofs)
}

// SingularValues returns the singular values from the most recent EOF
// projection, or nil.
func (gd *GridData) SingularValues() []float64 {
	if gd.svals == nil {
		return nil
	}
	return append([]float64(nil), gd.svals...)
}

// EOFStats returns the variance bookkeeping of the most recent EOF
// projection, or nil.
func (gd *GridData) EOFStats() *stats.EOFStats {
	if gd.eofStats == nil {
		return nil
	}
	st := *gd.eofStats
	st.VarianceExplained = append([]float64(nil), gd.eofStats.VarianceExplained...)
	return &st
}

// EOFCalcOn returns the stage key the most recent internally computed EOF
// basis was derived from, or the empty key when the basis was supplied
// externally or no projection has been performed.
func (gd *GridData) EOFCalcOn() StageKey { return gd.eofCalcOn }

// StdScaling returns the scale factor applied by the most recent
// Standardize call, reporting whether one has been applied.
func (gd *GridData) StdScaling() (float64, bool) {
	if gd.stdScale == nil {
		return 0, false
	}
	return *gd.stdScale, true
}

// requireLeadingTime returns a configuration error naming op when the data
// has no leading sampling dimension.
func (gd *GridData) requireLeadingTime(op string) error {
	if !gd.leadingTime {
		return fmt.Errorf("gridprep: %s requires data with a leading sampling dimension", op)
	}
	return nil
}

// spatialRowLen returns the per-sample row length of the current databin.
func (gd *GridData) spatialRowLen() int {
	shape := gd.curr.Shape()
	if gd.leadingTime {
		return shapeSize(shape[1:])
	}
	return shapeSize(shape)
}

// Close releases the storage backend's resources.
func (gd *GridData) Close() error {
	return gd.backend.Close()
}
