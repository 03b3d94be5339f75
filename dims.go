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

// Package gridprep prepares climate and geophysical gridded datasets for
// statistical analysis. It ingests multi-dimensional arrays with a leading
// sampling (time) dimension, tracks which spatial cells hold valid data,
// compresses masked grids down to their valid locations, and applies a
// pipeline of standard transforms: temporal resampling, running-mean
// smoothing, anomaly removal, linear detrending, area weighting, variance
// standardization, and projection onto empirical orthogonal functions.
//
// Every pipeline stage materializes its output into a named databin; the
// object keeps an append-only registry of bins together with the chain of
// stages that produced each one, so any earlier stage can be revisited with
// its time coordinate restored. Databins live on a storage Backend: an
// in-memory backend for eager execution, or a chunked backend that streams
// every stage through bounded-size chunks of a persistent store.
package gridprep

import (
	"time"

	"github.com/ctessum/sparse"
)

// Dim names a coordinate dimension of a dataset.
type Dim string

// The recognized dimensions. Time, when present, must be the leading axis.
const (
	Time  Dim = "time"
	Level Dim = "level"
	Lat   Dim = "lat"
	Lon   Dim = "lon"
)

// StageKey names one materialized point in the transform pipeline.
type StageKey string

// The stage keys produced by the built-in pipeline operations.
const (
	StageOrig         StageKey = "orig"
	StageCompressed   StageKey = "compressed_data"
	StageResampled    StageKey = "resampled"
	StageRunningMean  StageKey = "running_mean"
	StageAnomaly      StageKey = "anomaly"
	StageClimo        StageKey = "climo"
	StageDetrended    StageKey = "detrended"
	StageAreaWeighted StageKey = "area_weighted"
	StageStandardized StageKey = "standardized"
	StageEOFProj      StageKey = "eof_proj"
)

// Coord is a named dimension's axis position and coordinate vector.
// Spatial dimensions carry float64 coordinates in Vals; the Time dimension
// carries calendar dates in Times instead.
type Coord struct {
	Index int
	Vals  []float64
	Times []time.Time
}

// Len returns the coordinate vector length.
func (c Coord) Len() int {
	if c.Times != nil {
		return len(c.Times)
	}
	return len(c.Vals)
}

func (c Coord) clone() Coord {
	out := Coord{Index: c.Index}
	if c.Vals != nil {
		out.Vals = append([]float64(nil), c.Vals...)
	}
	if c.Times != nil {
		out.Times = append([]time.Time(nil), c.Times...)
	}
	return out
}

// Config holds the optional construction parameters for a GridData object.
type Config struct {
	// DimCoords maps each named dimension to its axis position and
	// coordinate vector. If a Time entry is present its axis must be 0.
	DimCoords map[Dim]Coord

	// CoordGrids holds full (flattened row-major) coordinate grids for
	// irregular grids, where 1-D coordinate vectors cannot reproduce the
	// cell positions.
	CoordGrids map[Dim][]float64

	// ValidMask marks the valid spatial cells of the dataset, flattened
	// row-major over MaskShape. When the data's spatial shape is strictly
	// smaller than MaskShape in every dimension the data is taken to be
	// already compressed to the valid cells.
	ValidMask []bool
	// MaskShape is the spatial shape ValidMask is defined on.
	MaskShape []int

	// ForceFlat flattens the spatial dimensions to a single axis even for
	// dense data.
	ForceFlat bool

	// CellArea holds per-cell area weights matching the spatial shape
	// (flattened row-major).
	CellArea []float64

	// IrregularGrid marks grids whose cells are not aligned with the 1-D
	// coordinate vectors; such grids require CellArea for area weighting.
	IrregularGrid bool

	// SaveNone suppresses intermediate databin storage: transform outputs
	// replace the current data without being materialized into the
	// backend.
	SaveNone bool

	// TimeUnits and TimeCal are the CF unit and calendar strings used to
	// encode the time coordinate numerically in snapshots.
	TimeUnits string
	TimeCal   string

	// FillValue marks invalid data during mask derivation; it is only
	// consulted when no external mask is given.
	FillValue *float64
}

// denseWithShape wraps existing elements in a DenseArray of the given
// shape without copying.
func denseWithShape(elems []float64, shape ...int) *sparse.DenseArray {
	a := &sparse.DenseArray{Shape: append([]int(nil), shape...), Elements: elems}
	a.Fix()
	return a
}

func shapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
