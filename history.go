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
)

// ResetTo rewinds the current databin to a previously stored stage and
// restores the time coordinate that was in effect when that stage was
// produced.
func (gd *GridData) ResetTo(key StageKey) error {
	h, ok := gd.bins[key]
	if !ok {
		return fmt.Errorf("gridprep: no stored databin for stage %q", key)
	}
	if gd.leadingTime {
		if err := gd.setTimeCoord(key, h.Shape()[0]); err != nil {
			return err
		}
	}
	gd.curr, gd.currKey = h, key
	return nil
}

// setTimeCoord restores the sampling coordinate appropriate for stage key:
// the stage's own altered coordinate if it changed the sampling dimension,
// otherwise the nearest ancestor's in the stage's operation history.
func (gd *GridData) setTimeCoord(key StageKey, newLen int) error {
	times, ok := gd.alteredTimes[key]
	if !ok {
		chain := gd.history[key]
		for i := len(chain) - 1; i >= 0; i-- {
			if t, found := gd.alteredTimes[chain[i]]; found {
				times, ok = t, true
				break
			}
		}
	}
	if !ok {
		return fmt.Errorf("gridprep: no time coordinate recorded for stage %q or any of its ancestors; internal state is inconsistent", key)
	}
	if len(times) != newLen {
		return fmt.Errorf("gridprep: time coordinate for stage %q has %d samples but its databin has %d", key, len(times), newLen)
	}
	if tc, found := gd.dimCoords[Time]; found {
		tc.Times = append([]time.Time(nil), times...)
		gd.dimCoords[Time] = tc
	}
	gd.timeShape = []int{newLen}
	return nil
}

// History returns the chain of stage keys leading to the current databin,
// from the original data to the current stage.
func (gd *GridData) History() []StageKey {
	return append([]StageKey(nil), gd.history[gd.currKey]...)
}

// TimeCoord returns the time coordinate in effect for the current stage,
// or nil when the data has no sampling dimension.
func (gd *GridData) TimeCoord() []time.Time {
	tc, ok := gd.dimCoords[Time]
	if !ok {
		return nil
	}
	return append([]time.Time(nil), tc.Times...)
}

// GetDimCoords returns a copy of the dimension coordinates, with the time
// coordinate reflecting the current stage.
func (gd *GridData) GetDimCoords() map[Dim]Coord {
	out := make(map[Dim]Coord, len(gd.dimCoords))
	for k, v := range gd.dimCoords {
		out[k] = v.clone()
	}
	return out
}

// GetCoordinateGrids broadcasts the named spatial dimension coordinates
// over the full spatial extent, preferring externally supplied coordinate
// grids where present. With compressed set, masked grids are reduced to
// the valid cells. With flat set, grids come back one-dimensional;
// otherwise uncompressed grids carry the spatial shape.
func (gd *GridData) GetCoordinateGrids(keys []Dim, compressed, flat bool) (map[Dim]*sparse.DenseArray, error) {
	out := make(map[Dim]*sparse.DenseArray, len(keys))
	for _, key := range keys {
		if key == Time {
			return nil, fmt.Errorf("gridprep: cannot build a coordinate grid for the sampling dimension")
		}
		var grid []float64
		if g, ok := gd.coordGrids[key]; ok {
			grid = append([]float64(nil), g...)
		} else {
			axis, ok := gd.dimIdx[key]
			if !ok {
				return nil, fmt.Errorf("gridprep: no coordinate registered for dimension %q", key)
			}
			coord := gd.dimCoords[key]
			spatialAxis := axis
			if gd.leadingTime {
				spatialAxis--
			}
			if spatialAxis < 0 || spatialAxis >= len(gd.spatialShape) {
				return nil, fmt.Errorf("gridprep: dimension %q is matched to axis %d, outside the spatial extent", key, axis)
			}
			stride := shapeSize(gd.spatialShape[spatialAxis+1:])
			dimLen := gd.spatialShape[spatialAxis]
			grid = make([]float64, gd.flatSpatialLen)
			for f := range grid {
				grid[f] = coord.Vals[(f/stride)%dimLen]
			}
		}
		if len(grid) != gd.flatSpatialLen {
			return nil, fmt.Errorf("gridprep: coordinate grid for %q has %d cells but the spatial extent has %d", key, len(grid), gd.flatSpatialLen)
		}
		if compressed && gd.isMasked {
			kept := make([]float64, 0, gd.NumValid())
			for f, v := range grid {
				if gd.validMask[f] {
					kept = append(kept, v)
				}
			}
			out[key] = denseWithShape(kept, len(kept))
		} else if flat {
			out[key] = denseWithShape(grid, len(grid))
		} else {
			out[key] = denseWithShape(grid, gd.spatialShape...)
		}
	}
	return out, nil
}

// InflateFullGrid expands spatially compressed data back onto the full
// grid, filling invalid locations with NaN. When data is nil the current
// databin is inflated. With reshapeOrig set, the spatial axis is reshaped
// to the original spatial shape instead of staying flat.
func (gd *GridData) InflateFullGrid(data *sparse.DenseArray, reshapeOrig bool) (*sparse.DenseArray, error) {
	if !gd.isMasked {
		return nil, fmt.Errorf("gridprep: data is not spatially compressed; nothing to inflate")
	}
	if data == nil {
		var err error
		if data, err = gd.curr.ReadAll(); err != nil {
			return nil, err
		}
	}
	nvalid := gd.NumValid()
	shape := data.Shape
	if shape[len(shape)-1] != nvalid {
		return nil, fmt.Errorf("gridprep: supplied data has compressed spatial length %d, want %d", shape[len(shape)-1], nvalid)
	}
	rows := shapeSize(shape[:len(shape)-1])

	full := make([]float64, rows*gd.flatSpatialLen)
	for i := range full {
		full[i] = math.NaN()
	}
	for r := 0; r < rows; r++ {
		src := data.Elements[r*nvalid : (r+1)*nvalid]
		dst := full[r*gd.flatSpatialLen : (r+1)*gd.flatSpatialLen]
		j := 0
		for f, ok := range gd.validMask {
			if ok {
				dst[f] = src[j]
				j++
			}
		}
	}

	outShape := append([]int(nil), shape[:len(shape)-1]...)
	if reshapeOrig {
		outShape = append(outShape, gd.spatialShape...)
	} else {
		outShape = append(outShape, gd.flatSpatialLen)
	}
	return denseWithShape(full, outShape...), nil
}
