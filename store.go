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
	"os"
	"strings"

	"github.com/ctessum/cdf"

	"github.com/spatialstats/gridprep/internal/cftime"
	"github.com/spatialstats/gridprep/internal/chunkstore"
)

// transferChunkBytes is the read granularity used when streaming a NetCDF
// variable into a chunked store.
const transferChunkBytes = 60 * 1000 * 1000

// defaultTransferFill is assumed when a variable holds invalid values but
// declares no fill value.
const defaultTransferFill = 1.0e20

// Attribute keys used on transferred databins.
const (
	attrDims     = "dims"
	attrTimeUnit = "time_units"
	attrTimeCal  = "time_calendar"
	attrFill     = "fill_value"
	attrMasked   = "masked"
	attrAxis     = "axis"
)

// coordBinName returns the store bin name holding a dimension coordinate.
func coordBinName(dim Dim) string { return "coord_" + string(dim) }

// Transfer streams variable varName from the NetCDF archive at path into
// a chunked store bin of the same name under group, without ever holding
// the full variable in memory. Recognized dimension coordinate variables
// travel along as small coordinate bins, and the variable's dimension
// names, fill value, time units and calendar are recorded as bin
// attributes. A variable holding invalid values with no declared fill
// value is recorded with a fill value of 1.0e20.
func Transfer(path, varName string, store *chunkstore.Store, group string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("gridprep: opening archive: %v", err)
	}
	defer f.Close()
	ff, err := cdf.Open(f)
	if err != nil {
		return fmt.Errorf("gridprep: reading archive %s: %v", path, err)
	}

	dims := ff.Header.Lengths(varName)
	if len(dims) == 0 {
		return fmt.Errorf("gridprep: transfer: variable %v not in file", varName)
	}
	names := ff.Header.Dimensions(varName)
	leading := len(names) > 0 && dimNames[strings.ToLower(names[0])] == Time

	bin, err := store.CreateBin(group, varName, dims, chunkShape(dims, leading, DefaultChunkBytes)[0])
	if err != nil {
		return fmt.Errorf("gridprep: transfer: creating destination bin: %v", err)
	}

	var fill *float64
	for _, a := range []string{"_FillValue", "missing_value"} {
		if fv, ok := attrFloat(ff, varName, a); ok {
			fill = &fv
			break
		}
	}

	rowLen := shapeSize(dims[1:])
	rows := transferChunkBytes / (rowLen * 8)
	if rows < 1 {
		rows = 1
	}
	if rows > dims[0] {
		rows = dims[0]
	}

	masked := false
	for t0 := 0; t0 < dims[0]; t0 += rows {
		t1 := t0 + rows
		if t1 > dims[0] {
			t1 = dims[0]
		}
		start, end := make([]int, len(dims)), make([]int, len(dims))
		start[0], end[0] = t0, t1
		r := ff.Reader(varName, start, end)
		buf := r.Zero((t1 - t0) * rowLen)
		if _, err := r.Read(buf); err != nil {
			return fmt.Errorf("gridprep: transfer: read netcdf variable %s: %v", varName, err)
		}
		vals, err := toFloat64s(buf)
		if err != nil {
			return fmt.Errorf("gridprep: transfer: read netcdf variable %s: %v", varName, err)
		}
		// Masking is decided from the first data read; later chunks are
		// only scanned while the variable still looks dense.
		if !masked {
			for _, v := range vals {
				if !isFinite(v) || (fill != nil && v == *fill) {
					masked = true
					break
				}
			}
		}
		if err := bin.WriteRows(t0, vals); err != nil {
			return err
		}
	}

	if err := bin.SetAttr(attrDims, strings.Join(names, ",")); err != nil {
		return err
	}
	if masked && fill == nil {
		fv := defaultTransferFill
		fill = &fv
	}
	if fill != nil {
		if err := bin.SetNumAttr(attrFill, *fill); err != nil {
			return err
		}
	}
	if masked {
		if err := bin.SetIntAttr(attrMasked, 1); err != nil {
			return err
		}
	}

	// Carry the recognized dimension coordinates along.
	for axis, dname := range names {
		dim, recognized := dimNames[strings.ToLower(dname)]
		if !recognized || len(ff.Header.Lengths(dname)) != 1 {
			continue
		}
		vals, err := readVar(ff, dname)
		if err != nil {
			return err
		}
		cb, err := store.CreateBin(group, coordBinName(dim), vals.Shape, vals.Shape[0])
		if err != nil {
			return err
		}
		if err := cb.WriteRows(0, vals.Elements); err != nil {
			return err
		}
		if err := cb.SetIntAttr(attrAxis, axis); err != nil {
			return err
		}
		if dim == Time {
			if err := cb.SetAttr(attrTimeUnit, attrString(ff, dname, "units")); err != nil {
				return err
			}
			if err := cb.SetAttr(attrTimeCal, attrString(ff, dname, "calendar")); err != nil {
				return err
			}
		}
	}
	return nil
}

// FromChunkedStore constructs a GridData object from a variable
// previously placed in a chunked store by Transfer. All databins the
// object produces are materialized in the same store under the same
// group. Settings in cfg override what the stored attributes provide.
func FromChunkedStore(store *chunkstore.Store, group, varName string, cfg *Config) (*GridData, error) {
	bin, err := store.OpenBin(group, varName)
	if err != nil {
		return nil, fmt.Errorf("gridprep: opening stored variable: %v", err)
	}

	if cfg == nil {
		cfg = &Config{}
	} else {
		c := *cfg
		cfg = &c
	}
	if cfg.FillValue == nil {
		if fv, ok := bin.NumAttr(attrFill); ok {
			cfg.FillValue = &fv
		}
	}
	if cfg.DimCoords == nil {
		cfg.DimCoords = make(map[Dim]Coord)
		for _, dim := range []Dim{Time, Level, Lat, Lon} {
			cb, err := store.OpenBin(group, coordBinName(dim))
			if err != nil {
				continue
			}
			axis, _ := cb.IntAttr(attrAxis)
			vals, err := cb.ReadAll()
			if err != nil {
				return nil, err
			}
			if dim == Time {
				units, _ := cb.Attr(attrTimeUnit)
				cal, _ := cb.Attr(attrTimeCal)
				times, usedUnits, err := cftime.DecodeAuto(vals, units, cal)
				if err != nil {
					return nil, fmt.Errorf("gridprep: decoding stored time coordinate: %v", err)
				}
				cfg.DimCoords[Time] = Coord{Index: axis, Times: times}
				if cfg.TimeUnits == "" {
					cfg.TimeUnits = usedUnits
					cfg.TimeCal = cal
				}
			} else {
				cfg.DimCoords[dim] = Coord{Index: axis, Vals: vals}
			}
		}
	}

	leading := false
	if tc, ok := cfg.DimCoords[Time]; ok && tc.Len() > 0 {
		leading = true
	}
	backend := NewChunkedBackend(store, group, leading)
	return newGridData(&chunkHandle{bin: bin}, backend, cfg)
}
