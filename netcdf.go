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
	"os"
	"strings"
	"time"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"

	"github.com/spatialstats/gridprep/internal/cftime"
)

// dimNames maps NetCDF dimension names to the recognized dimensions.
var dimNames = map[string]Dim{
	"time":      Time,
	"t":         Time,
	"lat":       Lat,
	"latitude":  Lat,
	"lon":       Lon,
	"longitude": Lon,
	"lev":       Level,
	"level":     Level,
	"plev":      Level,
	"depth":     Level,
	"zlev":      Level,
}

// cellAreaVars are the variable names probed for per-cell areas, in order.
var cellAreaVars = []string{"cell_area", "area", "areacella", "cell_weights"}

// FromArchive loads variable varName from the NetCDF archive at path and
// constructs an in-memory GridData object from it. Dimension coordinates,
// time units and calendar, and the fill value are picked up from the
// archive; a two-dimensional latitude variable marks the grid as
// non-regular and its grids are attached as flattened coordinate grids.
// cellAreaPath, when non-empty, names a second archive holding per-cell
// areas. Settings in cfg override what the archive provides.
func FromArchive(path, varName, cellAreaPath string, cfg *Config) (*GridData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gridprep: opening archive: %v", err)
	}
	defer f.Close()
	ff, err := cdf.Open(f)
	if err != nil {
		return nil, fmt.Errorf("gridprep: reading archive %s: %v", path, err)
	}

	data, err := readVar(ff, varName)
	if err != nil {
		return nil, err
	}
	cfg, err = configFromArchive(ff, varName, cfg)
	if err != nil {
		return nil, err
	}
	if cellAreaPath != "" {
		if cfg.CellArea, err = readCellArea(cellAreaPath); err != nil {
			return nil, err
		}
	}
	return New(data, cfg)
}

// configFromArchive fills the parts of cfg the archive can provide,
// leaving caller-supplied settings untouched.
func configFromArchive(ff *cdf.File, varName string, cfg *Config) (*Config, error) {
	if cfg == nil {
		cfg = &Config{}
	} else {
		c := *cfg
		cfg = &c
	}

	if cfg.DimCoords == nil {
		cfg.DimCoords = make(map[Dim]Coord)
		for axis, dname := range ff.Header.Dimensions(varName) {
			dim, recognized := dimNames[strings.ToLower(dname)]
			if !recognized || len(ff.Header.Lengths(dname)) == 0 {
				continue
			}
			if len(ff.Header.Lengths(dname)) == 2 {
				// Curvilinear coordinate: attach as a grid instead.
				if dim == Lat || dim == Lon {
					g, err := readVar(ff, dname)
					if err != nil {
						return nil, err
					}
					if cfg.CoordGrids == nil {
						cfg.CoordGrids = make(map[Dim][]float64)
					}
					cfg.CoordGrids[dim] = g.Elements
					cfg.IrregularGrid = true
				}
				continue
			}
			vals, err := readVar(ff, dname)
			if err != nil {
				return nil, err
			}
			if dim == Time {
				units := attrString(ff, dname, "units")
				cal := attrString(ff, dname, "calendar")
				times, usedUnits, err := cftime.DecodeAuto(vals.Elements, units, cal)
				if err != nil {
					return nil, fmt.Errorf("gridprep: decoding time coordinate: %v", err)
				}
				cfg.DimCoords[Time] = Coord{Index: axis, Times: times}
				if cfg.TimeUnits == "" {
					cfg.TimeUnits = usedUnits
					cfg.TimeCal = cal
				}
			} else {
				cfg.DimCoords[dim] = Coord{Index: axis, Vals: vals.Elements}
			}
		}
	}

	if cfg.FillValue == nil {
		for _, a := range []string{"_FillValue", "missing_value"} {
			if fv, ok := attrFloat(ff, varName, a); ok {
				cfg.FillValue = &fv
				break
			}
		}
	}
	return cfg, nil
}

// readCellArea pulls per-cell area weights out of a companion archive.
func readCellArea(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gridprep: opening cell area archive: %v", err)
	}
	defer f.Close()
	ff, err := cdf.Open(f)
	if err != nil {
		return nil, fmt.Errorf("gridprep: reading cell area archive %s: %v", path, err)
	}
	for _, name := range cellAreaVars {
		if len(ff.Header.Lengths(name)) == 0 {
			continue
		}
		area, err := readVar(ff, name)
		if err != nil {
			return nil, err
		}
		return area.Elements, nil
	}
	return nil, fmt.Errorf("gridprep: no cell area variable (one of %v) in %s", cellAreaVars, path)
}

// readVar reads variable name out of netcdf file ff in full.
func readVar(ff *cdf.File, name string) (*sparse.DenseArray, error) {
	dims := ff.Header.Lengths(name)
	if len(dims) == 0 {
		return nil, fmt.Errorf("gridprep: read netcdf: variable %v not in file", name)
	}
	r := ff.Reader(name, nil, nil)
	buf := r.Zero(-1)
	if _, err := r.Read(buf); err != nil {
		return nil, fmt.Errorf("gridprep: read netcdf variable %s: %v", name, err)
	}
	vals, err := toFloat64s(buf)
	if err != nil {
		return nil, fmt.Errorf("gridprep: read netcdf variable %s: %v", name, err)
	}
	data := sparse.ZerosDense(dims...)
	copy(data.Elements, vals)
	return data, nil
}

// toFloat64s widens a netcdf read buffer to float64.
func toFloat64s(buf interface{}) ([]float64, error) {
	switch b := buf.(type) {
	case []float64:
		return b, nil
	case []float32:
		out := make([]float64, len(b))
		for i, v := range b {
			out[i] = float64(v)
		}
		return out, nil
	case []int32:
		out := make([]float64, len(b))
		for i, v := range b {
			out[i] = float64(v)
		}
		return out, nil
	case []int16:
		out := make([]float64, len(b))
		for i, v := range b {
			out[i] = float64(v)
		}
		return out, nil
	case []int8:
		out := make([]float64, len(b))
		for i, v := range b {
			out[i] = float64(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported netcdf value type %T", buf)
	}
}

// attrString returns a string attribute, or "" when absent.
func attrString(ff *cdf.File, v, a string) string {
	if s, ok := ff.Header.GetAttribute(v, a).(string); ok {
		return s
	}
	return ""
}

// attrFloat returns a numeric attribute as float64.
func attrFloat(ff *cdf.File, v, a string) (float64, bool) {
	vals, err := toFloat64s(ff.Header.GetAttribute(v, a))
	if err != nil || len(vals) == 0 {
		return 0, false
	}
	return vals[0], true
}

// PosteriorArchive is the gob layout used to exchange reconstruction
// posterior fields: a (samples x locations) value matrix together with
// its coordinates.
type PosteriorArchive struct {
	Values *sparse.DenseArray
	Lat    []float64
	Lon    []float64
	Times  []time.Time
}

// FromPosteriorNetCDF loads a reconstruction posterior field from a NetCDF
// archive holding variable varName shaped (samples x locations), with
// per-location lat and lon variables and a time coordinate.
func FromPosteriorNetCDF(path, varName string, cfg *Config) (*GridData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gridprep: opening posterior archive: %v", err)
	}
	defer f.Close()
	ff, err := cdf.Open(f)
	if err != nil {
		return nil, fmt.Errorf("gridprep: reading posterior archive %s: %v", path, err)
	}

	values, err := readVar(ff, varName)
	if err != nil {
		return nil, err
	}
	pa := &PosteriorArchive{Values: values}
	if lat, err := readVar(ff, "lat"); err == nil {
		pa.Lat = lat.Elements
	}
	if lon, err := readVar(ff, "lon"); err == nil {
		pa.Lon = lon.Elements
	}
	tvals, err := readVar(ff, "time")
	if err != nil {
		return nil, err
	}
	times, usedUnits, err := cftime.DecodeAuto(tvals.Elements,
		attrString(ff, "time", "units"), attrString(ff, "time", "calendar"))
	if err != nil {
		return nil, fmt.Errorf("gridprep: decoding posterior time coordinate: %v", err)
	}
	pa.Times = times

	if cfg == nil {
		cfg = &Config{}
	} else {
		c := *cfg
		cfg = &c
	}
	if cfg.TimeUnits == "" {
		cfg.TimeUnits = usedUnits
		cfg.TimeCal = attrString(ff, "time", "calendar")
	}
	return FromPosteriorArray(pa, cfg)
}

// FromPosteriorArchive loads a gob-encoded posterior field from path and
// constructs an in-memory GridData object from it.
func FromPosteriorArchive(path string, cfg *Config) (*GridData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gridprep: opening posterior archive: %v", err)
	}
	defer f.Close()
	var pa PosteriorArchive
	if err := gob.NewDecoder(f).Decode(&pa); err != nil {
		return nil, fmt.Errorf("gridprep: decoding posterior archive %s: %v", path, err)
	}
	return FromPosteriorArray(&pa, cfg)
}

// FromPosteriorArray constructs an in-memory GridData object from an
// already decoded posterior field. Per-location latitudes and longitudes
// are attached as coordinate grids since posterior fields are stored with
// a flattened spatial axis.
func FromPosteriorArray(pa *PosteriorArchive, cfg *Config) (*GridData, error) {
	if pa == nil || pa.Values == nil {
		return nil, fmt.Errorf("gridprep: posterior archive holds no values")
	}
	shape := pa.Values.GetShape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("gridprep: posterior values must be (samples x locations); got shape %v", shape)
	}
	if len(pa.Times) != shape[0] {
		return nil, fmt.Errorf("gridprep: posterior archive has %d times for %d samples", len(pa.Times), shape[0])
	}

	if cfg == nil {
		cfg = &Config{}
	} else {
		c := *cfg
		cfg = &c
	}
	if cfg.DimCoords == nil {
		cfg.DimCoords = make(map[Dim]Coord)
	}
	if _, ok := cfg.DimCoords[Time]; !ok {
		cfg.DimCoords[Time] = Coord{Index: 0, Times: append([]time.Time(nil), pa.Times...)}
	}
	if cfg.CoordGrids == nil && pa.Lat != nil {
		if len(pa.Lat) != shape[1] || len(pa.Lon) != shape[1] {
			return nil, fmt.Errorf("gridprep: posterior archive has %d/%d coordinates for %d locations", len(pa.Lat), len(pa.Lon), shape[1])
		}
		cfg.CoordGrids = map[Dim][]float64{
			Lat: append([]float64(nil), pa.Lat...),
			Lon: append([]float64(nil), pa.Lon...),
		}
	}
	cfg.IrregularGrid = true
	cfg.ForceFlat = true
	return New(pa.Values, cfg)
}
