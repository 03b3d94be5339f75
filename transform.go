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
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/spatialstats/gridprep/stats"
)

// newBin allocates storage for a new stage result, falling back to
// transient scratch storage when intermediate saving is suppressed.
func (gd *GridData) newBin(key StageKey, shape []int) (Handle, error) {
	if gd.saveNone {
		return gd.backend.Transient(shape), nil
	}
	h, err := gd.backend.Allocate(key, shape)
	if err != nil {
		return nil, fmt.Errorf("gridprep: allocating %s databin: %v", key, err)
	}
	return h, nil
}

// commitStage registers a completed stage result as the current databin.
// newTimes, when non-nil, is the stage's altered time coordinate. Nothing
// about the object is mutated before commitStage, so a failed transform
// leaves the prior state untouched.
func (gd *GridData) commitStage(key StageKey, h Handle, newTimes []time.Time) {
	if !gd.saveNone {
		gd.bins[key] = h
	}
	gd.addHistory(gd.currKey, key)
	gd.curr, gd.currKey = h, key
	if newTimes != nil {
		gd.alteredTimes[key] = newTimes
		if tc, ok := gd.dimCoords[Time]; ok {
			tc.Times = newTimes
			gd.dimCoords[Time] = tc
		}
		gd.timeShape = []int{len(newTimes)}
	}
}

// Resample averages blocks of nsamplesInAvg consecutive samples after
// discarding the first shift samples, recording the result under key.
// Samples left over at the end of the series are dropped, and the time
// coordinate is subsampled with the same stride and offset.
func (gd *GridData) Resample(key StageKey, nsamplesInAvg, shift int) error {
	if err := gd.requireLeadingTime("resample"); err != nil {
		return err
	}
	if shift < 0 {
		return fmt.Errorf("gridprep: resample shift must not be negative (shift = %d)", shift)
	}
	if nsamplesInAvg < 1 {
		return fmt.Errorf("gridprep: resample block size must be positive (got %d)", nsamplesInAvg)
	}

	nsamples := gd.timeShape[0] - shift
	newN := nsamples / nsamplesInAvg
	if newN < 1 {
		return fmt.Errorf("gridprep: resampling %d samples in blocks of %d leaves no output", nsamples, nsamplesInAvg)
	}
	spatial := gd.curr.Shape()[1:]
	rowLen := shapeSize(spatial)
	outShape := append([]int{newN}, spatial...)

	dst, err := gd.newBin(key, outShape)
	if err != nil {
		return err
	}

	k := nsamplesInAvg
	chunkOut := gd.backend.ChunkRows(outShape)
	for o0 := 0; o0 < newN; o0 += chunkOut {
		o1 := o0 + chunkOut
		if o1 > newN {
			o1 = newN
		}
		in, err := gd.curr.ReadRows(shift+o0*k, shift+o1*k)
		if err != nil {
			return err
		}
		out := make([]float64, (o1-o0)*rowLen)
		for o := 0; o < o1-o0; o++ {
			outRow := out[o*rowLen : (o+1)*rowLen]
			for t := 0; t < k; t++ {
				row := in.Elements[(o*k+t)*rowLen : (o*k+t+1)*rowLen]
				for j, v := range row {
					outRow[j] += v
				}
			}
			for j := range outRow {
				outRow[j] /= float64(k)
			}
		}
		if err := dst.WriteRows(o0, denseWithShape(out, append([]int{o1 - o0}, spatial...)...)); err != nil {
			return err
		}
	}

	times := gd.dimCoords[Time].Times
	newTimes := make([]time.Time, 0, newN)
	for i := shift; len(newTimes) < newN; i += k {
		newTimes = append(newTimes, times[i])
	}
	gd.commitStage(key, dst, newTimes)
	return nil
}

// RunningMean filters the data with a centered moving average of
// windowSize samples along the sampling dimension. Each end of the series
// is trimmed by ceil((windowSize/2)/yearLen)*yearLen samples so the window
// never reads outside the series while whole-year alignment is preserved;
// the time coordinate is trimmed identically.
func (gd *GridData) RunningMean(windowSize, yearLen int) error {
	if err := gd.requireLeadingTime("running mean"); err != nil {
		return err
	}
	if yearLen < 1 {
		yearLen = 1
	}
	edgePad := windowSize / 2
	edgeTrim := int(math.Ceil(float64(edgePad)/float64(yearLen))) * yearLen
	n := gd.timeShape[0]
	newLen := n - 2*edgeTrim
	if newLen < 1 {
		return fmt.Errorf("gridprep: running mean window %d trims the whole %d-sample series", windowSize, n)
	}

	spatial := gd.curr.Shape()[1:]
	rowLen := shapeSize(spatial)
	outShape := append([]int{newLen}, spatial...)

	dst, err := gd.newBin(StageRunningMean, outShape)
	if err != nil {
		return err
	}

	// Widen the processing chunks so the averaging window never
	// straddles a chunk boundary.
	if w, ok := gd.backend.(interface{ widen(int) func() }); ok {
		restore := w.widen(windowSize * 50)
		defer restore()
	}

	chunkOut := gd.backend.ChunkRows(outShape)
	for o0 := 0; o0 < newLen; o0 += chunkOut {
		o1 := o0 + chunkOut
		if o1 > newLen {
			o1 = newLen
		}
		in, err := gd.curr.ReadRows(o0, o1+2*edgeTrim)
		if err != nil {
			return err
		}
		out, err := stats.RunMean(in.Elements, o1-o0+2*edgeTrim, rowLen, windowSize, edgeTrim)
		if err != nil {
			return fmt.Errorf("gridprep: running mean: %v", err)
		}
		if err := dst.WriteRows(o0, denseWithShape(out, append([]int{o1 - o0}, spatial...)...)); err != nil {
			return err
		}
	}

	times := gd.dimCoords[Time].Times
	newTimes := append([]time.Time(nil), times[edgeTrim:n-edgeTrim]...)
	gd.commitStage(StageRunningMean, dst, newTimes)
	return nil
}

// Anomaly centers the data by removing a per-subannual-phase climatology,
// where the phase of a sample is its index modulo yearLen. The climatology
// is computed over the whole series unless climoIn supplies one; either
// way it is retained as a side artifact (see Climo).
func (gd *GridData) Anomaly(yearLen int, climoIn *sparse.DenseArray) error {
	if err := gd.requireLeadingTime("anomaly"); err != nil {
		return err
	}
	if yearLen < 1 {
		yearLen = 1
	}
	shape := gd.curr.Shape()
	rowLen := shapeSize(shape[1:])

	var climo []float64
	if climoIn != nil {
		if !sameShape(climoIn.Shape, []int{yearLen, rowLen}) {
			return fmt.Errorf("gridprep: supplied climatology has shape %v, want [%d %d]", climoIn.Shape, yearLen, rowLen)
		}
		climo = append([]float64(nil), climoIn.Elements...)
	} else {
		acc := stats.NewClimatology(yearLen, rowLen)
		err := eachBlock(gd.curr, gd.backend.ChunkRows(shape), func(t0 int, block *sparse.DenseArray) error {
			acc.Add(block.Elements, t0)
			return nil
		})
		if err != nil {
			return err
		}
		climo = acc.Means()
	}

	dst, err := gd.newBin(StageAnomaly, shape)
	if err != nil {
		return err
	}
	err = eachBlock(gd.curr, gd.backend.ChunkRows(shape), func(t0 int, block *sparse.DenseArray) error {
		stats.RemoveClimo(block.Elements, t0, rowLen, climo, yearLen)
		return dst.WriteRows(t0, block)
	})
	if err != nil {
		return err
	}

	gd.climo = denseWithShape(append([]float64(nil), climo...), yearLen, rowLen)
	gd.commitStage(StageAnomaly, dst, nil)
	return nil
}

// Detrend removes the best-fit linear trend along the sampling dimension
// from each spatial location independently.
func (gd *GridData) Detrend() error {
	if err := gd.requireLeadingTime("detrending"); err != nil {
		return err
	}
	shape := gd.curr.Shape()
	rowLen := shapeSize(shape[1:])

	tr := stats.NewTrend(rowLen)
	err := eachBlock(gd.curr, gd.backend.ChunkRows(shape), func(t0 int, block *sparse.DenseArray) error {
		tr.Add(block.Elements, t0)
		return nil
	})
	if err != nil {
		return err
	}

	dst, err := gd.newBin(StageDetrended, shape)
	if err != nil {
		return err
	}
	err = eachBlock(gd.curr, gd.backend.ChunkRows(shape), func(t0 int, block *sparse.DenseArray) error {
		tr.Remove(block.Elements, t0)
		return dst.WriteRows(t0, block)
	})
	if err != nil {
		return err
	}
	gd.commitStage(StageDetrended, dst, nil)
	return nil
}

// AreaWeight scales the data by each cell's normalized area weight, or by
// the square root of the weight when useSqrt is set (useful ahead of
// quadratic calculations such as EOF analysis). Supplied cell areas are
// normalized by their sum; when no areas were supplied a regular grid is
// weighted by |cos(latitude)| instead. An irregular grid without cell
// areas cannot be weighted.
func (gd *GridData) AreaWeight(useSqrt bool) error {
	var scale []float64
	switch {
	case gd.cellArea == nil && gd.irregular:
		return fmt.Errorf("gridprep: cell areas are required to area-weight a non-regular grid")
	case gd.cellArea == nil:
		if _, ok := gd.dimIdx[Lat]; !ok {
			return fmt.Errorf("gridprep: cell area or latitude dimension required for grid cell area weighting")
		}
		grids, err := gd.GetCoordinateGrids([]Dim{Lat}, true, true)
		if err != nil {
			return err
		}
		lat := grids[Lat].Elements
		scale = make([]float64, len(lat))
		for j, l := range lat {
			scale[j] = math.Abs(math.Cos(l * math.Pi / 180))
		}
	default:
		sum := floats.Sum(gd.cellArea)
		scale = make([]float64, len(gd.cellArea))
		for j, a := range gd.cellArea {
			scale[j] = a / sum
		}
	}
	if useSqrt {
		for j := range scale {
			scale[j] = math.Sqrt(scale[j])
		}
	}

	shape := gd.curr.Shape()
	rowLen := gd.spatialRowLen()
	if len(scale) != rowLen {
		return fmt.Errorf("gridprep: area weights cover %d cells but data rows have %d", len(scale), rowLen)
	}

	dst, err := gd.newBin(StageAreaWeighted, shape)
	if err != nil {
		return err
	}
	rowStride := shapeSize(shape[1:])
	err = eachBlock(gd.curr, gd.backend.ChunkRows(shape), func(t0 int, block *sparse.DenseArray) error {
		base := t0 * rowStride
		for i := range block.Elements {
			block.Elements[i] *= scale[(base+i)%rowLen]
		}
		return dst.WriteRows(t0, block)
	})
	if err != nil {
		return err
	}
	gd.commitStage(StageAreaWeighted, dst, nil)
	return nil
}

// Standardize scales the data by 1/sqrt(total variance), where the total
// variance is the sum over spatial locations of the sample variance
// (ddof=1) along the sampling dimension. stdFactor, when non-nil, supplies
// the scale factor directly instead.
func (gd *GridData) Standardize(stdFactor *float64) error {
	if err := gd.requireLeadingTime("standardization"); err != nil {
		return err
	}
	shape := gd.curr.Shape()
	rowLen := shapeSize(shape[1:])

	var scale float64
	if stdFactor != nil {
		scale = *stdFactor
	} else {
		acc := stats.NewVariance(rowLen)
		err := eachBlock(gd.curr, gd.backend.ChunkRows(shape), func(t0 int, block *sparse.DenseArray) error {
			acc.Add(block.Elements)
			return nil
		})
		if err != nil {
			return err
		}
		total := acc.Total()
		if !(total > 0) {
			return fmt.Errorf("gridprep: total grid variance %g is not positive; cannot standardize", total)
		}
		scale = 1 / math.Sqrt(total)
	}

	dst, err := gd.newBin(StageStandardized, shape)
	if err != nil {
		return err
	}
	err = eachBlock(gd.curr, gd.backend.ChunkRows(shape), func(t0 int, block *sparse.DenseArray) error {
		for i := range block.Elements {
			block.Elements[i] *= scale
		}
		return dst.WriteRows(t0, block)
	})
	if err != nil {
		return err
	}
	gd.stdScale = &scale
	gd.commitStage(StageStandardized, dst, nil)
	return nil
}

// EOFProject computes the leading numEOFs empirical orthogonal functions
// of the basis stage and projects the target stage onto them, yielding a
// (samples x modes) result. The basis defaults to the area-weighted stage
// when that is not already current, and the target defaults to the current
// data. An externally supplied basis eofIn overrides numEOFs with its
// column count; its row count must equal the data's feature-dimension
// length. Explained-variance statistics are recorded as a side artifact
// (see EOFStats).
func (gd *GridData) EOFProject(numEOFs int, eofIn *mat.Dense, calcOnKey, projKey StageKey) error {
	if err := gd.requireLeadingTime("EOF projection"); err != nil {
		return err
	}
	if calcOnKey == "" {
		calcOnKey = StageAreaWeighted
	}
	if gd.currKey != calcOnKey {
		if err := gd.ResetTo(calcOnKey); err != nil {
			return err
		}
	}
	rowLen := shapeSize(gd.curr.Shape()[1:])

	var eofs *mat.Dense
	if eofIn != nil {
		r, c := eofIn.Dims()
		if r != rowLen {
			return fmt.Errorf("gridprep: input EOF feature dimension (length=%d) does not match data feature dimension (length=%d)", r, rowLen)
		}
		numEOFs = c
		eofs = mat.DenseCopyOf(eofIn)
		gd.eofStats = nil
		gd.eofCalcOn = ""
	} else {
		basis, err := gd.curr.ReadAll()
		if err != nil {
			return err
		}
		var st stats.EOFStats
		var svals []float64
		eofs, svals, st, err = stats.CalcEOFs(basis.Elements, gd.timeShape[0], rowLen, numEOFs)
		if err != nil {
			return fmt.Errorf("gridprep: EOF decomposition: %v", err)
		}
		gd.svals = svals
		gd.eofStats = &st
		gd.eofCalcOn = calcOnKey
	}

	if projKey != "" {
		if err := gd.ResetTo(projKey); err != nil {
			return err
		}
		if l := shapeSize(gd.curr.Shape()[1:]); l != rowLen {
			return fmt.Errorf("gridprep: projection target feature dimension (length=%d) does not match EOF basis (length=%d)", l, rowLen)
		}
	}

	n := gd.timeShape[0]
	outShape := []int{n, numEOFs}
	dst, err := gd.newBin(StageEOFProj, outShape)
	if err != nil {
		return err
	}
	shape := gd.curr.Shape()
	err = eachBlock(gd.curr, gd.backend.ChunkRows(shape), func(t0 int, block *sparse.DenseArray) error {
		rows := block.Shape[0]
		in := mat.NewDense(rows, rowLen, block.Elements)
		out := mat.NewDense(rows, numEOFs, nil)
		out.Mul(in, eofs)
		return dst.WriteRows(t0, denseWithShape(out.RawMatrix().Data, rows, numEOFs))
	})
	if err != nil {
		return err
	}
	gd.eofs = eofs
	gd.commitStage(StageEOFProj, dst, nil)
	return nil
}
