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
	"math/rand"
	"time"

	"github.com/ctessum/sparse"
	"gonum.org/v1/gonum/mat"
)

// Copy produces an independent GridData seeded from the current databin
// only: the new object's stage history collapses to a single original
// stage, and earlier databins are not carried over. A non-nil indices
// slice subsamples the sampling dimension to those sample positions, in
// order. Chunked objects materialize the copy in the same store under
// group; memory-backed objects ignore group.
func (gd *GridData) Copy(indices []int, group string) (*GridData, error) {
	if indices != nil {
		if err := gd.requireLeadingTime("time subsampling during copy"); err != nil {
			return nil, err
		}
		for _, i := range indices {
			if i < 0 || i >= gd.timeShape[0] {
				return nil, fmt.Errorf("gridprep: copy sample index %d out of range [0, %d)", i, gd.timeShape[0])
			}
		}
	}

	var backend Backend
	switch b := gd.backend.(type) {
	case *ChunkedBackend:
		if group == "" {
			return nil, fmt.Errorf("gridprep: copying a chunked object requires a destination group")
		}
		if group == b.Group() {
			return nil, fmt.Errorf("gridprep: copy destination group %q is the source group", group)
		}
		backend = NewChunkedBackend(b.Store(), group, gd.leadingTime)
	default:
		backend = NewMemoryBackend()
	}

	out := &GridData{
		backend:      backend,
		saveNone:     gd.saveNone,
		forceFlat:    gd.forceFlat,
		flattened:    gd.flattened,
		irregular:    gd.irregular,
		timeUnits:    gd.timeUnits,
		timeCal:      gd.timeCal,
		fullShape:    append([]int(nil), gd.fullShape...),
		leadingTime:  gd.leadingTime,
		spatialShape: append([]int(nil), gd.spatialShape...),

		flatSpatialLen: gd.flatSpatialLen,
		isMasked:       gd.isMasked,
		currKey:        gd.currKey,
		bins:           make(map[StageKey]Handle),
		history:        make(map[StageKey][]StageKey),
		alteredTimes:   make(map[StageKey][]time.Time),
	}
	if gd.fillValue != nil {
		fv := *gd.fillValue
		out.fillValue = &fv
	}
	if gd.timeShape != nil {
		out.timeShape = append([]int(nil), gd.timeShape...)
	}
	if gd.validMask != nil {
		out.validMask = append([]bool(nil), gd.validMask...)
	}
	if gd.cellArea != nil {
		out.cellArea = append([]float64(nil), gd.cellArea...)
	}
	if gd.dimIdx != nil {
		out.dimIdx = make(map[Dim]int, len(gd.dimIdx))
		for k, v := range gd.dimIdx {
			out.dimIdx[k] = v
		}
	}
	if gd.dimCoords != nil {
		out.dimCoords = make(map[Dim]Coord, len(gd.dimCoords))
		for k, v := range gd.dimCoords {
			out.dimCoords[k] = v.clone()
		}
	}
	if gd.coordGrids != nil {
		out.coordGrids = make(map[Dim][]float64, len(gd.coordGrids))
		for k, v := range gd.coordGrids {
			out.coordGrids[k] = append([]float64(nil), v...)
		}
	}

	// Side artifacts only survive when the current stage was produced by
	// the operation that generated them.
	if gd.currKey == StageEOFProj && gd.eofs != nil {
		out.eofs = mat.DenseCopyOf(gd.eofs)
		out.svals = append([]float64(nil), gd.svals...)
		if gd.eofStats != nil {
			st := *gd.eofStats
			st.VarianceExplained = append([]float64(nil), gd.eofStats.VarianceExplained...)
			out.eofStats = &st
		}
		out.eofCalcOn = gd.eofCalcOn
	}
	if gd.currKey == StageAnomaly && gd.climo != nil {
		out.climo = gd.climo.Copy()
	}
	if gd.currKey == StageStandardized && gd.stdScale != nil {
		sc := *gd.stdScale
		out.stdScale = &sc
	}

	// Materialize the single surviving databin, subsampling along the
	// sampling dimension if requested.
	srcShape := gd.curr.Shape()
	dstShape := append([]int(nil), srcShape...)
	if indices != nil {
		dstShape[0] = len(indices)
		out.timeShape = []int{len(indices)}
	}
	dst, err := backend.Allocate(gd.currKey, dstShape)
	if err != nil {
		return nil, fmt.Errorf("gridprep: allocating copied databin: %v", err)
	}
	if indices == nil {
		err = eachBlock(gd.curr, backend.ChunkRows(srcShape), func(t0 int, block *sparse.DenseArray) error {
			return dst.WriteRows(t0, block)
		})
	} else {
		for o, i := range indices {
			row, rerr := gd.curr.ReadRows(i, i+1)
			if rerr != nil {
				return nil, rerr
			}
			if werr := dst.WriteRows(o, row); werr != nil {
				return nil, werr
			}
		}
	}
	if err != nil {
		return nil, err
	}
	out.bins[gd.currKey] = dst
	out.curr = dst
	out.history[gd.currKey] = []StageKey{gd.currKey}

	// The collapsed history needs its own time-coordinate record.
	if gd.leadingTime {
		times := gd.TimeCoord()
		if indices != nil {
			sel := make([]time.Time, len(indices))
			for o, i := range indices {
				sel[o] = times[i]
			}
			times = sel
		}
		out.alteredTimes[gd.currKey] = times
		if tc, ok := out.dimCoords[Time]; ok {
			tc.Times = append([]time.Time(nil), times...)
			out.dimCoords[Time] = tc
		}
	}
	return out, nil
}

// TrainTestSplitRandom partitions the sampling dimension into a randomly
// drawn test set of testSize samples and a training set of everything
// else, returned as two independent copies. Samples within sampleLags
// steps after a drawn test sample are excluded from the training set so
// lagged training pairs never overlap the test set; an empty sampleLags
// applies no exclusion. The split is reproducible for a given seed.
// Chunked objects materialize the copies in the same store under
// trainGroup and testGroup.
func (gd *GridData) TrainTestSplitRandom(testSize int, sampleLags []int, seed int64, trainGroup, testGroup string) (train, test *GridData, err error) {
	if err := gd.requireLeadingTime("train/test splitting"); err != nil {
		return nil, nil, err
	}
	n := gd.timeShape[0]
	if testSize < 1 || testSize >= n {
		return nil, nil, fmt.Errorf("gridprep: test size %d must be in [1, %d)", testSize, n)
	}

	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(n)
	testIdx := append([]int(nil), perm[:testSize]...)

	excluded := make(map[int]bool, testSize*(len(sampleLags)+1))
	for _, i := range testIdx {
		excluded[i] = true
		for _, lag := range sampleLags {
			if j := i + lag; j >= 0 && j < n {
				excluded[j] = true
			}
		}
	}
	trainIdx := make([]int, 0, n-len(excluded))
	for i := 0; i < n; i++ {
		if !excluded[i] {
			trainIdx = append(trainIdx, i)
		}
	}
	if len(trainIdx) == 0 {
		return nil, nil, fmt.Errorf("gridprep: lag exclusion left no training samples")
	}

	if train, err = gd.Copy(trainIdx, trainGroup); err != nil {
		return nil, nil, err
	}
	if test, err = gd.Copy(testIdx, testGroup); err != nil {
		return nil, nil, err
	}
	return train, test, nil
}
