package stats

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// EOFStats records the variance bookkeeping from an EOF decomposition.
type EOFStats struct {
	// TotalVariance is the sum of squared singular values.
	TotalVariance float64
	// VarianceExplained holds, for each retained mode, the fraction of
	// total variance it accounts for.
	VarianceExplained []float64
	// NumRetained is the number of retained modes.
	NumRetained int
}

// CalcEOFs computes the leading neof empirical orthogonal functions of a
// rows-by-rowLen sample matrix via a thin singular value decomposition.
// It returns the spatial modes as a rowLen-by-neof matrix, the corresponding
// singular values, and variance statistics.
func CalcEOFs(data []float64, rows, rowLen, neof int) (*mat.Dense, []float64, EOFStats, error) {
	var st EOFStats
	if neof < 1 {
		return nil, nil, st, fmt.Errorf("stats: cannot retain %d EOF modes", neof)
	}
	nmodes := rows
	if rowLen < nmodes {
		nmodes = rowLen
	}
	if neof > nmodes {
		return nil, nil, st, fmt.Errorf("stats: cannot retain %d modes from a %d x %d matrix", neof, rows, rowLen)
	}

	a := mat.NewDense(rows, rowLen, data)
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, nil, st, fmt.Errorf("stats: SVD of %d x %d matrix failed to converge", rows, rowLen)
	}
	svals := svd.Values(nil)

	var v mat.Dense
	svd.VTo(&v)
	eofs := mat.DenseCopyOf(v.Slice(0, rowLen, 0, neof))

	for _, s := range svals {
		st.TotalVariance += s * s
	}
	st.NumRetained = neof
	st.VarianceExplained = make([]float64, neof)
	for i := 0; i < neof; i++ {
		if st.TotalVariance > 0 {
			st.VarianceExplained[i] = svals[i] * svals[i] / st.TotalVariance
		}
	}
	return eofs, svals[:neof], st, nil
}
