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

	"github.com/ctessum/sparse"
)

// A Handle is a reference to one materialized databin. Row reads and writes
// address the leading axis; ReadRows returns freshly allocated data, so a
// returned block never aliases the bin's storage.
type Handle interface {
	// Shape returns the bin's array shape.
	Shape() []int
	// ReadRows reads leading-axis rows [r0, r1).
	ReadRows(r0, r1 int) (*sparse.DenseArray, error)
	// WriteRows writes a block of rows starting at leading-axis row r0.
	WriteRows(r0 int, block *sparse.DenseArray) error
	// ReadAll reads the whole bin.
	ReadAll() (*sparse.DenseArray, error)
}

// A Backend provides databin storage for a GridData object. The two
// implementations are MemoryBackend (eager, in-memory) and ChunkedBackend
// (out-of-core, persistent). Transform stages are written once against the
// Handle row interface; the backend's chunk granularity decides whether a
// stage runs in one pass over the whole array or streams through bounded
// chunks.
type Backend interface {
	// Allocate creates an empty databin for the named stage.
	Allocate(key StageKey, shape []int) (Handle, error)
	// Transient creates scratch storage that is not registered as a
	// named bin (used when intermediate storage is suppressed).
	Transient(shape []int) Handle
	// ChunkRows returns the number of leading-axis rows a caller should
	// process per pass for data of the given shape.
	ChunkRows(shape []int) int
	// Close releases any resources the backend exclusively owns.
	Close() error
}

// memHandle is an in-memory databin.
type memHandle struct {
	data *sparse.DenseArray
}

func newMemHandle(shape []int) *memHandle {
	return &memHandle{data: sparse.ZerosDense(shape...)}
}

func (h *memHandle) Shape() []int { return h.data.GetShape() }

func (h *memHandle) rowLen() int {
	return shapeSize(h.data.Shape[1:])
}

func (h *memHandle) ReadRows(r0, r1 int) (*sparse.DenseArray, error) {
	rows := h.data.Shape[0]
	if r0 < 0 || r1 > rows || r0 > r1 {
		return nil, fmt.Errorf("gridprep: row range [%d,%d) outside bin with %d rows", r0, r1, rows)
	}
	rowLen := h.rowLen()
	elems := make([]float64, (r1-r0)*rowLen)
	copy(elems, h.data.Elements[r0*rowLen:r1*rowLen])
	shape := append([]int{r1 - r0}, h.data.Shape[1:]...)
	return denseWithShape(elems, shape...), nil
}

func (h *memHandle) WriteRows(r0 int, block *sparse.DenseArray) error {
	rowLen := h.rowLen()
	n := len(block.Elements)
	if n%rowLen != 0 {
		return fmt.Errorf("gridprep: write of %d values is not a whole number of rows (row length %d)", n, rowLen)
	}
	if r0 < 0 || r0*rowLen+n > len(h.data.Elements) {
		return fmt.Errorf("gridprep: write of %d rows at row %d outside bin with %d rows", n/rowLen, r0, h.data.Shape[0])
	}
	copy(h.data.Elements[r0*rowLen:], block.Elements)
	return nil
}

func (h *memHandle) ReadAll() (*sparse.DenseArray, error) {
	return h.data.Copy(), nil
}

// MemoryBackend materializes every databin eagerly in memory. Each stage
// runs in a single pass over the whole array.
type MemoryBackend struct{}

// NewMemoryBackend returns an in-memory storage backend.
func NewMemoryBackend() *MemoryBackend { return &MemoryBackend{} }

// Allocate implements Backend.
func (b *MemoryBackend) Allocate(key StageKey, shape []int) (Handle, error) {
	return newMemHandle(shape), nil
}

// Transient implements Backend.
func (b *MemoryBackend) Transient(shape []int) Handle {
	return newMemHandle(shape)
}

// ChunkRows implements Backend: the whole array is one chunk.
func (b *MemoryBackend) ChunkRows(shape []int) int {
	if len(shape) == 0 || shape[0] < 1 {
		return 1
	}
	return shape[0]
}

// Close implements Backend.
func (b *MemoryBackend) Close() error { return nil }
