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
	"math"

	"github.com/ctessum/sparse"

	"github.com/spatialstats/gridprep/internal/chunkstore"
)

// DefaultChunkBytes is the per-chunk memory budget for the chunked backend.
const DefaultChunkBytes = 32 * 1024 * 1024

// ChunkedBackend materializes databins into a persistent chunked store,
// streaming every stage through chunks sized to a byte budget. With a
// leading time axis each chunk spans the full spatial extent and as many
// time samples as fit in the budget; without one, the flattened size is
// divided evenly across all axes.
type ChunkedBackend struct {
	store *chunkstore.Store
	group string

	// ChunkBytes is the per-chunk byte budget. Zero means
	// DefaultChunkBytes.
	ChunkBytes int

	leadingTime bool
	ownsStore   bool

	// widenRows temporarily overrides the chunk-row computation; the
	// running-mean stage widens chunks so the averaging window never
	// straddles a processing boundary.
	widenRows int
}

// NewChunkedBackend returns a backend storing databins under the given
// group path of store. The backend does not take ownership of the store;
// closing the backend leaves the store open.
func NewChunkedBackend(store *chunkstore.Store, group string, leadingTime bool) *ChunkedBackend {
	return &ChunkedBackend{store: store, group: group, leadingTime: leadingTime}
}

// Store returns the backing store.
func (b *ChunkedBackend) Store() *chunkstore.Store { return b.store }

// Group returns the group path databins are stored under.
func (b *ChunkedBackend) Group() string { return b.group }

func (b *ChunkedBackend) chunkBytes() int {
	if b.ChunkBytes > 0 {
		return b.ChunkBytes
	}
	return DefaultChunkBytes
}

// chunkShape computes the chunk shape for data of the given shape within
// the byte budget.
func chunkShape(shape []int, leadingTime bool, budget int) []int {
	const itemSize = 8
	if len(shape) == 0 {
		return nil
	}
	chunk := append([]int(nil), shape...)
	if leadingTime {
		rowBytes := shapeSize(shape[1:]) * itemSize
		rows := budget / rowBytes
		if rows < 1 {
			rows = 1
		}
		if rows > shape[0] {
			rows = shape[0]
		}
		chunk[0] = rows
		return chunk
	}
	nbytes := shapeSize(shape) * itemSize
	if nbytes <= budget {
		return chunk
	}
	split := math.Pow(float64(nbytes)/float64(budget), 1/float64(len(shape)))
	for i, d := range shape {
		c := int(float64(d) / split)
		if c < 1 {
			c = 1
		}
		chunk[i] = c
	}
	return chunk
}

// ChunkRows implements Backend.
func (b *ChunkedBackend) ChunkRows(shape []int) int {
	if len(shape) == 0 || shape[0] < 1 {
		return 1
	}
	rows := chunkShape(shape, b.leadingTime, b.chunkBytes())[0]
	if b.widenRows > rows {
		rows = b.widenRows
	}
	if rows > shape[0] {
		rows = shape[0]
	}
	return rows
}

// widen temporarily raises the chunk-row count; the returned function
// restores the previous value.
func (b *ChunkedBackend) widen(rows int) func() {
	prev := b.widenRows
	b.widenRows = rows
	return func() { b.widenRows = prev }
}

// Allocate implements Backend: the new bin is created (or replaced) in the
// store under the backend's group path.
func (b *ChunkedBackend) Allocate(key StageKey, shape []int) (Handle, error) {
	rows := chunkShape(shape, b.leadingTime, b.chunkBytes())[0]
	bin, err := b.store.CreateBin(b.group, string(key), shape, rows)
	if err != nil {
		return nil, err
	}
	return &chunkHandle{bin: bin}, nil
}

// Transient implements Backend. Scratch results are held in memory; only
// named bins go to the store.
func (b *ChunkedBackend) Transient(shape []int) Handle {
	return newMemHandle(shape)
}

// Reattach opens an existing stored bin as a handle, used when restoring a
// snapshot.
func (b *ChunkedBackend) Reattach(key StageKey) (Handle, error) {
	bin, err := b.store.OpenBin(b.group, string(key))
	if err != nil {
		return nil, err
	}
	return &chunkHandle{bin: bin}, nil
}

// Close implements Backend, closing the store if the backend owns it.
func (b *ChunkedBackend) Close() error {
	if b.ownsStore {
		return b.store.Close()
	}
	return nil
}

// chunkHandle is a databin stored in a chunked store.
type chunkHandle struct {
	bin *chunkstore.Bin
}

func (h *chunkHandle) Shape() []int { return h.bin.Shape() }

func (h *chunkHandle) ReadRows(r0, r1 int) (*sparse.DenseArray, error) {
	vals, err := h.bin.ReadRows(r0, r1)
	if err != nil {
		return nil, err
	}
	shape := append([]int{r1 - r0}, h.bin.Shape()[1:]...)
	return denseWithShape(vals, shape...), nil
}

func (h *chunkHandle) WriteRows(r0 int, block *sparse.DenseArray) error {
	return h.bin.WriteRows(r0, block.Elements)
}

func (h *chunkHandle) ReadAll() (*sparse.DenseArray, error) {
	vals, err := h.bin.ReadAll()
	if err != nil {
		return nil, err
	}
	return denseWithShape(vals, h.bin.Shape()...), nil
}
