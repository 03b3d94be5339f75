// Package chunkstore implements a persistent container for chunked numeric
// arrays. A store is a directory holding named bins organized under group
// paths; each bin is an array of float64 values chunked along its leading
// axis, with every chunk compressed independently and protected by an
// xxhash64 checksum. Stores can be closed and reopened for further reads
// and appends.
package chunkstore

import (
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	chunkMagic   = "GPCH"
	storeMetaFmt = "store.gob"
	binMetaFile  = "meta.gob"
	binSuffix    = ".bin"
)

// storeMeta is the store-level metadata persisted at the store root.
type storeMeta struct {
	Version int
	Codec   string
}

// BinMeta is the per-bin metadata persisted alongside the chunk files.
type BinMeta struct {
	Shape        []int
	RowsPerChunk int
	Codec        string

	// Attributes attached by callers (fill values, axis indices, unit
	// strings and the like).
	Attrs    map[string]string
	NumAttrs map[string]float64
	IntAttrs map[string]int
}

// Store is an open chunked-array container rooted at a directory.
type Store struct {
	dir    string
	codec  Codec
	closed bool
}

// Create initializes a new store at dir using the given codec for all bins.
// An existing store at the same path is replaced.
func Create(dir string, codec Codec) (*Store, error) {
	if codec == nil {
		codec = ZstdCodec{}
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("chunkstore: clearing %s: %v", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("chunkstore: creating %s: %v", dir, err)
	}
	s := &Store{dir: dir, codec: codec}
	if err := writeGob(filepath.Join(dir, storeMetaFmt), storeMeta{Version: 1, Codec: codec.Name()}); err != nil {
		return nil, err
	}
	return s, nil
}

// Open opens an existing store for reading and appending.
func Open(dir string) (*Store, error) {
	var m storeMeta
	if err := readGob(filepath.Join(dir, storeMetaFmt), &m); err != nil {
		return nil, fmt.Errorf("chunkstore: opening store at %s: %v", dir, err)
	}
	codec, err := CodecByName(m.Codec)
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir, codec: codec}, nil
}

// Dir returns the directory the store is rooted at.
func (s *Store) Dir() string { return s.dir }

// Codec returns the codec used for the store's bins.
func (s *Store) Codec() Codec { return s.codec }

// Close marks the store closed. Chunk files are written synchronously, so
// closing only guards against further use.
func (s *Store) Close() error {
	s.closed = true
	return nil
}

func (s *Store) binDir(group, name string) string {
	parts := strings.Split(strings.Trim(group, "/"), "/")
	elems := append([]string{s.dir}, parts...)
	return filepath.Join(append(elems, name+binSuffix)...)
}

// CreateBin creates a new bin under the given group path, replacing any
// existing bin with the same name. rowsPerChunk sets how many leading-axis
// rows each chunk holds; it is clamped to the number of rows in the bin.
func (s *Store) CreateBin(group, name string, shape []int, rowsPerChunk int) (*Bin, error) {
	if s.closed {
		return nil, fmt.Errorf("chunkstore: store %s is closed", s.dir)
	}
	if len(shape) == 0 {
		return nil, fmt.Errorf("chunkstore: bin %s: empty shape", name)
	}
	if rowsPerChunk < 1 {
		rowsPerChunk = 1
	}
	if rowsPerChunk > shape[0] {
		rowsPerChunk = shape[0]
	}
	dir := s.binDir(group, name)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("chunkstore: replacing bin %s: %v", name, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("chunkstore: creating bin %s: %v", name, err)
	}
	b := &Bin{
		store: s,
		dir:   dir,
		meta: BinMeta{
			Shape:        append([]int(nil), shape...),
			RowsPerChunk: rowsPerChunk,
			Codec:        s.codec.Name(),
			Attrs:        make(map[string]string),
			NumAttrs:     make(map[string]float64),
			IntAttrs:     make(map[string]int),
		},
		codec: s.codec,
	}
	if err := b.flushMeta(); err != nil {
		return nil, err
	}
	return b, nil
}

// OpenBin opens an existing bin. A missing bin is reported as a lookup
// error naming the group and bin.
func (s *Store) OpenBin(group, name string) (*Bin, error) {
	if s.closed {
		return nil, fmt.Errorf("chunkstore: store %s is closed", s.dir)
	}
	dir := s.binDir(group, name)
	var m BinMeta
	if err := readGob(filepath.Join(dir, binMetaFile), &m); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("chunkstore: no bin %q under group %q", name, group)
		}
		return nil, fmt.Errorf("chunkstore: opening bin %s: %v", name, err)
	}
	codec, err := CodecByName(m.Codec)
	if err != nil {
		return nil, err
	}
	return &Bin{store: s, dir: dir, meta: m, codec: codec}, nil
}

// Bins lists the bin names present under a group path.
func (s *Store) Bins(group string) ([]string, error) {
	parts := strings.Split(strings.Trim(group, "/"), "/")
	dir := filepath.Join(append([]string{s.dir}, parts...)...)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("chunkstore: listing group %q: %v", group, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), binSuffix) {
			names = append(names, strings.TrimSuffix(e.Name(), binSuffix))
		}
	}
	return names, nil
}

// Bin is one chunked array within a store.
type Bin struct {
	store *Store
	dir   string
	meta  BinMeta
	codec Codec
}

// Shape returns the bin's array shape.
func (b *Bin) Shape() []int { return append([]int(nil), b.meta.Shape...) }

// Rows returns the length of the leading axis.
func (b *Bin) Rows() int { return b.meta.Shape[0] }

// RowsPerChunk returns the chunking granularity along the leading axis.
func (b *Bin) RowsPerChunk() int { return b.meta.RowsPerChunk }

// rowLen is the number of elements in one leading-axis row.
func (b *Bin) rowLen() int {
	n := 1
	for _, d := range b.meta.Shape[1:] {
		n *= d
	}
	return n
}

func (b *Bin) numChunks() int {
	return (b.Rows() + b.meta.RowsPerChunk - 1) / b.meta.RowsPerChunk
}

func (b *Bin) chunkPath(i int) string {
	return filepath.Join(b.dir, fmt.Sprintf("c%06d", i))
}

// SetAttr attaches a string attribute to the bin and persists it.
func (b *Bin) SetAttr(key, val string) error {
	b.meta.Attrs[key] = val
	return b.flushMeta()
}

// Attr returns a string attribute, reporting whether it is present.
func (b *Bin) Attr(key string) (string, bool) {
	v, ok := b.meta.Attrs[key]
	return v, ok
}

// SetNumAttr attaches a numeric attribute to the bin and persists it.
func (b *Bin) SetNumAttr(key string, val float64) error {
	b.meta.NumAttrs[key] = val
	return b.flushMeta()
}

// NumAttr returns a numeric attribute, reporting whether it is present.
func (b *Bin) NumAttr(key string) (float64, bool) {
	v, ok := b.meta.NumAttrs[key]
	return v, ok
}

// SetIntAttr attaches an integer attribute to the bin and persists it.
func (b *Bin) SetIntAttr(key string, val int) error {
	b.meta.IntAttrs[key] = val
	return b.flushMeta()
}

// IntAttr returns an integer attribute, reporting whether it is present.
func (b *Bin) IntAttr(key string) (int, bool) {
	v, ok := b.meta.IntAttrs[key]
	return v, ok
}

func (b *Bin) flushMeta() error {
	if err := writeGob(filepath.Join(b.dir, binMetaFile), b.meta); err != nil {
		return fmt.Errorf("chunkstore: writing metadata for %s: %v", b.dir, err)
	}
	return nil
}

// WriteRows writes len(vals)/rowLen rows starting at row r0. Writes that do
// not cover whole chunks read-modify-write the boundary chunks.
func (b *Bin) WriteRows(r0 int, vals []float64) error {
	rowLen := b.rowLen()
	if len(vals)%rowLen != 0 {
		return fmt.Errorf("chunkstore: write of %d values is not a whole number of rows (row length %d)", len(vals), rowLen)
	}
	nrows := len(vals) / rowLen
	if r0 < 0 || r0+nrows > b.Rows() {
		return fmt.Errorf("chunkstore: row range [%d,%d) outside bin with %d rows", r0, r0+nrows, b.Rows())
	}
	rpc := b.meta.RowsPerChunk
	for row := r0; row < r0+nrows; {
		ci := row / rpc
		chunkStart := ci * rpc
		chunkRows := min(rpc, b.Rows()-chunkStart)
		// Rows of this write that land in chunk ci.
		lo := row - chunkStart
		hi := min(chunkRows, r0+nrows-chunkStart)

		var chunk []float64
		if lo == 0 && hi == chunkRows {
			chunk = vals[(row-r0)*rowLen : (row-r0+chunkRows)*rowLen]
		} else {
			var err error
			chunk, err = b.readChunk(ci)
			if err != nil {
				return err
			}
			copy(chunk[lo*rowLen:hi*rowLen], vals[(row-r0)*rowLen:])
		}
		if err := b.writeChunk(ci, chunk); err != nil {
			return err
		}
		row = chunkStart + hi
	}
	return nil
}

// ReadRows reads rows [r0, r1) into a freshly allocated slice.
func (b *Bin) ReadRows(r0, r1 int) ([]float64, error) {
	if r0 < 0 || r1 > b.Rows() || r0 > r1 {
		return nil, fmt.Errorf("chunkstore: row range [%d,%d) outside bin with %d rows", r0, r1, b.Rows())
	}
	rowLen := b.rowLen()
	out := make([]float64, (r1-r0)*rowLen)
	rpc := b.meta.RowsPerChunk
	for row := r0; row < r1; {
		ci := row / rpc
		chunkStart := ci * rpc
		chunkRows := min(rpc, b.Rows()-chunkStart)
		chunk, err := b.readChunk(ci)
		if err != nil {
			return nil, err
		}
		lo := row - chunkStart
		hi := min(chunkRows, r1-chunkStart)
		copy(out[(row-r0)*rowLen:], chunk[lo*rowLen:hi*rowLen])
		row = chunkStart + hi
	}
	return out, nil
}

// ReadAll reads the whole bin.
func (b *Bin) ReadAll() ([]float64, error) {
	return b.ReadRows(0, b.Rows())
}

// readChunk returns chunk ci, zero-filled if it has not been written yet.
func (b *Bin) readChunk(ci int) ([]float64, error) {
	chunkRows := min(b.meta.RowsPerChunk, b.Rows()-ci*b.meta.RowsPerChunk)
	n := chunkRows * b.rowLen()
	raw, err := os.ReadFile(b.chunkPath(ci))
	if err != nil {
		if os.IsNotExist(err) {
			return make([]float64, n), nil
		}
		return nil, fmt.Errorf("chunkstore: reading chunk %d of %s: %v", ci, b.dir, err)
	}
	if len(raw) < 17 || string(raw[:4]) != chunkMagic {
		return nil, fmt.Errorf("chunkstore: chunk %d of %s is corrupt: bad header", ci, b.dir)
	}
	origLen := int(binary.LittleEndian.Uint32(raw[4:8]))
	sum := binary.LittleEndian.Uint64(raw[8:16])
	payload, err := b.codec.Decompress(raw[16:], origLen)
	if err != nil {
		return nil, err
	}
	if xxhash.Sum64(payload) != sum {
		return nil, fmt.Errorf("chunkstore: chunk %d of %s is corrupt: checksum mismatch", ci, b.dir)
	}
	if len(payload) != n*8 {
		return nil, fmt.Errorf("chunkstore: chunk %d of %s has %d bytes, want %d", ci, b.dir, len(payload), n*8)
	}
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[i*8:]))
	}
	return vals, nil
}

func (b *Bin) writeChunk(ci int, vals []float64) error {
	payload := make([]byte, len(vals)*8)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(payload[i*8:], math.Float64bits(v))
	}
	compressed, err := b.codec.Compress(payload)
	if err != nil {
		return err
	}
	buf := make([]byte, 16+len(compressed))
	copy(buf, chunkMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint64(buf[8:16], xxhash.Sum64(payload))
	copy(buf[16:], compressed)
	if err := os.WriteFile(b.chunkPath(ci), buf, 0644); err != nil {
		return fmt.Errorf("chunkstore: writing chunk %d of %s: %v", ci, b.dir, err)
	}
	return nil
}

func writeGob(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(v)
}

func readGob(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewDecoder(f).Decode(v)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
