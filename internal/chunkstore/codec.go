package chunkstore

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// A Codec compresses and decompresses chunk payloads.
type Codec interface {
	// Name identifies the codec in bin metadata and chunk headers.
	Name() string
	Compress(data []byte) ([]byte, error)
	// Decompress decompresses data into a buffer of length origLen.
	Decompress(data []byte, origLen int) ([]byte, error)
}

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "zstd":
		return ZstdCodec{}, nil
	case "lz4":
		return LZ4Codec{}, nil
	case "raw":
		return RawCodec{}, nil
	}
	return nil, fmt.Errorf("chunkstore: unknown codec %q", name)
}

// RawCodec stores chunks uncompressed.
type RawCodec struct{}

func (RawCodec) Name() string { return "raw" }

func (RawCodec) Compress(data []byte) ([]byte, error) { return data, nil }

func (RawCodec) Decompress(data []byte, origLen int) ([]byte, error) {
	if len(data) != origLen {
		return nil, fmt.Errorf("chunkstore: raw chunk length %d, want %d", len(data), origLen)
	}
	return data, nil
}

var zstdEncoderPool = sync.Pool{
	New: func() any {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			panic(fmt.Sprintf("chunkstore: creating zstd encoder: %v", err))
		}
		return enc
	},
}

var zstdDecoderPool = sync.Pool{
	New: func() any {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			panic(fmt.Sprintf("chunkstore: creating zstd decoder: %v", err))
		}
		return dec
	},
}

// ZstdCodec compresses chunks with Zstandard. It is the default codec.
type ZstdCodec struct{}

func (ZstdCodec) Name() string { return "zstd" }

func (ZstdCodec) Compress(data []byte) ([]byte, error) {
	enc := zstdEncoderPool.Get().(*zstd.Encoder)
	defer zstdEncoderPool.Put(enc)
	return enc.EncodeAll(data, nil), nil
}

func (ZstdCodec) Decompress(data []byte, origLen int) ([]byte, error) {
	dec := zstdDecoderPool.Get().(*zstd.Decoder)
	defer zstdDecoderPool.Put(dec)
	out, err := dec.DecodeAll(data, make([]byte, 0, origLen))
	if err != nil {
		return nil, fmt.Errorf("chunkstore: zstd decompress: %v", err)
	}
	return out, nil
}

var lz4CompressorPool = sync.Pool{
	New: func() any { return &lz4.Compressor{} },
}

// LZ4Codec compresses chunks with LZ4 block compression. Incompressible
// chunks are stored raw, indicated by a compressed length equal to the
// original length.
type LZ4Codec struct{}

func (LZ4Codec) Name() string { return "lz4" }

func (LZ4Codec) Compress(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	c := lz4CompressorPool.Get().(*lz4.Compressor)
	defer lz4CompressorPool.Put(c)
	n, err := c.CompressBlock(data, dst)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: lz4 compress: %v", err)
	}
	if n == 0 || n >= len(data) {
		// Incompressible.
		return data, nil
	}
	return dst[:n], nil
}

func (LZ4Codec) Decompress(data []byte, origLen int) ([]byte, error) {
	if len(data) == origLen {
		return data, nil
	}
	out := make([]byte, origLen)
	n, err := lz4.UncompressBlock(data, out)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: lz4 decompress: %v", err)
	}
	return out[:n], nil
}
