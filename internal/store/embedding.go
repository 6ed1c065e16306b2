package store

import (
	"encoding/binary"
	"math"
)

// embeddingToBlob packs a vector as little-endian float32s.
func embeddingToBlob(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// blobToEmbedding unpacks a vector. A truncated blob yields a short
// vector rather than an error; the dimension check upstream catches it.
func blobToEmbedding(blob []byte) []float32 {
	n := len(blob) / 4
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out
}
