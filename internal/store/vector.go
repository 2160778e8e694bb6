package store

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// encodeVector packs a float32 vector into a little-endian BLOB.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector unpacks a BLOB produced by encodeVector.
func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}

// cosineSimilarity computes cosine similarity between two vectors of equal
// dimension. Zero vectors yield 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// ChunkID derives a stable chunk id from the owning document, the file's
// content hash, and the chunk ordinal. The document id keeps ids unique when
// two paths hold identical content; the hash makes a file's ids change with
// its content so stale chunk references never resolve.
func ChunkID(docID, fileHash string, ordinal int) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(fmt.Sprintf("%s:%s:%d", docID, fileHash, ordinal)))
}
