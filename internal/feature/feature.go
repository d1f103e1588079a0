package feature

import (
	"encoding/binary"
	"errors"
	"math"
)

var ErrInvalidDimension = errors.New("feature vector has invalid dimension")

// Vector is a fixed-length ordered sequence of real-valued features produced
// by an external extractor. It exists only transiently in memory; callers wipe
// it once the derived artifact is computed.
type Vector []float64

func (v Vector) Validate(dim int) error {
	if len(v) == 0 || len(v) != dim {
		return ErrInvalidDimension
	}
	for _, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ErrInvalidDimension
		}
	}
	return nil
}

func (v Vector) Clone() Vector {
	return append(Vector(nil), v...)
}

// Bytes returns the canonical big-endian encoding used for hashing.
func (v Vector) Bytes() []byte {
	out := make([]byte, 8*len(v))
	for i, f := range v {
		binary.BigEndian.PutUint64(out[i*8:], math.Float64bits(f))
	}
	return out
}

// Wipe zeroes the vector in place.
func (v Vector) Wipe() {
	for i := range v {
		v[i] = 0
	}
}

// Cosine returns the cosine similarity of two equal-length vectors, or -1 if
// either has zero magnitude or the lengths differ.
func Cosine(a, b Vector) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return -1
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return -1
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
