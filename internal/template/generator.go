package template

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/sha3"

	"unicity/go-node/internal/feature"
)

var (
	ErrInvalidFeatureDimension = errors.New("feature vector does not match scheme dimensionality")
	ErrInsufficientEntropy     = errors.New("randomness source could not supply required bytes")
)

const (
	// Size is the byte length of a template (SHA3-512 output).
	Size = 64
	// NoiseSize is the fresh random noise mixed into every fusion.
	NoiseSize = 64

	DefaultBiometricDim  = 16
	DefaultBehavioralDim = 8
)

// Template is the irreversible fusion T = SHA3-512(B || R || C). It never
// leaves the owning party's trust boundary in cleartext and is wiped once the
// dependent proofs and identifiers are derived.
type Template struct {
	data [Size]byte
}

// Secret exposes the raw template bytes for key and identifier derivation.
// Callers must not retain the returned slice.
func (t *Template) Secret() []byte {
	return t.data[:]
}

// Wipe zeroes the template in place. The template is unusable afterwards.
func (t *Template) Wipe() {
	for i := range t.data {
		t.data[i] = 0
	}
}

// FromSecret rebuilds a template from its raw bytes, e.g. after unsealing an
// encrypted enrollment artifact. The input is copied; callers wipe their own
// buffer.
func FromSecret(secret []byte) *Template {
	t := &Template{}
	copy(t.data[:], secret)
	return t
}

// IsZero reports whether the template has been wiped (or never populated).
func (t *Template) IsZero() bool {
	var b byte
	for _, x := range t.data {
		b |= x
	}
	return b == 0
}

// Generator fuses a biometric and a behavioral feature vector with fresh
// noise into a Template.
type Generator struct {
	biometricDim  int
	behavioralDim int
	rand          io.Reader
}

func NewGenerator(biometricDim, behavioralDim int) *Generator {
	if biometricDim <= 0 {
		biometricDim = DefaultBiometricDim
	}
	if behavioralDim <= 0 {
		behavioralDim = DefaultBehavioralDim
	}
	return &Generator{
		biometricDim:  biometricDim,
		behavioralDim: behavioralDim,
		rand:          rand.Reader,
	}
}

func newGeneratorWithRand(biometricDim, behavioralDim int, r io.Reader) *Generator {
	g := NewGenerator(biometricDim, behavioralDim)
	g.rand = r
	return g
}

// Generate computes T = SHA3-512(B || R || C) with R drawn fresh per call.
// The input vectors and all intermediate buffers are wiped before returning.
func (g *Generator) Generate(biometric, behavioral feature.Vector) (*Template, error) {
	if err := biometric.Validate(g.biometricDim); err != nil {
		return nil, fmt.Errorf("%w: biometric len %d, want %d", ErrInvalidFeatureDimension, len(biometric), g.biometricDim)
	}
	if err := behavioral.Validate(g.behavioralDim); err != nil {
		return nil, fmt.Errorf("%w: behavioral len %d, want %d", ErrInvalidFeatureDimension, len(behavioral), g.behavioralDim)
	}

	noise := make([]byte, NoiseSize)
	if _, err := io.ReadFull(g.rand, noise); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}

	bioBytes := biometric.Bytes()
	behBytes := behavioral.Bytes()

	h := sha3.New512()
	h.Write(bioBytes)
	h.Write(noise)
	h.Write(behBytes)

	t := &Template{}
	h.Sum(t.data[:0])

	wipe(bioBytes)
	wipe(behBytes)
	wipe(noise)
	biometric.Wipe()
	behavioral.Wipe()

	return t, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
