package template

import (
	"bytes"
	"errors"
	"testing"

	"unicity/go-node/internal/feature"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("entropy exhausted")
}

func sampleVectors() (feature.Vector, feature.Vector) {
	bio := make(feature.Vector, DefaultBiometricDim)
	beh := make(feature.Vector, DefaultBehavioralDim)
	for i := range bio {
		bio[i] = float64(i) * 0.25
	}
	for i := range beh {
		beh[i] = float64(i) * -0.5
	}
	return bio, beh
}

func TestGenerateRejectsWrongDimensions(t *testing.T) {
	g := NewGenerator(0, 0)
	bio, beh := sampleVectors()

	if _, err := g.Generate(bio[:3], beh); !errors.Is(err, ErrInvalidFeatureDimension) {
		t.Fatalf("short biometric: got %v", err)
	}
	if _, err := g.Generate(bio, beh[:1]); !errors.Is(err, ErrInvalidFeatureDimension) {
		t.Fatalf("short behavioral: got %v", err)
	}
}

func TestGenerateFailsWithoutEntropy(t *testing.T) {
	g := newGeneratorWithRand(0, 0, failingReader{})
	bio, beh := sampleVectors()
	if _, err := g.Generate(bio, beh); !errors.Is(err, ErrInsufficientEntropy) {
		t.Fatalf("got %v, want ErrInsufficientEntropy", err)
	}
}

func TestGenerateWipesInputs(t *testing.T) {
	g := NewGenerator(0, 0)
	bio, beh := sampleVectors()
	tmpl, err := g.Generate(bio, beh)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	for i, x := range bio {
		if x != 0 {
			t.Fatalf("biometric index %d survived generation: %v", i, x)
		}
	}
	for i, x := range beh {
		if x != 0 {
			t.Fatalf("behavioral index %d survived generation: %v", i, x)
		}
	}
	if tmpl.IsZero() {
		t.Fatal("template came out all-zero")
	}
}

func TestSameInputsYieldDistinctTemplates(t *testing.T) {
	// Fresh noise per call keeps identical captures from colliding.
	g := NewGenerator(0, 0)
	bio1, beh1 := sampleVectors()
	bio2, beh2 := sampleVectors()

	t1, err := g.Generate(bio1, beh1)
	if err != nil {
		t.Fatalf("first generate: %v", err)
	}
	t2, err := g.Generate(bio2, beh2)
	if err != nil {
		t.Fatalf("second generate: %v", err)
	}
	if bytes.Equal(t1.Secret(), t2.Secret()) {
		t.Fatal("two enrollments produced the same template")
	}
}

func TestDeterministicWithFixedNoise(t *testing.T) {
	fixed := bytes.Repeat([]byte{0x42}, NoiseSize*2)
	g1 := newGeneratorWithRand(0, 0, bytes.NewReader(fixed))
	g2 := newGeneratorWithRand(0, 0, bytes.NewReader(fixed))

	bio1, beh1 := sampleVectors()
	bio2, beh2 := sampleVectors()
	t1, err := g1.Generate(bio1, beh1)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	t2, err := g2.Generate(bio2, beh2)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !bytes.Equal(t1.Secret(), t2.Secret()) {
		t.Fatal("same inputs and noise must produce the same template")
	}
}

func TestWipeAndFromSecret(t *testing.T) {
	g := NewGenerator(0, 0)
	bio, beh := sampleVectors()
	tmpl, err := g.Generate(bio, beh)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	secret := append([]byte(nil), tmpl.Secret()...)
	rebuilt := FromSecret(secret)
	if !bytes.Equal(rebuilt.Secret(), tmpl.Secret()) {
		t.Fatal("FromSecret did not reproduce the template")
	}

	tmpl.Wipe()
	if !tmpl.IsZero() {
		t.Fatal("wipe left residue")
	}
	if rebuilt.IsZero() {
		t.Fatal("FromSecret must copy, not alias")
	}
}
