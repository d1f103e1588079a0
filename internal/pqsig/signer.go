// Package pqsig wraps the ML-DSA (CRYSTALS-Dilithium) lattice signature
// scheme behind the security levels the node exposes. All signing and
// verification runs inside circl's constant-time implementation.
package pqsig

import (
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/schemes"
)

var (
	ErrInvalidKeyFormat            = errors.New("invalid key format")
	ErrSignatureVerificationFailed = errors.New("signature verification failed")
	ErrUnknownSecurityLevel        = errors.New("unknown security level")
)

// Level selects the ML-DSA parameter set by classical security target.
type Level int

const (
	Level128 Level = 128 // ML-DSA-44, NIST category 2
	Level192 Level = 192 // ML-DSA-65, NIST category 3
	Level256 Level = 256 // ML-DSA-87, NIST category 5
)

func (l Level) String() string {
	switch l {
	case Level128:
		return "ML-DSA-44"
	case Level192:
		return "ML-DSA-65"
	case Level256:
		return "ML-DSA-87"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

func (l Level) scheme() (sign.Scheme, error) {
	s := schemes.ByName(l.String())
	if s == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSecurityLevel, int(l))
	}
	return s, nil
}

// KeyPair binds an ML-DSA keypair to the level it was generated under.
type KeyPair struct {
	Level   Level
	Public  sign.PublicKey
	Private sign.PrivateKey
}

// GenerateKeyPair creates a fresh keypair for the level.
func GenerateKeyPair(level Level) (KeyPair, error) {
	s, err := level.scheme()
	if err != nil {
		return KeyPair{}, err
	}
	pub, priv, err := s.GenerateKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("mldsa keygen: %w", err)
	}
	return KeyPair{Level: level, Public: pub, Private: priv}, nil
}

// DeriveKeyPair derives a keypair deterministically from seed. The seed must
// be exactly SeedSize(level) bytes; identical seeds yield identical keys, which
// is what lets rotated key versions be rebuilt from the root seed.
func DeriveKeyPair(level Level, seed []byte) (KeyPair, error) {
	s, err := level.scheme()
	if err != nil {
		return KeyPair{}, err
	}
	if len(seed) != s.SeedSize() {
		return KeyPair{}, fmt.Errorf("%w: seed len %d, want %d", ErrInvalidKeyFormat, len(seed), s.SeedSize())
	}
	pub, priv := s.DeriveKey(seed)
	return KeyPair{Level: level, Public: pub, Private: priv}, nil
}

// Sign produces an ML-DSA signature over message.
func Sign(message []byte, kp KeyPair) ([]byte, error) {
	s, err := kp.Level.scheme()
	if err != nil {
		return nil, err
	}
	if kp.Private == nil {
		return nil, ErrInvalidKeyFormat
	}
	return s.Sign(kp.Private, message, nil), nil
}

// Verify checks sig over message under pub. A nil error means the signature
// is valid; ErrSignatureVerificationFailed is never recovered automatically.
func Verify(message, sig []byte, level Level, pub sign.PublicKey) error {
	s, err := level.scheme()
	if err != nil {
		return err
	}
	if pub == nil || len(sig) != s.SignatureSize() {
		return ErrSignatureVerificationFailed
	}
	if !s.Verify(pub, message, sig, nil) {
		return ErrSignatureVerificationFailed
	}
	return nil
}

// MarshalPublicKey encodes pub for transport.
func MarshalPublicKey(pub sign.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, ErrInvalidKeyFormat
	}
	raw, err := pub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	return raw, nil
}

// ParsePublicKey decodes a public key produced by MarshalPublicKey.
func ParsePublicKey(level Level, raw []byte) (sign.PublicKey, error) {
	s, err := level.scheme()
	if err != nil {
		return nil, err
	}
	pub, err := s.UnmarshalBinaryPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	return pub, nil
}

// SeedSize returns the derivation seed length for the level.
func SeedSize(level Level) (int, error) {
	s, err := level.scheme()
	if err != nil {
		return 0, err
	}
	return s.SeedSize(), nil
}

// SignatureSize returns the signature length for the level. Proof sizes scale
// with the level.
func SignatureSize(level Level) (int, error) {
	s, err := level.scheme()
	if err != nil {
		return 0, err
	}
	return s.SignatureSize(), nil
}

// PublicKeySize returns the encoded public key length for the level.
func PublicKeySize(level Level) (int, error) {
	s, err := level.scheme()
	if err != nil {
		return 0, err
	}
	return s.PublicKeySize(), nil
}
