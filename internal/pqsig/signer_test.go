package pqsig

import (
	"bytes"
	"errors"
	"testing"
)

func TestSignVerifyRoundtrip(t *testing.T) {
	for _, level := range []Level{Level128, Level192, Level256} {
		kp, err := GenerateKeyPair(level)
		if err != nil {
			t.Fatalf("%s keygen: %v", level, err)
		}
		msg := []byte("verification transcript digest")
		sig, err := Sign(msg, kp)
		if err != nil {
			t.Fatalf("%s sign: %v", level, err)
		}
		if err := Verify(msg, sig, level, kp.Public); err != nil {
			t.Fatalf("%s verify: %v", level, err)
		}

		want, err := SignatureSize(level)
		if err != nil {
			t.Fatalf("%s signature size: %v", level, err)
		}
		if len(sig) != want {
			t.Fatalf("%s signature length = %d, want %d", level, len(sig), want)
		}
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	kp, err := GenerateKeyPair(Level128)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	msg := []byte("payload")
	sig, err := Sign(msg, kp)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	flipped := append([]byte(nil), sig...)
	flipped[0] ^= 0x01
	if err := Verify(msg, flipped, Level128, kp.Public); !errors.Is(err, ErrSignatureVerificationFailed) {
		t.Fatalf("tampered signature: got %v", err)
	}
	if err := Verify([]byte("other payload"), sig, Level128, kp.Public); !errors.Is(err, ErrSignatureVerificationFailed) {
		t.Fatalf("tampered message: got %v", err)
	}
	if err := Verify(msg, sig[:len(sig)-1], Level128, kp.Public); !errors.Is(err, ErrSignatureVerificationFailed) {
		t.Fatalf("truncated signature: got %v", err)
	}
}

func TestDeriveKeyPairIsDeterministic(t *testing.T) {
	size, err := SeedSize(Level128)
	if err != nil {
		t.Fatalf("seed size: %v", err)
	}
	seed := bytes.Repeat([]byte{0x5a}, size)

	kp1, err := DeriveKeyPair(Level128, seed)
	if err != nil {
		t.Fatalf("first derive: %v", err)
	}
	kp2, err := DeriveKeyPair(Level128, seed)
	if err != nil {
		t.Fatalf("second derive: %v", err)
	}
	pub1, err := MarshalPublicKey(kp1.Public)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	pub2, err := MarshalPublicKey(kp2.Public)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(pub1, pub2) {
		t.Fatal("same seed must derive the same public key")
	}

	if _, err := DeriveKeyPair(Level128, seed[:size-1]); !errors.Is(err, ErrInvalidKeyFormat) {
		t.Fatalf("short seed: got %v", err)
	}
}

func TestPublicKeyMarshalRoundtrip(t *testing.T) {
	kp, err := GenerateKeyPair(Level192)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	raw, err := MarshalPublicKey(kp.Public)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	pub, err := ParsePublicKey(Level192, raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	msg := []byte("cross-check")
	sig, err := Sign(msg, kp)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := Verify(msg, sig, Level192, pub); err != nil {
		t.Fatalf("verify under parsed key: %v", err)
	}

	if _, err := ParsePublicKey(Level192, raw[:10]); !errors.Is(err, ErrInvalidKeyFormat) {
		t.Fatalf("short public key: got %v", err)
	}
}

func TestUnknownLevel(t *testing.T) {
	if _, err := GenerateKeyPair(Level(7)); !errors.Is(err, ErrUnknownSecurityLevel) {
		t.Fatalf("got %v, want ErrUnknownSecurityLevel", err)
	}
}
