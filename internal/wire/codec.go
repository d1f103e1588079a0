// Package wire is the versioned binary encoding for artifacts that cross a
// trust boundary: proofs, challenges, verification responses, and encrypted
// artifacts. Every frame starts with a fixed magic, a format version, and a
// type tag; unknown versions and types are rejected rather than guessed at.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"unicity/go-node/internal/challenge"
	"unicity/go-node/internal/derive"
	"unicity/go-node/internal/feature"
	"unicity/go-node/internal/keymanager"
	"unicity/go-node/internal/replay"
	"unicity/go-node/internal/zkp"
)

var (
	ErrUnknownVersion = errors.New("unknown wire format version")
	ErrUnknownType    = errors.New("unknown wire frame type")
	ErrTruncated      = errors.New("truncated wire frame")
)

const (
	// Version is the current wire format version.
	Version uint16 = 1

	magic = "UNI1"
)

// Frame type tags.
const (
	TypeProof     uint8 = 1
	TypeChallenge uint8 = 2
	TypeResponse  uint8 = 3
	TypeArtifact  uint8 = 4
)

const headerSize = len(magic) + 2 + 1

// EncodeProof frames a zero-knowledge proof.
func EncodeProof(p *zkp.Proof) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil proof", ErrTruncated)
	}
	b := newFrame(TypeProof)
	var pv [2]byte
	binary.BigEndian.PutUint16(pv[:], p.Version)
	writeField(b, pv[:])
	writeField(b, p.Statement)
	writeField(b, p.Commitment)
	writeField(b, p.Response)
	return b.Bytes(), nil
}

// DecodeProof parses a TypeProof frame.
func DecodeProof(raw []byte) (*zkp.Proof, error) {
	rest, err := openFrame(raw, TypeProof)
	if err != nil {
		return nil, err
	}
	pv, rest, err := readField(rest)
	if err != nil {
		return nil, err
	}
	if len(pv) != 2 {
		return nil, fmt.Errorf("%w: proof version field", ErrTruncated)
	}
	stBytes, rest, err := readField(rest)
	if err != nil {
		return nil, err
	}
	commitment, rest, err := readField(rest)
	if err != nil {
		return nil, err
	}
	response, rest, err := readField(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrTruncated)
	}
	return &zkp.Proof{
		Version:    binary.BigEndian.Uint16(pv),
		Statement:  stBytes,
		Commitment: commitment,
		Response:   response,
	}, nil
}

// EncodeChallenge frames a challenge for delivery to the prover.
func EncodeChallenge(c challenge.Challenge) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	b := newFrame(TypeChallenge)
	writeField(b, c.Nonce)
	writeField(b, timeBytes(c.IssuedAt))
	writeField(b, timeBytes(c.ExpiresAt))
	return b.Bytes(), nil
}

// DecodeChallenge parses a TypeChallenge frame.
func DecodeChallenge(raw []byte) (challenge.Challenge, error) {
	var c challenge.Challenge
	rest, err := openFrame(raw, TypeChallenge)
	if err != nil {
		return c, err
	}
	nonce, rest, err := readField(rest)
	if err != nil {
		return c, err
	}
	issued, rest, err := readTimeField(rest)
	if err != nil {
		return c, err
	}
	expires, rest, err := readTimeField(rest)
	if err != nil {
		return c, err
	}
	if len(rest) != 0 {
		return c, fmt.Errorf("%w: trailing bytes", ErrTruncated)
	}
	c = challenge.Challenge{Nonce: nonce, IssuedAt: issued, ExpiresAt: expires}
	if err := c.Validate(); err != nil {
		return challenge.Challenge{}, err
	}
	return c, nil
}

// EncodeResponse frames a verification response: the proof, the claimed
// identifier, the behavior sample, and the response timestamp.
func EncodeResponse(r *replay.Response) ([]byte, error) {
	if r == nil || r.Proof == nil {
		return nil, fmt.Errorf("%w: nil response", ErrTruncated)
	}
	proofRaw, err := EncodeProof(r.Proof)
	if err != nil {
		return nil, err
	}
	b := newFrame(TypeResponse)
	writeField(b, proofRaw)
	writeField(b, r.Identifier.Bytes())
	writeField(b, vectorBytes(r.BehaviorSample))
	writeField(b, timeBytes(r.Timestamp))
	writeField(b, []byte(r.ChallengeID))
	return b.Bytes(), nil
}

// DecodeResponse parses a TypeResponse frame.
func DecodeResponse(raw []byte) (*replay.Response, error) {
	rest, err := openFrame(raw, TypeResponse)
	if err != nil {
		return nil, err
	}
	proofRaw, rest, err := readField(rest)
	if err != nil {
		return nil, err
	}
	proof, err := DecodeProof(proofRaw)
	if err != nil {
		return nil, err
	}
	idRaw, rest, err := readField(rest)
	if err != nil {
		return nil, err
	}
	id, err := derive.FromBytes(idRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: identifier: %v", ErrTruncated, err)
	}
	sampleRaw, rest, err := readField(rest)
	if err != nil {
		return nil, err
	}
	sample, err := vectorFromBytes(sampleRaw)
	if err != nil {
		return nil, err
	}
	ts, rest, err := readTimeField(rest)
	if err != nil {
		return nil, err
	}
	chID, rest, err := readField(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrTruncated)
	}
	return &replay.Response{
		Proof:          proof,
		Identifier:     id,
		BehaviorSample: sample,
		Timestamp:      ts,
		ChallengeID:    string(chID),
	}, nil
}

// EncodeArtifact frames an encrypted artifact for storage.
func EncodeArtifact(a keymanager.EncryptedArtifact) ([]byte, error) {
	b := newFrame(TypeArtifact)
	var kv [4]byte
	binary.BigEndian.PutUint32(kv[:], a.KeyVersion)
	writeField(b, kv[:])
	writeField(b, a.Nonce)
	writeField(b, a.Ciphertext)
	return b.Bytes(), nil
}

// DecodeArtifact parses a TypeArtifact frame.
func DecodeArtifact(raw []byte) (keymanager.EncryptedArtifact, error) {
	var a keymanager.EncryptedArtifact
	rest, err := openFrame(raw, TypeArtifact)
	if err != nil {
		return a, err
	}
	kv, rest, err := readField(rest)
	if err != nil {
		return a, err
	}
	if len(kv) != 4 {
		return a, fmt.Errorf("%w: key version field", ErrTruncated)
	}
	nonce, rest, err := readField(rest)
	if err != nil {
		return a, err
	}
	ciphertext, rest, err := readField(rest)
	if err != nil {
		return a, err
	}
	if len(rest) != 0 {
		return a, fmt.Errorf("%w: trailing bytes", ErrTruncated)
	}
	return keymanager.EncryptedArtifact{
		KeyVersion: binary.BigEndian.Uint32(kv),
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// FrameType peeks at a frame's type tag without decoding the payload.
func FrameType(raw []byte) (uint8, error) {
	if len(raw) < headerSize {
		return 0, ErrTruncated
	}
	if string(raw[:len(magic)]) != magic {
		return 0, fmt.Errorf("%w: bad magic", ErrTruncated)
	}
	if binary.BigEndian.Uint16(raw[len(magic):]) != Version {
		return 0, ErrUnknownVersion
	}
	return raw[len(magic)+2], nil
}

func newFrame(frameType uint8) *bytes.Buffer {
	b := &bytes.Buffer{}
	b.WriteString(magic)
	var v [2]byte
	binary.BigEndian.PutUint16(v[:], Version)
	b.Write(v[:])
	b.WriteByte(frameType)
	return b
}

func openFrame(raw []byte, want uint8) ([]byte, error) {
	got, err := FrameType(raw)
	if err != nil {
		return nil, err
	}
	if got != want {
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownType, got)
	}
	return raw[headerSize:], nil
}

func writeField(b *bytes.Buffer, p []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(p)))
	b.Write(n[:])
	b.Write(p)
}

func readField(raw []byte) (field, rest []byte, err error) {
	if len(raw) < 4 {
		return nil, nil, fmt.Errorf("%w: field length", ErrTruncated)
	}
	n := binary.BigEndian.Uint32(raw)
	raw = raw[4:]
	if uint32(len(raw)) < n {
		return nil, nil, fmt.Errorf("%w: field body", ErrTruncated)
	}
	out := make([]byte, n)
	copy(out, raw[:n])
	return out, raw[n:], nil
}

func readTimeField(raw []byte) (time.Time, []byte, error) {
	field, rest, err := readField(raw)
	if err != nil {
		return time.Time{}, nil, err
	}
	if len(field) != 8 {
		return time.Time{}, nil, fmt.Errorf("%w: timestamp field", ErrTruncated)
	}
	nanos := int64(binary.BigEndian.Uint64(field))
	return time.Unix(0, nanos).UTC(), rest, nil
}

func timeBytes(t time.Time) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t.UnixNano()))
	return b[:]
}

func vectorBytes(v feature.Vector) []byte {
	out := make([]byte, 0, len(v)*8)
	for _, x := range v {
		out = binary.BigEndian.AppendUint64(out, math.Float64bits(x))
	}
	return out
}

func vectorFromBytes(raw []byte) (feature.Vector, error) {
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("%w: vector field", ErrTruncated)
	}
	v := make(feature.Vector, len(raw)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.BigEndian.Uint64(raw[i*8:]))
	}
	return v, nil
}
