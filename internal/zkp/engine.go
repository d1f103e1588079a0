// Package zkp builds and checks commitment-challenge-response proofs of
// statements over a hidden template. The interactive sigma shape is made
// non-interactive by folding the verifier's challenge nonce and timestamps
// into the bound digest, so a prover cannot pre-compute proofs for unissued
// challenges. Verifying a proof reveals nothing about the template beyond the
// truth of the statement: the response is an ML-DSA signature under a key
// derived from the template, and the verifier only ever sees the public half.
package zkp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"unicity/go-node/internal/challenge"
	"unicity/go-node/internal/pqsig"
	"unicity/go-node/internal/template"
)

var (
	ErrStaleChallenge        = errors.New("challenge is expired or already consumed")
	ErrPredicateNotSatisfied = errors.New("eligibility predicate does not hold for this template")
	ErrMalformedProof        = errors.New("malformed proof")
	ErrInsufficientEntropy   = errors.New("randomness source could not supply proof nonce")
)

const (
	// ProofVersion tags the proof encoding so scheme upgrades remain
	// distinguishable on the wire.
	ProofVersion uint16 = 1

	commitmentSize = 64
	nonceSize      = 32

	domainCommitment = "unicity/zkp/commitment/v1"
	domainBinding    = "unicity/zkp/binding/v1"
	hkdfInfoProofKey = "unicity/zkp/proof-key/v1"
	attrInfoPrefix   = "unicity/attr/v1/"
)

// Proof is one non-interactive sigma transcript bound to one challenge.
type Proof struct {
	Version    uint16
	Statement  []byte // canonical statement encoding
	Commitment []byte // SHA3-512 over domain, fresh nonce, statement
	Response   []byte // ML-DSA signature over the bound digest
}

// PublicContext is what a verifier knows about an enrolled identity: the
// template-derived proof public key registered at enrollment, and the node
// attestation over it.
type PublicContext struct {
	Level          pqsig.Level
	ProofPublicKey []byte
	Attestation    []byte
}

// Engine produces and verifies proofs at one security level.
type Engine struct {
	level pqsig.Level
	skew  time.Duration
	rand  io.Reader
	now   func() time.Time
}

func NewEngine(level pqsig.Level, clockSkew time.Duration) *Engine {
	if clockSkew <= 0 {
		clockSkew = 30 * time.Second
	}
	return &Engine{
		level: level,
		skew:  clockSkew,
		rand:  rand.Reader,
		now:   time.Now,
	}
}

func newEngineWithClock(level pqsig.Level, skew time.Duration, r io.Reader, now func() time.Time) *Engine {
	e := NewEngine(level, skew)
	if r != nil {
		e.rand = r
	}
	if now != nil {
		e.now = now
	}
	return e
}

// ProofKey derives the template-bound ML-DSA keypair. The same template
// always yields the same keypair, so the public half registered at enrollment
// keeps verifying proofs from later sessions.
func ProofKey(level pqsig.Level, t *template.Template) (pqsig.KeyPair, error) {
	seedSize, err := pqsig.SeedSize(level)
	if err != nil {
		return pqsig.KeyPair{}, err
	}
	seed := make([]byte, seedSize)
	reader := hkdf.New(sha256.New, t.Secret(), nil, []byte(hkdfInfoProofKey))
	if _, err := io.ReadFull(reader, seed); err != nil {
		return pqsig.KeyPair{}, fmt.Errorf("proof key derivation: %w", err)
	}
	kp, err := pqsig.DeriveKeyPair(level, seed)
	for i := range seed {
		seed[i] = 0
	}
	return kp, err
}

// Attribute derives the hidden attribute value named name from the template,
// reduced to 0..99. The value never appears in any proof or identifier.
func Attribute(t *template.Template, name string) uint32 {
	reader := hkdf.New(sha256.New, t.Secret(), nil, []byte(attrInfoPrefix+name))
	var buf [8]byte
	_, _ = io.ReadFull(reader, buf[:])
	return uint32(binary.BigEndian.Uint64(buf[:]) % 100)
}

// Prove builds a proof of st over t, bound to ch. Proving a predicate that
// does not hold fails with ErrPredicateNotSatisfied rather than emitting an
// unsound proof.
func (e *Engine) Prove(st Statement, t *template.Template, ch challenge.Challenge) (*Proof, error) {
	stBytes, err := st.Encode()
	if err != nil {
		return nil, err
	}
	if err := ch.Validate(); err != nil {
		return nil, err
	}
	if ch.Expired(e.now().UTC(), e.skew) {
		return nil, ErrStaleChallenge
	}
	if st.Kind == EligibilityPredicate && Attribute(t, st.Attribute) < st.Threshold {
		return nil, ErrPredicateNotSatisfied
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(e.rand, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}

	commitment := commit(nonce, stBytes)
	digest := bindDigest(commitment, ch, stBytes)

	kp, err := ProofKey(e.level, t)
	if err != nil {
		return nil, err
	}
	sig, err := pqsig.Sign(digest, kp)
	if err != nil {
		return nil, err
	}

	for i := range nonce {
		nonce[i] = 0
	}

	return &Proof{
		Version:    ProofVersion,
		Statement:  stBytes,
		Commitment: commitment,
		Response:   sig,
	}, nil
}

// Verify checks p against the exact (statement, challenge, public context)
// triple it claims. Any mismatch is a rejection; there is no partial trust.
func (e *Engine) Verify(p *Proof, st Statement, ch challenge.Challenge, pub PublicContext) error {
	if p == nil || p.Version != ProofVersion {
		return fmt.Errorf("%w: unknown version", ErrMalformedProof)
	}
	if len(p.Commitment) != commitmentSize || len(p.Response) == 0 {
		return fmt.Errorf("%w: bad field sizes", ErrMalformedProof)
	}
	stBytes, err := st.Encode()
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(stBytes, p.Statement) != 1 {
		return fmt.Errorf("%w: statement mismatch", ErrMalformedProof)
	}
	if err := ch.Validate(); err != nil {
		return err
	}
	if ch.Expired(e.now().UTC(), e.skew) {
		return ErrStaleChallenge
	}
	if pub.Level != e.level {
		return fmt.Errorf("%w: level mismatch", ErrMalformedProof)
	}

	pubKey, err := pqsig.ParsePublicKey(pub.Level, pub.ProofPublicKey)
	if err != nil {
		return err
	}
	digest := bindDigest(p.Commitment, ch, stBytes)
	return pqsig.Verify(digest, p.Response, pub.Level, pubKey)
}

func commit(nonce, stBytes []byte) []byte {
	h := sha3.New512()
	h.Write([]byte(domainCommitment))
	h.Write(nonce)
	h.Write(stBytes)
	return h.Sum(nil)
}

func bindDigest(commitment []byte, ch challenge.Challenge, stBytes []byte) []byte {
	h := sha3.New512()
	h.Write([]byte(domainBinding))
	h.Write(commitment)
	h.Write(ch.BindingBytes())
	h.Write(stBytes)
	return h.Sum(nil)
}
