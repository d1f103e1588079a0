// Package challenge issues and validates the single-use random values that
// bind a proof to one verification session and instant.
package challenge

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"unicity/go-node/internal/platform/ratelimiter"
)

var (
	ErrRateLimited         = errors.New("challenge issuance rate limited")
	ErrInsufficientEntropy = errors.New("randomness source could not supply challenge nonce")
	ErrMalformedChallenge  = errors.New("malformed challenge")
)

// NonceSize is the byte length of a challenge nonce.
const NonceSize = 32

// Challenge is a verifier-issued random value plus timestamps, tied to one
// verification session.
type Challenge struct {
	Nonce     []byte
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ID is the stable string key used for consumed-challenge bookkeeping.
func (c Challenge) ID() string {
	return hex.EncodeToString(c.Nonce)
}

// Expired reports whether the challenge has passed its expiry at now,
// tolerating skew of clock drift.
func (c Challenge) Expired(now time.Time, skew time.Duration) bool {
	return now.After(c.ExpiresAt.Add(skew))
}

func (c Challenge) Validate() error {
	if len(c.Nonce) != NonceSize {
		return fmt.Errorf("%w: nonce len %d", ErrMalformedChallenge, len(c.Nonce))
	}
	if c.IssuedAt.IsZero() || c.ExpiresAt.IsZero() || !c.ExpiresAt.After(c.IssuedAt) {
		return fmt.Errorf("%w: bad timestamps", ErrMalformedChallenge)
	}
	return nil
}

// BindingBytes is the canonical encoding mixed into the Fiat-Shamir digest so
// a prover cannot pre-compute proofs for unissued challenges.
func (c Challenge) BindingBytes() []byte {
	b := make([]byte, 0, NonceSize+16)
	b = append(b, c.Nonce...)
	b = binary.BigEndian.AppendUint64(b, uint64(c.IssuedAt.UnixNano()))
	b = binary.BigEndian.AppendUint64(b, uint64(c.ExpiresAt.UnixNano()))
	return b
}

// Issuer mints challenges with a per-service token bucket in front.
type Issuer struct {
	ttl     time.Duration
	limiter *ratelimiter.PerKey
	rand    io.Reader
	now     func() time.Time
}

func NewIssuer(ttl time.Duration, limiter *ratelimiter.PerKey) *Issuer {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Issuer{
		ttl:     ttl,
		limiter: limiter,
		rand:    rand.Reader,
		now:     time.Now,
	}
}

func newIssuerWithClock(ttl time.Duration, limiter *ratelimiter.PerKey, r io.Reader, now func() time.Time) *Issuer {
	i := NewIssuer(ttl, limiter)
	if r != nil {
		i.rand = r
	}
	if now != nil {
		i.now = now
	}
	return i
}

// Issue mints a fresh single-use challenge for serviceKey.
func (i *Issuer) Issue(serviceKey string) (Challenge, error) {
	now := i.now().UTC()
	if !i.limiter.Allow(serviceKey, now) {
		return Challenge{}, ErrRateLimited
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(i.rand, nonce); err != nil {
		return Challenge{}, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	return Challenge{
		Nonce:     nonce,
		IssuedAt:  now,
		ExpiresAt: now.Add(i.ttl),
	}, nil
}
