// Package replay enforces temporal freshness and behavioral consistency on
// verification responses, and rejects literal replays of already-accepted
// (identifier, challenge) pairs.
package replay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"unicity/go-node/internal/derive"
	"unicity/go-node/internal/feature"
	"unicity/go-node/internal/zkp"
)

var (
	ErrStaleResponse      = errors.New("response timestamp is outside the freshness window")
	ErrFutureTimestamp    = errors.New("response timestamp is in the future")
	ErrBehavioralMismatch = errors.New("behavior sample is inconsistent with the expected pattern")
	ErrReplayDetected     = errors.New("response replays an already-consumed challenge")
	ErrUnknownPattern     = errors.New("no reference centroid for pattern class")
	ErrUniquenessSpent    = errors.New("identifier already proved uniqueness for this context")
)

// DefaultBehaviorThreshold is the minimum cosine similarity between a
// behavior sample and its pattern-class centroid.
const DefaultBehaviorThreshold = 0.80

// Response is the prover's answer to one challenge, consumed immediately.
// Only the (identifier, challenge) pair survives into the audit set.
type Response struct {
	Proof          *zkp.Proof
	Identifier     derive.ServiceIdentifier
	BehaviorSample feature.Vector
	Timestamp      time.Time
	ChallengeID    string
}

// Guard is the verifier-side freshness and consistency gate. The consumed set
// is bounded by the freshness window: entries older than the window are
// pruned on every check.
type Guard struct {
	window    time.Duration
	skew      time.Duration
	threshold float64

	mu       sync.Mutex
	consumed map[string]time.Time
	classes  map[string]feature.Vector

	// unique holds (identifier, context) pairs that have already spent a
	// uniqueness proof. Unlike the consumed set it is never pruned.
	unique map[string]struct{}

	now func() time.Time
}

func NewGuard(window, skew time.Duration, threshold float64) *Guard {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if skew <= 0 {
		skew = 30 * time.Second
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultBehaviorThreshold
	}
	return &Guard{
		window:    window,
		skew:      skew,
		threshold: threshold,
		consumed:  make(map[string]time.Time),
		classes:   make(map[string]feature.Vector),
		unique:    make(map[string]struct{}),
		now:       time.Now,
	}
}

func newGuardWithClock(window, skew time.Duration, threshold float64, now func() time.Time) *Guard {
	g := NewGuard(window, skew, threshold)
	if now != nil {
		g.now = now
	}
	return g
}

// RegisterPattern installs the reference centroid for a behavioral pattern
// class. Centroids come from validated configuration at startup.
func (g *Guard) RegisterPattern(class string, centroid feature.Vector) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.classes[class] = centroid.Clone()
}

// Check validates freshness and behavioral consistency of resp, then
// atomically records the (identifier, challenge) pair as consumed. The
// check-then-record step holds one lock so two concurrent responses for the
// same challenge cannot both pass.
func (g *Guard) Check(resp *Response, patternClass string) error {
	if resp == nil || resp.ChallengeID == "" {
		return ErrStaleResponse
	}
	now := g.now().UTC()

	if resp.Timestamp.After(now.Add(g.skew)) {
		return ErrFutureTimestamp
	}
	if resp.Timestamp.Before(now.Add(-g.window)) {
		return ErrStaleResponse
	}

	if patternClass != "" {
		if err := g.scoreBehavior(resp.BehaviorSample, patternClass); err != nil {
			return err
		}
	}

	key := resp.Identifier.String() + "|" + resp.ChallengeID

	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(now)
	if _, seen := g.consumed[key]; seen {
		return ErrReplayDetected
	}
	g.consumed[key] = now
	return nil
}

// ConsumeUniqueness atomically records that id has produced an accepted
// uniqueness proof for context. The second call for the same pair fails, so
// two concurrent proofs cannot both spend the same (identifier, context).
func (g *Guard) ConsumeUniqueness(id derive.ServiceIdentifier, context string) error {
	key := id.String() + "|" + context
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, seen := g.unique[key]; seen {
		return fmt.Errorf("%w: context %q", ErrUniquenessSpent, context)
	}
	g.unique[key] = struct{}{}
	return nil
}

// ConsumedLen reports the current size of the consumed set.
func (g *Guard) ConsumedLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.consumed)
}

func (g *Guard) scoreBehavior(sample feature.Vector, class string) error {
	g.mu.Lock()
	centroid, ok := g.classes[class]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPattern, class)
	}
	score := feature.Cosine(sample, centroid)
	if score < g.threshold {
		return fmt.Errorf("%w: score %.3f below %.2f", ErrBehavioralMismatch, score, g.threshold)
	}
	return nil
}

func (g *Guard) pruneLocked(now time.Time) {
	cutoff := now.Add(-g.window)
	for k, seen := range g.consumed {
		if seen.Before(cutoff) {
			delete(g.consumed, k)
		}
	}
}
