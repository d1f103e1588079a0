// Package node composes the template generator, proof engine, replay guard,
// and key manager into the enrollment and verification surface the daemon
// exposes. Templates exist in cleartext only inside a single call; between
// calls they live as encrypted artifacts under the key manager's wrap key.
package node

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"

	"unicity/go-node/internal/challenge"
	"unicity/go-node/internal/config"
	"unicity/go-node/internal/derive"
	"unicity/go-node/internal/feature"
	"unicity/go-node/internal/keymanager"
	"unicity/go-node/internal/metrics"
	"unicity/go-node/internal/pqsig"
	"unicity/go-node/internal/platform/ratelimiter"
	"unicity/go-node/internal/replay"
	"unicity/go-node/internal/template"
	"unicity/go-node/internal/wire"
	"unicity/go-node/internal/zkp"
)

var (
	ErrUnknownHandle      = errors.New("unknown template handle")
	ErrHandleRevoked      = errors.New("template handle has been revoked")
	ErrNotEnrolled        = errors.New("identifier does not map to an enrolled identity")
	ErrReEnrollNeeded     = errors.New("re-enrollment must reference the handle it supersedes")
	ErrSessionMismatch    = errors.New("response does not match the challenge and statement under verification")
	ErrRotationIncomplete = errors.New("key rotation aborted before commit")
)

// Outcome is the only verification result a relying service sees. Rejection
// reasons go to the audit log, never to the caller.
type Outcome int

const (
	Rejected Outcome = iota
	Accepted
)

func (o Outcome) String() string {
	if o == Accepted {
		return "accepted"
	}
	return "rejected"
}

// Handle is the opaque reference a device holds to one enrolled template.
type Handle string

type enrollment struct {
	handle     Handle
	artifact   keymanager.EncryptedArtifact
	pub        zkp.PublicContext
	createdAt  time.Time
	revoked    bool
	supersedes Handle
}

// Core is the node's enrollment and verification surface.
type Core struct {
	cfg       config.Config
	level     pqsig.Level
	generator *template.Generator
	engine    *zkp.Engine
	guard     *replay.Guard
	issuer    *challenge.Issuer
	keys      *keymanager.Manager
	registry  *Registry
	store     Store
	metrics   *metrics.Set
	log       *slog.Logger

	mu          sync.RWMutex
	enrollments map[Handle]*enrollment
	// identities maps registered service identifiers (string form) to the
	// enrollment that derived them. Verification resolves the public context
	// through this map, never through a caller-supplied handle.
	identities map[string]Handle

	now func() time.Time
}

// New wires a core from validated configuration.
func New(cfg config.Config, keys *keymanager.Manager, registry *Registry, mset *metrics.Set, log *slog.Logger) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if keys == nil {
		return nil, errors.New("key manager is required")
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if log == nil {
		log = slog.Default()
	}

	limiter := ratelimiter.New(cfg.ChallengeRPS, cfg.ChallengeBurst, 0)
	guard := replay.NewGuard(cfg.FreshnessWindow, cfg.ClockSkew, cfg.BehaviorThreshold)
	for class, centroid := range cfg.PatternClasses {
		guard.RegisterPattern(class, feature.Vector(centroid))
	}

	return &Core{
		cfg:         cfg,
		level:       pqsig.Level(cfg.SecurityLevel),
		generator:   template.NewGenerator(cfg.BiometricDim, cfg.BehavioralDim),
		engine:      zkp.NewEngine(pqsig.Level(cfg.SecurityLevel), cfg.ClockSkew),
		guard:       guard,
		issuer:      challenge.NewIssuer(cfg.ChallengeTTL, limiter),
		keys:        keys,
		registry:    registry,
		store:       registry.PrimaryStore(),
		metrics:     mset,
		log:         log,
		enrollments: make(map[Handle]*enrollment),
		identities:  make(map[string]Handle),
		now:         time.Now,
	}, nil
}

// Enroll fuses the feature vectors into a template, registers its proof
// public key, seals the template under the active key version, and returns
// the opaque handle. The cleartext template does not survive the call.
func (c *Core) Enroll(biometric, behavioral feature.Vector) (Handle, error) {
	return c.enroll(biometric, behavioral, "")
}

// ReEnroll enrolls fresh captures and revokes the handle they supersede.
// Identifiers derived from the old template stop verifying once it is
// revoked; relying services learn the new identifier out of band.
func (c *Core) ReEnroll(old Handle, biometric, behavioral feature.Vector) (Handle, error) {
	if old == "" {
		return "", ErrReEnrollNeeded
	}
	c.mu.RLock()
	_, ok := c.enrollments[old]
	c.mu.RUnlock()
	if !ok {
		return "", ErrUnknownHandle
	}
	return c.enroll(biometric, behavioral, old)
}

func (c *Core) enroll(biometric, behavioral feature.Vector, supersedes Handle) (Handle, error) {
	t, err := c.generator.Generate(biometric, behavioral)
	if err != nil {
		return "", err
	}
	defer t.Wipe()

	proofKey, err := zkp.ProofKey(c.level, t)
	if err != nil {
		return "", err
	}
	pubRaw, err := pqsig.MarshalPublicKey(proofKey.Public)
	if err != nil {
		return "", err
	}
	attestation, err := c.keys.Active().Sign(pubRaw)
	if err != nil {
		return "", fmt.Errorf("enrollment attestation: %w", err)
	}

	artifact, err := c.keys.Protect(t.Secret())
	if err != nil {
		return "", fmt.Errorf("seal template: %w", err)
	}

	handle := handleFor(pubRaw)
	rec := &enrollment{
		handle:   handle,
		artifact: artifact,
		pub: zkp.PublicContext{
			Level:          c.level,
			ProofPublicKey: pubRaw,
			Attestation:    attestation,
		},
		createdAt:  c.now().UTC(),
		supersedes: supersedes,
	}

	if err := c.persist(rec); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.enrollments[handle] = rec
	if supersedes != "" {
		if old, ok := c.enrollments[supersedes]; ok {
			old.revoked = true
		}
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.Enrollments.Inc()
	}
	c.log.Info("enrollment completed",
		slog.String("template_handle", string(handle)),
		slog.Bool("supersedes_previous", supersedes != ""),
	)
	return handle, nil
}

// ServiceIdentifier derives the pseudonymous identifier for handle under
// serviceSalt and registers it for verifier-side lookup. The template is
// unsealed, used, and wiped within the call.
func (c *Core) ServiceIdentifier(handle Handle, serviceSalt []byte) (derive.ServiceIdentifier, error) {
	t, err := c.unseal(handle)
	if err != nil {
		return derive.ServiceIdentifier{}, err
	}
	defer t.Wipe()
	id, err := derive.Identifier(t, serviceSalt)
	if err != nil {
		return derive.ServiceIdentifier{}, err
	}
	c.mu.Lock()
	c.identities[id.String()] = handle
	c.mu.Unlock()
	return id, nil
}

// IssueChallenge mints a single-use challenge for a verification session with
// serviceKey. Issuance is rate limited per service.
func (c *Core) IssueChallenge(serviceKey string) (challenge.Challenge, error) {
	ch, err := c.issuer.Issue(serviceKey)
	if err != nil {
		if c.metrics != nil && errors.Is(err, challenge.ErrRateLimited) {
			c.metrics.ChallengesLimited.Inc()
		}
		return challenge.Challenge{}, err
	}
	if c.metrics != nil {
		c.metrics.ChallengesIssued.Inc()
	}
	return ch, nil
}

// ProveStatement builds a proof of st for the template behind handle, bound
// to ch.
func (c *Core) ProveStatement(handle Handle, st zkp.Statement, ch challenge.Challenge) (*zkp.Proof, error) {
	t, err := c.unseal(handle)
	if err != nil {
		return nil, err
	}
	defer t.Wipe()

	proof, err := c.engine.Prove(st, t, ch)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.ProofsGenerated.Inc()
	}
	return proof, nil
}

// PublicContext returns the verification material registered for handle.
func (c *Core) PublicContext(handle Handle) (zkp.PublicContext, error) {
	c.mu.RLock()
	rec, ok := c.enrollments[handle]
	c.mu.RUnlock()
	if !ok {
		return zkp.PublicContext{}, ErrUnknownHandle
	}
	if rec.revoked {
		return zkp.PublicContext{}, ErrHandleRevoked
	}
	return rec.pub, nil
}

// VerifyProof runs the full verifier path: public-context lookup by the
// statement's registered identifier, session binding, cryptographic proof
// check, then freshness, behavioral consistency, replay rejection, and
// uniqueness bookkeeping. The caller gets Accepted or Rejected; the reason
// stays in the audit log.
func (c *Core) VerifyProof(resp *replay.Response, st zkp.Statement, ch challenge.Challenge, patternClass string) Outcome {
	handle, pub, err := c.contextForIdentifier(st.Identifier)
	if err != nil {
		return c.reject(handle, ch, "unknown-identity", err)
	}
	if resp == nil || resp.Proof == nil {
		return c.reject(handle, ch, "malformed", zkp.ErrMalformedProof)
	}
	// The response must reference the verifier's own session. Trusting the
	// prover-supplied challenge ID would let the same proof re-enter the
	// consumed set under a fresh key.
	if resp.ChallengeID != ch.ID() || !resp.Identifier.Equal(st.Identifier) {
		return c.reject(handle, ch, "binding", ErrSessionMismatch)
	}
	if err := c.engine.Verify(resp.Proof, st, ch, pub); err != nil {
		return c.reject(handle, ch, rejectionClass(err), err)
	}
	if err := c.guard.Check(resp, patternClass); err != nil {
		return c.reject(handle, ch, rejectionClass(err), err)
	}
	if st.Kind == zkp.Uniqueness {
		if err := c.guard.ConsumeUniqueness(st.Identifier, st.Context); err != nil {
			return c.reject(handle, ch, rejectionClass(err), err)
		}
	}

	if c.metrics != nil {
		c.metrics.ProofsAccepted.Inc()
	}
	c.log.Info("proof accepted",
		slog.String("template_handle", string(handle)),
		slog.String("challenge_id", ch.ID()),
		slog.String("statement", st.Kind.String()),
	)
	return Accepted
}

// contextForIdentifier resolves a registered identifier to the enrollment
// that derived it.
func (c *Core) contextForIdentifier(id derive.ServiceIdentifier) (Handle, zkp.PublicContext, error) {
	c.mu.RLock()
	handle, ok := c.identities[id.String()]
	c.mu.RUnlock()
	if !ok {
		return "", zkp.PublicContext{}, ErrNotEnrolled
	}
	pub, err := c.PublicContext(handle)
	if err != nil {
		return handle, zkp.PublicContext{}, err
	}
	return handle, pub, nil
}

// RotateKeys advances the key manager to the next version and re-protects
// every enrollment artifact under it, all-or-nothing. Attestations and
// persisted frames are staged against the prepared version first; any
// failure abandons the rotation with the old version and all artifacts still
// live.
func (c *Core) RotateKeys() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	handles := make([]Handle, 0, len(c.enrollments))
	dependents := make([]keymanager.EncryptedArtifact, 0, len(c.enrollments))
	for h, rec := range c.enrollments {
		handles = append(handles, h)
		dependents = append(dependents, rec.artifact)
	}

	rot, err := c.keys.PrepareRotation(dependents)
	if err != nil {
		return 0, err
	}

	// Everything that can fail happens before the version swap.
	attestations := make([][]byte, len(handles))
	frames := make([][]byte, len(handles))
	for i, h := range handles {
		rec := c.enrollments[h]
		attestation, err := rot.Next.Sign(rec.pub.ProofPublicKey)
		if err != nil {
			return 0, fmt.Errorf("%w: attest %s: %v", ErrRotationIncomplete, h, err)
		}
		attestations[i] = attestation
		frame, err := wire.EncodeArtifact(rot.Reprotected[i])
		if err != nil {
			return 0, fmt.Errorf("%w: encode %s: %v", ErrRotationIncomplete, h, err)
		}
		frames[i] = frame
	}

	// Writing staged frames before the swap is safe: artifacts of either
	// generation unseal under their own version's wrap key. A write failure
	// rolls the already-written frames back and aborts.
	for i, h := range handles {
		if err := c.store.Put("enrollment/"+string(h), frames[i]); err != nil {
			for j := 0; j < i; j++ {
				if old, encErr := wire.EncodeArtifact(c.enrollments[handles[j]].artifact); encErr == nil {
					_ = c.store.Put("enrollment/"+string(handles[j]), old)
				}
			}
			return 0, fmt.Errorf("%w: persist %s: %v", ErrRotationIncomplete, h, err)
		}
	}

	if err := c.keys.CommitRotation(rot); err != nil {
		return 0, err
	}
	for i, h := range handles {
		rec := c.enrollments[h]
		rec.artifact = rot.Reprotected[i]
		rec.pub.Attestation = attestations[i]
	}

	if c.metrics != nil {
		c.metrics.KeyRotations.Inc()
	}
	c.log.Info("key rotation completed", slog.Uint64("key_version", uint64(rot.Next.Version)))
	return rot.Next.Version, nil
}

// Revoke marks handle unusable. Verification and proving against it fail from
// this point on.
func (c *Core) Revoke(handle Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.enrollments[handle]
	if !ok {
		return ErrUnknownHandle
	}
	rec.revoked = true
	c.log.Info("enrollment revoked", slog.String("template_handle", string(handle)))
	return nil
}

func (c *Core) unseal(handle Handle) (*template.Template, error) {
	c.mu.RLock()
	rec, ok := c.enrollments[handle]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownHandle
	}
	if rec.revoked {
		return nil, ErrHandleRevoked
	}
	secret, err := c.keys.Open(rec.artifact)
	if err != nil {
		return nil, err
	}
	t := template.FromSecret(secret)
	for i := range secret {
		secret[i] = 0
	}
	return t, nil
}

func (c *Core) persist(rec *enrollment) error {
	frame, err := wire.EncodeArtifact(rec.artifact)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	if err := c.store.Put("enrollment/"+string(rec.handle), frame); err != nil {
		return fmt.Errorf("persist artifact: %w", err)
	}
	return nil
}

func (c *Core) reject(handle Handle, ch challenge.Challenge, class string, err error) Outcome {
	if c.metrics != nil {
		c.metrics.ProofsRejected.WithLabelValues(class).Inc()
	}
	c.log.Warn("proof rejected",
		slog.String("template_handle", string(handle)),
		slog.String("challenge_id", ch.ID()),
		slog.String("class", class),
		slog.String("error", err.Error()),
	)
	return Rejected
}

func rejectionClass(err error) string {
	switch {
	case errors.Is(err, zkp.ErrStaleChallenge), errors.Is(err, replay.ErrStaleResponse):
		return "stale"
	case errors.Is(err, replay.ErrFutureTimestamp):
		return "future-timestamp"
	case errors.Is(err, replay.ErrReplayDetected):
		return "replay"
	case errors.Is(err, replay.ErrUniquenessSpent):
		return "uniqueness"
	case errors.Is(err, replay.ErrBehavioralMismatch), errors.Is(err, replay.ErrUnknownPattern):
		return "behavior"
	case errors.Is(err, pqsig.ErrSignatureVerificationFailed):
		return "signature"
	case errors.Is(err, zkp.ErrMalformedProof), errors.Is(err, zkp.ErrUnsupportedStatement):
		return "malformed"
	default:
		return "other"
	}
}

func handleFor(proofPublicKey []byte) Handle {
	sum := blake2b.Sum256(proofPublicKey)
	return Handle("tpl1" + base58.Encode(sum[:]))
}
