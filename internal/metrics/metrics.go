// Package metrics exposes the node's verification counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Set struct {
	Enrollments       prometheus.Counter
	ProofsGenerated   prometheus.Counter
	ProofsAccepted    prometheus.Counter
	ProofsRejected    *prometheus.CounterVec
	KeyRotations      prometheus.Counter
	ChallengesIssued  prometheus.Counter
	ChallengesLimited prometheus.Counter
}

// New registers the node's counters against reg (use
// prometheus.DefaultRegisterer in the daemon).
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		Enrollments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "unicity",
			Name:      "enrollments_total",
			Help:      "Templates generated through enrollment.",
		}),
		ProofsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "unicity",
			Name:      "proofs_generated_total",
			Help:      "Zero-knowledge proofs produced by the prover side.",
		}),
		ProofsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "unicity",
			Name:      "proofs_accepted_total",
			Help:      "Verification responses accepted.",
		}),
		ProofsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unicity",
			Name:      "proofs_rejected_total",
			Help:      "Verification responses rejected, by error class.",
		}, []string{"class"}),
		KeyRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "unicity",
			Name:      "key_rotations_total",
			Help:      "Completed key rotations.",
		}),
		ChallengesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "unicity",
			Name:      "challenges_issued_total",
			Help:      "Challenges minted for verification sessions.",
		}),
		ChallengesLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "unicity",
			Name:      "challenges_rate_limited_total",
			Help:      "Challenge requests refused by the per-service limiter.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			s.Enrollments,
			s.ProofsGenerated,
			s.ProofsAccepted,
			s.ProofsRejected,
			s.KeyRotations,
			s.ChallengesIssued,
			s.ChallengesLimited,
		)
	}
	return s
}
