package zkp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"unicity/go-node/internal/derive"
)

var ErrUnsupportedStatement = errors.New("unsupported statement encoding")

// Kind enumerates the closed set of provable statements.
type Kind uint8

const (
	// KnowledgeOfTemplate proves possession of the template behind a
	// service identifier.
	KnowledgeOfTemplate Kind = 1
	// Uniqueness proves this identifier has not previously produced a valid
	// proof for the same context.
	Uniqueness Kind = 2
	// EligibilityPredicate proves attribute >= threshold over a hidden
	// attribute derived from the template, without revealing its value.
	EligibilityPredicate Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KnowledgeOfTemplate:
		return "knowledge-of-template"
	case Uniqueness:
		return "uniqueness"
	case EligibilityPredicate:
		return "eligibility-predicate"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Statement is a claim about the hidden template behind Identifier.
type Statement struct {
	Kind       Kind
	Identifier derive.ServiceIdentifier

	// Context scopes Uniqueness statements; empty otherwise.
	Context string

	// Attribute and Threshold define EligibilityPredicate statements.
	Attribute string
	Threshold uint32
}

func (s Statement) validate() error {
	switch s.Kind {
	case KnowledgeOfTemplate:
		if s.Context != "" || s.Attribute != "" || s.Threshold != 0 {
			return fmt.Errorf("%w: unexpected fields for %s", ErrUnsupportedStatement, s.Kind)
		}
	case Uniqueness:
		if s.Context == "" {
			return fmt.Errorf("%w: uniqueness requires a context", ErrUnsupportedStatement)
		}
	case EligibilityPredicate:
		if s.Attribute == "" {
			return fmt.Errorf("%w: eligibility requires an attribute", ErrUnsupportedStatement)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedStatement, s.Kind)
	}
	if s.Identifier.IsZero() {
		return fmt.Errorf("%w: zero identifier", ErrUnsupportedStatement)
	}
	return nil
}

// Encode renders the canonical byte form bound into proofs. Identical
// statements always encode identically.
func (s Statement) Encode() ([]byte, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	var b bytes.Buffer
	b.WriteByte(byte(s.Kind))
	b.Write(s.Identifier.Bytes())
	writeLenPrefixed(&b, []byte(s.Context))
	writeLenPrefixed(&b, []byte(s.Attribute))
	var thr [4]byte
	binary.BigEndian.PutUint32(thr[:], s.Threshold)
	b.Write(thr[:])
	return b.Bytes(), nil
}

// DecodeStatement parses the canonical byte form.
func DecodeStatement(raw []byte) (Statement, error) {
	var s Statement
	if len(raw) < 1+derive.RawSize {
		return s, fmt.Errorf("%w: truncated", ErrUnsupportedStatement)
	}
	s.Kind = Kind(raw[0])
	id, err := derive.FromBytes(raw[1 : 1+derive.RawSize])
	if err != nil {
		return s, fmt.Errorf("%w: %v", ErrUnsupportedStatement, err)
	}
	s.Identifier = id
	rest := raw[1+derive.RawSize:]

	ctx, rest, err := readLenPrefixed(rest)
	if err != nil {
		return s, err
	}
	attr, rest, err := readLenPrefixed(rest)
	if err != nil {
		return s, err
	}
	if len(rest) != 4 {
		return s, fmt.Errorf("%w: trailing bytes", ErrUnsupportedStatement)
	}
	s.Context = string(ctx)
	s.Attribute = string(attr)
	s.Threshold = binary.BigEndian.Uint32(rest)

	if err := s.validate(); err != nil {
		return s, err
	}
	return s, nil
}

func writeLenPrefixed(b *bytes.Buffer, p []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(p)))
	b.Write(n[:])
	b.Write(p)
}

func readLenPrefixed(raw []byte) (field, rest []byte, err error) {
	if len(raw) < 4 {
		return nil, nil, fmt.Errorf("%w: truncated length", ErrUnsupportedStatement)
	}
	n := binary.BigEndian.Uint32(raw)
	raw = raw[4:]
	if uint32(len(raw)) < n {
		return nil, nil, fmt.Errorf("%w: truncated field", ErrUnsupportedStatement)
	}
	return raw[:n], raw[n:], nil
}
