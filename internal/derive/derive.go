// Package derive computes per-service pseudonymous identifiers from a
// template. Distinct service salts yield unlinkable identifiers even when the
// template is fixed; identical (template, salt) pairs always yield the same
// identifier.
package derive

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"

	"unicity/go-node/internal/template"
)

var ErrEmptySalt = errors.New("service salt must not be empty")

const (
	// RawSize is the byte length of a raw service identifier.
	RawSize = 32

	hkdfInfoServiceID = "unicity/service-id/v1"
)

// ServiceIdentifier is the per-service pseudonym ID_s = KDF(T || S).
type ServiceIdentifier struct {
	raw [RawSize]byte
}

// Identifier derives the service identifier for t under serviceSalt.
func Identifier(t *template.Template, serviceSalt []byte) (ServiceIdentifier, error) {
	if len(serviceSalt) == 0 {
		return ServiceIdentifier{}, ErrEmptySalt
	}
	reader := hkdf.New(sha256.New, t.Secret(), serviceSalt, []byte(hkdfInfoServiceID))
	var id ServiceIdentifier
	if _, err := io.ReadFull(reader, id.raw[:]); err != nil {
		return ServiceIdentifier{}, fmt.Errorf("service identifier derivation: %w", err)
	}
	return id, nil
}

// FromBytes reconstructs an identifier from its raw encoding.
func FromBytes(raw []byte) (ServiceIdentifier, error) {
	var id ServiceIdentifier
	if len(raw) != RawSize {
		return id, fmt.Errorf("invalid identifier size: %d", len(raw))
	}
	copy(id.raw[:], raw)
	return id, nil
}

func (id ServiceIdentifier) Bytes() []byte {
	return append([]byte(nil), id.raw[:]...)
}

// String renders the identifier in the node's address form.
func (id ServiceIdentifier) String() string {
	h := blake2b.Sum256(id.raw[:])
	return "uid1" + base58.Encode(h[:])
}

func (id ServiceIdentifier) Equal(other ServiceIdentifier) bool {
	return bytes.Equal(id.raw[:], other.raw[:])
}

func (id ServiceIdentifier) IsZero() bool {
	var b byte
	for _, x := range id.raw {
		b |= x
	}
	return b == 0
}
