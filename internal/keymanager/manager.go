// Package keymanager owns the node's long-term ML-DSA signing keys. Every key
// version is derived deterministically from one BIP-39 root seed, so rotation
// never invalidates the backup and any version's artifact wrap key can be
// rebuilt on demand.
package keymanager

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"unicity/go-node/internal/pqsig"
	"unicity/go-node/internal/securestore"
)

var (
	ErrRotationConflict  = errors.New("key rotation could not re-protect all dependents")
	ErrBackupKeyRequired = errors.New("backup requires a separately supplied backup passphrase")
	ErrInvalidMnemonic   = errors.New("invalid recovery mnemonic")
	ErrArtifactCorrupted = errors.New("encrypted artifact failed authentication")
)

const (
	hkdfInfoSignPrefix = "unicity/key/sign/v"
	hkdfInfoWrapPrefix = "unicity/key/wrap/v"
)

// KeyVersion is an immutable handle to one key generation. In-flight signing
// operations hold the version they started with and complete against it even
// if a rotation lands meanwhile; new calls pick up the rotated version.
type KeyVersion struct {
	Version   uint32
	CreatedAt time.Time
	pair      pqsig.KeyPair
	wrapKey   []byte
}

// Sign signs message under this key version.
func (v *KeyVersion) Sign(message []byte) ([]byte, error) {
	return pqsig.Sign(message, v.pair)
}

// PublicKey returns the encoded public half of this version.
func (v *KeyVersion) PublicKey() ([]byte, error) {
	return pqsig.MarshalPublicKey(v.pair.Public)
}

// EncryptedArtifact is dependent data protected under one key version's wrap
// key. Rotation re-protects artifacts all-or-nothing.
type EncryptedArtifact struct {
	KeyVersion uint32
	Nonce      []byte
	Ciphertext []byte
}

// Manager holds the root seed and the active key version.
type Manager struct {
	level pqsig.Level

	mu       sync.RWMutex
	mnemonic string
	rootSeed []byte
	active   *KeyVersion

	rand io.Reader
	now  func() time.Time
}

// NewManager creates a manager with a fresh 256-bit root seed.
func NewManager(level pqsig.Level) (*Manager, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, fmt.Errorf("root seed entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("root seed mnemonic: %w", err)
	}
	return FromMnemonic(level, mnemonic)
}

// FromMnemonic rebuilds a manager (and its version-1 key) from a recovery
// mnemonic, e.g. after restoring a backup.
func FromMnemonic(level pqsig.Level, mnemonic string) (*Manager, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	m := &Manager{
		level:    level,
		mnemonic: mnemonic,
		rootSeed: bip39.NewSeed(mnemonic, ""),
		rand:     rand.Reader,
		now:      time.Now,
	}
	v, err := m.deriveVersion(1)
	if err != nil {
		return nil, err
	}
	m.active = v
	return m, nil
}

// Active returns the current key version handle.
func (m *Manager) Active() *KeyVersion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Protect seals plaintext under the active version's wrap key.
func (m *Manager) Protect(plaintext []byte) (EncryptedArtifact, error) {
	m.mu.RLock()
	v := m.active
	m.mu.RUnlock()
	return m.sealUnder(v, plaintext)
}

// Open unseals an artifact regardless of which key version protected it.
func (m *Manager) Open(a EncryptedArtifact) ([]byte, error) {
	m.mu.RLock()
	rootSeed := m.rootSeed
	m.mu.RUnlock()

	wrapKey, err := deriveWrapKey(rootSeed, a.KeyVersion)
	if err != nil {
		return nil, err
	}
	defer zero(wrapKey)
	aead, err := chacha20poly1305.NewX(wrapKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, a.Nonce, a.Ciphertext, versionAAD(a.KeyVersion))
	if err != nil {
		return nil, ErrArtifactCorrupted
	}
	return plaintext, nil
}

// Rotation is a staged key rotation: the next version and the dependents
// re-protected under it. Nothing is visible to new operations until
// CommitRotation; callers can sign fresh attestations and persist artifacts
// against Next first, and abandon the whole rotation if any of that fails.
type Rotation struct {
	Next        *KeyVersion
	Reprotected []EncryptedArtifact
}

// PrepareRotation derives the next key version and re-protects every
// dependent under it into a staging set. The active version is untouched; if
// any dependent fails, ErrRotationConflict is returned and nothing changes.
func (m *Manager) PrepareRotation(dependents []EncryptedArtifact) (*Rotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prepareLocked(dependents)
}

// CommitRotation makes a prepared rotation the active version. A rotation
// prepared against a version that is no longer active fails with
// ErrRotationConflict.
func (m *Manager) CommitRotation(r *Rotation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r == nil || r.Next == nil || r.Next.Version != m.active.Version+1 {
		return ErrRotationConflict
	}
	m.active = r.Next
	return nil
}

// Rotate prepares and immediately commits. The swap is all-or-nothing: if any
// dependent fails, the active version and the callers' artifacts are
// untouched and ErrRotationConflict is returned. On success the returned
// slice replaces the dependents and new signing calls pick up the new
// version.
func (m *Manager) Rotate(dependents []EncryptedArtifact) ([]EncryptedArtifact, *KeyVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.prepareLocked(dependents)
	if err != nil {
		return nil, nil, err
	}
	m.active = r.Next
	return r.Reprotected, r.Next, nil
}

func (m *Manager) prepareLocked(dependents []EncryptedArtifact) (*Rotation, error) {
	next, err := m.deriveVersion(m.active.Version + 1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRotationConflict, err)
	}

	staged := make([]EncryptedArtifact, 0, len(dependents))
	for i, dep := range dependents {
		plaintext, err := m.openLocked(dep)
		if err != nil {
			return nil, fmt.Errorf("%w: dependent %d: %v", ErrRotationConflict, i, err)
		}
		reprotected, err := m.sealUnder(next, plaintext)
		zero(plaintext)
		if err != nil {
			return nil, fmt.Errorf("%w: dependent %d: %v", ErrRotationConflict, i, err)
		}
		staged = append(staged, reprotected)
	}
	return &Rotation{Next: next, Reprotected: staged}, nil
}

// Backup writes the recovery mnemonic to dest encrypted under a separately
// supplied backup passphrase. Refusing to export in cleartext is a hard
// error, never a silent skip.
func (m *Manager) Backup(dest io.Writer, backupPassphrase string) error {
	if backupPassphrase == "" {
		return ErrBackupKeyRequired
	}
	m.mu.RLock()
	mnemonic := m.mnemonic
	m.mu.RUnlock()

	sealed, err := securestore.Encrypt(backupPassphrase, []byte(mnemonic))
	if err != nil {
		return fmt.Errorf("backup seal: %w", err)
	}
	if _, err := dest.Write(sealed); err != nil {
		return fmt.Errorf("backup write: %w", err)
	}
	return nil
}

// RestoreMnemonic opens a backup produced by Backup.
func RestoreMnemonic(backup []byte, backupPassphrase string) (string, error) {
	if backupPassphrase == "" {
		return "", ErrBackupKeyRequired
	}
	plaintext, err := securestore.Decrypt(backupPassphrase, backup)
	if err != nil {
		return "", err
	}
	mnemonic := string(plaintext)
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", ErrInvalidMnemonic
	}
	return mnemonic, nil
}

func (m *Manager) deriveVersion(n uint32) (*KeyVersion, error) {
	seedSize, err := pqsig.SeedSize(m.level)
	if err != nil {
		return nil, err
	}
	signSeed := make([]byte, seedSize)
	reader := hkdf.New(sha256.New, m.rootSeed, nil, versionInfo(hkdfInfoSignPrefix, n))
	if _, err := io.ReadFull(reader, signSeed); err != nil {
		return nil, fmt.Errorf("sign seed derivation: %w", err)
	}
	pair, err := pqsig.DeriveKeyPair(m.level, signSeed)
	zero(signSeed)
	if err != nil {
		return nil, err
	}
	wrapKey, err := deriveWrapKey(m.rootSeed, n)
	if err != nil {
		return nil, err
	}
	return &KeyVersion{
		Version:   n,
		CreatedAt: m.now().UTC(),
		pair:      pair,
		wrapKey:   wrapKey,
	}, nil
}

func (m *Manager) openLocked(a EncryptedArtifact) ([]byte, error) {
	wrapKey, err := deriveWrapKey(m.rootSeed, a.KeyVersion)
	if err != nil {
		return nil, err
	}
	defer zero(wrapKey)
	aead, err := chacha20poly1305.NewX(wrapKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, a.Nonce, a.Ciphertext, versionAAD(a.KeyVersion))
	if err != nil {
		return nil, ErrArtifactCorrupted
	}
	return plaintext, nil
}

func (m *Manager) sealUnder(v *KeyVersion, plaintext []byte) (EncryptedArtifact, error) {
	aead, err := chacha20poly1305.NewX(v.wrapKey)
	if err != nil {
		return EncryptedArtifact{}, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(m.rand, nonce); err != nil {
		return EncryptedArtifact{}, fmt.Errorf("artifact nonce: %w", err)
	}
	return EncryptedArtifact{
		KeyVersion: v.Version,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, versionAAD(v.Version)),
	}, nil
}

func deriveWrapKey(rootSeed []byte, n uint32) ([]byte, error) {
	wrapKey := make([]byte, chacha20poly1305.KeySize)
	reader := hkdf.New(sha256.New, rootSeed, nil, versionInfo(hkdfInfoWrapPrefix, n))
	if _, err := io.ReadFull(reader, wrapKey); err != nil {
		return nil, fmt.Errorf("wrap key derivation: %w", err)
	}
	return wrapKey, nil
}

func versionInfo(prefix string, n uint32) []byte {
	info := make([]byte, 0, len(prefix)+4)
	info = append(info, prefix...)
	info = binary.BigEndian.AppendUint32(info, n)
	return info
}

func versionAAD(n uint32) []byte {
	var aad [4]byte
	binary.BigEndian.PutUint32(aad[:], n)
	return aad[:]
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
