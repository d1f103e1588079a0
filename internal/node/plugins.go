package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"unicity/go-node/internal/feature"
)

var (
	ErrNoPlugin      = errors.New("no plugin accepted the request")
	ErrDuplicateName = errors.New("plugin name already registered")
	ErrNotFound      = errors.New("key not found")
)

// FeatureExtractor turns raw capture bytes into feature vectors. Extractors
// are external code; the core never interprets raw captures itself.
type FeatureExtractor interface {
	Name() string
	Extract(ctx context.Context, raw []byte) (biometric, behavioral feature.Vector, err error)
}

// Transport delivers wire frames to a named peer. The core treats transports
// as opaque and never inspects addressing.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, peer string, frame []byte) error
}

// Store persists wire frames under string keys. Implementations hold only
// ciphertext; the core never hands a store cleartext secrets.
type Store interface {
	Name() string
	Put(key string, frame []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
}

// Registry holds plugins in registration order. Resolution walks that order
// and the first plugin that succeeds wins.
type Registry struct {
	mu         sync.RWMutex
	extractors []FeatureExtractor
	transports []Transport
	stores     []Store
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) RegisterExtractor(e FeatureExtractor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.extractors {
		if existing.Name() == e.Name() {
			return fmt.Errorf("%w: extractor %q", ErrDuplicateName, e.Name())
		}
	}
	r.extractors = append(r.extractors, e)
	return nil
}

func (r *Registry) RegisterTransport(t Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.transports {
		if existing.Name() == t.Name() {
			return fmt.Errorf("%w: transport %q", ErrDuplicateName, t.Name())
		}
	}
	r.transports = append(r.transports, t)
	return nil
}

func (r *Registry) RegisterStore(s Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.stores {
		if existing.Name() == s.Name() {
			return fmt.Errorf("%w: store %q", ErrDuplicateName, s.Name())
		}
	}
	r.stores = append(r.stores, s)
	return nil
}

// Extract runs the registered extractors in order and returns the first
// successful result.
func (r *Registry) Extract(ctx context.Context, raw []byte) (feature.Vector, feature.Vector, error) {
	r.mu.RLock()
	extractors := append([]FeatureExtractor(nil), r.extractors...)
	r.mu.RUnlock()

	var lastErr error
	for _, e := range extractors {
		bio, beh, err := e.Extract(ctx, raw)
		if err == nil {
			return bio, beh, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNoPlugin, lastErr)
	}
	return nil, nil, ErrNoPlugin
}

// Deliver tries each transport in order until one accepts the frame.
func (r *Registry) Deliver(ctx context.Context, peer string, frame []byte) error {
	r.mu.RLock()
	transports := append([]Transport(nil), r.transports...)
	r.mu.RUnlock()

	var lastErr error
	for _, t := range transports {
		if err := t.Deliver(ctx, peer, frame); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrNoPlugin, lastErr)
	}
	return ErrNoPlugin
}

// PrimaryStore returns the first registered store, or a process-local one
// when nothing external was plugged in.
func (r *Registry) PrimaryStore() Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.stores) > 0 {
		return r.stores[0]
	}
	return defaultStore
}

var defaultStore Store = newMemStore()

// memStore is the in-process fallback store.
type memStore struct {
	mu     sync.RWMutex
	frames map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{frames: make(map[string][]byte)}
}

func (s *memStore) Name() string { return "memory" }

func (s *memStore) Put(key string, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[key] = append([]byte(nil), frame...)
	return nil
}

func (s *memStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	frame, ok := s.frames[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return append([]byte(nil), frame...), nil
}

func (s *memStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.frames, key)
	return nil
}
