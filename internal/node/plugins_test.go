package node

import (
	"context"
	"errors"
	"testing"

	"unicity/go-node/internal/feature"
)

type stubExtractor struct {
	name string
	fail bool
}

func (s stubExtractor) Name() string { return s.name }

func (s stubExtractor) Extract(ctx context.Context, raw []byte) (feature.Vector, feature.Vector, error) {
	if s.fail {
		return nil, nil, errors.New(s.name + " cannot parse capture")
	}
	return feature.Vector{1, 2}, feature.Vector{3, 4}, nil
}

type stubTransport struct {
	name      string
	fail      bool
	delivered [][]byte
}

func (s *stubTransport) Name() string { return s.name }

func (s *stubTransport) Deliver(ctx context.Context, peer string, frame []byte) error {
	if s.fail {
		return errors.New(s.name + " unreachable")
	}
	s.delivered = append(s.delivered, frame)
	return nil
}

func TestExtractFirstSuccessWins(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterExtractor(stubExtractor{name: "broken", fail: true}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.RegisterExtractor(stubExtractor{name: "working"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	bio, beh, err := r.Extract(context.Background(), []byte("capture"))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(bio) != 2 || len(beh) != 2 {
		t.Fatalf("unexpected vectors: %v %v", bio, beh)
	}
}

func TestExtractAllFail(t *testing.T) {
	r := NewRegistry()
	_ = r.RegisterExtractor(stubExtractor{name: "a", fail: true})
	_ = r.RegisterExtractor(stubExtractor{name: "b", fail: true})
	if _, _, err := r.Extract(context.Background(), nil); !errors.Is(err, ErrNoPlugin) {
		t.Fatalf("got %v, want ErrNoPlugin", err)
	}

	empty := NewRegistry()
	if _, _, err := empty.Extract(context.Background(), nil); !errors.Is(err, ErrNoPlugin) {
		t.Fatalf("empty registry: got %v, want ErrNoPlugin", err)
	}
}

func TestDuplicateNamesRejected(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterExtractor(stubExtractor{name: "x"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.RegisterExtractor(stubExtractor{name: "x"}); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("got %v, want ErrDuplicateName", err)
	}
}

func TestDeliverFallsThrough(t *testing.T) {
	r := NewRegistry()
	down := &stubTransport{name: "down", fail: true}
	up := &stubTransport{name: "up"}
	_ = r.RegisterTransport(down)
	_ = r.RegisterTransport(up)

	if err := r.Deliver(context.Background(), "peer", []byte("frame")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(up.delivered) != 1 {
		t.Fatalf("fallback transport deliveries = %d, want 1", len(up.delivered))
	}
}

func TestPrimaryStoreFallback(t *testing.T) {
	r := NewRegistry()
	s := r.PrimaryStore()
	if s.Name() != "memory" {
		t.Fatalf("fallback store = %q", s.Name())
	}
	if err := s.Put("k", []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get("k")
	if err != nil || string(got) != "v" {
		t.Fatalf("get = %q, %v", got, err)
	}
	if err := s.Delete("k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted key: got %v, want ErrNotFound", err)
	}
}
