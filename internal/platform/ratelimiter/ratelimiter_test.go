package ratelimiter

import (
	"testing"
	"time"
)

func TestBurstThenDenied(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	l := New(1, 3, 0)

	for i := 0; i < 3; i++ {
		if !l.Allow("svc", now) {
			t.Fatalf("call %d within burst denied", i)
		}
	}
	if l.Allow("svc", now) {
		t.Fatal("burst exceeded but allowed")
	}
	// Tokens refill with time.
	if !l.Allow("svc", now.Add(2*time.Second)) {
		t.Fatal("refilled token denied")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	l := New(1, 1, 0)

	if !l.Allow("a", now) {
		t.Fatal("first key denied")
	}
	if l.Allow("a", now) {
		t.Fatal("first key over budget but allowed")
	}
	if !l.Allow("b", now) {
		t.Fatal("second key shares first key's bucket")
	}
}

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *PerKey
	if !l.Allow("any", time.Now()) {
		t.Fatal("nil limiter must allow")
	}
	if New(0, 5, 0) != nil {
		t.Fatal("invalid args must yield nil limiter")
	}
}

func TestIdleEviction(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	l := New(100, 100, time.Minute)

	l.Allow("stale", now)
	// Eviction runs every 256 hits.
	later := now.Add(2 * time.Minute)
	for i := 0; i < 256; i++ {
		l.Allow("busy", later)
	}
	l.mu.Lock()
	_, ok := l.byKey["stale"]
	l.mu.Unlock()
	if ok {
		t.Fatal("idle bucket survived eviction")
	}
}
