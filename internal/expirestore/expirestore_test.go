package expirestore

import (
	"sync"
	"testing"
	"time"
)

func TestStore_SetGetRemove(t *testing.T) {
	s := New(50*time.Millisecond, nil)
	defer s.Close()

	if err := s.Set("k", "v1", Infinite); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	v, ok := s.Get("k")
	if !ok || v != "v1" {
		t.Fatalf("Get() = %v, %v, want v1, true", v, ok)
	}

	s.Remove("k")
	if _, ok := s.Get("k"); ok {
		t.Error("Get() after Remove() should be absent")
	}
}

func TestStore_SetEmptyKeyFails(t *testing.T) {
	s := New(time.Second, nil)
	defer s.Close()

	err := s.Set("", "v", Infinite)
	if err == nil {
		t.Fatal("Set(\"\") should fail")
	}
}

func TestStore_SetAfterCloseFails(t *testing.T) {
	s := New(time.Second, nil)
	s.Close()

	if err := s.Set("k", "v", Infinite); err == nil {
		t.Fatal("Set() after Close() should fail with DisposedError")
	}
	if _, ok := s.Get("k"); ok {
		t.Error("Get() after Close() should report absent, not panic")
	}
}

// TestStore_ExpirationExactlyOnce covers invariant 6 / scenario S6.
func TestStore_ExpirationExactlyOnce(t *testing.T) {
	s := New(50*time.Millisecond, nil)
	defer s.Close()

	events := s.Subscribe()
	if err := s.Set("k", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	var got []ExpiredKey
	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(300 * time.Millisecond):
			break loop
		case <-deadline:
			t.Fatal("timed out waiting for expiration event")
		}
	}

	if len(got) != 1 || got[0].Key != "k" {
		t.Fatalf("expiration events = %+v, want exactly one {k}", got)
	}

	// Refresh suppresses further events.
	if err := s.Set("k", "v2", Infinite); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected second expiration event after refresh: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}

	// Remove does not emit a second event either.
	s.Remove("k")
	select {
	case ev := <-events:
		t.Fatalf("unexpected expiration event after Remove: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestStore_ConcurrentSetDoesNotRace exercises the reentrancy guard and
// the per-entry generation check under concurrent writers, in the style
// of ai/agents/runner/danger_test.go's table-driven concurrency probes.
func TestStore_ConcurrentSetDoesNotRace(t *testing.T) {
	s := New(5*time.Millisecond, nil)
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.Set("shared", n, 5*time.Millisecond)
		}(i)
	}
	wg.Wait()

	if _, ok := s.Get("shared"); !ok {
		t.Error("expected an entry to survive concurrent Set calls")
	}
}

func TestStore_KeysAndCount(t *testing.T) {
	s := New(time.Second, nil)
	defer s.Close()

	_ = s.Set("a", 1, Infinite)
	_ = s.Set("b", 2, Infinite)

	if s.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", s.Count())
	}
	keys := s.Keys()
	if len(keys) != 2 {
		t.Fatalf("Keys() = %v, want 2 entries", keys)
	}
}
