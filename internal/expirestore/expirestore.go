// Package expirestore implements the keyed TTL cache: the
// single shared authority for ChatState and AppVisitor across the whole
// broker. It follows the sweeper/reentrancy-guard pattern in
// ai/agents/runner/session_manager.go's cleanupLoop/cleanupIdleSessions,
// generalized from "kill idle CLI sessions" to "mark-and-notify expired
// keys, let the caller decide whether to refresh".
package expirestore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hrygo/chatbroker/internal/brokerr"
)

// Infinite means the entry never expires.
const Infinite = time.Duration(0)

type entry struct {
	value     any
	expiresAt time.Time // zero value means Infinite
	// generation distinguishes this value-instance from any later one
	// written to the same key by a subsequent Set — the at-most-one
	// expiration-per-value-instance invariant is enforced by comparing
	// generation at sweep time, not by comparing pointers (a boxed
	// primitive might compare equal across instances it shouldn't).
	generation uint64
	notified   bool
}

// ExpiredKey is the event payload yielded on the Expirations channel.
type ExpiredKey struct {
	Key string
}

// Store is a keyed TTL cache with at-most-once expiration notification.
// All operations except the sweeper tick are lock-free-ish: a single
// RWMutex guards the map, and each entry swap is atomic from the
// caller's point of view ("lock-free or atomic swap on
// per-entry snapshots" — implemented here with a plain mutex, which is
// the idiomatic Go equivalent when no lock-free map is warranted at this
// scale).
type Store struct {
	mu       sync.RWMutex
	data     map[string]*entry
	nextGen  uint64
	disposed bool

	checkInterval time.Duration
	sweeping      atomicBool
	subsMu        sync.Mutex
	subs          []chan ExpiredKey

	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (a *atomicBool) tryStart() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.v {
		return false
	}
	a.v = true
	return true
}

func (a *atomicBool) finish() {
	a.mu.Lock()
	a.v = false
	a.mu.Unlock()
}

// New creates a Store whose background sweeper fires every checkInterval.
// Passing a nil logger defaults to slog.Default(), matching
// ai/agents/runner/session_manager.go's NewCCSessionManager.
func New(checkInterval time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		data:          make(map[string]*entry),
		checkInterval: checkInterval,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
	s.wg.Add(1)
	go s.sweepLoop()
	return s
}

// Set overwrites any prior entry for key. ttl == Infinite means never
// expire. Fails with DisposedError after Close.
func (s *Store) Set(key string, value any, ttl time.Duration) error {
	if key == "" {
		return brokerr.InvalidArg("expirestore: empty key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return brokerr.Disposed("expirestore: set after close")
	}
	s.nextGen++
	e := &entry{value: value, generation: s.nextGen}
	if ttl != Infinite {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

// Get returns the current value for key, or (nil, false) if absent or
// disposed. Type coercion is the caller's responsibility (// "dynamic typed cache values" — a boxed-any with runtime-checked
// downcast).
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.disposed {
		return nil, false
	}
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Remove deletes key if present. Absence is not an error.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
}

// Clear empties the store.
func (s *Store) Clear() {
	s.mu.Lock()
	s.data = make(map[string]*entry)
	s.mu.Unlock()
}

// Contains reports whether key currently has an entry.
func (s *Store) Contains(key string) bool {
	s.mu.RLock()
	_, ok := s.data[key]
	s.mu.RUnlock()
	return ok
}

// Count returns the number of entries currently stored.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Keys returns a snapshot of the current key set.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// Subscribe returns a channel that receives one ExpiredKey event per
// (key, value-instance) expiration. Any number of subscribers may
// observe the same stream of events; each gets its own buffered channel
// so a slow subscriber cannot stall the sweeper.
func (s *Store) Subscribe() <-chan ExpiredKey {
	ch := make(chan ExpiredKey, 64)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()
	return ch
}

func (s *Store) publish(key string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ExpiredKey{Key: key}:
		default:
			// A stalled subscriber drops the event rather than blocking
			// the sweeper for every other chat; the consumer's own
			// session-idle semantics tolerate a missed notification
			// (the entry is still readable via Get until removed).
			s.logger.Warn("expirestore: subscriber channel full, dropping expiration event", "key", key)
		}
	}
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

// sweepOnce is reentrancy-guarded: an overlapping tick (sweep still
// running when the next fires) is dropped rather than queued, matching
// ai/agents/runner/session_manager.go's cleanupLoop discipline.
func (s *Store) sweepOnce() {
	if !s.sweeping.tryStart() {
		return
	}
	defer s.sweeping.finish()

	now := time.Now()
	s.mu.RLock()
	var expiredKeys []string
	var expiredGen []uint64
	for k, e := range s.data {
		if e.expiresAt.IsZero() || e.notified {
			continue
		}
		if now.After(e.expiresAt) || now.Equal(e.expiresAt) {
			expiredKeys = append(expiredKeys, k)
			expiredGen = append(expiredGen, e.generation)
		}
	}
	s.mu.RUnlock()

	for i, k := range expiredKeys {
		s.mu.Lock()
		e, ok := s.data[k]
		// Only transition alive->expired if the in-store instance is
		// still the one we observed (generation match). A concurrent Set
		// between the read pass above and this write resolves in favor
		// of Set: the new instance's generation differs, so we skip it.
		if ok && e.generation == expiredGen[i] && !e.notified {
			e.notified = true
			s.mu.Unlock()
			s.publish(k)
			continue
		}
		s.mu.Unlock()
	}
}

// Close stops the sweeper, closes every subscriber channel, and clears
// entries. Subsequent Set calls fail with DisposedError.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()

	s.mu.Lock()
	s.disposed = true
	s.data = make(map[string]*entry)
	s.mu.Unlock()

	s.subsMu.Lock()
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.subsMu.Unlock()
	return nil
}

// WaitForClose blocks until ctx is done or the store is closed, whichever
// comes first — a convenience for callers that want to tie store
// lifetime to a parent context without polling.
func (s *Store) WaitForClose(ctx context.Context) {
	select {
	case <-ctx.Done():
		_ = s.Close()
	case <-s.stopCh:
	}
}
