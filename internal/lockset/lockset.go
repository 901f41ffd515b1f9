// Package lockset serializes trade execution per key set.
//
// A key is any identity whose mutable state a trade touches: the contract
// id, the taker, and every maker discovered by simulation. Two trades
// sharing at least one key never overlap between acquisition and release;
// trades with disjoint key sets run fully concurrently.
//
// Keys are acquired in sorted order to avoid deadlock, and each key's wait
// queue is strictly FIFO. Waiting is cooperative (channel receive), never
// a busy-wait.
package lockset

import (
	"context"
	"sort"
	"sync"
)

// keyLock is one key's FIFO wait queue. The head of waiters holds the key.
type keyLock struct {
	waiters []chan struct{}
}

// Set is a sharded map of per-key FIFO locks.
type Set struct {
	shards []shard
}

type shard struct {
	mu   sync.Mutex
	keys map[string]*keyLock
}

// New creates a Set with the given shard count (rounded up to at least 1).
func New(shards int) *Set {
	if shards < 1 {
		shards = 1
	}
	s := &Set{shards: make([]shard, shards)}
	for i := range s.shards {
		s.shards[i].keys = make(map[string]*keyLock)
	}
	return s
}

func (s *Set) shardFor(key string) *shard {
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return &s.shards[h%uint32(len(s.shards))]
}

// Acquire blocks until all keys are held or ctx is done. Keys are deduped
// and sorted before acquisition. On ctx expiry every key already held or
// queued for is released, and ctx.Err() is returned.
func (s *Set) Acquire(ctx context.Context, keys []string) error {
	sorted := dedupeSorted(keys)

	for i, key := range sorted {
		if err := s.acquireOne(ctx, key); err != nil {
			// Back out keys acquired so far, in reverse.
			for j := i - 1; j >= 0; j-- {
				s.releaseOne(sorted[j])
			}
			return err
		}
	}
	return nil
}

// Release frees all keys. Must be called with the same key set passed to
// the matching Acquire.
func (s *Set) Release(keys []string) {
	sorted := dedupeSorted(keys)
	for i := len(sorted) - 1; i >= 0; i-- {
		s.releaseOne(sorted[i])
	}
}

func (s *Set) acquireOne(ctx context.Context, key string) error {
	sh := s.shardFor(key)

	sh.mu.Lock()
	kl := sh.keys[key]
	if kl == nil {
		kl = &keyLock{}
		sh.keys[key] = kl
	}
	ready := make(chan struct{})
	kl.waiters = append(kl.waiters, ready)
	first := len(kl.waiters) == 1
	sh.mu.Unlock()

	if first {
		return nil // queue was empty: the head holds the key
	}

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		s.abandon(key, ready)
		return ctx.Err()
	}
}

// abandon removes a waiter that gave up. If the handoff raced with the
// release path and the waiter was already promoted to holder, the key is
// released normally instead.
func (s *Set) abandon(key string, ready chan struct{}) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	kl := sh.keys[key]
	if kl == nil {
		return
	}
	for i, w := range kl.waiters {
		if w != ready {
			continue
		}
		if i == 0 {
			// Already promoted: hand the key to the next waiter.
			s.popHeadLocked(sh, key, kl)
			return
		}
		kl.waiters = append(kl.waiters[:i], kl.waiters[i+1:]...)
		return
	}
}

func (s *Set) releaseOne(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	kl := sh.keys[key]
	if kl == nil || len(kl.waiters) == 0 {
		return
	}
	s.popHeadLocked(sh, key, kl)
}

// popHeadLocked drops the current holder and wakes the next FIFO waiter.
// Caller holds the shard mutex.
func (s *Set) popHeadLocked(sh *shard, key string, kl *keyLock) {
	kl.waiters = kl.waiters[1:]
	if len(kl.waiters) == 0 {
		delete(sh.keys, key)
		return
	}
	close(kl.waiters[0])
}

func dedupeSorted(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
