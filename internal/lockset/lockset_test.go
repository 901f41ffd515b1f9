package lockset

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireRelease_Uncontended(t *testing.T) {
	s := New(8)
	keys := []string{"c:mkt1", "u:alice"}

	if err := s.Acquire(context.Background(), keys); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	s.Release(keys)

	// Reacquire immediately: release must have freed everything.
	if err := s.Acquire(context.Background(), keys); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	s.Release(keys)
}

func TestAcquire_DuplicateAndEmptyKeys(t *testing.T) {
	s := New(4)
	keys := []string{"u:alice", "u:alice", "", "c:mkt1"}

	if err := s.Acquire(context.Background(), keys); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	s.Release(keys)

	if err := s.Acquire(context.Background(), []string{"u:alice"}); err != nil {
		t.Fatalf("key still held after release: %v", err)
	}
	s.Release([]string{"u:alice"})
}

func TestAcquire_SharedKeySerializes(t *testing.T) {
	s := New(8)
	var inSection int
	var maxSeen int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keys := []string{"c:mkt1"}
			if err := s.Acquire(context.Background(), keys); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			inSection++
			if inSection > maxSeen {
				maxSeen = inSection
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inSection--
			mu.Unlock()
			s.Release(keys)
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("shared key admitted %d holders at once", maxSeen)
	}
}

func TestAcquire_DisjointKeysConcurrent(t *testing.T) {
	s := New(8)

	if err := s.Acquire(context.Background(), []string{"u:alice"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer s.Release([]string{"u:alice"})

	done := make(chan error, 1)
	go func() {
		err := s.Acquire(context.Background(), []string{"u:bob"})
		if err == nil {
			s.Release([]string{"u:bob"})
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("disjoint acquire: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("disjoint key sets should not contend")
	}
}

func TestAcquire_FIFOOrdering(t *testing.T) {
	s := New(1)
	keys := []string{"c:mkt1"}

	if err := s.Acquire(context.Background(), keys); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	const n = 5
	order := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.Acquire(context.Background(), keys); err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			order <- i
			s.Release(keys)
		}(i)
		// Stagger so each waiter enqueues before the next starts.
		time.Sleep(20 * time.Millisecond)
	}

	s.Release(keys)
	wg.Wait()
	close(order)

	want := 0
	for got := range order {
		if got != want {
			t.Fatalf("waiter %d ran out of turn (expected %d)", got, want)
		}
		want++
	}
	if want != n {
		t.Fatalf("only %d of %d waiters ran", want, n)
	}
}

func TestAcquire_ContextCancelReleasesPartial(t *testing.T) {
	s := New(4)

	// Hold "b" so a two-key acquire of [a b] parks on its second key.
	if err := s.Acquire(context.Background(), []string{"b"}); err != nil {
		t.Fatalf("acquire b: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Acquire(ctx, []string{"a", "b"})
	if err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	// "a" was acquired then backed out: it must be free again.
	done := make(chan struct{})
	go func() {
		if err := s.Acquire(context.Background(), []string{"a"}); err == nil {
			s.Release([]string{"a"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire leaked key a")
	}

	s.Release([]string{"b"})
}

func TestAcquire_AbandonedWaiterSkipped(t *testing.T) {
	s := New(4)
	keys := []string{"c:mkt1"}

	if err := s.Acquire(context.Background(), keys); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// First waiter gives up before the holder releases.
	ctx, cancel := context.WithCancel(context.Background())
	gaveUp := make(chan struct{})
	go func() {
		if err := s.Acquire(ctx, keys); err == nil {
			t.Error("cancelled waiter should not acquire")
			s.Release(keys)
		}
		close(gaveUp)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-gaveUp

	// Second waiter queued behind the abandoned one must still get the key.
	got := make(chan struct{})
	go func() {
		if err := s.Acquire(context.Background(), keys); err == nil {
			close(got)
			s.Release(keys)
		}
	}()
	time.Sleep(20 * time.Millisecond)

	s.Release(keys)
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("release never reached the live waiter")
	}
}
