package lifecycle

import (
	"sync"
	"testing"
)

func TestIdentityLocks_Serializes(t *testing.T) {
	l := newIdentityLocks()

	var inCritical int
	var maxSeen int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := l.Acquire("a1")
			mu.Lock()
			inCritical++
			if inCritical > maxSeen {
				maxSeen = inCritical
			}
			mu.Unlock()

			mu.Lock()
			inCritical--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("expected single-writer per identity, saw %d concurrent holders", maxSeen)
	}
	if len(l.entries) != 0 {
		t.Errorf("expected lock table drained after release, %d entries remain", len(l.entries))
	}
}

func TestIdentityLocks_TryAcquire(t *testing.T) {
	l := newIdentityLocks()

	release := l.Acquire("a1")
	if _, ok := l.TryAcquire("a1"); ok {
		t.Fatal("TryAcquire should fail while the identity is held")
	}
	release()

	r2, ok := l.TryAcquire("a1")
	if !ok {
		t.Fatal("TryAcquire should succeed on a free identity")
	}
	r2()

	if len(l.entries) != 0 {
		t.Errorf("expected lock table drained, %d entries remain", len(l.entries))
	}

	// Different identities never contend.
	ra := l.Acquire("a1")
	rb, ok := l.TryAcquire("b2")
	if !ok {
		t.Fatal("TryAcquire on a different identity should succeed")
	}
	rb()
	ra()
}
