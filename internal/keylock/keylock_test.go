package keylock

import (
	"sync"
	"testing"
	"time"
)

func TestSameKeySerialized(t *testing.T) {
	var m Map
	var mu sync.Mutex
	active, maxActive := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("T1")
			defer unlock()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxActive)
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d after all unlocks, want 0", m.Len())
	}
}

func TestDifferentKeysIndependent(t *testing.T) {
	var m Map
	unlockA := m.Lock("A")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := m.Lock("B")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Lock(B) blocked while A was held")
	}
}

func TestUnlockIdempotent(t *testing.T) {
	var m Map
	unlock := m.Lock("k")
	unlock()
	unlock()

	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}
	// The key must still be lockable after a double unlock.
	unlock = m.Lock("k")
	unlock()
}
