package lock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockSerializesSameKey(t *testing.T) {
	km := New()
	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("user:1")
			defer unlock()

			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxActive)
				if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("max concurrent holders of the same key = %d, want 1", maxActive)
	}
}

func TestLockAllowsDifferentKeysConcurrently(t *testing.T) {
	km := New()
	var wg sync.WaitGroup
	started := make(chan struct{}, 2)
	release := make(chan struct{})

	for _, key := range []string{"user:1", "user:2"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			unlock := km.Lock(key)
			defer unlock()
			started <- struct{}{}
			<-release
		}(key)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("different keys should not block each other")
		}
	}
	close(release)
	wg.Wait()
}

func TestLockCleansUpMapEntries(t *testing.T) {
	km := New()
	unlock := km.Lock("server:edge-1")
	unlock()

	km.mu.Lock()
	defer km.mu.Unlock()
	if _, ok := km.locks["server:edge-1"]; ok {
		t.Error("KeyedMutex should remove map entries once refcount drops to zero")
	}
}
