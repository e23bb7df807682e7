package lock

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func TestMutexMap_LockUnlock(t *testing.T) {
	m := NewMutexMap()

	m.Lock("bp1")
	m.Unlock("bp1")

	// Should be able to lock again
	m.Lock("bp1")
	m.Unlock("bp1")
}

func TestMutexMap_DifferentKeys(t *testing.T) {
	m := NewMutexMap()

	done := make(chan struct{})

	m.Lock("bp1")
	go func() {
		// bp2 should not be blocked by bp1
		m.Lock("bp2")
		m.Unlock("bp2")
		close(done)
	}()

	<-done
	m.Unlock("bp1")
}

func TestMutexMap_TryLock(t *testing.T) {
	m := NewMutexMap()

	if !m.TryLock("bp1") {
		t.Fatal("first TryLock should succeed")
	}
	if m.TryLock("bp1") {
		t.Error("second TryLock on held key should fail")
	}
	if !m.TryLock("bp2") {
		t.Error("TryLock on a different key should succeed")
	}
	m.Unlock("bp1")
	m.Unlock("bp2")

	if !m.TryLock("bp1") {
		t.Error("TryLock after Unlock should succeed")
	}
	m.Unlock("bp1")
}

func TestMutexMap_Concurrent(t *testing.T) {
	m := NewMutexMap()
	var counter int64

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("shared")
			atomic.AddInt64(&counter, 1)
			m.Unlock("shared")
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected counter=100, got %d", counter)
	}
}

func TestFileLock_TryLock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl := NewFileLock(lockPath)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer fl.Unlock()
}

func TestFileLock_DoubleLockRejected(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	defer fl1.Unlock()

	fl2 := NewFileLock(lockPath)
	if err := fl2.TryLock(); err == nil {
		fl2.Unlock()
		t.Error("second TryLock should fail while first is held")
	}
}

func TestFileLock_UnlockReleases(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatal(err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatal(err)
	}

	fl2 := NewFileLock(lockPath)
	if err := fl2.TryLock(); err != nil {
		t.Errorf("TryLock after release failed: %v", err)
	}
	fl2.Unlock()
}
