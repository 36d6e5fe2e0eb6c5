package leaselock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".graphrag_index.lock")
	client := New(path)

	lease, err := client.Acquire(Options{TTL: time.Minute})
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lock file missing: %v", err)
	}

	if err := lease.Release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("lock file still present after release")
	}
}

func TestContentionReturnsBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".graphrag_index.lock")
	client := New(path)

	lease, err := client.Acquire(Options{TTL: time.Minute})
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	defer lease.Release()

	if _, err := client.Acquire(Options{TTL: time.Minute}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestForceTakesOver(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".graphrag_index.lock")
	client := New(path)

	first, err := client.Acquire(Options{TTL: time.Minute})
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	second, err := client.Acquire(Options{TTL: time.Minute, Force: true})
	if err != nil {
		t.Fatalf("forced acquire failed: %v", err)
	}

	// The displaced lease must not remove the new holder's marker.
	if err := first.Release(); err != nil {
		t.Fatalf("stale release errored: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("forced holder's lock file was removed by stale lease")
	}

	if err := second.Release(); err != nil {
		t.Fatalf("second release failed: %v", err)
	}
}

func TestExpiredLeaseIsTakeable(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".graphrag_index.lock")
	client := New(path)

	if _, err := client.Acquire(Options{TTL: time.Millisecond}); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	lease, err := client.Acquire(Options{TTL: time.Minute})
	if err != nil {
		t.Fatalf("expected stale lease takeover, got %v", err)
	}
	lease.Release()
}
