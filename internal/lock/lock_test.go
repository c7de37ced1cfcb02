package lock

import (
	"testing"
	"time"
)

func TestAvailableReflectsOccupancy(t *testing.T) {
	l := New()
	if !l.Available() {
		t.Fatal("expected fresh lock to be available")
	}

	l.Acquire()
	if l.Available() {
		t.Fatal("expected lock to be unavailable while held")
	}

	l.Release()
	if !l.Available() {
		t.Fatal("expected lock to be available after release")
	}
}

func TestAcquireBlocksUntilReleased(t *testing.T) {
	l := New()
	l.Acquire()

	acquired := make(chan struct{})
	go func() {
		l.Acquire()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire returned before Release")
	case <-time.After(20 * time.Millisecond):
	}

	l.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Acquire never unblocked after Release")
	}
}
