package index

import (
	"context"
	"testing"
	"time"
)

func TestThreadPoolAcquireReleaseBasic(t *testing.T) {
	p := NewThreadPool(2, nil)
	ts, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if ts.Acc() == nil {
		t.Fatalf("expected acquired slot to carry an accumulator")
	}
	p.Release(ts)
}

func TestThreadPoolStallBlocksAcquireUntilFinishFlush(t *testing.T) {
	p := NewThreadPool(1, nil)
	ts, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.BeginFlush(ts)
	if !p.Stalled() {
		t.Fatalf("expected pool stalled when flushing count exceeds active count")
	}

	blocked := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		blocked <- err
	}()

	select {
	case <-blocked:
		t.Fatalf("Acquire returned before stall was cleared")
	case <-time.After(100 * time.Millisecond):
	}

	p.FinishFlush(ts)
	if p.Stalled() {
		t.Fatalf("expected stall cleared after FinishFlush")
	}
	p.Release(ts)

	select {
	case err := <-blocked:
		if err != nil {
			t.Fatalf("Acquire after clear: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Acquire never returned after stall cleared")
	}
}

func TestThreadPoolAcquireCanceledWhileStalled(t *testing.T) {
	p := NewThreadPool(1, nil)
	ts, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.BeginFlush(ts)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		result <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-result:
		if _, ok := err.(*InterruptedError); !ok {
			t.Fatalf("expected *InterruptedError, got %v (%T)", err, err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Acquire never returned after context cancellation")
	}

	p.FinishFlush(ts)
}

func TestThreadPoolDeactivateRefusesFurtherAcquire(t *testing.T) {
	p := NewThreadPool(1, nil)
	ts, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(ts)

	p.Deactivate()

	if _, err := p.Acquire(context.Background()); err == nil {
		t.Fatalf("expected Acquire on a deactivated pool to fail")
	}
}

func TestThreadPoolDeactivateWakesParkedAcquirers(t *testing.T) {
	p := NewThreadPool(1, nil)
	ts, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.BeginFlush(ts)
	if !p.Stalled() {
		t.Fatalf("expected pool stalled with the only slot flushing")
	}

	result := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		result <- err
	}()
	time.Sleep(50 * time.Millisecond)

	// Deactivate clears the stall flag and broadcasts, which is what
	// unparks the blocked acquirer; it still has to wait for the
	// flushing slot's mutex, released below.
	p.Deactivate()
	if p.Stalled() {
		t.Fatalf("expected Deactivate to clear the stall flag")
	}

	p.FinishFlush(ts)
	p.Release(ts)

	select {
	case <-result:
	case <-time.After(time.Second):
		t.Fatalf("Deactivate did not unpark the blocked acquirer")
	}
}

func TestThreadPoolFewestWaitersAllocation(t *testing.T) {
	p := NewThreadPool(2, nil)
	slots := p.Slots()
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(slots))
	}

	ts1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	ts2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	if ts1 == ts2 {
		t.Fatalf("expected two distinct slots for two concurrent acquires")
	}
	p.Release(ts1)
	p.Release(ts2)
}
