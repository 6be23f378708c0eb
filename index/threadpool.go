// Copyright 2024 The Nakama-Index Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 		http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package index

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/heroiclabs/nakama-index/support"
)

// flushStartKey is the support.SlotCache key BeginFlush/FinishFlush use
// to time a slot's in-flight flush.
const flushStartKey = "flushStart"

// SlotState is one thread-state's lifecycle position (spec §4.2).
type SlotState int32

const (
	SlotAvailable SlotState = iota
	SlotHeld
	SlotFlushing
	SlotDeactivated
)

func (s SlotState) String() string {
	switch s {
	case SlotHeld:
		return "held"
	case SlotFlushing:
		return "flushing"
	case SlotDeactivated:
		return "deactivated"
	default:
		return "available"
	}
}

// ThreadState is one exclusive per-thread indexing slot: a mutex
// guarding one Accumulator, plus a waiter count used to spread
// contention (spec §4.2 "fewest waiters" allocation rule).
type ThreadState struct {
	mu          sync.Mutex
	state       SlotState
	accumulator *Accumulator
	waiters     int
}

// Acc returns the slot's accumulator. Callers must hold the slot
// (returned by ThreadPool.Acquire) before touching it.
func (t *ThreadState) Acc() *Accumulator { return t.accumulator }

// ThreadPool is the fixed-capacity array of thread states bounding
// concurrent indexing threads against flushing throughput (C2). It owns
// the single stall monitor shared by every slot.
type ThreadPool struct {
	logger *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	slots   []*ThreadState
	stalled bool

	flushingCount int
	activeCount   int

	closed bool

	cache *support.SlotCache
}

// NewThreadPool builds a pool of maxThreadStates slots, each pre-seeded
// with a pooled Accumulator, matching the teacher's pattern of sizing
// worker-state arrays off writer configuration at construction time.
func NewThreadPool(maxThreadStates int, logger *zap.Logger) *ThreadPool {
	if maxThreadStates <= 0 {
		maxThreadStates = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &ThreadPool{
		logger:      logger,
		slots:       make([]*ThreadState, maxThreadStates),
		activeCount: maxThreadStates,
		cache:       support.NewSlotCache(),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := range p.slots {
		p.slots[i] = &ThreadState{
			state:       SlotAvailable,
			accumulator: acquireAccumulator(),
		}
	}
	return p
}

// clearedPredicate is the condition that resets the stall flag: the
// number of concurrently-flushing accumulators must no longer exceed the
// number of active (non-deactivated) slots.
func (p *ThreadPool) clearedPredicate() bool {
	return p.flushingCount <= p.activeCount
}

// Acquire hands the calling goroutine exclusive ownership of a slot,
// parking on the stall monitor first if the writer has marked the pool
// stalled. The wait is interruptible via ctx; an interrupt releases
// nothing (no slot was held yet) and surfaces as InterruptedError.
func (p *ThreadPool) Acquire(ctx context.Context) (*ThreadState, error) {
	p.mu.Lock()
	for p.stalled {
		if ctx.Err() != nil {
			p.mu.Unlock()
			return nil, &InterruptedError{Op: "acquire thread-state (stalled)"}
		}
		// sync.Cond has no context-aware Wait; a watcher goroutine
		// broadcasts on ctx cancellation to unblock us, mirroring the
		// teacher's channel-based "wake everyone" idiom in
		// introducer.go/writer.go where a watcherChan is closed to
		// release every parked goroutine at once.
		stop := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				p.mu.Lock()
				p.cond.Broadcast()
				p.mu.Unlock()
			case <-stop:
			}
		}()
		p.cond.Wait()
		close(stop)
	}

	var best *ThreadState
	for _, s := range p.slots {
		if s.state == SlotDeactivated {
			continue
		}
		if s.state == SlotAvailable {
			best = s
			break
		}
	}
	if best == nil {
		// fewest-waiters allocation: every available slot is momentarily
		// busy, so queue behind the least-contended one.
		for _, s := range p.slots {
			if s.state == SlotDeactivated {
				continue
			}
			if best == nil || s.waiters < best.waiters {
				best = s
			}
		}
	}
	if best == nil {
		p.mu.Unlock()
		return nil, &InterruptedError{Op: "acquire thread-state (pool deactivated)"}
	}
	best.waiters++
	p.mu.Unlock()

	best.mu.Lock()
	p.mu.Lock()
	best.waiters--
	best.state = SlotHeld
	p.mu.Unlock()

	return best, nil
}

// indexOf returns t's position in the slot array, mirroring the linear
// scan Writer.slotIndex performs externally -- the pool needs the same
// small integer to key its own support.SlotCache entries.
func (p *ThreadPool) indexOf(t *ThreadState) int {
	for i, s := range p.slots {
		if s == t {
			return i
		}
	}
	return 0
}

// Release returns a held slot to Available, or leaves it Deactivated if
// the pool has been closed underneath the caller. Either way the slot's
// cached scratch state is purged (support.SlotCache's documented
// purge-on-release contract), since a newly acquired slot must never
// observe a stale flush timestamp left by a previous holder.
func (p *ThreadPool) Release(t *ThreadState) {
	p.cache.Clear(p.indexOf(t))

	p.mu.Lock()
	if t.state != SlotDeactivated {
		if p.closed {
			t.state = SlotDeactivated
			p.activeCount--
		} else {
			t.state = SlotAvailable
		}
	}
	p.mu.Unlock()
	t.mu.Unlock()

	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// BeginFlush transitions a held slot to Flushing and re-evaluates the
// stall flag: stalled is set whenever flushing count exceeds active slot
// count. A flushing slot is not "active" for this predicate's purposes
// until FinishFlush returns it to Held.
func (p *ThreadPool) BeginFlush(t *ThreadState) {
	p.cache.Put(p.indexOf(t), flushStartKey, time.Now())

	p.mu.Lock()
	t.state = SlotFlushing
	p.flushingCount++
	p.activeCount--
	if !p.clearedPredicate() {
		if !p.stalled {
			p.logger.Debug("indexing stalled", zap.Int("flushing", p.flushingCount), zap.Int("active", p.activeCount))
		}
		p.stalled = true
	}
	p.mu.Unlock()
}

// FinishFlush transitions a slot back to Held and double-checks the
// clear predicate before waking parked acquirers, avoiding the lost
// wake-up spec §4.2 calls out explicitly.
func (p *ThreadPool) FinishFlush(t *ThreadState) {
	idx := p.indexOf(t)
	if v, ok := p.cache.Get(idx, flushStartKey); ok {
		p.logger.Debug("flush finished", zap.Duration("elapsed", time.Since(v.(time.Time))))
		p.cache.Clear(idx)
	}

	p.mu.Lock()
	t.state = SlotHeld
	p.flushingCount--
	p.activeCount++
	if p.stalled && p.clearedPredicate() {
		p.stalled = false
		p.cond.Broadcast()
	}
	p.mu.Unlock()
}

// Deactivate marks every currently-Available slot Deactivated, as part
// of writer shutdown; a slot still Held or Flushing is deactivated by
// Release once its owner returns it (see Release). Deactivated slots
// never return to Available, and any parked acquirer is woken to
// re-evaluate against the shrunken pool.
func (p *ThreadPool) Deactivate() {
	p.mu.Lock()
	p.closed = true
	for _, s := range p.slots {
		if s.state == SlotAvailable {
			s.state = SlotDeactivated
			p.activeCount--
		}
	}
	p.stalled = false
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Slots exposes the underlying array, e.g. for RAM accounting across all
// accumulators (the writer's flush-trigger check walks this list).
func (p *ThreadPool) Slots() []*ThreadState {
	return p.slots
}

// Stalled reports whether the pool is currently refusing new Acquire
// calls to wait, used by the writer to attribute a stats.TotStallEvents
// tick to the acquire that actually had to park.
func (p *ThreadPool) Stalled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stalled
}
