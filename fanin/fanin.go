// Package fanin interleaves multiple asynchronous sequences into one.
// Per-source order is preserved; order across sources is arrival order. A
// slow source never holds up items from a fast one, since every source is
// driven by its own goroutine into a shared queue.
package fanin

import (
	"context"
	"iter"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/sync"
)

// Merger is the shared consumption point for any number of added sources.
// The zero value is usable. Add and Next may be called concurrently;
// consumption ends only when no source is still running.
type Merger[T any] struct {
	mu     sync.Mutex
	items  chan T
	active int
	// Broadcast when a source starts or finishes.
	cond    chansync.BroadcastCond
	stopped chansync.SetOnce
	// First error yielded by any source.
	err error
}

const queueCapacity = 16

func (me *Merger[T]) initLocked() {
	if me.items == nil {
		me.items = make(chan T, queueCapacity)
	}
}

// Add registers a source and starts draining it. Safe to call mid-iteration:
// a source added after all earlier ones finished makes the merger live
// again. A source that yields a non-nil error is abandoned at that point,
// recording the first such error for Err.
func (me *Merger[T]) Add(seq iter.Seq2[T, error]) {
	me.mu.Lock()
	me.initLocked()
	me.active++
	me.cond.Broadcast()
	me.mu.Unlock()
	go me.drain(seq)
}

func (me *Merger[T]) drain(seq iter.Seq2[T, error]) {
	defer func() {
		me.mu.Lock()
		me.active--
		me.cond.Broadcast()
		me.mu.Unlock()
	}()
	for v, err := range seq {
		if err != nil {
			me.mu.Lock()
			if me.err == nil {
				me.err = err
			}
			me.mu.Unlock()
			return
		}
		select {
		case me.items <- v:
		case <-me.stopped.Done():
			return
		}
	}
}

// Next blocks for the next item from any source. ok is false when every
// source has finished and the queue is drained, when the merger is stopped,
// or when ctx is done.
func (me *Merger[T]) Next(ctx context.Context) (v T, ok bool) {
	for {
		me.mu.Lock()
		me.initLocked()
		active := me.active
		changed := me.cond.Signaled()
		me.mu.Unlock()
		select {
		case v = <-me.items:
			return v, true
		default:
		}
		if active == 0 {
			// Sources only go inactive after their last item is queued, so
			// anything still owed is receivable right now.
			select {
			case v = <-me.items:
				return v, true
			default:
				return v, false
			}
		}
		select {
		case v = <-me.items:
			return v, true
		case <-changed:
		case <-me.stopped.Done():
			return v, false
		case <-ctx.Done():
			return v, false
		}
	}
}

// Iter adapts the merged output to a range-able sequence.
func (me *Merger[T]) Iter(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, ok := me.Next(ctx)
			if !ok || !yield(v) {
				return
			}
		}
	}
}

// Stop releases all producers and consumers. Idempotent.
func (me *Merger[T]) Stop() {
	me.stopped.Set()
}

// Err reports the first error any source yielded, if any.
func (me *Merger[T]) Err() error {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.err
}
