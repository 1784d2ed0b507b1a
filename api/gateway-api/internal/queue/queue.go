// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_queue

import (
	"sync"

	internal_type "github.com/rapidaai/lingua/api/gateway-api/internal/type"
)

// ============================================================================
// Bounded FIFO queue
// ============================================================================

// Queue is a bounded FIFO with a configurable overflow policy. Producers
// never block: Put applies the policy and reports whether any item was lost.
// Get blocks until an item is available or the queue is closed. A
// conditional-wait primitive wakes one waiting consumer after each put.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	cap    int
	policy internal_type.OverflowPolicy

	closed  bool
	dropped uint64
}

// New creates a queue of the given capacity (minimum 1).
func New[T any](capacity int, policy internal_type.OverflowPolicy) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{
		items:  make([]T, 0, capacity),
		cap:    capacity,
		policy: policy,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put offers an item. The return value is false when the offer caused a
// loss: with drop_oldest the head was discarded to make room, with
// drop_newest the item itself was rejected. Put never blocks.
func (q *Queue[T]) Put(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	accepted := true
	if len(q.items) >= q.cap {
		switch q.policy {
		case internal_type.DropNewest:
			q.dropped++
			return false
		default: // drop_oldest
			q.items = q.items[1:]
			q.dropped++
			accepted = false
		}
	}

	q.items = append(q.items, item)
	q.cond.Signal()
	return accepted
}

// Get blocks until an item is available, then removes and returns it. The
// second return value is false once the queue is closed and drained.
func (q *Queue[T]) Get() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	item := q.items[0]
	q.items[0] = zero // release the reference
	q.items = q.items[1:]
	return item, true
}

// TryGet removes and returns the head without blocking.
func (q *Queue[T]) TryGet() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// Clear discards all queued items and returns the discard count.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	q.items = make([]T, 0, q.cap)
	return n
}

// Close wakes all blocked consumers. Items still queued remain readable
// until drained; further puts are rejected.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Len returns the current depth.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the configured capacity.
func (q *Queue[T]) Cap() int { return q.cap }

// Policy returns the configured overflow policy.
func (q *Queue[T]) Policy() internal_type.OverflowPolicy { return q.policy }

// Dropped returns the number of items lost to overflow since creation.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
