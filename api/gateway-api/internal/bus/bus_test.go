// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_type "github.com/rapidaai/lingua/api/gateway-api/internal/type"
	"github.com/rapidaai/lingua/pkg/commons"
)

// ============================================================================
// Test helpers
// ============================================================================

type collectingHandler struct {
	name   string
	filter func(int) bool
	err    error

	mu    sync.Mutex
	items []int
	seen  chan int
}

func newCollector(name string, filter func(int) bool) *collectingHandler {
	return &collectingHandler{
		name:   name,
		filter: filter,
		seen:   make(chan int, 1024),
	}
}

func (h *collectingHandler) Name() string { return h.name }

func (h *collectingHandler) CanHandle(item int) bool {
	if h.filter == nil {
		return true
	}
	return h.filter(item)
}

func (h *collectingHandler) Handle(_ context.Context, item int) error {
	h.mu.Lock()
	h.items = append(h.items, item)
	h.mu.Unlock()
	h.seen <- item
	return h.err
}

func (h *collectingHandler) collected() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int, len(h.items))
	copy(out, h.items)
	return out
}

func waitFor(t *testing.T, ch chan int, n int) []int {
	t.Helper()
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		select {
		case v := <-ch:
			out = append(out, v)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for item %d of %d", i+1, n)
		}
	}
	return out
}

func newTestBus(t *testing.T, queueMax int) *Bus[int] {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	b := New[int]("test", logger, queueMax, internal_type.DropOldest)
	t.Cleanup(b.Shutdown)
	return b
}

// ============================================================================
// Publish / fan-out
// ============================================================================

func TestPublish_DeliversToHandler(t *testing.T) {
	b := newTestBus(t, 16)
	h := newCollector("sink", nil)
	require.NoError(t, b.Register(h, 1))

	b.Publish(42)

	got := waitFor(t, h.seen, 1)
	assert.Equal(t, []int{42}, got)
}

func TestPublish_FanOutIndependentQueues(t *testing.T) {
	b := newTestBus(t, 16)
	h1 := newCollector("one", nil)
	h2 := newCollector("two", nil)
	require.NoError(t, b.Register(h1, 1))
	require.NoError(t, b.Register(h2, 1))

	for i := 0; i < 5; i++ {
		b.Publish(i)
	}

	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4}, waitFor(t, h1.seen, 5))
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4}, waitFor(t, h2.seen, 5))
}

func TestPublish_RespectsCanHandle(t *testing.T) {
	b := newTestBus(t, 16)
	even := newCollector("even", func(v int) bool { return v%2 == 0 })
	require.NoError(t, b.Register(even, 1))

	for i := 0; i < 6; i++ {
		b.Publish(i)
	}

	got := waitFor(t, even.seen, 3)
	assert.ElementsMatch(t, []int{0, 2, 4}, got)
	assert.Equal(t, 0, b.Depth("even"))
}

func TestPublish_SingleWorkerPreservesOrder(t *testing.T) {
	b := newTestBus(t, 64)
	h := newCollector("ordered", nil)
	require.NoError(t, b.Register(h, 1))

	for i := 0; i < 20; i++ {
		b.Publish(i)
	}

	got := waitFor(t, h.seen, 20)
	for i, v := range got {
		assert.Equal(t, i, v, "single-concurrency handler must observe publish order")
	}
}

// ============================================================================
// Registration
// ============================================================================

func TestRegister_DuplicateNameRejected(t *testing.T) {
	b := newTestBus(t, 4)
	require.NoError(t, b.Register(newCollector("dup", nil), 1))
	assert.Error(t, b.Register(newCollector("dup", nil), 1))
}

func TestRegister_AfterShutdownRejected(t *testing.T) {
	logger, _ := commons.NewApplicationLogger()
	b := New[int]("dead", logger, 4, internal_type.DropOldest)
	b.Shutdown()
	assert.Error(t, b.Register(newCollector("late", nil), 1))
}

// ============================================================================
// Errors are logged and swallowed
// ============================================================================

func TestHandle_ErrorDoesNotStopWorker(t *testing.T) {
	b := newTestBus(t, 16)
	h := newCollector("flaky", nil)
	h.err = errors.New("boom")
	require.NoError(t, b.Register(h, 1))

	b.Publish(1)
	b.Publish(2)

	got := waitFor(t, h.seen, 2)
	assert.Equal(t, []int{1, 2}, got, "worker keeps consuming after a handler error")
}

// ============================================================================
// Pause / resume
// ============================================================================

func TestPause_StopsDispatchQueueKeepsAccepting(t *testing.T) {
	b := newTestBus(t, 16)
	h := newCollector("pausable", nil)
	require.NoError(t, b.Register(h, 1))

	// Drain one item so the worker is parked on the queue, then pause.
	b.Publish(0)
	waitFor(t, h.seen, 1)
	b.Pause("pausable")
	time.Sleep(20 * time.Millisecond)

	b.Publish(1)
	b.Publish(2)

	// Pause is a hard fence: a worker that pulled an item concurrently with
	// the pause parks with it instead of dispatching. Nothing is handled
	// until Resume.
	select {
	case v := <-h.seen:
		t.Fatalf("item %d dispatched while paused", v)
	case <-time.After(50 * time.Millisecond):
	}
	assert.GreaterOrEqual(t, b.Depth("pausable"), 1, "queue accepts while paused")

	b.Resume("pausable")
	got := waitFor(t, h.seen, 2)
	assert.ElementsMatch(t, []int{1, 2}, got)
}

// ============================================================================
// Overflow
// ============================================================================

func TestPublish_OverflowAppliesPolicy(t *testing.T) {
	logger, _ := commons.NewApplicationLogger()
	b := New[int]("overflow", logger, 2, internal_type.DropOldest)
	defer b.Shutdown()

	h := newCollector("slow", nil)
	require.NoError(t, b.Register(h, 1))
	b.Pause("slow")
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 10; i++ {
		b.Publish(i)
	}

	assert.LessOrEqual(t, b.Depth("slow"), 2, "depth bounded by queue capacity")
	assert.GreaterOrEqual(t, b.Dropped("slow"), uint64(7))
}

// ============================================================================
// Shutdown
// ============================================================================

func TestShutdown_UnwindsWorkers(t *testing.T) {
	logger, _ := commons.NewApplicationLogger()
	b := New[int]("stopping", logger, 8, internal_type.DropOldest)

	h := newCollector("counter", nil)
	require.NoError(t, b.Register(h, 4))

	done := make(chan struct{})
	go func() {
		b.Shutdown() // must return: workers unwound even while idle
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not unwind idle workers")
	}

	// Publishing after shutdown is a silent no-op.
	b.Publish(99)
	select {
	case v := <-h.seen:
		t.Fatalf("no item should be handled after shutdown, got %d", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	logger, _ := commons.NewApplicationLogger()
	b := New[int]("twice", logger, 8, internal_type.DropOldest)
	require.NoError(t, b.Register(newCollector("h", nil), 2))
	b.Shutdown()
	b.Shutdown()
}

func TestShutdown_UnwindsPausedWorkers(t *testing.T) {
	logger, _ := commons.NewApplicationLogger()
	b := New[int]("paused-stop", logger, 8, internal_type.DropOldest)
	require.NoError(t, b.Register(newCollector("h", nil), 1))
	b.Pause("h")
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		b.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not unwind a paused worker")
	}
}
