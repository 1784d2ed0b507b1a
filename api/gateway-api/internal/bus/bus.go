// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_bus

import (
	"context"
	"fmt"
	"sync"

	internal_queue "github.com/rapidaai/lingua/api/gateway-api/internal/queue"
	internal_type "github.com/rapidaai/lingua/api/gateway-api/internal/type"
	"github.com/rapidaai/lingua/pkg/commons"
)

// ============================================================================
// Fan-out event bus
// ============================================================================

// Handler consumes items from one bus. CanHandle filters at publish time so
// a handler's queue only ever holds items it will process.
type Handler[T any] interface {
	Name() string
	CanHandle(item T) bool
	Handle(ctx context.Context, item T) error
}

type registration[T any] struct {
	handler Handler[T]
	queue   *internal_queue.Queue[T]

	// paused gates worker dispatch; the queue keeps accepting while paused.
	pauseMu sync.Mutex
	pauseCn *sync.Cond
	paused  bool
}

// Bus fans one publisher out to N independent handler queues. One handler's
// overflow never blocks another; producers never wait on consumers. Shutdown
// drains nothing; under overload drops are the intended behaviour.
type Bus[T any] struct {
	name   string
	logger commons.Logger

	queueMax int
	policy   internal_type.OverflowPolicy

	mu       sync.RWMutex
	handlers map[string]*registration[T]
	order    []string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// New creates a named bus whose handler queues are bounded at queueMax with
// the given overflow policy.
func New[T any](name string, logger commons.Logger, queueMax int, policy internal_type.OverflowPolicy) *Bus[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus[T]{
		name:     name,
		logger:   logger,
		queueMax: queueMax,
		policy:   policy,
		handlers: make(map[string]*registration[T]),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register adds a handler and starts `concurrency` workers pulling from its
// private queue. Duplicate names are rejected.
func (b *Bus[T]) Register(h Handler[T], concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return fmt.Errorf("bus %s is shut down", b.name)
	}
	if _, exists := b.handlers[h.Name()]; exists {
		return fmt.Errorf("handler %s already registered on bus %s", h.Name(), b.name)
	}

	reg := &registration[T]{
		handler: h,
		queue:   internal_queue.New[T](b.queueMax, b.policy),
	}
	reg.pauseCn = sync.NewCond(&reg.pauseMu)
	b.handlers[h.Name()] = reg
	b.order = append(b.order, h.Name())

	for i := 0; i < concurrency; i++ {
		b.wg.Add(1)
		go b.worker(reg)
	}
	return nil
}

func (b *Bus[T]) worker(reg *registration[T]) {
	defer b.wg.Done()
	for {
		// Honour pause before pulling the next item.
		reg.pauseMu.Lock()
		for reg.paused && b.ctx.Err() == nil {
			reg.pauseCn.Wait()
		}
		reg.pauseMu.Unlock()

		if b.ctx.Err() != nil {
			return
		}

		item, ok := reg.queue.Get()
		if !ok {
			return
		}
		if b.ctx.Err() != nil {
			// Cancelled mid-pull: a cancelled task must not process further.
			return
		}

		// A pause may land while this worker was blocked in Get. Park with
		// the pulled item until Resume, so Pause is a hard fence: nothing
		// dispatches after it returns.
		reg.pauseMu.Lock()
		for reg.paused && b.ctx.Err() == nil {
			reg.pauseCn.Wait()
		}
		reg.pauseMu.Unlock()

		if b.ctx.Err() != nil {
			return
		}

		if err := reg.handler.Handle(b.ctx, item); err != nil {
			b.logger.Warnw("bus handler error",
				"bus", b.name, "handler", reg.handler.Name(), "error", err)
		}
	}
}

// Publish offers the item to every handler whose CanHandle accepts it. Each
// queue is offered independently; overflow on one never affects another.
func (b *Bus[T]) Publish(item T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stopped {
		return
	}
	for _, name := range b.order {
		reg := b.handlers[name]
		if !reg.handler.CanHandle(item) {
			continue
		}
		if !reg.queue.Put(item) {
			b.logger.Warnw("bus handler queue overflow",
				"bus", b.name,
				"handler", name,
				"depth", reg.queue.Len(),
				"policy", string(reg.queue.Policy()))
		}
	}
}

// Pause stops dispatch to the named handler. Its queue continues to accept
// (subject to the overflow policy).
func (b *Bus[T]) Pause(name string) {
	b.mu.RLock()
	reg, ok := b.handlers[name]
	b.mu.RUnlock()
	if !ok {
		return
	}
	reg.pauseMu.Lock()
	reg.paused = true
	reg.pauseMu.Unlock()
}

// Resume releases a paused handler.
func (b *Bus[T]) Resume(name string) {
	b.mu.RLock()
	reg, ok := b.handlers[name]
	b.mu.RUnlock()
	if !ok {
		return
	}
	reg.pauseMu.Lock()
	reg.paused = false
	reg.pauseCn.Broadcast()
	reg.pauseMu.Unlock()
}

// Depth returns the queue depth of the named handler, -1 if unknown.
func (b *Bus[T]) Depth(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if reg, ok := b.handlers[name]; ok {
		return reg.queue.Len()
	}
	return -1
}

// Dropped returns the overflow loss count of the named handler.
func (b *Bus[T]) Dropped(name string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if reg, ok := b.handlers[name]; ok {
		return reg.queue.Dropped()
	}
	return 0
}

// Shutdown cancels workers and closes all handler queues. Queued items are
// abandoned by design.
func (b *Bus[T]) Shutdown() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	regs := make([]*registration[T], 0, len(b.handlers))
	for _, reg := range b.handlers {
		regs = append(regs, reg)
	}
	b.mu.Unlock()

	b.cancel()
	for _, reg := range regs {
		reg.queue.Close()
		// Wake paused workers so they observe the cancellation.
		reg.pauseMu.Lock()
		reg.pauseCn.Broadcast()
		reg.pauseMu.Unlock()
	}
	b.wg.Wait()
}
