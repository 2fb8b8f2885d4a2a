// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bus is the in-process event bus: every state change in the
// Orchestrator, Quality and Reconciliation services is published here,
// persisted to the durable event log via store.EventStore, and fanned out
// to subscribers (the SSE tailer among them). Publish runs subscribers in
// the caller's goroutine; PublishAsync hands the event to a worker pool so
// hot paths do not wait on subscribers. A handler panic never brings down
// the publisher.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/devgodzilla/core/internal/store"
)

// Handler processes a published event. A handler that panics is recovered
// and logged; it does not affect other handlers or the publisher.
type Handler func(ctx context.Context, e *store.Event)

// asyncWorkers is the size of PublishAsync's bounded worker pool.
const asyncWorkers = 8

// asyncQueueSize bounds each worker's backlog before PublishAsync applies
// backpressure to its caller.
const asyncQueueSize = 256

// asyncJob is one PublishAsync enqueue.
type asyncJob struct {
	ctx context.Context
	e   *store.Event
}

// Bus is the in-process event bus. The zero value is not usable; use New.
type Bus struct {
	logger *slog.Logger
	events store.EventStore

	mu          sync.RWMutex
	subscribers map[string][]Handler // event type -> handlers
	anySubs     []Handler            // subscribed to every event type

	queues []chan asyncJob
	closed chan struct{}
}

// New creates a Bus that persists every published event through events
// before fanning it out to subscribers. events may be nil for tests that
// only care about fan-out, in which case published events are not
// persisted and keep whatever id the caller set (zero by default).
func New(events store.EventStore, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger:      logger,
		events:      events,
		subscribers: make(map[string][]Handler),
		queues:      make([]chan asyncJob, asyncWorkers),
		closed:      make(chan struct{}),
	}
	for i := range b.queues {
		b.queues[i] = make(chan asyncJob, asyncQueueSize)
		go b.runWorker(b.queues[i])
	}
	return b
}

// Close stops every async worker once its queue drains. A PublishAsync
// call made after Close returns drops its event and logs the drop.
func (b *Bus) Close() {
	close(b.closed)
	for _, q := range b.queues {
		close(q)
	}
}

func (b *Bus) runWorker(queue chan asyncJob) {
	for job := range queue {
		if _, err := b.Publish(job.ctx, job.e); err != nil {
			b.logger.Error("bus: async publish failed", "error", err, "event_type", job.e.EventType)
		}
	}
}

// Subscribe registers handler for eventType. An empty eventType subscribes
// to every event, used by the SSE tailer and by audit-log style consumers.
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if eventType == "" {
		b.anySubs = append(b.anySubs, h)
		return
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], h)
}

// Publish persists e (assigning its durable id via the EventStore, if one
// was supplied) and synchronously notifies every matching subscriber. Each
// handler is invoked in its own recovered call so that one handler's panic
// cannot prevent the remaining handlers from running.
func (b *Bus) Publish(ctx context.Context, e *store.Event) (int64, error) {
	var id int64
	if b.events != nil {
		assigned, err := b.events.AppendEvent(ctx, e)
		if err != nil {
			return 0, err
		}
		id = assigned
	}

	b.mu.RLock()
	handlers := append([]Handler{}, b.anySubs...)
	handlers = append(handlers, b.subscribers[e.EventType]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(ctx, h, e)
	}

	return id, nil
}

// PublishAsync enqueues e for publication on a bounded worker pool, used by
// callers on a hot path (step completion, job polling) that must not block
// on slow subscribers. Events are sharded across workers by publisher
// (ProtocolRunID, falling back to StepRunID then ProjectID): every event
// from the same publisher always lands on the same worker, which drains
// its queue strictly in enqueue order, so PublishAsync preserves per-
// publisher ordering even though unrelated publishers' events may
// interleave. A full queue applies backpressure to the caller instead of
// spawning another goroutine; persistence failures are logged, not
// returned.
func (b *Bus) PublishAsync(ctx context.Context, e *store.Event) {
	select {
	case <-b.closed:
		b.logger.Error("bus: async publish dropped, bus closed", "event_type", e.EventType)
		return
	default:
	}
	queue := b.queues[publisherShard(e, len(b.queues))]
	select {
	case queue <- asyncJob{ctx: ctx, e: e}:
	case <-b.closed:
		b.logger.Error("bus: async publish dropped, bus closed", "event_type", e.EventType)
	case <-ctx.Done():
		b.logger.Error("bus: async publish dropped, context cancelled before enqueue", "event_type", e.EventType)
	}
}

// publisherShard maps e to a worker index. Events with no identifying id
// all share worker 0, which still preserves their relative order since
// PublishAsync enqueues are processed strictly FIFO per worker.
func publisherShard(e *store.Event, n int) int {
	var key int64
	switch {
	case e.ProtocolRunID != nil:
		key = *e.ProtocolRunID
	case e.StepRunID != nil:
		key = *e.StepRunID
	case e.ProjectID != nil:
		key = *e.ProjectID
	}
	if key < 0 {
		key = -key
	}
	return int(key % int64(n))
}

func (b *Bus) invoke(ctx context.Context, h Handler, e *store.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus: handler panicked", "event_type", e.EventType, "panic", r)
		}
	}()
	h(ctx, e)
}
