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

package bus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devgodzilla/core/internal/bus"
	"github.com/devgodzilla/core/internal/store"
	"github.com/devgodzilla/core/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishPersistsAndAssignsID(t *testing.T) {
	s := memory.New()
	b := bus.New(s, nil)

	id, err := b.Publish(context.Background(), &store.Event{EventType: "protocol.started", Message: "m"})
	require.NoError(t, err)
	assert.NotZero(t, id)

	events, err := s.ListEvents(context.Background(), store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestSubscribeReceivesMatchingEventType(t *testing.T) {
	b := bus.New(nil, nil)
	var got *store.Event
	var mu sync.Mutex
	b.Subscribe("step.completed", func(ctx context.Context, e *store.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = e
	})
	b.Subscribe("step.failed", func(ctx context.Context, e *store.Event) {
		t.Fatal("should not receive a non-matching event type")
	})

	_, err := b.Publish(context.Background(), &store.Event{EventType: "step.completed", Message: "done"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, "done", got.Message)
}

func TestWildcardSubscriberReceivesEveryEvent(t *testing.T) {
	b := bus.New(nil, nil)
	count := 0
	var mu sync.Mutex
	b.Subscribe("", func(ctx context.Context, e *store.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	_, _ = b.Publish(context.Background(), &store.Event{EventType: "a"})
	_, _ = b.Publish(context.Background(), &store.Event{EventType: "b"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count)
}

func TestHandlerPanicDoesNotStopOtherHandlers(t *testing.T) {
	b := bus.New(nil, nil)
	ran := false
	b.Subscribe("x", func(ctx context.Context, e *store.Event) {
		panic("boom")
	})
	b.Subscribe("x", func(ctx context.Context, e *store.Event) {
		ran = true
	})

	_, err := b.Publish(context.Background(), &store.Event{EventType: "x"})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestPublishAsyncPreservesPerPublisherOrder(t *testing.T) {
	s := memory.New()
	b := bus.New(s, nil)
	defer b.Close()

	var mu sync.Mutex
	var seqByProtocol = map[int64][]int{}
	done := make(chan struct{})
	var count int

	b.Subscribe("step.progress", func(ctx context.Context, e *store.Event) {
		mu.Lock()
		defer mu.Unlock()
		n, _ := e.Metadata["seq"].(int)
		seqByProtocol[*e.ProtocolRunID] = append(seqByProtocol[*e.ProtocolRunID], n)
		count++
		if count == 20 {
			close(done)
		}
	})

	const protocols = 2
	const perProtocol = 10
	for i := 0; i < perProtocol; i++ {
		for p := int64(1); p <= protocols; p++ {
			pID := p
			b.PublishAsync(context.Background(), &store.Event{
				EventType:     "step.progress",
				ProtocolRunID: &pID,
				Metadata:      map[string]any{"seq": i},
			})
		}
	}

	<-done

	mu.Lock()
	defer mu.Unlock()
	for p := int64(1); p <= protocols; p++ {
		got := seqByProtocol[p]
		require.Len(t, got, perProtocol)
		for i, n := range got {
			assert.Equal(t, i, n, "protocol %d event %d out of order", p, i)
		}
	}
}

func TestPublishAsyncDroppedAfterClose(t *testing.T) {
	b := bus.New(nil, nil)
	b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	b.PublishAsync(ctx, &store.Event{EventType: "x"})
}
