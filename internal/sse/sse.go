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

// Package sse implements the event-log tailer and job-log tailer that
// back an SSE stream (spec.md §4.5 and §6's wire format), without owning
// any HTTP route itself. A façade wires these onto net/http.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/devgodzilla/core/internal/store"
)

// HeartbeatInterval is how long the event tailer waits with nothing new
// before emitting a heartbeat comment.
const HeartbeatInterval = 30 * time.Second

// PollInterval is how often the tailer re-queries the store for new
// events while idle, between heartbeats.
const PollInterval = 100 * time.Millisecond

// Filter narrows which events an EventTailer yields.
type Filter struct {
	ProjectID     int64
	ProtocolRunID int64
	EventCategory string
	EventType     string
}

// EventTailer streams store.Event rows to w as they're appended, starting
// strictly after sinceID.
type EventTailer struct {
	events store.EventStore
	logger *slog.Logger
}

// NewEventTailer creates an EventTailer over the given EventStore.
func NewEventTailer(events store.EventStore, logger *slog.Logger) *EventTailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventTailer{events: events, logger: logger}
}

// Run streams to w until ctx is cancelled. It immediately emits a
// "connected" sentinel, then loops: reading events with id > watermark
// (starting at sinceID), writing each as an SSE frame, advancing the
// watermark, and sleeping on idle; a heartbeat comment is emitted after
// HeartbeatInterval of no new events. flush is called after every write
// that should reach the client without buffering delay (e.g.
// http.Flusher.Flush); it may be nil.
func (t *EventTailer) Run(ctx context.Context, w io.Writer, sinceID int64, filter Filter, flush func()) error {
	if err := writeConnected(w); err != nil {
		return err
	}
	doFlush(flush)

	watermark := sinceID
	lastActivity := time.Now()
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			events, err := t.events.ListEvents(ctx, store.EventFilter{
				SinceID:       watermark,
				ProjectID:     filter.ProjectID,
				ProtocolRunID: filter.ProtocolRunID,
				EventCategory: filter.EventCategory,
				EventType:     filter.EventType,
			})
			if err != nil {
				t.logger.Error("sse: failed to list events", "error", err)
				continue
			}

			if len(events) == 0 {
				if time.Since(lastActivity) >= HeartbeatInterval {
					if err := writeHeartbeat(w); err != nil {
						return err
					}
					doFlush(flush)
					lastActivity = time.Now()
				}
				continue
			}

			for _, e := range events {
				if err := writeEvent(w, e); err != nil {
					return err
				}
				watermark = e.ID
			}
			doFlush(flush)
			lastActivity = time.Now()
		}
	}
}

func writeConnected(w io.Writer) error {
	_, err := fmt.Fprint(w, "event: connected\ndata: {\"type\":\"connected\"}\n\n")
	return err
}

func writeHeartbeat(w io.Writer) error {
	_, err := fmt.Fprint(w, ": heartbeat\n\n")
	return err
}

func writeEvent(w io.Writer, e *store.Event) error {
	payload := map[string]any{
		"event_type":      e.EventType,
		"message":         e.Message,
		"project_id":      e.ProjectID,
		"protocol_run_id": e.ProtocolRunID,
		"step_run_id":     e.StepRunID,
		"metadata":        e.Metadata,
		"created_at":      e.CreatedAt,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.ID, e.EventType, data)
	return err
}

func doFlush(flush func()) {
	if flush != nil {
		flush()
	}
}
