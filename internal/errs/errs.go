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

// Package errs defines the core's error taxonomy as categorized outcomes
// rather than exception-shaped control flow. Every boundary (HTTP facade,
// event bus, webhook intake) converts an error to one of these categories
// before it crosses out of the core.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a coarse error category, not a concrete error type. It lets
// callers branch on errors.Is/As without inspecting message strings.
type Kind string

const (
	// KindInvalidTransition is returned when an operation is illegal for the
	// entity's current status. The store is never mutated.
	KindInvalidTransition Kind = "invalid_transition"
	// KindNotFound is returned when a referenced entity does not exist.
	KindNotFound Kind = "not_found"
	// KindValidation is returned when a payload or configuration value
	// fails a constraint check.
	KindValidation Kind = "validation_error"
	// KindAgentUnavailable is returned when an engine binary or its
	// credentials cannot be resolved.
	KindAgentUnavailable Kind = "agent_unavailable"
	// KindExecutionBlocked is returned when an agent requested clarifying
	// information mid-execution.
	KindExecutionBlocked Kind = "execution_blocked"
	// KindTimeout is returned when a wall-clock execution budget expired.
	KindTimeout Kind = "timeout"
	// KindTransient is returned for network/rate-limit class failures that
	// are safe to retry with backoff.
	KindTransient Kind = "transient_error"
	// KindExternalExecutor is returned when the external job-execution
	// service itself misbehaves (malformed response, unreachable, 5xx).
	KindExternalExecutor Kind = "external_executor_error"
	// KindWebhookDrop is returned (and swallowed by the caller) when a
	// webhook references an id unknown to the Store.
	KindWebhookDrop Kind = "webhook_drop_error"
	// KindConfiguration is returned when a startup-time configuration
	// constraint is violated; callers should abort startup.
	KindConfiguration Kind = "configuration_error"
)

// Error is a categorized error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, errs.KindNotFound)-style comparisons by
// treating a bare Kind value as a sentinel target.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New builds a categorized error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a category to an existing error without losing its chain.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind of err, walking the Unwrap chain. The zero Kind
// ("") is returned when err carries no categorized error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err (or any error in its chain) carries kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind && kind != ""
}
