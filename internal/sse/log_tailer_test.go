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

package sse_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devgodzilla/core/internal/sse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogTailerStreamsAppendedBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "step.log")
	require.NoError(t, os.WriteFile(path, []byte("line one\n"), 0o644))

	tailer := sse.NewLogTailer()
	buf := &syncBuffer{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = tailer.Run(ctx, buf, path, 0, nil)
		close(done)
	}()

	time.Sleep(150 * time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("line two\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	time.Sleep(250 * time.Millisecond)
	cancel()
	<-done

	out := buf.String()
	assert.Contains(t, out, "line one")
	assert.Contains(t, out, "line two")
}

func TestLogTailerTreatsTruncationAsRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "step.log")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	tailer := sse.NewLogTailer()
	buf := &syncBuffer{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = tailer.Run(ctx, buf, path, 10, nil)
		close(done)
	}()

	time.Sleep(150 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("short"), 0o644))

	time.Sleep(250 * time.Millisecond)
	cancel()
	<-done

	assert.Contains(t, buf.String(), "short")
}
