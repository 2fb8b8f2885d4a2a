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

package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/devgodzilla/core/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndKindOf(t *testing.T) {
	err := errs.New(errs.KindNotFound, "project %d", 7)
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
	assert.True(t, errs.Is(err, errs.KindNotFound))
	assert.False(t, errs.Is(err, errs.KindTimeout))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := errs.Wrap(errs.KindTransient, cause, "windmill health check")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, errs.KindTransient, errs.KindOf(err))
}

func TestIsMatchesSentinelByKind(t *testing.T) {
	sentinel := errs.New(errs.KindInvalidTransition, "")
	err := errs.New(errs.KindInvalidTransition, "protocol 1 is completed")

	assert.True(t, errors.Is(err, sentinel))
}

func TestKindOfUncategorizedErrorIsEmpty(t *testing.T) {
	assert.Equal(t, errs.Kind(""), errs.KindOf(errors.New("boom")))
	assert.False(t, errs.Is(errors.New("boom"), errs.KindNotFound))
}
