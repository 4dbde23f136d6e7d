// Copyright 2014 The Cockroach Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package future

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromiseResolveIsSettleOnce(t *testing.T) {
	p := NewPromise[int]()
	p.Resolve(1)
	p.Resolve(2) // must be a no-op

	v, err := p.Future().Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.True(t, p.Settled())
}

func TestPromiseRejectIsSettleOnce(t *testing.T) {
	p := NewPromise[int]()
	boom := assert.AnError
	p.Reject(boom)
	p.Resolve(42) // must be a no-op; reject already settled it

	_, err := p.Future().Wait(context.Background())
	assert.Equal(t, boom, err)
}

func TestFutureWaitRespectsContextCancellation(t *testing.T) {
	p := NewPromise[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Future().Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, p.Settled(), "a cancelled wait must never mutate the promise")
}

func TestReadyAndFailedHelpers(t *testing.T) {
	v, err := Ready(7).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = Failed[int](assert.AnError).Wait(context.Background())
	assert.Equal(t, assert.AnError, err)
}

func TestWaitAnyReturnsFirstSettled(t *testing.T) {
	slow := NewPromise[struct{}]()
	fast := NewPromise[struct{}]()
	time.AfterFunc(5*time.Millisecond, func() { fast.Resolve(struct{}{}) })

	idx, err := WaitAny(context.Background(), slow.Future(), fast.Future())
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestWaitAnyHonorsDeadline(t *testing.T) {
	never := NewPromise[struct{}]()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	idx, err := WaitAny(ctx, never.Future())
	assert.Equal(t, -1, idx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDeadlineSettlesAfterDuration(t *testing.T) {
	d := NewDeadline(5 * time.Millisecond)
	defer d.Stop()

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("deadline never settled")
	}
}
