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

package executor

import (
	"context"
	"sync/atomic"
	"testing"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyTransport struct {
	failures int32
	calls    int32
}

func (f *flakyTransport) SendCommand(
	ctx context.Context, shard ShardID, database, command string, body map[string]any,
) (Response, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failures {
		return Response{}, &RetryableTransportError{Cause: context.DeadlineExceeded}
	}
	return Response{OK: true}, nil
}

func TestSendRetriesIdempotentUpToThreeAttempts(t *testing.T) {
	transport := &flakyTransport{failures: 2}
	exec := New(transport, opentracing.NoopTracer{})

	resp, err := exec.Send(context.Background(), Target{Shard: "shard1", Command: "commitTransaction"}, true)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.EqualValues(t, 3, transport.calls)
}

func TestSendDoesNotRetryNonIdempotent(t *testing.T) {
	transport := &flakyTransport{failures: 1}
	exec := New(transport, opentracing.NoopTracer{})

	_, err := exec.Send(context.Background(), Target{Shard: "shard1", Command: "find"}, false)
	assert.Error(t, err)
	assert.EqualValues(t, 1, transport.calls)
}

func TestSendExhaustsRetriesAndReturnsError(t *testing.T) {
	transport := &flakyTransport{failures: 10}
	exec := New(transport, opentracing.NoopTracer{})

	_, err := exec.Send(context.Background(), Target{Shard: "shard1", Command: "commitTransaction"}, true)
	assert.Error(t, err)
	assert.EqualValues(t, maxIdempotentRetries, transport.calls)
}

func TestSendNonRetryableErrorSurfacesImmediately(t *testing.T) {
	transport := &flakyTransport{}
	exec := New(transport, opentracing.NoopTracer{})
	exec.transport = staticErrTransport{}

	_, err := exec.Send(context.Background(), Target{Shard: "shard1", Command: "commitTransaction"}, true)
	assert.Error(t, err)
}

type staticErrTransport struct{}

func (staticErrTransport) SendCommand(
	ctx context.Context, shard ShardID, database, command string, body map[string]any,
) (Response, error) {
	return Response{}, assertAnError{}
}

type assertAnError struct{}

func (assertAnError) Error() string { return "fatal, not retryable" }

func TestSendAllDispatchesInParallel(t *testing.T) {
	transport := &flakyTransport{}
	exec := New(transport, opentracing.NoopTracer{})

	targets := []Target{
		{Shard: "shard1", Command: "commitTransaction"},
		{Shard: "shard2", Command: "commitTransaction"},
		{Shard: "shard3", Command: "commitTransaction"},
	}
	resps, err := exec.SendAll(context.Background(), targets, true)
	require.NoError(t, err)
	assert.Len(t, resps, 3)
	for _, r := range resps {
		assert.True(t, r.OK)
	}
}
