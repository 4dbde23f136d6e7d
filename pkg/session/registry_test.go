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

package session

import (
	"context"
	"testing"
	"time"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuvalov-mdb/shardkv/pkg/executor"
	"github.com/shuvalov-mdb/shardkv/pkg/hlc"
	"github.com/shuvalov-mdb/shardkv/pkg/kv"
	"github.com/shuvalov-mdb/shardkv/pkg/tenant"
)

type noopTransport struct{}

func (noopTransport) SendCommand(
	ctx context.Context, shard executor.ShardID, database, command string, body map[string]any,
) (executor.Response, error) {
	return executor.Response{OK: true}, nil
}

func newTestRegistry() *Registry {
	clock := hlc.NewClock(nil)
	exec := executor.New(noopTransport{}, opentracing.NoopTracer{})
	metrics := kv.NewRouterMetrics(prometheus.NewRegistry())
	blockers := tenant.NewRegistry()
	shards := kv.ShardResolverFunc(func(kv.ShardID) bool { return true })
	return NewRegistry(func(SessionID) *kv.TransactionRouter {
		return kv.NewTransactionRouter("testdb", clock, exec, metrics, opentracing.NoopTracer{}, blockers, shards)
	})
}

func TestAcquireReturnsSameRouterForSameSession(t *testing.T) {
	r := newTestRegistry()

	c1, err := r.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	router1 := c1.Router
	c1.Release()

	c2, err := r.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	defer c2.Release()
	assert.Same(t, router1, c2.Router)
}

func TestAcquireSerializesAccessToOneSession(t *testing.T) {
	r := newTestRegistry()

	c1, err := r.Acquire(context.Background(), "s1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		c2, err := r.Acquire(context.Background(), "s1")
		require.NoError(t, err)
		close(acquired)
		c2.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire must not proceed while the first checkout is held")
	case <-time.After(20 * time.Millisecond):
	}

	c1.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never proceeded after release")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	r := newTestRegistry()
	c1, err := r.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	defer c1.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(ctx, "s1")
	assert.Error(t, err)
}

func TestRemoveDropsSession(t *testing.T) {
	r := newTestRegistry()
	c, err := r.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	router1 := c.Router
	c.Release()

	r.Remove("s1")

	c2, err := r.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	defer c2.Release()
	assert.NotSame(t, router1, c2.Router)
}
