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

package tenant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuvalov-mdb/shardkv/pkg/stop"
)

func TestRegistryForDatabasePrefixMatch(t *testing.T) {
	stopper := stop.NewStopper()
	t.Cleanup(func() { stopper.Stop(context.Background()) })

	r := NewRegistry()
	b := New("tenant5_", "recipient:27017", immediateWaiter{}, stopper)
	r.Add(b)

	found, ok := r.ForDatabase("tenant5_orders")
	require.True(t, ok)
	assert.Same(t, b, found)

	_, ok = r.ForDatabase("tenant9_orders")
	assert.False(t, ok)
}

func TestRegistryForDatabasePrefersLongestPrefix(t *testing.T) {
	stopper := stop.NewStopper()
	t.Cleanup(func() { stopper.Stop(context.Background()) })

	r := NewRegistry()
	outer := New("tenant", "recipient:1", immediateWaiter{}, stopper)
	inner := New("tenant5_", "recipient:2", immediateWaiter{}, stopper)
	r.Add(outer)
	r.Add(inner)

	found, ok := r.ForDatabase("tenant5_orders")
	require.True(t, ok)
	assert.Same(t, inner, found)
}

func TestRegistryRemove(t *testing.T) {
	stopper := stop.NewStopper()
	t.Cleanup(func() { stopper.Stop(context.Background()) })

	r := NewRegistry()
	b := New("tenant5_", "recipient:27017", immediateWaiter{}, stopper)
	r.Add(b)
	require.Equal(t, 1, r.Len())

	r.Remove("tenant5_")
	assert.Equal(t, 0, r.Len())
	_, ok := r.Get("tenant5_")
	assert.False(t, ok)
}
