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
	"strings"

	"github.com/shuvalov-mdb/shardkv/pkg/syncutil"
)

// Registry is the process-wide mapping from tenant identifier to the
// Blocker gating that tenant, per spec.md §3's "Access Blocker Registry".
// A tenant identifier is a UTF-8 string prefix on database names: a lookup
// by database name returns the blocker whose TenantID prefixes it, if any.
//
// Lookups are frequent (every routed statement probes the registry) and
// insert/remove are rare (tied to migration start/garbage-collection), so
// the registry is guarded by a reader/writer mutex rather than a single
// exclusive lock.
type Registry struct {
	mu struct {
		syncutil.RWMutex
		byTenant map[string]*Blocker
	}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.mu.byTenant = make(map[string]*Blocker)
	return r
}

// Add installs b, keyed by b.TenantID. It replaces any existing blocker for
// the same tenant, which is the expected path when a migration is retried
// after its state document is deleted and recreated.
func (r *Registry) Add(b *Blocker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mu.byTenant[b.TenantID] = b
}

// Remove deletes the blocker for tenantID, e.g. once its state document has
// been garbage-collected.
func (r *Registry) Remove(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mu.byTenant, tenantID)
}

// Get returns the blocker registered exactly under tenantID, if any.
func (r *Registry) Get(tenantID string) (*Blocker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.mu.byTenant[tenantID]
	return b, ok
}

// ForDatabase returns the blocker whose TenantID is a prefix of dbName, if
// one exists. Tenant-prefixed database names (e.g. "tenant5_orders" under
// tenant id "tenant5_") are how a routed statement's target database maps
// back to an active migration.
//
// At most one tenant id is expected to prefix any given database name; if
// more than one does (a misconfiguration), ForDatabase deterministically
// returns the longest matching prefix.
func (r *Registry) ForDatabase(dbName string) (*Blocker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Blocker
	var bestLen int
	for tenantID, b := range r.mu.byTenant {
		if strings.HasPrefix(dbName, tenantID) && len(tenantID) > bestLen {
			best = b
			bestLen = len(tenantID)
		}
	}
	return best, best != nil
}

// Len reports the number of tenants currently registered. Used by tests and
// diagnostics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mu.byTenant)
}
