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

// Package session implements the per-session checkout from spec.md §5: a
// TransactionRouter is accessed by at most one goroutine at a time, guarded
// by a session-scoped checkout a caller must acquire before any
// begin/attach/process/commit/abort call. This removes intra-router
// locking; the router itself carries none.
package session

import (
	"context"

	"github.com/pkg/errors"

	"github.com/shuvalov-mdb/shardkv/pkg/kv"
	"github.com/shuvalov-mdb/shardkv/pkg/syncutil"
)

// SessionID identifies a client session across statements.
type SessionID string

// entry pairs a session's router with the mutex that serializes access to
// it.
type entry struct {
	mu     syncutil.Mutex
	router *kv.TransactionRouter
}

// Registry is the process-wide map from session id to its checked-out
// TransactionRouter (spec.md §9, "expose them only as explicit
// dependencies").
type Registry struct {
	mu struct {
		syncutil.Mutex
		sessions map[SessionID]*entry
	}
	newRouter func(SessionID) *kv.TransactionRouter
}

// NewRegistry returns an empty Registry. newRouter lazily constructs a
// TransactionRouter the first time a session is checked out, matching
// spec.md §3's "created lazily on first request for the session" lifecycle.
func NewRegistry(newRouter func(SessionID) *kv.TransactionRouter) *Registry {
	r := &Registry{newRouter: newRouter}
	r.mu.sessions = make(map[SessionID]*entry)
	return r
}

// Checkout is the held lock on one session's router; callers must call
// Release when done, typically via defer.
type Checkout struct {
	e      *entry
	Router *kv.TransactionRouter
}

// Release relinquishes exclusive access to the router, letting another
// goroutine's Acquire proceed.
func (c *Checkout) Release() {
	c.e.mu.Unlock()
}

// Acquire blocks until the session's router is exclusively available, or
// ctx is done. It must be held for the duration of any
// begin/attach/process/commit/abort call against the returned router.
func (r *Registry) Acquire(ctx context.Context, sessionID SessionID) (*Checkout, error) {
	e := r.sessionEntry(sessionID)

	locked := make(chan struct{})
	go func() {
		e.mu.Lock()
		close(locked)
	}()

	select {
	case <-locked:
		return &Checkout{e: e, Router: e.router}, nil
	case <-ctx.Done():
		// The goroutine above will still acquire the lock eventually and
		// immediately find itself orphaned; to avoid leaking it we let it
		// finish acquiring and then unlock on our behalf.
		go func() {
			<-locked
			e.mu.Unlock()
		}()
		return nil, errors.Wrap(ctx.Err(), "acquiring session checkout")
	}
}

// Remove deletes a session's router entirely, e.g. on session close.
func (r *Registry) Remove(sessionID SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mu.sessions, sessionID)
}

func (r *Registry) sessionEntry(sessionID SessionID) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.mu.sessions[sessionID]
	if !ok {
		e = &entry{router: r.newRouter(sessionID)}
		r.mu.sessions[sessionID] = e
	}
	return e
}
