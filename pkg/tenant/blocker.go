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

// Package tenant implements the Tenant Migration Access Blocker (TMAB): a
// per-tenant gate installed on a donor replica set during a live tenant
// hand-off, and the process-wide registry that maps tenant identifiers to
// their blocker. See spec.md §4.1 for the full operation contract; this file
// is the state machine and the wait/notify plumbing described in spec.md §5.
package tenant

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/shuvalov-mdb/shardkv/pkg/future"
	"github.com/shuvalov-mdb/shardkv/pkg/hlc"
	"github.com/shuvalov-mdb/shardkv/pkg/rlog"
	"github.com/shuvalov-mdb/shardkv/pkg/stop"
	"github.com/shuvalov-mdb/shardkv/pkg/syncutil"
)

var log = rlog.AmbientContext{Component: "tenant"}

// State is one of the five TMAB states from spec.md §3.
type State int

const (
	// Allow is the initial state: the donor serves the tenant normally.
	Allow State = iota
	// BlockWrites rejects new writes but still serves reads.
	BlockWrites
	// BlockWritesAndReads additionally blocks reads at or after
	// BlockTimestamp.
	BlockWritesAndReads
	// Reject is terminal: the migration committed, clients are redirected.
	Reject
	// Aborted is terminal: the migration rolled back.
	Aborted
)

func (s State) String() string {
	switch s {
	case Allow:
		return "Allow"
	case BlockWrites:
		return "BlockWrites"
	case BlockWritesAndReads:
		return "BlockWritesAndReads"
	case Reject:
		return "Reject"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// OpTime is an opaque replication position used to decide when a commit or
// abort decision has reached majority durability. Ordering within a replica
// set's oplog is all that's required; the blocker never interprets it.
type OpTime struct {
	Term  int64
	Index int64
}

// Less reports whether o is ordered before other.
func (o OpTime) Less(other OpTime) bool {
	return o.Term < other.Term || (o.Term == other.Term && o.Index < other.Index)
}

// MajorityWaiter is the collaborator that knows how to wait for an OpTime to
// become majority-committed. It is out of scope per spec.md §1 ("storage
// engine mutex selection ... donor-side state machine"); the blocker only
// consumes it.
type MajorityWaiter interface {
	WaitForMajority(ctx context.Context, op OpTime) error
}

// completion is the payload of the blocker's one-shot CompletionPromise. An
// abort resolves the promise with an empty completion; a commit rejects the
// promise with TenantMigrationCommittedError instead of setting redirectErr.
type completion struct {
	redirectErr error
}

// Blocker is a per-tenant Tenant Migration Access Blocker. See spec.md §3
// for the field-level data model and §4.1 for operation semantics.
type Blocker struct {
	// TenantID and RecipientConnString are immutable for the life of the
	// blocker.
	TenantID            string
	RecipientConnString string

	waiter  MajorityWaiter
	stopper *stop.Stopper

	mu struct {
		syncutil.Mutex
		state               State
		blockTimestamp      *hlc.Timestamp
		commitOrAbortOpTime *OpTime
		// transition is closed and replaced on every state change; waiters
		// select on it to learn they must re-check their predicate, matching
		// the "spurious wake re-checks the predicate" rule in spec.md §5.
		transition chan struct{}
	}

	completionPromise *future.Promise[completion]
}

// New creates a Blocker in the Allow state. waiter and stopper are explicit
// dependencies (spec.md §9, "Global mutable state ... expose them only as
// explicit dependencies") so tests can supply fakes.
func New(tenantID, recipientConnString string, waiter MajorityWaiter, stopper *stop.Stopper) *Blocker {
	b := &Blocker{
		TenantID:            tenantID,
		RecipientConnString: recipientConnString,
		waiter:              waiter,
		stopper:             stopper,
		completionPromise:   future.NewPromise[completion](),
	}
	b.mu.state = Allow
	b.mu.transition = make(chan struct{})
	return b
}

// State returns the blocker's current state. Exposed for tests and
// AppendServerStatus; callers driving the protocol should use the typed
// operations below instead of branching on State directly.
func (b *Blocker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mu.state
}

// notifyLocked closes the current transition channel and installs a fresh
// one, waking every pending waiter. Must be called with mu held, and the
// close must happen before mu is released so a waiter that wakes always
// observes the new state when it re-acquires the lock.
func (b *Blocker) notifyLocked() {
	close(b.mu.transition)
	b.mu.transition = make(chan struct{})
}

// CheckCanWriteOrFail returns nil in Allow/Aborted. In BlockWrites/
// BlockWritesAndReads it returns a WriteBlockedError carrying this blocker as
// SelfHandle so the caller can wait then retry on the same shard. In Reject
// it returns WriteMustRedirectError.
func (b *Blocker) CheckCanWriteOrFail() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.mu.state {
	case Allow, Aborted:
		return nil
	case BlockWrites, BlockWritesAndReads:
		return &WriteBlockedError{TenantID: b.TenantID, SelfHandle: b}
	case Reject:
		return &WriteMustRedirectError{TenantID: b.TenantID, RecipientConnString: b.RecipientConnString}
	default:
		return errors.Errorf("tenant %s: unknown blocker state %v", b.TenantID, b.mu.state)
	}
}

// CanReadOrWaitFuture returns an immediately-ready future in Allow/Aborted,
// and also immediately if readTimestamp is unset or strictly less than
// BlockTimestamp. Otherwise: in BlockWritesAndReads it returns a future that
// completes once the blocker leaves that state; in Reject it returns an
// already-failed future carrying ReadMustRedirectError.
func (b *Blocker) CanReadOrWaitFuture(readTimestamp *hlc.Timestamp) *future.Future[struct{}] {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.mu.state {
	case Allow, Aborted:
		return future.Ready(struct{}{})
	}

	if readTimestamp == nil || (b.mu.blockTimestamp != nil && readTimestamp.Less(*b.mu.blockTimestamp)) {
		return future.Ready(struct{}{})
	}

	if b.mu.state == Reject {
		return future.Failed[struct{}](&ReadMustRedirectError{TenantID: b.TenantID, RecipientConnString: b.RecipientConnString})
	}

	if b.mu.state != BlockWritesAndReads {
		// BlockWrites: reads are never gated, only writes.
		return future.Ready(struct{}{})
	}

	// Block until the state changes, then re-check: we might wake into
	// Reject (fail), back into Allow (admit), or Aborted (admit).
	p := future.NewPromise[struct{}]()
	transition := b.mu.transition
	go b.awaitReadAdmission(p, transition, readTimestamp)
	return p.Future()
}

// awaitReadAdmission re-checks the read-admission predicate every time the
// blocker transitions, until the read is admitted or redirected.
func (b *Blocker) awaitReadAdmission(p *future.Promise[struct{}], transition chan struct{}, readTimestamp *hlc.Timestamp) {
	for {
		<-transition
		b.mu.Lock()
		state := b.mu.state
		blockTS := b.mu.blockTimestamp
		nextTransition := b.mu.transition
		b.mu.Unlock()

		switch state {
		case Allow, Aborted:
			p.Resolve(struct{}{})
			return
		case Reject:
			// A read that was already waiting when the blocker committed
			// observes the commit's own terminal error (spec.md §8 scenario
			// 4: "future fails with TenantMigrationCommitted"), not a bare
			// redirect — the completion promise is what actually carries it.
			_, err := b.completionPromise.Future().Wait(context.Background())
			if err == nil {
				err = &ReadMustRedirectError{TenantID: b.TenantID, RecipientConnString: b.RecipientConnString}
			}
			p.Reject(err)
			return
		}
		if blockTS != nil && readTimestamp.Less(*blockTS) {
			p.Resolve(struct{}{})
			return
		}
		if state == BlockWrites {
			// Rolled back to write-only blocking, which never gates reads.
			p.Resolve(struct{}{})
			return
		}
		transition = nextTransition
	}
}

// CheckLinearizableReadOrFail fails only in Reject: linearizable reads
// bypass BlockWritesAndReads because they have not yet chosen a snapshot.
func (b *Blocker) CheckLinearizableReadOrFail() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mu.state == Reject {
		return &ReadMustRedirectError{TenantID: b.TenantID, RecipientConnString: b.RecipientConnString}
	}
	return nil
}

// StartBlockingWrites transitions Allow -> BlockWrites.
func (b *Blocker) StartBlockingWrites() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mu.state != Allow {
		return errors.Wrapf(ErrInvalidStateTransition, "tenant %s: startBlockingWrites from %v", b.TenantID, b.mu.state)
	}
	if b.mu.blockTimestamp != nil || b.mu.commitOrAbortOpTime != nil {
		return errors.Wrapf(ErrInvalidStateTransition, "tenant %s: startBlockingWrites with stale timestamps", b.TenantID)
	}
	b.mu.state = BlockWrites
	b.notifyLocked()
	return nil
}

// StartBlockingReadsAfter transitions BlockWrites -> BlockWritesAndReads,
// recording the timestamp at or after which reads must wait.
func (b *Blocker) StartBlockingReadsAfter(ts hlc.Timestamp) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mu.state != BlockWrites {
		return errors.Wrapf(ErrInvalidStateTransition, "tenant %s: startBlockingReadsAfter from %v", b.TenantID, b.mu.state)
	}
	b.mu.state = BlockWritesAndReads
	b.mu.blockTimestamp = &ts
	b.notifyLocked()
	return nil
}

// RollBackStartBlocking rolls BlockWrites or BlockWritesAndReads back to
// Allow, clearing BlockTimestamp.
func (b *Blocker) RollBackStartBlocking() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mu.state != BlockWrites && b.mu.state != BlockWritesAndReads {
		return errors.Wrapf(ErrInvalidStateTransition, "tenant %s: rollBackStartBlocking from %v", b.TenantID, b.mu.state)
	}
	b.mu.state = Allow
	b.mu.blockTimestamp = nil
	b.notifyLocked()
	return nil
}

// Commit records opTime and asynchronously waits for it to become
// majority-committed; on success it transitions BlockWritesAndReads -> Reject
// and breaks CompletionPromise with the redirect error.
func (b *Blocker) Commit(ctx context.Context, opTime OpTime) error {
	b.mu.Lock()
	if b.mu.state != BlockWritesAndReads {
		b.mu.Unlock()
		return errors.Wrapf(ErrInvalidStateTransition, "tenant %s: commit from %v", b.TenantID, b.mu.state)
	}
	b.mu.commitOrAbortOpTime = &opTime
	b.mu.Unlock()

	return b.stopper.RunAsyncTask(ctx, "tenant.Blocker: await commit majority", func(ctx context.Context) {
		b.awaitMajorityThen(ctx, opTime, func() {
			b.mu.Lock()
			b.mu.state = Reject
			b.notifyLocked()
			b.mu.Unlock()
			b.completionPromise.Reject(&TenantMigrationCommittedError{
				TenantID:            b.TenantID,
				RecipientConnString: b.RecipientConnString,
			})
		})
	})
}

// Abort records opTime and asynchronously waits for majority; on success it
// transitions to Aborted and fulfils CompletionPromise with success.
func (b *Blocker) Abort(ctx context.Context, opTime OpTime) error {
	b.mu.Lock()
	if b.mu.state == Reject || b.mu.state == Aborted {
		b.mu.Unlock()
		return errors.Wrapf(ErrInvalidStateTransition, "tenant %s: abort from %v", b.TenantID, b.mu.state)
	}
	b.mu.commitOrAbortOpTime = &opTime
	b.mu.Unlock()

	return b.stopper.RunAsyncTask(ctx, "tenant.Blocker: await abort majority", func(ctx context.Context) {
		b.awaitMajorityThen(ctx, opTime, func() {
			b.mu.Lock()
			b.mu.state = Aborted
			b.notifyLocked()
			b.mu.Unlock()
			b.completionPromise.Resolve(completion{})
		})
	})
}

// awaitMajorityThen retries waiter.WaitForMajority with exponential backoff
// starting at one second, stopping on success, on blocker shutdown, or on
// ctx cancellation (per spec.md §4.1's majority-wait retry policy).
func (b *Blocker) awaitMajorityThen(ctx context.Context, op OpTime, onMajority func()) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		waitCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- b.waiter.WaitForMajority(waitCtx, op) }()

		select {
		case err := <-done:
			cancel()
			if err == nil {
				onMajority()
				return
			}
			log.Warningf(ctx, "tenant %s: majority wait failed, retrying in %s: %s", b.TenantID, backoff, err)
		case <-b.stopper.ShouldQuiesce():
			cancel()
			b.completionPromise.Reject(ErrBlockerShuttingDown)
			return
		case <-ctx.Done():
			cancel()
			return
		}

		select {
		case <-time.After(backoff):
		case <-b.stopper.ShouldQuiesce():
			b.completionPromise.Reject(ErrBlockerShuttingDown)
			return
		case <-ctx.Done():
			return
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// WaitUntilCommittedOrAborted blocks until the completion promise settles or
// ctx's deadline elapses, surfacing a timeout error without disturbing
// state. On commit it returns TenantMigrationCommittedError; on abort it
// returns nil.
func (b *Blocker) WaitUntilCommittedOrAborted(ctx context.Context) error {
	c, err := b.completionPromise.Future().Wait(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return errors.Wrap(err, "waitUntilCommittedOrAborted")
		}
		return err
	}
	return c.redirectErr
}

// WaitUntilCommittedOrAbortedWithTimeout bounds the completion wait with a
// sibling deadline future raced against the promise via future.WaitAny,
// rather than a ctx deadline: the operation completes as soon as either
// sibling settles and the loser is cancelled. A timeout surfaces
// ErrCompletionWaitTimedOut without disturbing blocker state.
func (b *Blocker) WaitUntilCommittedOrAbortedWithTimeout(ctx context.Context, timeout time.Duration) error {
	f := b.completionPromise.Future()
	deadline := future.NewDeadline(timeout)
	defer deadline.Stop()

	idx, err := future.WaitAny(ctx, f, deadline)
	if err != nil {
		return errors.Wrap(err, "waitUntilCommittedOrAborted")
	}
	if idx == 1 {
		return errors.Wrapf(ErrCompletionWaitTimedOut, "tenant %s", b.TenantID)
	}
	c, err := f.Wait(ctx)
	if err != nil {
		return err
	}
	return c.redirectErr
}

// AppendServerStatus is a read-only diagnostic snapshot.
func (b *Blocker) AppendServerStatus() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	status := map[string]any{
		"tenantId":  b.TenantID,
		"state":     b.mu.state.String(),
		"recipient": b.RecipientConnString,
	}
	if b.mu.blockTimestamp != nil {
		status["blockTimestamp"] = b.mu.blockTimestamp.String()
	}
	if b.mu.commitOrAbortOpTime != nil {
		status["commitOrAbortOpTime"] = *b.mu.commitOrAbortOpTime
	}
	return status
}
