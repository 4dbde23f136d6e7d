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

package kv

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/shuvalov-mdb/shardkv/pkg/hlc"
	"github.com/shuvalov-mdb/shardkv/pkg/tenant"
)

// CheckTenantAccessForWrite is the narrow contract spec.md §1/§2 describes
// between the router and the tenant migration access blocker: before a
// statement reaches a shard, the router consults the registry for any
// blocker whose tenant id prefixes this router's database. A nil error
// means the statement may proceed unmodified. A *TenantMigrationConflictError
// is the transient internal signal from spec.md §6: the caller resolves it
// via AwaitTenantConflictResolution before retrying the write.
func (tr *TransactionRouter) CheckTenantAccessForWrite() error {
	b, ok := tr.blockers.ForDatabase(tr.database)
	if !ok {
		return nil
	}
	if err := b.CheckCanWriteOrFail(); err != nil {
		return translateTenantError(err)
	}
	return nil
}

// AwaitTenantConflictResolution implements spec.md §6's TenantMigrationConflict
// contract for a caller that just received conflict from
// CheckTenantAccessForWrite: it waits on the blocker's completion and
// translates the outcome — an abort surfaces the informational
// TenantMigrationAborted so the caller knows it may simply retry the write;
// a commit surfaces the redirecting TenantMigrationCommitted unchanged.
func (tr *TransactionRouter) AwaitTenantConflictResolution(ctx context.Context, conflict *TenantMigrationConflictError) error {
	b, ok := tr.blockers.ForDatabase(tr.database)
	if !ok {
		return nil
	}
	if err := b.WaitUntilCommittedOrAborted(ctx); err != nil {
		return translateTenantError(err)
	}
	return &tenant.TenantMigrationAbortedError{TenantID: conflict.TenantID}
}

// AwaitTenantConflictResolutionWithTimeout is AwaitTenantConflictResolution
// bounded by a deadline sibling rather than only ctx: expiry surfaces
// ExceededTimeLimitError, the abort reason a blocking-state timeout records
// on the transaction (spec.md §6), without disturbing blocker state.
func (tr *TransactionRouter) AwaitTenantConflictResolutionWithTimeout(
	ctx context.Context, conflict *TenantMigrationConflictError, timeout time.Duration,
) error {
	b, ok := tr.blockers.ForDatabase(tr.database)
	if !ok {
		return nil
	}
	if err := b.WaitUntilCommittedOrAbortedWithTimeout(ctx, timeout); err != nil {
		return translateTenantError(err)
	}
	return &tenant.TenantMigrationAbortedError{TenantID: conflict.TenantID}
}

// AwaitTenantAccessForRead blocks the caller (via a cancellable future, per
// spec.md §5 — "must not occupy a worker thread") until a read at
// readTimestamp is admitted, redirected, or ctx is done.
func (tr *TransactionRouter) AwaitTenantAccessForRead(ctx context.Context, readTimestamp *hlc.Timestamp) error {
	b, ok := tr.blockers.ForDatabase(tr.database)
	if !ok {
		return nil
	}
	f := b.CanReadOrWaitFuture(readTimestamp)
	if _, err := f.Wait(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return tenant.ErrReadTimedOutAwaitingBlocker
		}
		return translateTenantError(err)
	}
	return nil
}

// translateTenantError maps a blocker error into the client-visible kv
// error the router is responsible for surfacing (spec.md §6).
func translateTenantError(err error) error {
	switch e := err.(type) {
	case *tenant.WriteBlockedError:
		return &TenantMigrationConflictError{TenantID: e.TenantID}
	case *tenant.WriteMustRedirectError:
		return e
	case *tenant.ReadMustRedirectError:
		return e
	default:
		if errors.Is(err, tenant.ErrCompletionWaitTimedOut) {
			// A blocking-state timeout aborts the transaction with an
			// exceeded-time-limit reason (spec.md §6).
			return &ExceededTimeLimitError{Reason: err.Error()}
		}
		return err
	}
}
