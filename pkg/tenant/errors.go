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

import "github.com/pkg/errors"

// WriteBlockedError is returned by checkCanWriteOrFail while the blocker is
// in BlockWrites or BlockWritesAndReads. The caller is expected to wait on
// SelfHandle then retry the write against the same shard.
type WriteBlockedError struct {
	TenantID   string
	SelfHandle *Blocker
}

func (e *WriteBlockedError) Error() string {
	return "write must block for tenant " + e.TenantID + ": migration in progress"
}

// WriteMustRedirectError is returned once the blocker has reached Reject:
// the donor no longer accepts writes for this tenant.
type WriteMustRedirectError struct {
	TenantID            string
	RecipientConnString string
}

func (e *WriteMustRedirectError) Error() string {
	return "write must redirect for tenant " + e.TenantID + " to " + e.RecipientConnString
}

// ReadMustRedirectError is returned from canReadOrWaitFuture and
// checkLinearizableReadOrFail once the blocker has reached Reject.
type ReadMustRedirectError struct {
	TenantID            string
	RecipientConnString string
}

func (e *ReadMustRedirectError) Error() string {
	return "read must redirect for tenant " + e.TenantID + " to " + e.RecipientConnString
}

// TenantMigrationCommittedError is the client-visible error carrying the
// redirect target once the blocker's completion promise resolves to commit.
type TenantMigrationCommittedError struct {
	TenantID            string
	RecipientConnString string
}

func (e *TenantMigrationCommittedError) Error() string {
	return "tenant migration committed for " + e.TenantID + "; redirect to " + e.RecipientConnString
}

// TenantMigrationAbortedError is informational: the migration rolled back
// and the donor keeps serving the tenant.
type TenantMigrationAbortedError struct {
	TenantID string
}

func (e *TenantMigrationAbortedError) Error() string {
	return "tenant migration aborted for " + e.TenantID
}

// ErrBlockerShuttingDown is surfaced to any caller blocked on the
// completion promise when the blocker (or its process) shuts down.
var ErrBlockerShuttingDown = errors.New("tenant migration access blocker shutting down")

// ErrReadTimedOutAwaitingBlocker is what a caller that timed out waiting on
// canReadOrWaitFuture's returned future should surface to its own client;
// the timeout never touches blocker state.
var ErrReadTimedOutAwaitingBlocker = errors.New("read timed out awaiting migration access blocker")

// ErrCompletionWaitTimedOut is returned by the deadline-bounded completion
// wait; the router surfaces it to the transaction as an exceeded-time-limit
// abort reason.
var ErrCompletionWaitTimedOut = errors.New("timed out awaiting tenant migration outcome")

// ErrInvalidStateTransition flags a protocol violation in the blocker's
// state machine (e.g. committing from Allow).
var ErrInvalidStateTransition = errors.New("invalid tenant migration access blocker state transition")
