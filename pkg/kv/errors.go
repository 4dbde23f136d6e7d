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

import "github.com/pkg/errors"

// NoSuchTransactionError is returned for a Continue/Commit on an unknown
// transaction, an abort on a router with no participants, or a recovery
// token with no shard (spec.md §6, §4.2).
type NoSuchTransactionError struct {
	Reason string
}

func (e *NoSuchTransactionError) Error() string {
	return "no such transaction: " + e.Reason
}

// TenantMigrationConflictError is the transient internal signal that
// CheckTenantAccessForWrite returns while the tenant's blocker is blocking
// writes. The router does not wait or retry on its own: the caller passes
// the error to AwaitTenantConflictResolution, which waits on the blocker's
// completion and reports the aborted or committed outcome, and the caller
// retries the write itself after an abort.
type TenantMigrationConflictError struct {
	TenantID string
}

func (e *TenantMigrationConflictError) Error() string {
	return "tenant migration conflict for " + e.TenantID
}

// ExceededTimeLimitError surfaces a blocking-state timeout through the
// transaction as an abort reason (spec.md §6).
type ExceededTimeLimitError struct {
	Reason string
}

func (e *ExceededTimeLimitError) Error() string {
	return "exceeded time limit: " + e.Reason
}

// ShardNotFoundError is returned when a recovery commit names a shard that
// the shard-registry collaborator cannot resolve (spec.md §8, scenario 3).
type ShardNotFoundError struct {
	ShardID string
}

func (e *ShardNotFoundError) Error() string {
	return "shard not found: " + e.ShardID
}

// ProtocolViolationError flags an invariant violation: a read-only
// regression, a response from an unknown participant, classification of a
// participant after a non-ok response on an earlier statement, or a
// txnNumber or readConcern disagreement on attach. It is returned to the
// caller; the router neither terminates itself nor the process on it.
// Responses arriving after termination has begun are ignored, not flagged.
type ProtocolViolationError struct {
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return "transaction router protocol violation: " + e.Reason
}

// ErrUnknownCommitResult marks a commit whose outcome the router could
// not determine from a shard's response code (retryable code, write-concern
// error, MaxTimeMSExpired, UnsatisfiableWriteConcern). The client may safely
// retry the commit with the same commit type (spec.md §4.2, §7). A transport
// error from the executor is returned unchanged and does not carry this
// marker.
var ErrUnknownCommitResult = errors.New("unknown commit result; retry is safe")

// RecoveryToken is returned on successful commit and sent back by the
// client on retries and recovery (spec.md §6).
type RecoveryToken struct {
	RecoveryShardID ShardID
}
