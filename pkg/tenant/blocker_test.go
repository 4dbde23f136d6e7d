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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuvalov-mdb/shardkv/pkg/hlc"
	"github.com/shuvalov-mdb/shardkv/pkg/stop"
)

// immediateWaiter resolves WaitForMajority as soon as it's called.
type immediateWaiter struct{}

func (immediateWaiter) WaitForMajority(ctx context.Context, op OpTime) error { return nil }

func newTestBlocker(t *testing.T) (*Blocker, *stop.Stopper) {
	t.Helper()
	stopper := stop.NewStopper()
	t.Cleanup(func() { stopper.Stop(context.Background()) })
	b := New("tenant5_", "recipient:27017", immediateWaiter{}, stopper)
	return b, stopper
}

func TestCheckCanWriteOrFailByState(t *testing.T) {
	b, _ := newTestBlocker(t)
	require.NoError(t, b.CheckCanWriteOrFail())

	require.NoError(t, b.StartBlockingWrites())
	var writeBlocked *WriteBlockedError
	assert.ErrorAs(t, b.CheckCanWriteOrFail(), &writeBlocked)
	assert.Same(t, b, writeBlocked.SelfHandle)

	require.NoError(t, b.StartBlockingReadsAfter(hlc.Timestamp{WallTime: 100}))
	assert.ErrorAs(t, b.CheckCanWriteOrFail(), &writeBlocked)
}

func TestStartBlockingWritesRejectsWrongState(t *testing.T) {
	b, _ := newTestBlocker(t)
	require.NoError(t, b.StartBlockingWrites())
	err := b.StartBlockingWrites()
	assert.Error(t, err)
}

func TestRollBackStartBlockingReturnsToAllow(t *testing.T) {
	b, _ := newTestBlocker(t)
	require.NoError(t, b.StartBlockingWrites())
	require.NoError(t, b.StartBlockingReadsAfter(hlc.Timestamp{WallTime: 100}))
	require.NoError(t, b.RollBackStartBlocking())

	assert.Equal(t, Allow, b.State())
	assert.NoError(t, b.CheckCanWriteOrFail())
}

func TestCanReadOrWaitFutureImmediateBeforeBlockTimestamp(t *testing.T) {
	b, _ := newTestBlocker(t)
	require.NoError(t, b.StartBlockingWrites())
	require.NoError(t, b.StartBlockingReadsAfter(hlc.Timestamp{WallTime: 100}))

	early := hlc.Timestamp{WallTime: 50}
	_, err := b.CanReadOrWaitFuture(&early).Wait(context.Background())
	assert.NoError(t, err)
}

func TestCanReadOrWaitFutureBlocksThenAdmitsOnRollback(t *testing.T) {
	b, _ := newTestBlocker(t)
	require.NoError(t, b.StartBlockingWrites())
	require.NoError(t, b.StartBlockingReadsAfter(hlc.Timestamp{WallTime: 100}))

	late := hlc.Timestamp{WallTime: 150}
	f := b.CanReadOrWaitFuture(&late)

	select {
	case <-f.Done():
		t.Fatal("read future must not settle before a transition")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, b.RollBackStartBlocking())

	_, err := f.Wait(context.Background())
	assert.NoError(t, err)
}

// TestTenantReadBlockedThenCommitted is scenario 4 from spec.md §8: a read
// blocked in BlockWritesAndReads observes TenantMigrationCommittedError once
// commit reaches majority.
func TestTenantReadBlockedThenCommitted(t *testing.T) {
	b, _ := newTestBlocker(t)
	require.NoError(t, b.StartBlockingWrites())
	require.NoError(t, b.StartBlockingReadsAfter(hlc.Timestamp{WallTime: 100}))

	late := hlc.Timestamp{WallTime: 150}
	f := b.CanReadOrWaitFuture(&late)

	require.NoError(t, b.Commit(context.Background(), OpTime{Term: 1, Index: 1}))

	_, err := f.Wait(context.Background())
	var committed *TenantMigrationCommittedError
	require.ErrorAs(t, err, &committed)
	assert.Equal(t, "tenant5_", committed.TenantID)
	assert.Equal(t, "recipient:27017", committed.RecipientConnString)
	assert.Equal(t, Reject, b.State())
}

func TestAbortResolvesCompletionPromiseCleanly(t *testing.T) {
	b, _ := newTestBlocker(t)
	require.NoError(t, b.StartBlockingWrites())

	require.NoError(t, b.Abort(context.Background(), OpTime{Term: 1, Index: 1}))

	err := b.WaitUntilCommittedOrAborted(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, Aborted, b.State())
}

func TestCommitRejectedFromWrongState(t *testing.T) {
	b, _ := newTestBlocker(t)
	err := b.Commit(context.Background(), OpTime{Term: 1, Index: 1})
	assert.Error(t, err)
}

func TestCheckLinearizableReadOrFailOnlyFailsInReject(t *testing.T) {
	b, _ := newTestBlocker(t)
	assert.NoError(t, b.CheckLinearizableReadOrFail())

	require.NoError(t, b.StartBlockingWrites())
	require.NoError(t, b.StartBlockingReadsAfter(hlc.Timestamp{WallTime: 1}))
	assert.NoError(t, b.CheckLinearizableReadOrFail())

	require.NoError(t, b.Commit(context.Background(), OpTime{Term: 1, Index: 1}))
	// Commit reaches Reject asynchronously, once the majority wait succeeds;
	// wait for that outcome before checking.
	_ = b.WaitUntilCommittedOrAborted(context.Background())
	assert.Error(t, b.CheckLinearizableReadOrFail())
}

func TestWaitUntilCommittedOrAbortedWithTimeoutExpires(t *testing.T) {
	b, _ := newTestBlocker(t)
	require.NoError(t, b.StartBlockingWrites())

	err := b.WaitUntilCommittedOrAbortedWithTimeout(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, err, ErrCompletionWaitTimedOut)
	// The timeout never disturbs blocker state.
	assert.Equal(t, BlockWrites, b.State())
}

func TestWaitUntilCommittedOrAbortedWithTimeoutSeesCommit(t *testing.T) {
	b, _ := newTestBlocker(t)
	require.NoError(t, b.StartBlockingWrites())
	require.NoError(t, b.StartBlockingReadsAfter(hlc.Timestamp{WallTime: 100}))
	require.NoError(t, b.Commit(context.Background(), OpTime{Term: 1, Index: 1}))

	err := b.WaitUntilCommittedOrAbortedWithTimeout(context.Background(), time.Minute)
	var committed *TenantMigrationCommittedError
	assert.ErrorAs(t, err, &committed)
}

func TestAppendServerStatusSnapshot(t *testing.T) {
	b, _ := newTestBlocker(t)
	require.NoError(t, b.StartBlockingWrites())

	status := b.AppendServerStatus()
	assert.Equal(t, "tenant5_", status["tenantId"])
	assert.Equal(t, "BlockWrites", status["state"])
}
