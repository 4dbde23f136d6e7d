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

	"github.com/pkg/errors"

	"github.com/shuvalov-mdb/shardkv/pkg/executor"
)

// CommitType is the tagged variant spec.md §9 asks for in place of a class
// tower: commit dispatch is a switch on this tag in runCommit below, rather
// than virtual methods on a Participant hierarchy.
type CommitType int

const (
	CommitNone CommitType = iota
	CommitNoShards
	CommitSingleShard
	CommitReadOnly
	CommitSingleWriteShard
	CommitTwoPhaseCommit
	CommitRecoverWithToken
)

func (c CommitType) String() string { return commitTypeLabel(c) }

// decideCommitType implements the decision table from spec.md §4.2 given
// the router's classified participants (recoveryToken handling happens in
// the caller, since it can short-circuit straight to CommitRecoverWithToken
// regardless of the participant map).
func decideCommitType(participants map[ShardID]*Participant) CommitType {
	if len(participants) == 0 {
		return CommitNoShards
	}
	writeCount := 0
	for _, p := range participants {
		if p.ReadOnly == NotReadOnly {
			writeCount++
		}
	}
	if len(participants) == 1 {
		return CommitSingleShard
	}
	switch writeCount {
	case 0:
		return CommitReadOnly
	case 1:
		return CommitSingleWriteShard
	default:
		return CommitTwoPhaseCommit
	}
}

// commitResult is the outcome of dispatching one of the six commit paths.
type commitResult struct {
	token   RecoveryToken
	unknown bool // true if the outcome could not be determined (retry-safe)
}

// runCommit dispatches database, coordinatorID and the classified
// participant set through the commit path ct selects, issuing remote
// commands via exec. It implements spec.md §4.2's "Commit decision" table.
func runCommit(
	ctx context.Context,
	exec *executor.Executor,
	database string,
	ct CommitType,
	participants map[ShardID]*Participant,
	coordinatorID ShardID,
	recoveryShardID ShardID,
	wc *WriteConcern,
) (commitResult, error) {
	switch ct {
	case CommitNoShards:
		return commitResult{}, nil

	case CommitSingleShard:
		for shard := range participants {
			return sendCommit(ctx, exec, database, shard, wc)
		}
		return commitResult{}, errors.New("single-shard commit with no participants")

	case CommitReadOnly:
		targets := make([]executor.Target, 0, len(participants))
		for shard := range participants {
			targets = append(targets, commitTarget(database, shard, wc))
		}
		return sendCommitAll(ctx, exec, targets)

	case CommitSingleWriteShard:
		var readTargets []executor.Target
		var writeShard ShardID
		for shard, p := range participants {
			if p.ReadOnly == NotReadOnly {
				writeShard = shard
				continue
			}
			readTargets = append(readTargets, commitTarget(database, shard, wc))
		}
		if _, err := sendCommitAll(ctx, exec, readTargets); err != nil {
			return commitResult{}, err
		}
		return sendCommit(ctx, exec, database, writeShard, wc)

	case CommitTwoPhaseCommit:
		body := withWriteConcern(map[string]any{}, wc)
		var shards []map[string]any
		for shard := range participants {
			shards = append(shards, map[string]any{"shardId": shard})
		}
		body["participants"] = shards
		resp, err := exec.Send(ctx, executor.Target{
			Shard: executor.ShardID(coordinatorID), Database: database,
			Command: "coordinateCommitTransaction", Body: body,
		}, true)
		if err != nil {
			return commitResult{}, err
		}
		return commitResultFromResponse(resp, RecoveryToken{RecoveryShardID: recoveryShardID})

	case CommitRecoverWithToken:
		body := withWriteConcern(map[string]any{"participants": []map[string]any{}}, wc)
		resp, err := exec.Send(ctx, executor.Target{
			Shard: executor.ShardID(recoveryShardID), Database: database,
			Command: "coordinateCommitTransaction", Body: body,
		}, true)
		if err != nil {
			return commitResult{}, err
		}
		return commitResultFromResponse(resp, RecoveryToken{RecoveryShardID: recoveryShardID})

	default:
		return commitResult{}, errors.Errorf("unhandled commit type %v", ct)
	}
}

func withWriteConcern(body map[string]any, wc *WriteConcern) map[string]any {
	if wc != nil {
		body["writeConcern"] = wc.asField()
	}
	return body
}

func commitTarget(database string, shard ShardID, wc *WriteConcern) executor.Target {
	var body map[string]any
	if wc != nil {
		body = withWriteConcern(map[string]any{}, wc)
	}
	return executor.Target{Shard: executor.ShardID(shard), Database: database, Command: "commitTransaction", Body: body}
}

func sendCommit(ctx context.Context, exec *executor.Executor, database string, shard ShardID, wc *WriteConcern) (commitResult, error) {
	resp, err := exec.Send(ctx, commitTarget(database, shard, wc), true)
	if err != nil {
		return commitResult{}, err
	}
	return commitResultFromResponse(resp, RecoveryToken{RecoveryShardID: shard})
}

func sendCommitAll(ctx context.Context, exec *executor.Executor, targets []executor.Target) (commitResult, error) {
	if len(targets) == 0 {
		return commitResult{}, nil
	}
	resps, err := exec.SendAll(ctx, targets, true)
	if err != nil {
		return commitResult{}, err
	}
	for _, resp := range resps {
		if !resp.OK {
			return commitResultFromResponse(resp, RecoveryToken{})
		}
	}
	return commitResult{}, nil
}

// commitResultFromResponse classifies a definitive commit-level response,
// distinguishing it from the unknown-outcome response codes: retryable code,
// write-concern error, MaxTimeMSExpired, UnsatisfiableWriteConcern. Transport
// errors from the executor never reach this function; runCommit returns them
// unchanged, not as ErrUnknownCommitResult.
func commitResultFromResponse(resp executor.Response, token RecoveryToken) (commitResult, error) {
	if resp.OK {
		return commitResult{token: token}, nil
	}
	switch resp.ErrorCode {
	case "MaxTimeMSExpired", "UnsatisfiableWriteConcern", "WriteConcernError", "Retryable":
		return commitResult{unknown: true}, ErrUnknownCommitResult
	default:
		return commitResult{}, errors.Errorf("commit failed: %s", resp.ErrorCode)
	}
}
