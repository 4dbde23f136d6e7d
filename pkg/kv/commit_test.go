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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shuvalov-mdb/shardkv/pkg/executor"
)

func participants(states ...ReadOnlyState) map[ShardID]*Participant {
	m := make(map[ShardID]*Participant)
	for i, s := range states {
		id := ShardID(string(rune('a' + i)))
		m[id] = &Participant{ShardID: id, ReadOnly: s}
	}
	return m
}

func TestDecideCommitTypeNoShards(t *testing.T) {
	assert.Equal(t, CommitNoShards, decideCommitType(participants()))
}

func TestDecideCommitTypeSingleShardReadOnly(t *testing.T) {
	assert.Equal(t, CommitSingleShard, decideCommitType(participants(ReadOnly)))
}

func TestDecideCommitTypeSingleShardWrite(t *testing.T) {
	assert.Equal(t, CommitSingleShard, decideCommitType(participants(NotReadOnly)))
}

func TestDecideCommitTypeReadOnly(t *testing.T) {
	assert.Equal(t, CommitReadOnly, decideCommitType(participants(ReadOnly, ReadOnly)))
}

func TestDecideCommitTypeSingleWriteShard(t *testing.T) {
	assert.Equal(t, CommitSingleWriteShard, decideCommitType(participants(ReadOnly, NotReadOnly)))
}

func TestDecideCommitTypeTwoPhaseCommit(t *testing.T) {
	assert.Equal(t, CommitTwoPhaseCommit, decideCommitType(participants(NotReadOnly, NotReadOnly)))
}

func TestAggregateAbortResponsesAllOK(t *testing.T) {
	err := aggregateAbortResponses([]executor.Response{{OK: true}, {OK: true}, {OK: true}})
	assert.NoError(t, err)
}

// TestAggregateAbortResponsesScenario is scenario 5 from spec.md §8: three
// participants respond ok, {ok:0,code:NoSuchTransaction}, ok in any order;
// the aggregated response is the NoSuchTransaction reply.
func TestAggregateAbortResponsesScenario(t *testing.T) {
	err := aggregateAbortResponses([]executor.Response{
		{OK: true},
		{OK: false, ErrorCode: "NoSuchTransaction"},
		{OK: true},
	})
	var noSuchTxn *NoSuchTransactionError
	assert.ErrorAs(t, err, &noSuchTxn)
}

func TestAggregateAbortResponsesSurfacesOtherErrorUnmasked(t *testing.T) {
	err := aggregateAbortResponses([]executor.Response{
		{OK: true},
		{OK: false, ErrorCode: "TransportFailure"},
		{OK: true},
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "TransportFailure")
}
