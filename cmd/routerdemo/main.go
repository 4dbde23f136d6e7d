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

// Command routerdemo wires pkg/session, pkg/tenant, pkg/kv and pkg/executor
// together end to end: one session begins a transaction, attaches to two
// shards, and commits. It exists to exercise the wiring, not as a real
// server entry point.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shuvalov-mdb/shardkv/pkg/executor"
	"github.com/shuvalov-mdb/shardkv/pkg/hlc"
	"github.com/shuvalov-mdb/shardkv/pkg/kv"
	"github.com/shuvalov-mdb/shardkv/pkg/session"
	"github.com/shuvalov-mdb/shardkv/pkg/stop"
	"github.com/shuvalov-mdb/shardkv/pkg/tenant"
)

// fakeTransport answers every command with a successful, non-write
// response; it stands in for the cluster RPC client this demo doesn't have.
type fakeTransport struct{}

func (fakeTransport) SendCommand(
	ctx context.Context, shard executor.ShardID, database, command string, body map[string]any,
) (executor.Response, error) {
	return executor.Response{OK: true, Fields: map[string]any{"readOnly": true}}, nil
}

func main() {
	ctx := context.Background()
	stopper := stop.NewStopper()
	defer stopper.Stop(ctx)

	clock := hlc.NewClock(nil)
	exec := executor.New(fakeTransport{}, opentracing.NoopTracer{})
	metrics := kv.NewRouterMetrics(prometheus.NewRegistry())
	blockers := tenant.NewRegistry()

	shards := kv.ShardResolverFunc(func(kv.ShardID) bool { return true })
	sessions := session.NewRegistry(func(session.SessionID) *kv.TransactionRouter {
		return kv.NewTransactionRouter("orders", clock, exec, metrics, opentracing.NoopTracer{}, blockers, shards)
	})

	sessionID := session.SessionID(uuid.NewString())
	checkout, err := sessions.Acquire(ctx, sessionID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "acquire:", err)
		os.Exit(1)
	}
	defer checkout.Release()

	router := checkout.Router
	if err := router.BeginOrContinue(1, kv.Start, &kv.ReadConcern{Level: kv.Snapshot}); err != nil {
		fmt.Fprintln(os.Stderr, "begin:", err)
		os.Exit(1)
	}
	router.SetDefaultAtClusterTime()

	for _, shard := range []string{"shard1", "shard2"} {
		body, err := router.AttachTxnFieldsIfNeeded(shard, map[string]any{"insert": "orders"})
		if err != nil {
			fmt.Fprintln(os.Stderr, "attach:", err)
			os.Exit(1)
		}
		fmt.Printf("dispatching to %s: %v\n", shard, body)
		if err := router.ProcessParticipantResponse(shard, executor.Response{OK: true, Fields: map[string]any{"readOnly": true}}); err != nil {
			fmt.Fprintln(os.Stderr, "process response:", err)
			os.Exit(1)
		}
	}

	token, err := router.CommitTransaction(ctx, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "commit:", err)
		os.Exit(1)
	}
	fmt.Printf("committed, recovery token: %+v\n", token)
}
