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

// Package kv implements the cross-shard Transaction Router: a per-session
// object that turns a client's multi-statement transaction into a
// coordinated protocol across shards. It wraps a remote command executor
// the way the teacher's TxnCoordSender wraps a client.Sender, but the
// protocol it drives — snapshot assignment, participant classification, and
// the five-commit-path decision table — is the router's own, not the
// teacher's single-range KV transaction coordinator.
package kv

import (
	"context"
	"time"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/shuvalov-mdb/shardkv/pkg/executor"
	"github.com/shuvalov-mdb/shardkv/pkg/hlc"
	"github.com/shuvalov-mdb/shardkv/pkg/rlog"
	"github.com/shuvalov-mdb/shardkv/pkg/tenant"
)

var log = rlog.AmbientContext{Component: "router"}

// Action is the per-statement contract's verb: beginOrContinue(txnNumber,
// action) from spec.md §4.2.
type Action int

const (
	Start Action = iota
	Continue
	Commit
)

// ReadConcernLevel is one of the three levels the router supports; clients
// requesting "available" or "linearizable" are rejected at Start.
type ReadConcernLevel int

const (
	Local ReadConcernLevel = iota
	MajorityLevel
	Snapshot
)

// ReadConcern is the transaction's selected read concern, fixed at Start.
type ReadConcern struct {
	Level            ReadConcernLevel
	AfterClusterTime *hlc.Timestamp
}

// WriteConcern is the durability requirement from the client's commit or
// abort request, forwarded unchanged to the remote abortTransaction/
// commitTransaction commands (spec.md §3, §6).
type WriteConcern struct {
	W        any // "majority" or an integer node count
	WTimeout time.Duration
}

// asField renders the write concern as a command-body sub-document.
func (wc *WriteConcern) asField() map[string]any {
	m := map[string]any{"w": wc.W}
	if wc.WTimeout > 0 {
		m["wtimeout"] = wc.WTimeout.Milliseconds()
	}
	return m
}

// TimingStats tracks a single transaction's lifecycle wall-clock marks
// (spec.md §3). A transaction's duration freezes at commit/abort; a new
// Start resets it.
type TimingStats struct {
	StartedAt   time.Time
	CommitStart time.Time
	EndedAt     time.Time
}

// slowTransactionThreshold is the duration above which a terminated
// transaction emits one structured log line (spec.md §4.3).
const slowTransactionThreshold = 2 * time.Second

// ShardResolver answers whether shardID names a shard the cluster actually
// has, consulted on a recovery commit whose shard the router never itself
// contacted (spec.md §8 scenario 3: "triggers shard-registry lookup;
// absence yields ShardNotFound").
type ShardResolver interface {
	ShardExists(shardID ShardID) bool
}

// ShardResolverFunc adapts a plain function to ShardResolver.
type ShardResolverFunc func(ShardID) bool

// ShardExists calls f.
func (f ShardResolverFunc) ShardExists(shardID ShardID) bool { return f(shardID) }

// TransactionRouter is the per-session coordinator from spec.md §3/§4.2. Per
// spec.md §5 it is accessed by at most one goroutine at a time under an
// implicit session-scoped checkout (pkg/session.Registry); it carries no
// internal locking of its own, mirroring the teacher's choice to push
// concurrency control to an outer layer rather than re-litigate it per
// field.
type TransactionRouter struct {
	database string
	clock    *hlc.Clock
	exec     *executor.Executor
	metrics  *RouterMetrics
	tracer   opentracing.Tracer
	blockers *tenant.Registry
	shards   ShardResolver

	txnNumber     int64
	latestStmtID  int
	participants  map[ShardID]*Participant
	coordinatorID ShardID
	hasCoord      bool
	recoveryShard ShardID
	hasRecovery   bool

	atClusterTime    *hlc.Timestamp
	atClusterTimeSet int // the LatestStmtID at which AtClusterTime was chosen

	readConcern  ReadConcern
	writeConcern *WriteConcern

	commitType           CommitType
	terminationInitiated bool
	// commitInitiatedRecorded gates recordCommitInitiated to the first
	// dispatchCommit attempt for this transaction, so a client retry after
	// an unknown commit result (spec.md §4.3) never double-counts
	// CommitsInitiated or TotalParticipantsAtCommit.
	commitInitiatedRecorded bool

	timing TimingStats
}

// NewTransactionRouter constructs a router for one session against
// database, driving remote commands through exec and recording outcomes to
// metrics. blockers lets the router consult the tenant migration access
// blocker for database before admitting a statement; shards resolves a
// recovery commit's shard against the cluster's shard directory (spec.md §8
// scenario 3).
func NewTransactionRouter(
	database string,
	clock *hlc.Clock,
	exec *executor.Executor,
	metrics *RouterMetrics,
	tracer opentracing.Tracer,
	blockers *tenant.Registry,
	shards ShardResolver,
) *TransactionRouter {
	return &TransactionRouter{
		database: database,
		clock:    clock,
		exec:     exec,
		metrics:  metrics,
		tracer:   tracer,
		blockers: blockers,
		shards:   shards,
	}
}

// BeginOrContinue implements spec.md §4.2's per-statement contract.
func (tr *TransactionRouter) BeginOrContinue(txnNumber int64, action Action, rc *ReadConcern) error {
	switch action {
	case Start:
		if tr.participants != nil && txnNumber <= tr.txnNumber {
			return errors.Errorf("txnNumber %d does not supersede in-progress transaction %d", txnNumber, tr.txnNumber)
		}
		if rc == nil {
			return errors.New("Start requires a read concern")
		}
		if rc.Level != Local && rc.Level != MajorityLevel && rc.Level != Snapshot {
			return errors.Errorf("unsupported read concern level %v", rc.Level)
		}
		tr.reset()
		tr.txnNumber = txnNumber
		tr.readConcern = *rc
		tr.timing.StartedAt = time.Now()
		tr.metrics.TotalStarted.Inc()
		return nil

	case Continue:
		if tr.participants == nil || txnNumber != tr.txnNumber {
			return &NoSuchTransactionError{Reason: "continue on unknown or mismatched transaction"}
		}
		if rc != nil && (rc.Level != tr.readConcern.Level) {
			return errors.New("read concern must match the transaction's stored read concern")
		}
		tr.latestStmtID++
		return nil

	case Commit:
		if tr.participants == nil || txnNumber != tr.txnNumber {
			// The caller may still recover via a recovery token; that path
			// does not go through BeginOrContinue.
			return &NoSuchTransactionError{Reason: "commit on unknown or mismatched transaction"}
		}
		return nil

	default:
		return errors.Errorf("unknown action %v", action)
	}
}

func (tr *TransactionRouter) reset() {
	tr.latestStmtID = 0
	tr.participants = make(map[ShardID]*Participant)
	tr.hasCoord = false
	tr.coordinatorID = ""
	tr.hasRecovery = false
	tr.recoveryShard = ""
	tr.atClusterTime = nil
	tr.atClusterTimeSet = -1
	tr.writeConcern = nil
	tr.commitType = CommitNone
	tr.terminationInitiated = false
	tr.commitInitiatedRecorded = false
	tr.timing = TimingStats{}
}

// SetWriteConcern records the client's write concern from its commit or
// abort request, to be forwarded on the termination commands. A nil wc
// leaves the commands without an explicit write concern.
func (tr *TransactionRouter) SetWriteConcern(wc *WriteConcern) {
	tr.writeConcern = wc
}

// SetDefaultAtClusterTime assigns AtClusterTime from the clock the first
// time it's called within LatestStmtID, and lets it keep moving while still
// within that same statement; once a later statement begins, the chosen
// timestamp is frozen (spec.md §4.2).
func (tr *TransactionRouter) SetDefaultAtClusterTime() {
	if tr.readConcern.Level != Snapshot {
		return
	}
	if tr.atClusterTime != nil && tr.atClusterTimeSet != tr.latestStmtID {
		return
	}
	now := tr.clock.Now()
	tr.atClusterTime = &now
	tr.atClusterTimeSet = tr.latestStmtID
}

// AttachTxnFieldsIfNeeded augments body for dispatch to shardID, per
// spec.md §4.2.
func (tr *TransactionRouter) AttachTxnFieldsIfNeeded(shardID ShardID, body map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(body)+4)
	for k, v := range body {
		out[k] = v
	}

	if existing, ok := out["txnNumber"]; ok {
		if existing.(int64) != tr.txnNumber {
			return nil, &ProtocolViolationError{Reason: "txnNumber mismatch on attach"}
		}
	}
	out["txnNumber"] = tr.txnNumber
	out["autocommit"] = false

	p, exists := tr.participants[shardID]
	if !exists {
		p = &Participant{ShardID: shardID, StmtIDCreatedAt: tr.latestStmtID}
		if !tr.hasCoord {
			p.IsCoordinator = true
			tr.hasCoord = true
			tr.coordinatorID = shardID
		}
		tr.participants[shardID] = p
		tr.metrics.TotalContactedParticipants.Inc()

		out["startTransaction"] = true
		rc, err := tr.mergeReadConcern(out["readConcern"])
		if err != nil {
			return nil, err
		}
		out["readConcern"] = rc
	}
	if p.IsCoordinator {
		out["coordinator"] = true
	}
	tr.metrics.TotalRequestsTargeted.Inc()
	return out, nil
}

func (tr *TransactionRouter) mergeReadConcern(existing any) (map[string]any, error) {
	rc := map[string]any{}
	if existing != nil {
		m, ok := existing.(map[string]any)
		if !ok {
			return nil, &ProtocolViolationError{Reason: "readConcern field is not an object"}
		}
		for k, v := range m {
			rc[k] = v
		}
		if lvl, ok := rc["level"]; ok && lvl != readConcernLevelString(tr.readConcern.Level) {
			return nil, &ProtocolViolationError{Reason: "readConcern level disagreement"}
		}
	}
	rc["level"] = readConcernLevelString(tr.readConcern.Level)
	if tr.readConcern.Level == Snapshot && tr.atClusterTime != nil {
		rc["atClusterTime"] = *tr.atClusterTime
	}
	return rc, nil
}

func readConcernLevelString(l ReadConcernLevel) string {
	switch l {
	case Local:
		return "local"
	case MajorityLevel:
		return "majority"
	case Snapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// ProcessParticipantResponse implements spec.md §4.2's classification
// update, a no-op once termination has begun.
func (tr *TransactionRouter) ProcessParticipantResponse(shardID ShardID, resp executor.Response) error {
	if tr.terminationInitiated {
		return nil
	}
	p, ok := tr.participants[shardID]
	if !ok {
		return &ProtocolViolationError{Reason: "response from unknown participant " + shardID}
	}
	if !resp.OK {
		p.HadNonOK = true
		p.NonOKStmtID = tr.latestStmtID
		return nil
	}
	if p.HadNonOK && tr.latestStmtID > p.NonOKStmtID {
		return &ProtocolViolationError{Reason: "classification of participant " + shardID + " after a non-ok response on an earlier statement"}
	}

	readOnly, _ := resp.Fields["readOnly"].(bool)
	next := ReadOnly
	if !readOnly {
		next = NotReadOnly
	}
	if !p.canTransitionTo(next) {
		return &ProtocolViolationError{Reason: "read-only regression on participant " + shardID}
	}
	if p.ReadOnly == Unset || next == NotReadOnly {
		p.ReadOnly = next
	}
	if next == NotReadOnly && !tr.hasRecovery {
		tr.hasRecovery = true
		tr.recoveryShard = shardID
	}
	return nil
}

// CanContinueOnSnapshotError reports whether a snapshot error may still be
// absorbed by restarting at a later timestamp (spec.md §4.2): only while
// still on the first statement.
func (tr *TransactionRouter) CanContinueOnSnapshotError() bool {
	return tr.latestStmtID == 0
}

// CanContinueOnStaleShardOrDbError reports whether a stale-routing error on
// commandName may be absorbed without aborting the whole transaction.
func (tr *TransactionRouter) CanContinueOnStaleShardOrDbError(commandName string, isWrite bool) bool {
	if tr.latestStmtID == 0 {
		return true
	}
	return !isWrite
}

// OnSnapshotError aborts every current participant (best-effort), clears
// the participant map and coordinator, and permits a later
// SetDefaultAtClusterTime call to pick a later timestamp.
func (tr *TransactionRouter) OnSnapshotError(ctx context.Context) error {
	if !tr.CanContinueOnSnapshotError() {
		return errors.New("snapshot error not recoverable past the first statement")
	}
	tr.implicitlyAbortParticipants(ctx, tr.allShardIDs())
	tr.participants = make(map[ShardID]*Participant)
	tr.hasCoord = false
	tr.coordinatorID = ""
	tr.hasRecovery = false
	tr.recoveryShard = ""
	tr.atClusterTime = nil
	return nil
}

// OnStaleShardOrDbError evicts pending participants (those first contacted
// on the current statement), clearing RecoveryShardID if it was among them
// and only pending.
func (tr *TransactionRouter) OnStaleShardOrDbError(ctx context.Context) {
	tr.evictPending(ctx)
}

// OnViewResolutionError applies the same eviction rule as a stale-shard
// error, unconditionally.
func (tr *TransactionRouter) OnViewResolutionError(ctx context.Context) {
	tr.evictPending(ctx)
}

func (tr *TransactionRouter) evictPending(ctx context.Context) {
	var pending []ShardID
	for id, p := range tr.participants {
		if p.StmtIDCreatedAt == tr.latestStmtID {
			pending = append(pending, id)
		}
	}
	tr.implicitlyAbortParticipants(ctx, pending)
	for _, id := range pending {
		if tr.hasRecovery && tr.recoveryShard == id {
			tr.hasRecovery = false
			tr.recoveryShard = ""
		}
		delete(tr.participants, id)
		if tr.hasCoord && tr.coordinatorID == id {
			tr.hasCoord = false
			tr.coordinatorID = ""
		}
	}
}

func (tr *TransactionRouter) allShardIDs() []ShardID {
	ids := make([]ShardID, 0, len(tr.participants))
	for id := range tr.participants {
		ids = append(ids, id)
	}
	return ids
}

// implicitlyAbortParticipants is the best-effort abort used on failure
// paths: response errors are ignored (spec.md §4.2).
func (tr *TransactionRouter) implicitlyAbortParticipants(ctx context.Context, ids []ShardID) {
	if len(ids) == 0 {
		return
	}
	targets := make([]executor.Target, 0, len(ids))
	for _, id := range ids {
		targets = append(targets, executor.Target{
			Shard: executor.ShardID(id), Database: "admin", Command: "abortTransaction",
		})
	}
	if _, err := tr.exec.SendAll(ctx, targets, true); err != nil {
		log.Warningf(ctx, "best-effort abort failed for txn %d: %s", tr.txnNumber, err)
	}
}

// RecoveryRequest is the client-supplied token on a commit retry or
// recovery attempt.
type RecoveryRequest struct {
	ShardID  ShardID
	HasShard bool
}

// CommitTransaction drives the commit statement to one of the six paths
// from spec.md §4.2 and returns the recovery token on success.
func (tr *TransactionRouter) CommitTransaction(ctx context.Context, recovery *RecoveryRequest) (RecoveryToken, error) {
	span, ctx := opentracing.StartSpanFromContextWithTracer(ctx, tr.tracer, "router.CommitTransaction")
	defer span.Finish()

	if recovery != nil && recovery.HasShard {
		if _, known := tr.participants[recovery.ShardID]; !known {
			if !tr.shards.ShardExists(recovery.ShardID) {
				return RecoveryToken{}, &ShardNotFoundError{ShardID: recovery.ShardID}
			}
			tr.commitType = CommitRecoverWithToken
			tr.metrics.TotalRequestsTargeted.Inc()
			return tr.dispatchCommit(ctx, recovery.ShardID)
		}
	} else if recovery != nil && !recovery.HasShard {
		return RecoveryToken{}, &NoSuchTransactionError{Reason: "recovery token without shard"}
	}

	tr.commitType = decideCommitType(tr.participants)
	var recoveryShard ShardID
	if tr.hasRecovery {
		recoveryShard = tr.recoveryShard
	} else if len(tr.participants) == 1 {
		for id := range tr.participants {
			recoveryShard = id
		}
	}
	return tr.dispatchCommit(ctx, recoveryShard)
}

func (tr *TransactionRouter) dispatchCommit(ctx context.Context, recoveryShard ShardID) (RecoveryToken, error) {
	tr.terminationInitiated = true
	if !tr.commitInitiatedRecorded {
		tr.timing.CommitStart = time.Now()
		tr.metrics.recordCommitInitiated(tr.commitType, len(tr.participants))
		tr.commitInitiatedRecorded = true
	}

	result, err := runCommit(ctx, tr.exec, tr.database, tr.commitType, tr.participants, tr.coordinatorID, recoveryShard, tr.writeConcern)
	if err != nil {
		return RecoveryToken{}, err
	}

	tr.timing.EndedAt = time.Now()
	durationMicros := tr.timing.EndedAt.Sub(tr.timing.CommitStart).Microseconds()
	tr.metrics.recordCommitSuccessful(tr.commitType, durationMicros)
	tr.metrics.TxnDurations.Observe(tr.timing.EndedAt.Sub(tr.timing.StartedAt).Seconds())
	tr.maybeLogSlowTransaction(ctx)
	return result.token, nil
}

// AbortTransaction sends abortTransaction to every participant in parallel
// and aggregates responses per spec.md §4.2's "Abort response aggregation".
func (tr *TransactionRouter) AbortTransaction(ctx context.Context) error {
	if len(tr.participants) == 0 {
		return &NoSuchTransactionError{Reason: "abort with no participants"}
	}
	tr.terminationInitiated = true

	var body map[string]any
	if tr.writeConcern != nil {
		body = map[string]any{"writeConcern": tr.writeConcern.asField()}
	}
	targets := make([]executor.Target, 0, len(tr.participants))
	for id := range tr.participants {
		targets = append(targets, executor.Target{
			Shard: executor.ShardID(id), Database: "admin", Command: "abortTransaction", Body: body,
		})
	}
	resps, err := tr.exec.SendAll(ctx, targets, true)
	if err != nil {
		return err
	}

	tr.timing.EndedAt = time.Now()
	tr.metrics.TotalAborted.Inc()
	tr.metrics.TxnDurations.Observe(tr.timing.EndedAt.Sub(tr.timing.StartedAt).Seconds())
	tr.maybeLogSlowTransaction(ctx)

	return aggregateAbortResponses(resps)
}

// aggregateAbortResponses implements spec.md §4.2: if every response is ok,
// return nil; otherwise return the first non-NoSuchTransaction command
// error, never masked by a later success.
func aggregateAbortResponses(resps []executor.Response) error {
	var firstErr error
	for _, resp := range resps {
		if resp.OK {
			continue
		}
		if resp.ErrorCode == "NoSuchTransaction" {
			if firstErr == nil {
				firstErr = &NoSuchTransactionError{Reason: "participant reported no such transaction"}
			}
			continue
		}
		return errors.Errorf("abort failed: %s", resp.ErrorCode)
	}
	return firstErr
}

// ImplicitlyAbortTransaction is the best-effort abort used on failure
// paths; it never returns an error to the caller.
func (tr *TransactionRouter) ImplicitlyAbortTransaction(ctx context.Context) {
	tr.implicitlyAbortParticipants(ctx, tr.allShardIDs())
	tr.terminationInitiated = true
}

func (tr *TransactionRouter) maybeLogSlowTransaction(ctx context.Context) {
	total := tr.timing.EndedAt.Sub(tr.timing.StartedAt)
	if total < slowTransactionThreshold {
		return
	}
	log.Infof(ctx, "slow transaction %d: %s total, %s commit, %d participants",
		tr.txnNumber, total, tr.timing.EndedAt.Sub(tr.timing.CommitStart), len(tr.participants))
}
