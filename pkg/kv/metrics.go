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
	"github.com/prometheus/client_golang/prometheus"
)

// commitTypeLabel renders a CommitType for use as a metric label value.
func commitTypeLabel(ct CommitType) string {
	switch ct {
	case CommitNone:
		return "none"
	case CommitNoShards:
		return "no_shards"
	case CommitSingleShard:
		return "single_shard"
	case CommitReadOnly:
		return "read_only"
	case CommitSingleWriteShard:
		return "single_write_shard"
	case CommitTwoPhaseCommit:
		return "two_phase_commit"
	case CommitRecoverWithToken:
		return "recover_with_token"
	default:
		return "unknown"
	}
}

// RouterMetrics holds the process-wide counters and histograms from
// spec.md §4.3. It replaces the teacher's util/metric-backed TxnMetrics with
// the ecosystem-standard client_golang registry, since this module's
// ambient stack favors the Prometheus client over a bespoke metric package
// (see DESIGN.md).
type RouterMetrics struct {
	TotalStarted               prometheus.Counter
	TotalCommitted             prometheus.Counter
	TotalAborted               prometheus.Counter
	TotalContactedParticipants prometheus.Counter
	TotalRequestsTargeted      prometheus.Counter
	TotalParticipantsAtCommit  prometheus.Counter

	CommitsInitiated  *prometheus.CounterVec
	CommitsSuccessful *prometheus.CounterVec
	// CommitDurationMicros accumulates cumulative successful-duration
	// microseconds per commit type, matching spec.md §4.3's
	// "cumulative successful-duration microseconds" counter exactly (a
	// running sum, not a distribution), rather than the Histogram the
	// teacher used for its analogous txn.durations metric.
	CommitDurationMicros *prometheus.CounterVec

	TxnDurations prometheus.Histogram
}

// NewRouterMetrics constructs and registers a fresh RouterMetrics with reg.
// Passing a dedicated registry (rather than prometheus.DefaultRegisterer)
// lets tests and multiple router instances avoid collisions, matching
// spec.md §9's "expose them only as explicit dependencies" rule for the
// metrics singleton.
func NewRouterMetrics(reg prometheus.Registerer) *RouterMetrics {
	m := &RouterMetrics{
		TotalStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_txn_started_total",
			Help: "Number of transactions begun on this router.",
		}),
		TotalCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_txn_committed_total",
			Help: "Number of transactions that reached a committed outcome.",
		}),
		TotalAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_txn_aborted_total",
			Help: "Number of transactions that reached an aborted outcome.",
		}),
		TotalContactedParticipants: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_participants_contacted_total",
			Help: "Number of distinct shard participants ever contacted.",
		}),
		TotalRequestsTargeted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_requests_targeted_total",
			Help: "Number of distinct participant-targeting events.",
		}),
		TotalParticipantsAtCommit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_participants_at_commit_total",
			Help: "Sum of participant counts observed when a commit began.",
		}),
		CommitsInitiated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_commits_initiated_total",
			Help: "Number of commits initiated, by commit type.",
		}, []string{"commit_type"}),
		CommitsSuccessful: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_commits_successful_total",
			Help: "Number of commits that resolved successfully, by commit type.",
		}, []string{"commit_type"}),
		CommitDurationMicros: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_commit_duration_micros_total",
			Help: "Cumulative microseconds spent in successful commits, by commit type.",
		}, []string{"commit_type"}),
		TxnDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "router_txn_duration_seconds",
			Help:    "Transaction duration from Start to commit/abort.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.TotalStarted, m.TotalCommitted, m.TotalAborted,
		m.TotalContactedParticipants, m.TotalRequestsTargeted, m.TotalParticipantsAtCommit,
		m.CommitsInitiated, m.CommitsSuccessful, m.CommitDurationMicros, m.TxnDurations,
	)
	return m
}

// recordCommitInitiated credits CommitsInitiated and, for all commit types
// but RecoverWithToken, TotalParticipantsAtCommit — recovery commits leave
// the router without authority over the true participant count (spec.md
// §4.3).
func (m *RouterMetrics) recordCommitInitiated(ct CommitType, participantCount int) {
	m.CommitsInitiated.WithLabelValues(commitTypeLabel(ct)).Inc()
	if ct != CommitRecoverWithToken {
		m.TotalParticipantsAtCommit.Add(float64(participantCount))
	}
}

// recordCommitSuccessful credits CommitsSuccessful, CommitDurationMicros and
// TotalCommitted exactly once, at the retry that resolves the outcome
// (spec.md §4.2 "Commit retry interaction with metrics").
func (m *RouterMetrics) recordCommitSuccessful(ct CommitType, durationMicros int64) {
	label := commitTypeLabel(ct)
	m.CommitsSuccessful.WithLabelValues(label).Inc()
	m.CommitDurationMicros.WithLabelValues(label).Add(float64(durationMicros))
	m.TotalCommitted.Inc()
}
