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
	"time"

	"github.com/pkg/errors"

	"github.com/shuvalov-mdb/shardkv/pkg/hlc"
	"github.com/shuvalov-mdb/shardkv/pkg/stop"
)

// DonorState is the migration progress recorded in a donor state document.
// It is the collaborator's state machine, not the blocker's: recovery maps
// it onto blocker transitions.
type DonorState int

const (
	// DataSync: the recipient is copying data; the donor still serves the
	// tenant normally.
	DataSync DonorState = iota
	// Blocking: the donor has quiesced tenant writes and reads at or after
	// the recorded block timestamp.
	Blocking
	// Committed: the hand-off completed; tenant traffic redirects to the
	// recipient.
	Committed
	// AbortedMigration: the hand-off rolled back; the donor keeps the
	// tenant.
	AbortedMigration
)

func (s DonorState) String() string {
	switch s {
	case DataSync:
		return "DataSync"
	case Blocking:
		return "Blocking"
	case Committed:
		return "Committed"
	case AbortedMigration:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// StateDoc is the donor state document, the small record the donor-side
// state machine persists and this package consumes on recovery. The blocker
// never writes one; it only reconstructs its own state from it after a
// process restart.
type StateDoc struct {
	TenantID                  string
	State                     DonorState
	BlockTimestamp            *hlc.Timestamp
	CommitOrAbortOpTime       *OpTime
	AbortReason               string
	ExpireAt                  *time.Time
	RecipientConnectionString string
}

// Validate checks the document's well-formedness invariants: Blocking
// implies a block timestamp and no op-time; Committed implies both;
// Aborted implies an abort reason; expireAt requires a terminal state.
func (d *StateDoc) Validate() error {
	if d.TenantID == "" {
		return errors.New("state doc missing tenantId")
	}
	if d.RecipientConnectionString == "" {
		return errors.Errorf("state doc for %s missing recipientConnectionString", d.TenantID)
	}
	switch d.State {
	case DataSync:
	case Blocking:
		if d.BlockTimestamp == nil {
			return errors.Errorf("state doc for %s: Blocking without blockTimestamp", d.TenantID)
		}
		if d.CommitOrAbortOpTime != nil {
			return errors.Errorf("state doc for %s: Blocking with commitOrAbortOpTime", d.TenantID)
		}
	case Committed:
		if d.BlockTimestamp == nil || d.CommitOrAbortOpTime == nil {
			return errors.Errorf("state doc for %s: Committed requires blockTimestamp and commitOrAbortOpTime", d.TenantID)
		}
	case AbortedMigration:
		if d.AbortReason == "" {
			return errors.Errorf("state doc for %s: Aborted without abortReason", d.TenantID)
		}
	default:
		return errors.Errorf("state doc for %s: unknown state %v", d.TenantID, d.State)
	}
	if d.ExpireAt != nil && d.State != Committed && d.State != AbortedMigration {
		return errors.Errorf("state doc for %s: expireAt on non-terminal state %v", d.TenantID, d.State)
	}
	return nil
}

// RecoverBlocker reconstructs a Blocker from a donor state document,
// replaying the transitions the document implies. The returned bool is
// false when the document is skipped: an Aborted record carrying expireAt
// is already garbage-collection-bound and installs no blocker.
//
// For a Committed or Aborted document the terminal decision is replayed
// through the same majority-wait path a live decision takes, so a recovered
// blocker's completion promise settles only once the recorded op-time is
// majority-durable again on this node.
func RecoverBlocker(ctx context.Context, doc *StateDoc, waiter MajorityWaiter, stopper *stop.Stopper) (*Blocker, bool, error) {
	if err := doc.Validate(); err != nil {
		return nil, false, err
	}
	if doc.State == AbortedMigration && doc.ExpireAt != nil {
		return nil, false, nil
	}

	b := New(doc.TenantID, doc.RecipientConnectionString, waiter, stopper)
	switch doc.State {
	case DataSync:
		return b, true, nil

	case Blocking:
		if err := b.StartBlockingWrites(); err != nil {
			return nil, false, err
		}
		if err := b.StartBlockingReadsAfter(*doc.BlockTimestamp); err != nil {
			return nil, false, err
		}
		return b, true, nil

	case Committed:
		if err := b.StartBlockingWrites(); err != nil {
			return nil, false, err
		}
		if err := b.StartBlockingReadsAfter(*doc.BlockTimestamp); err != nil {
			return nil, false, err
		}
		if err := b.Commit(ctx, *doc.CommitOrAbortOpTime); err != nil {
			return nil, false, err
		}
		return b, true, nil

	case AbortedMigration:
		var op OpTime
		if doc.CommitOrAbortOpTime != nil {
			op = *doc.CommitOrAbortOpTime
		}
		if err := b.Abort(ctx, op); err != nil {
			return nil, false, err
		}
		return b, true, nil

	default:
		return nil, false, errors.Errorf("state doc for %s: unknown state %v", doc.TenantID, doc.State)
	}
}

// RecoverRegistry installs a recovered blocker into registry for every
// document in docs, skipping expired Aborted records. A malformed document
// fails recovery outright rather than being skipped: a donor that persisted
// an invariant-violating record must not silently serve tenant traffic
// ungated.
func RecoverRegistry(ctx context.Context, docs []*StateDoc, waiter MajorityWaiter, stopper *stop.Stopper, registry *Registry) error {
	for _, doc := range docs {
		b, installed, err := RecoverBlocker(ctx, doc, waiter, stopper)
		if err != nil {
			return errors.Wrapf(err, "recovering tenant %s", doc.TenantID)
		}
		if !installed {
			log.Infof(ctx, "tenant %s: skipping expired aborted migration record", doc.TenantID)
			continue
		}
		registry.Add(b)
	}
	return nil
}
