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

// Package hlc implements a cluster-time source producing monotonically
// non-decreasing ClusterTime values, used both to pick snapshot read times
// and to order read/write gating between a donor and a migration recipient.
package hlc

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// Timestamp is an opaque, totally-ordered ClusterTime value. WallTime is
// nanoseconds since the Unix epoch; Logical disambiguates multiple events
// within the same wall-clock tick.
type Timestamp struct {
	WallTime int64
	Logical  int32
}

// Less returns true if t is strictly less than o.
func (t Timestamp) Less(o Timestamp) bool {
	return t.WallTime < o.WallTime || (t.WallTime == o.WallTime && t.Logical < o.Logical)
}

// Compare returns -1, 0, or 1 as t is less than, equal to, or greater than o.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Less(o):
		return -1
	case o.Less(t):
		return 1
	default:
		return 0
	}
}

// IsZero reports whether t is the zero Timestamp.
func (t Timestamp) IsZero() bool {
	return t.WallTime == 0 && t.Logical == 0
}

// String renders the timestamp as "(wall,logical)", matching the notation
// used in scenario fixtures.
func (t Timestamp) String() string {
	return fmt.Sprintf("(%d,%d)", t.WallTime, t.Logical)
}

// Marshal serializes the timestamp as a 12-byte big-endian wire value: an
// 8-byte WallTime followed by a 4-byte Logical counter. A bespoke 12-byte
// timestamp has no ecosystem codec in the corpus, so this is a direct
// encoding/binary implementation (see DESIGN.md).
func (t Timestamp) Marshal() [12]byte {
	var buf [12]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(t.WallTime))
	binary.BigEndian.PutUint32(buf[8:12], uint32(t.Logical))
	return buf
}

// Unmarshal parses a 12-byte wire value produced by Marshal.
func Unmarshal(buf [12]byte) Timestamp {
	return Timestamp{
		WallTime: int64(binary.BigEndian.Uint64(buf[0:8])),
		Logical:  int32(binary.BigEndian.Uint32(buf[8:12])),
	}
}

// Clock is a monotonic ClusterTime source. It never returns a value smaller
// than the greatest value it has previously produced or observed via Update,
// mirroring the ratcheting behavior real cluster-time sources use to
// maintain causality across remote commands.
type Clock struct {
	mu struct {
		sync.Mutex
		last Timestamp
	}
	physicalNow func() int64
}

// NewClock creates a Clock. physicalNow, if nil, defaults to the wall clock.
func NewClock(physicalNow func() int64) *Clock {
	if physicalNow == nil {
		physicalNow = func() int64 { return time.Now().UnixNano() }
	}
	return &Clock{physicalNow: physicalNow}
}

// Now advances and returns the clock's current ClusterTime.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	phys := c.physicalNow()
	if phys > c.mu.last.WallTime {
		c.mu.last = Timestamp{WallTime: phys}
	} else {
		c.mu.last.Logical++
	}
	return c.mu.last
}

// Update ratchets the clock forward to at least remote, as when learning
// a ClusterTime from a shard's response.
func (c *Clock) Update(remote Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mu.last.Less(remote) {
		c.mu.last = remote
	}
}

// PhysicalNow returns the clock's view of wall-clock nanoseconds, without
// advancing the logical counter. Used for timeout/deadline arithmetic.
func (c *Clock) PhysicalNow() int64 {
	return c.physicalNow()
}
