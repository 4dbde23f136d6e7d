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

package future

import "time"

// Deadline is a Future[struct{}] that settles once d elapses. It is the
// "sibling sleep future" spec.md §5 describes: pair it with a real future in
// WaitAny and cancel the loser via the shared ctx.
type Deadline struct {
	timer *time.Timer
	p     *Promise[struct{}]
}

// NewDeadline starts a timer that settles the returned Deadline after d.
func NewDeadline(d time.Duration) *Deadline {
	p := NewPromise[struct{}]()
	t := time.AfterFunc(d, func() { p.Resolve(struct{}{}) })
	return &Deadline{timer: t, p: p}
}

// Done satisfies Waiter.
func (d *Deadline) Done() <-chan struct{} {
	return d.p.done
}

// Stop cancels the underlying timer; call it once the sibling operation has
// already settled so the deadline goroutine doesn't fire needlessly.
func (d *Deadline) Stop() {
	d.timer.Stop()
}
