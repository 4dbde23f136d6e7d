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

// Package stop provides a Stopper, a cooperative-shutdown primitive modeled
// on cockroach's util/stop.Stopper: a place to register long-running
// background tasks (heartbeat loops, majority-wait retries, status loggers)
// so that a single Stop() call can quiesce all of them.
package stop

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrQuiescing is returned by RunAsyncTask once the Stopper is stopping.
var ErrQuiescing = errors.New("stopper quiescing")

// Stopper coordinates graceful shutdown of background tasks.
type Stopper struct {
	quiesce chan struct{}
	mu      sync.Mutex
	wg      sync.WaitGroup
	closed  bool
}

// NewStopper creates a running Stopper.
func NewStopper() *Stopper {
	return &Stopper{quiesce: make(chan struct{})}
}

// ShouldQuiesce returns a channel that closes when Stop is called.
func (s *Stopper) ShouldQuiesce() <-chan struct{} {
	return s.quiesce
}

// RunAsyncTask runs fn in a new goroutine unless the Stopper is already
// quiescing, in which case it returns ErrQuiescing without starting fn.
func (s *Stopper) RunAsyncTask(ctx context.Context, taskName string, fn func(ctx context.Context)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Wrap(ErrQuiescing, taskName)
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
	return nil
}

// RunWorker is RunAsyncTask without the name, matching the teacher's
// unlabeled long-lived workers (e.g. the status-log loop).
func (s *Stopper) RunWorker(ctx context.Context, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

// Stop closes the quiesce channel and blocks until every task registered via
// RunAsyncTask/RunWorker has returned.
func (s *Stopper) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.quiesce)
	s.mu.Unlock()
	s.wg.Wait()
}
