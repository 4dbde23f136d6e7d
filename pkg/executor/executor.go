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

// Package executor is the Remote Command Executor collaborator from
// spec.md §2.2: a capability to send a named command with a body to a
// shard's primary and await either a response, a transient transport error,
// or a cancellation. The core owns retry policy; it never owns transport.
package executor

import (
	"context"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ShardID identifies a shard's primary within the cluster.
type ShardID string

// Response is a shard's reply to a remote command.
type Response struct {
	OK           bool
	ErrorCode    string // e.g. "NoSuchTransaction"; empty when OK.
	ErrorMessage string
	Fields       map[string]any
}

// Transport is the underlying, un-retried capability to reach a shard. A
// real implementation wraps the cluster's RPC client; tests supply fakes.
type Transport interface {
	SendCommand(ctx context.Context, shard ShardID, database, command string, body map[string]any) (Response, error)
}

// RetryableTransportError marks an error as safe to retry for idempotent
// commands (commit, abort). Non-idempotent commands never retry regardless.
type RetryableTransportError struct {
	Cause error
}

func (e *RetryableTransportError) Error() string {
	return "retryable transport error: " + e.Cause.Error()
}

func (e *RetryableTransportError) Unwrap() error { return e.Cause }

// Target names one shard-bound remote command dispatch.
type Target struct {
	Shard    ShardID
	Database string
	Command  string
	Body     map[string]any
}

// Executor sends named commands to shard primaries, retrying idempotent
// operations up to three times on a RetryableTransportError per spec.md §7
// ("Remote transport errors: retried by the executor up to three times for
// idempotent operations (abort, commit)").
type Executor struct {
	transport Transport
	tracer    opentracing.Tracer
}

// New returns an Executor that dispatches through transport.
func New(transport Transport, tracer opentracing.Tracer) *Executor {
	return &Executor{transport: transport, tracer: tracer}
}

const maxIdempotentRetries = 3

// Send dispatches a single command. idempotent controls whether a
// RetryableTransportError is retried (up to maxIdempotentRetries total
// attempts) or surfaced immediately.
func (e *Executor) Send(ctx context.Context, t Target, idempotent bool) (Response, error) {
	span, ctx := opentracing.StartSpanFromContextWithTracer(ctx, e.tracer, "executor.Send")
	defer span.Finish()
	span.SetTag("shard", string(t.Shard))
	span.SetTag("command", t.Command)

	attempts := 1
	if idempotent {
		attempts = maxIdempotentRetries
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		resp, err := e.transport.SendCommand(ctx, t.Shard, t.Database, t.Command, t.Body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		var retryable *RetryableTransportError
		if !errors.As(err, &retryable) {
			return Response{}, err
		}
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
	}
	return Response{}, errors.Wrap(lastErr, "remote command exhausted retries")
}

// SendAll dispatches every target in parallel, collecting one Response per
// target in input order. It is the parallel-fan-out primitive the router
// uses for ReadOnly commits and abort aggregation (spec.md §4.2).
func (e *Executor) SendAll(ctx context.Context, targets []Target, idempotent bool) ([]Response, error) {
	responses := make([]Response, len(targets))
	g, ctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			resp, err := e.Send(ctx, t, idempotent)
			if err != nil {
				return err
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return responses, nil
}
