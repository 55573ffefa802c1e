// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package tqueue

import "errors"

// Sentinel errors surfaced by the engine's external interface.
var (
	// ErrQueueFull is returned by Put when a per-queue cap is configured
	// and enqueuing the record would exceed it.
	ErrQueueFull = errors.New("tqueue: queue full")

	// ErrInvalidName is returned when a queue name is empty, longer than
	// 511 bytes, or contains a NUL byte.
	ErrInvalidName = errors.New("tqueue: invalid queue name")

	// ErrNotFound is returned by DeleteQueue (and internally by Get's
	// plumbing) when the named queue does not exist. Get itself reports
	// absence as (nil, false, nil) rather than this error, since lookup
	// of an unknown queue is a normal outcome, not a failure.
	ErrNotFound = errors.New("tqueue: no such queue")

	// ErrDeadlock is returned when an operation's transaction was chosen
	// as a deadlock victim. Operations do not auto-retry; the caller
	// should retry the whole operation.
	ErrDeadlock = errors.New("tqueue: transaction aborted, deadlock victim")

	// ErrClosed is returned by any operation called after Close.
	ErrClosed = errors.New("tqueue: engine is closed")
)

// validateName enforces queue-name constraints: a non-empty, NUL-free
// byte string of at most 511 bytes.
func validateName(name string) error {
	if len(name) == 0 || len(name) > 511 {
		return ErrInvalidName
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 {
			return ErrInvalidName
		}
	}
	return nil
}
