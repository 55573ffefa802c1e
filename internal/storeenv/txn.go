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

package storeenv

import (
	"sync"
	"sync/atomic"
)

// Txn is a transaction against an Environment. Operations in the engine
// package begin one, use it to lock and mutate the catalog and at most
// one queue file, and either Commit or Abort it.
type Txn struct {
	env *Environment
	id  uint64
	seq uint64 // monotonic start order; higher is younger

	mu      sync.Mutex
	held    []string
	aborted bool
	done    bool

	pendingLog [][]byte // WAL payloads staged for this txn, appended on Commit
	undo       []func() // compensating actions, run in LIFO order unless the txn commits
}

// ErrDeadlock is returned when a transaction was chosen as a deadlock
// victim, either while waiting for a lock or at commit time.
var ErrDeadlock = sentinelError("deadlock")

// ErrTxnDone is returned by Lock/Stage/Undo/Commit after the transaction
// has already been committed or aborted. Abort on a finished transaction
// is a no-op that returns nil.
var ErrTxnDone = sentinelError("transaction already finished")

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

// ID is a stable identifier for logging and diagnostics.
func (t *Txn) ID() uint64 { return t.id }

// Lock acquires an exclusive lock on the named resource for the life of
// the transaction. The catalog locks "catalog" to serialize changes to
// the queue.list key set, and "queue:<name>" to serialize access to one
// queue's entry and file.
func (t *Txn) Lock(resource string) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return ErrTxnDone
	}
	t.mu.Unlock()
	return t.env.locks.acquire(t, resource)
}

// Stage appends a WAL payload that will be made durable atomically with
// every other staged payload when the transaction commits.
func (t *Txn) Stage(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxnDone
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	t.pendingLog = append(t.pendingLog, cp)
	return nil
}

// Undo registers a compensating action that reverses a physical mutation
// already performed outside the WAL (e.g. a queue-file append or
// consume). Actions run in LIFO order if the transaction ends up
// aborted instead of committed; a committing transaction simply
// discards them, since the mutations they would undo are meant to
// stand.
func (t *Txn) Undo(fn func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxnDone
	}
	t.undo = append(t.undo, fn)
	return nil
}

// Commit durably applies every staged WAL payload and releases all locks
// held by the transaction. If the transaction was chosen as a deadlock
// victim before Commit is called, Commit itself returns ErrDeadlock,
// every registered Undo action runs, and nothing is made durable.
func (t *Txn) Commit() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return ErrTxnDone
	}
	if t.aborted {
		undo := t.undo
		t.done = true
		t.mu.Unlock()
		runUndo(undo)
		t.env.locks.release(t)
		return ErrDeadlock
	}
	payloads := t.pendingLog
	undo := t.undo
	t.done = true
	t.mu.Unlock()

	for _, p := range payloads {
		if _, err := t.env.wal.append(p); err != nil {
			t.env.locks.release(t)
			runUndo(undo)
			return err
		}
	}
	if err := t.env.wal.flush(); err != nil {
		t.env.locks.release(t)
		runUndo(undo)
		return err
	}
	t.env.locks.release(t)
	return nil
}

// Abort runs every registered Undo action (most recent first), releases
// all locks, and discards any staged WAL payloads.
func (t *Txn) Abort() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil
	}
	undo := t.undo
	t.done = true
	t.mu.Unlock()
	runUndo(undo)
	t.env.locks.release(t)
	return nil
}

func runUndo(undo []func()) {
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

func (t *Txn) abort() {
	t.mu.Lock()
	t.aborted = true
	t.mu.Unlock()
}

func (t *Txn) isAborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

func (t *Txn) noteHeld(resource string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.held = append(t.held, resource)
}

func (t *Txn) heldLocks() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.held))
	copy(out, t.held)
	return out
}

var txnSeq uint64

func nextTxnSeq() uint64 {
	return atomic.AddUint64(&txnSeq, 1)
}
