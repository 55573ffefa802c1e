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

// Package tqueue is the persistent, transactional queue storage engine
// behind a lightweight message-queue service: it lays out queue metadata
// and per-queue record files on disk, and exposes the transactional
// enqueue/dequeue/create/delete/enumerate operations a text-protocol
// front-end drives. The wire protocol, connection handling, and process
// bootstrap are someone else's problem -- this package only owns what
// happens once a command has already been parsed into a queue name and
// (for Put) a payload.
package tqueue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/elastic/elastic-agent-libs/logp"
	"github.com/elastic/elastic-agent-libs/monitoring"

	"github.com/njcx/tqueue/internal/catalog"
	"github.com/njcx/tqueue/internal/qfile"
	"github.com/njcx/tqueue/internal/storeenv"
	"github.com/njcx/tqueue/internal/workers"
)

// Engine is the top-level handle: it owns the environment, the catalog,
// and the maintenance workers, and is the only thing a front-end needs
// to construct.
type Engine struct {
	logger   *logp.Logger
	settings Settings

	env        *storeenv.Environment
	catalog    *catalog.Catalog
	supervisor *workers.Supervisor

	reg *monitoring.Registry

	puts, gets, deletes *monitoring.Uint

	mu     sync.RWMutex
	closed bool
}

// Open wires the environment, then the catalog, then the maintenance
// workers, in that order -- each later stage depends on the one before
// it being ready. Close closes the queue files first, then the
// environment, and then waits for the workers to exit.
func Open(settings Settings, cb storeenv.Callbacks, logger *logp.Logger) (*Engine, error) {
	if logger == nil {
		logger = logp.NewLogger("tqueue")
	}

	env, err := storeenv.Open(settings.EnvHome, settings.envConfig(), cb, logger)
	if err != nil {
		return nil, fmt.Errorf("open environment: %w", err)
	}

	reg := monitoring.NewRegistry()

	cat, err := catalog.Open(env, settings.EnvHome, settings.qfileSettings(), settings.MaxQueueSize > 0, reg)
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	e := &Engine{
		logger:   logger,
		settings: settings,
		env:      env,
		catalog:  cat,
		reg:      reg,
		puts:     monitoring.NewUint(reg, "ops.put"),
		gets:     monitoring.NewUint(reg, "ops.get"),
		deletes:  monitoring.NewUint(reg, "ops.delete"),
	}
	e.supervisor = workers.Start(env, settings.workerIntervals())

	return e, nil
}

// Metrics exposes the engine's monitoring registry for a caller to wire
// into its own reporting.
func (e *Engine) Metrics() *monitoring.Registry { return e.reg }

// Close closes every open queue file (in catalog-key order), then closes
// the environment -- which signals the maintenance workers to stop, runs
// a final checkpoint and closes the write-ahead log -- and finally waits
// for the workers to return.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var firstErr error
	if err := e.catalog.CloseAll(); err != nil {
		firstErr = err
	}
	if err := e.env.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.supervisor.Wait()
	return firstErr
}

func (e *Engine) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

// Put enqueues payload onto the named queue, creating the queue on first
// use. It returns ErrQueueFull if a cap is configured and would be
// exceeded, and ErrDeadlock if the underlying transaction was chosen as
// a deadlock victim -- the operation does not retry on its own.
func (e *Engine) Put(name string, payload []byte) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}
	if len(payload) > e.settings.RecordLength {
		return fmt.Errorf("%w: payload %d bytes exceeds record length %d", ErrQueueFull, len(payload), e.settings.RecordLength)
	}

	txn, err := e.env.Begin()
	if err != nil {
		return err
	}

	entry, err := e.catalog.Lookup(txn, name)
	handle := entry.Handle
	if err != nil && !errors.Is(err, catalog.ErrAbsent) {
		txn.Abort()
		return err
	}
	if handle == nil {
		handle, err = e.createQueueFile(txn, name)
		if err != nil {
			txn.Abort()
			return err
		}
	}

	if e.settings.MaxQueueSize > 0 && entry.Length+1 > e.settings.MaxQueueSize {
		txn.Abort()
		e.env.ReportError("tqueue", fmt.Sprintf("put: queue %q size limited to %d", name, e.settings.MaxQueueSize))
		return ErrQueueFull
	}

	if _, err := handle.Append(txn, payload); err != nil {
		txn.Abort()
		return err
	}

	if e.settings.MaxQueueSize > 0 {
		if err := e.catalog.AdjustLength(txn, name, 1); err != nil {
			txn.Abort()
			return err
		}
	}

	if err := txn.Commit(); err != nil {
		if errors.Is(err, storeenv.ErrDeadlock) {
			return ErrDeadlock
		}
		return err
	}
	e.puts.Inc()
	return nil
}

// createQueueFile opens a brand new queue file and registers it in the
// catalog, all under the caller's in-flight transaction -- this is how
// Put implicitly creates a queue on first use.
func (e *Engine) createQueueFile(txn *storeenv.Txn, name string) (*qfile.File, error) {
	f, err := qfile.Open(e.env, e.settings.EnvHome, name, e.settings.qfileSettings())
	if err != nil {
		return nil, err
	}
	if err := e.catalog.Insert(txn, name, f); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// CreateQueue explicitly creates a queue, as an ergonomic addition
// alongside implicit creation via Put: a front-end that wants to
// pre-create a queue (so the first Put doesn't pay file-creation
// latency) can call this directly.
func (e *Engine) CreateQueue(name string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}

	txn, err := e.env.Begin()
	if err != nil {
		return err
	}
	entry, err := e.catalog.Lookup(txn, name)
	if err == nil && entry.Handle != nil {
		txn.Abort()
		return nil // already exists; CreateQueue is idempotent like qfile.Open
	}
	if err != nil && !errors.Is(err, catalog.ErrAbsent) {
		txn.Abort()
		return err
	}
	if _, err := e.createQueueFile(txn, name); err != nil {
		txn.Abort()
		return err
	}
	if err := txn.Commit(); err != nil {
		if errors.Is(err, storeenv.ErrDeadlock) {
			return ErrDeadlock
		}
		return err
	}
	return nil
}

// Get dequeues the oldest record from the named queue. found is false
// when the queue does not exist or has no live records -- in neither
// case is err set, since both are normal, non-error outcomes for a
// front-end translating this into an empty protocol response.
func (e *Engine) Get(name string) (payload []byte, found bool, err error) {
	if err := e.checkOpen(); err != nil {
		return nil, false, err
	}
	if err := validateName(name); err != nil {
		return nil, false, err
	}

	txn, err := e.env.Begin()
	if err != nil {
		return nil, false, err
	}

	entry, lookupErr := e.catalog.Lookup(txn, name)
	if lookupErr != nil || entry.Handle == nil {
		txn.Abort()
		if lookupErr != nil && !errors.Is(lookupErr, catalog.ErrAbsent) {
			return nil, false, lookupErr
		}
		return nil, false, nil
	}

	rec, consumeErr := entry.Handle.Consume(txn)
	if consumeErr != nil {
		txn.Abort()
		if errors.Is(consumeErr, qfile.ErrEmpty) {
			return nil, false, nil
		}
		return nil, false, consumeErr
	}

	if e.settings.MaxQueueSize > 0 {
		if err := e.catalog.AdjustLength(txn, name, -1); err != nil {
			txn.Abort()
			return nil, false, err
		}
	}

	if err := txn.Commit(); err != nil {
		if errors.Is(err, storeenv.ErrDeadlock) {
			return nil, false, ErrDeadlock
		}
		return nil, false, err
	}
	// Only safe to evict the drained segment now that the consume is
	// durable -- doing it before Commit could hand the segment to the
	// deleter loop while an Abort could still have put the record back.
	entry.Handle.ReclaimDrained()
	e.gets.Inc()
	return rec, true, nil
}

// DeleteQueue removes a queue entirely: catalog entry and on-disk
// segment files. The catalog entry is unlinked and committed first; the
// handle is closed and its segment files removed only after that commit
// succeeds, so an aborted transaction never leaves a closed handle with
// a live catalog entry still pointing at it. That post-commit removal
// itself is a plain best-effort os.Remove, not part of the transaction
// -- a crash between the commit and the removal leaves orphan segment
// files with no catalog entry. Recovery closes that gap: replaying this
// transaction's log record (applyLogged's opRemove case, in the catalog
// package) sweeps any leftover "<name>.*" files for the removed queue,
// so the orphan never survives the next Open.
func (e *Engine) DeleteQueue(name string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}

	txn, err := e.env.Begin()
	if err != nil {
		return err
	}

	entry, err := e.catalog.Lookup(txn, name)
	if err != nil {
		txn.Abort()
		if errors.Is(err, catalog.ErrAbsent) {
			return ErrNotFound
		}
		return err
	}
	if entry.Handle == nil {
		txn.Abort()
		return ErrNotFound
	}

	if err := e.catalog.Remove(txn, name); err != nil {
		txn.Abort()
		return err
	}

	if err := txn.Commit(); err != nil {
		if errors.Is(err, storeenv.ErrDeadlock) {
			return ErrDeadlock
		}
		return err
	}

	// Only now, after the catalog mutation is durable, close the handle
	// and remove its segment files.
	if err := entry.Handle.Remove(); err != nil {
		e.env.ReportError("tqueue", fmt.Sprintf("delete_queue: removing files for %q: %v", name, err))
	}
	e.env.BufferPool().Unregister(name)
	e.deletes.Inc()
	return nil
}

func secondsToDuration(s int) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s) * time.Second
}

func microsToDuration(us int) time.Duration {
	if us <= 0 {
		return 0
	}
	return time.Duration(us) * time.Microsecond
}
