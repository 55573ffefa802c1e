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

// Package storeenv implements the process-wide storage substrate: a
// write-ahead log, a dirty-page bookkeeping buffer pool, and a lock
// manager with deadlock detection. It is the Go analogue of the
// DB_ENV handle the engine is built on top of.
package storeenv

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/elastic/elastic-agent-libs/logp"
)

// EventKind classifies the asynchronous events the environment reports
// through its event callback.
type EventKind int

const (
	EventPanic EventKind = iota
	EventWriteFailed
	EventOther
)

// Config mirrors the BDB environment tunables this substrate stands in
// for: cache size, log buffer size, and the locker/lock/object/active-
// transaction caps.
type Config struct {
	CacheSize     int64 // bytes, default 64 MiB
	LogBufferSize int   // bytes, default 32 KiB
	MaxLockers    int
	MaxLocks      int
	MaxObjects    int
	MaxActiveTxns int
	TxnNoSync     bool
}

// DefaultConfig returns the environment's out-of-the-box defaults.
func DefaultConfig() Config {
	return Config{
		CacheSize:     64 * 1024 * 1024,
		LogBufferSize: 32 * 1024,
		MaxLockers:    20000,
		MaxLocks:      20000,
		MaxObjects:    20000,
		MaxActiveTxns: 20000,
	}
}

// Callbacks lets a caller observe environment-level diagnostics without
// any of it reaching a protocol client.
type Callbacks struct {
	OnEvent   func(kind EventKind, msg string)
	OnError   func(prefix, msg string)
	OnMessage func(msg string)
}

// Environment is the process-wide handle owning the log, the buffer
// pool, and the lock manager. It is created once at startup and closed
// once at shutdown, after every queue file and the catalog have closed.
type Environment struct {
	logger    *logp.Logger
	home      string
	cfg       Config
	callbacks Callbacks

	wal   *wal
	pool  *BufferPool
	locks *lockManager

	seq uint64 // txn start-order counter

	mu       sync.Mutex
	unusable bool
	closed   bool

	quit chan struct{}
}

// ErrEnvironmentUnusable is returned by Begin once a panic event has
// been reported: the process should be restarted so recovery can run.
var ErrEnvironmentUnusable = sentinelError("environment is unusable, recovery must be run")

// Open creates the home directory if needed, opens the write-ahead log,
// and runs recovery unconditionally, matching DB_RECOVER being set on
// every open. Recovery here means handing the WAL to Recover so the
// catalog can replay it; Open itself only guarantees the log is
// consistent and ready to be read from the beginning.
func Open(home string, cfg Config, cb Callbacks, logger *logp.Logger) (*Environment, error) {
	if logger == nil {
		logger = logp.NewLogger("storeenv")
	} else {
		logger = logger.Named("storeenv")
	}

	if err := os.MkdirAll(home, 0750); err != nil {
		return nil, fmt.Errorf("create env home %q: %w", home, err)
	}

	w, err := openWAL(filepath.Join(home, "env.wal"), cfg.TxnNoSync)
	if err != nil {
		return nil, err
	}

	env := &Environment{
		logger:    logger,
		home:      home,
		cfg:       cfg,
		callbacks: cb,
		wal:       w,
		pool:      newBufferPool(cfg.CacheSize),
		locks:     newLockManager(),
		quit:      make(chan struct{}),
	}
	return env, nil
}

// Recover replays every record in the write-ahead log through fn. The
// catalog calls this exactly once, right after Open, to rebuild its
// in-memory index.
func (e *Environment) Recover(fn func(payload []byte) error) error {
	return e.wal.replay(fn)
}

// Home returns the environment's home directory.
func (e *Environment) Home() string { return e.home }

// Logger returns the environment's named logger, for components that
// want to nest their own name under it.
func (e *Environment) Logger() *logp.Logger { return e.logger }

// BufferPool exposes the dirty-page registry so the catalog and queue
// files can register their flush callbacks.
func (e *Environment) BufferPool() *BufferPool { return e.pool }

// NoSync reports whether the environment was configured for relaxed
// durability (txn_nosync), so components writing their own files
// directly -- rather than through the write-ahead log -- know whether
// to fsync after every write.
func (e *Environment) NoSync() bool { return e.cfg.TxnNoSync }

// QuitCh is closed when Close begins, so maintenance workers can select
// on it and exit.
func (e *Environment) QuitCh() <-chan struct{} { return e.quit }

// Begin starts a new transaction. It fails once the environment has been
// marked unusable by a panic event, or after Close has begun.
func (e *Environment) Begin() (*Txn, error) {
	e.mu.Lock()
	unusable, closed := e.unusable, e.closed
	e.mu.Unlock()
	if unusable {
		return nil, ErrEnvironmentUnusable
	}
	if closed {
		return nil, sentinelError("environment is closed")
	}
	return &Txn{
		env: e,
		id:  atomic.AddUint64(&e.seq, 1),
		seq: nextTxnSeq(),
	}, nil
}

// Checkpoint flushes every dirty page and truncates the write-ahead log,
// establishing a new recovery starting point. Errors are returned to the
// caller (the checkpointer worker logs and continues rather than dying).
func (e *Environment) Checkpoint() error {
	if err := e.pool.FlushAll(); err != nil {
		return fmt.Errorf("checkpoint flush: %w", err)
	}
	if err := e.wal.flush(); err != nil {
		return fmt.Errorf("checkpoint wal flush: %w", err)
	}
	return e.wal.truncate()
}

// Trickle asks the buffer pool to write dirty pages until at least pct
// percent of registered pages are clean, returning how many it wrote.
func (e *Environment) Trickle(pct int) (int, error) {
	return e.pool.FlushUntilClean(pct)
}

// DetectDeadlocks scans the lock table once and aborts at most one
// transaction: the youngest participant of the first cycle found.
func (e *Environment) DetectDeadlocks() *Txn {
	return e.locks.detectAndAbortOne()
}

// ReportEvent is how the environment's internal machinery (and, in a
// fuller deployment, the underlying OS/disk layer) signals panics and
// write failures. It fans out to the registered Callbacks and applies a
// fixed policy: panics mark the environment unusable.
func (e *Environment) ReportEvent(kind EventKind, msg string) {
	switch kind {
	case EventPanic:
		e.logger.Errorf("event: panic, recovery must be run: %s", msg)
		e.mu.Lock()
		e.unusable = true
		e.mu.Unlock()
	case EventWriteFailed:
		e.logger.Errorf("event: write to stable storage failed: %s", msg)
	default:
		e.logger.Debugf("event: ignoring %v: %s", kind, msg)
	}
	if e.callbacks.OnEvent != nil {
		e.callbacks.OnEvent(kind, msg)
	}
}

// ReportError is the DB_ENV errcall analogue: diagnostic lines that never
// flow to a protocol client.
func (e *Environment) ReportError(prefix, msg string) {
	e.logger.Errorf("[%s] %s", prefix, msg)
	if e.callbacks.OnError != nil {
		e.callbacks.OnError(prefix, msg)
	}
}

// ReportMessage is the DB_ENV msgcall analogue.
func (e *Environment) ReportMessage(msg string) {
	e.logger.Infof("%s", msg)
	if e.callbacks.OnMessage != nil {
		e.callbacks.OnMessage(msg)
	}
}

// Close signals all maintenance workers to stop (via QuitCh), attempts a
// final checkpoint, and closes the write-ahead log. It is idempotent.
func (e *Environment) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	close(e.quit)

	if err := e.Checkpoint(); err != nil {
		e.logger.Warnf("final checkpoint failed: %v", err)
	}
	return e.wal.close()
}
