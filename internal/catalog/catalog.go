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

// Package catalog implements the queue.list table: the ordered
// name -> {length, transient file handle} index that is the source of
// truth for which queues exist.
package catalog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/elastic/elastic-agent-libs/logp"
	"github.com/elastic/elastic-agent-libs/monitoring"
	"github.com/google/btree"

	"github.com/njcx/tqueue/internal/qfile"
	"github.com/njcx/tqueue/internal/storeenv"
)

// Entry is the in-memory value side of a catalog record. Length is
// persisted (when length tracking is enabled); Handle is transient and
// is nil until the reopen protocol (or a later CreateQueue/Enqueue)
// populates it.
type Entry struct {
	Length int64
	Handle *qfile.File
}

var (
	ErrAbsent    = errors.New("catalog: no such queue")
	ErrDuplicate = errors.New("catalog: queue already exists")
)

// catalogResource guards the shape of the index itself -- inserting or
// removing a key, or walking every key in Enumerate. Every other
// operation locks queueResource(name) instead, so two transactions
// touching different queues never block each other.
const catalogResource = "catalog"

// catalogSnapshotFile holds the full name -> length table as of the last
// checkpoint, so a checkpoint can truncate the write-ahead log without
// losing the only durable record of which queues exist.
const catalogSnapshotFile = "queue.list"

func queueResource(name string) string {
	return "queue:" + name
}

type row struct {
	name  string
	entry Entry
}

func (r *row) Less(than btree.Item) bool {
	return r.name < than.(*row).name
}

// Catalog is the queue.list table: a google/btree index kept consistent
// with the environment's write-ahead log, plus a dedicated length-update
// mutex for the one piece of state the storage substrate itself does
// not serialize.
type Catalog struct {
	logger    *logp.Logger
	env       *storeenv.Environment
	dir       string
	qsettings qfile.Settings

	idxMu sync.RWMutex
	idx   *btree.BTree

	lengthMu    sync.Mutex
	trackLength bool

	depth *monitoring.Uint
}

const opInsert byte = 1
const opRemove byte = 2
const opSetLength byte = 3

// Open runs the startup reopen protocol: load the last snapshot, replay
// the write-ahead log on top of it to rebuild the in-memory index, then
// call qfile.Reopen for every existing entry, retrying the whole attempt
// on ErrAbsent/ErrDeadlock with a 3s sleep (up to five attempts). No
// transaction is held while this runs.
func Open(env *storeenv.Environment, dir string, qsettings qfile.Settings, trackLength bool, reg *monitoring.Registry) (*Catalog, error) {
	logger := env.Logger().Named("catalog")

	c := &Catalog{
		logger:      logger,
		env:         env,
		dir:         dir,
		qsettings:   qsettings,
		idx:         btree.New(32),
		trackLength: trackLength,
	}
	if reg != nil {
		c.depth = monitoring.NewUint(reg, "catalog.queues")
	}

	env.BufferPool().Register(catalogResource, storeenv.PriorityHighest, c.flush)

	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		err := c.tryOpen()
		if err == nil {
			return c, nil
		}
		lastErr = err
		if errors.Is(err, ErrAbsent) || errors.Is(err, storeenv.ErrDeadlock) {
			logger.Warnf("catalog open: %v, retrying", err)
			time.Sleep(3 * time.Second)
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("catalog open: giving up after retries: %w", lastErr)
}

func (c *Catalog) tryOpen() error {
	if err := c.loadSnapshot(); err != nil {
		return fmt.Errorf("catalog: load snapshot: %w", err)
	}
	if err := c.env.Recover(c.applyLogged); err != nil {
		return err
	}

	// Reopen a fresh, process-local file handle for every queue the
	// catalog already knows about.
	var reopenErr error
	c.idxMu.Lock()
	names := make([]string, 0, c.idx.Len())
	c.idx.Ascend(func(it btree.Item) bool {
		names = append(names, it.(*row).name)
		return true
	})
	c.idxMu.Unlock()

	for _, name := range names {
		f, err := qfile.Reopen(c.env, c.dir, name, c.qsettings)
		if err != nil {
			reopenErr = err
			break
		}
		c.idxMu.Lock()
		if it := c.idx.Get(&row{name: name}); it != nil {
			r := it.(*row)
			r.entry.Handle = f
		}
		c.idxMu.Unlock()
	}
	if c.depth != nil {
		c.depth.Set(uint64(len(names)))
	}
	return reopenErr
}

// applyLogged replays one write-ahead log payload against the in-memory
// index, used both at startup recovery and is otherwise never called
// directly -- commits stage the same encoding via Txn.Stage.
func (c *Catalog) applyLogged(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("catalog: empty log payload")
	}
	op := payload[0]
	nameLen := binary.BigEndian.Uint16(payload[1:3])
	name := string(payload[3 : 3+nameLen])
	rest := payload[3+nameLen:]

	c.idxMu.Lock()
	defer c.idxMu.Unlock()

	switch op {
	case opInsert:
		c.idx.ReplaceOrInsert(&row{name: name, entry: Entry{}})
	case opRemove:
		c.idx.Delete(&row{name: name})
		// A crash between DeleteQueue's commit and its post-commit file
		// removal can leave orphan segment files on disk; sweeping here
		// makes replaying this record idempotent, so a restart always
		// converges even if the earlier removal never ran.
		c.removeSegmentFiles(name)
	case opSetLength:
		length := int64(binary.BigEndian.Uint64(rest))
		if it := c.idx.Get(&row{name: name}); it != nil {
			it.(*row).entry.Length = length
		} else {
			c.idx.ReplaceOrInsert(&row{name: name, entry: Entry{Length: length}})
		}
	default:
		return fmt.Errorf("catalog: unknown log op %d", op)
	}
	return nil
}

func (c *Catalog) removeSegmentFiles(name string) {
	matches, _ := filepath.Glob(filepath.Join(c.dir, name+".*"))
	for _, m := range matches {
		os.Remove(m)
	}
}

// loadSnapshot seeds the in-memory index from the last durable
// checkpoint, if one exists. The write-ahead log is truncated only once
// its records are reflected in this snapshot, so replaying the log (via
// applyLogged) on top of it reconstructs the exact pre-crash state.
func (c *Catalog) loadSnapshot() error {
	f, err := os.Open(filepath.Join(c.dir, catalogSnapshotFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	c.idxMu.Lock()
	defer c.idxMu.Unlock()

	r := bufio.NewReader(f)
	for {
		var hdr [2]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		nameBuf := make([]byte, binary.BigEndian.Uint16(hdr[:]))
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return err
		}
		var lb [8]byte
		if _, err := io.ReadFull(r, lb[:]); err != nil {
			return err
		}
		length := int64(binary.BigEndian.Uint64(lb[:]))
		c.idx.ReplaceOrInsert(&row{name: string(nameBuf), entry: Entry{Length: length}})
	}
}

// writeSnapshot durably serializes the current index to catalogSnapshotFile,
// via a temp-file-plus-rename so a crash mid-write never corrupts the
// previous snapshot.
func (c *Catalog) writeSnapshot() error {
	path := filepath.Join(c.dir, catalogSnapshotFile)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0664)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(f)
	c.idxMu.RLock()
	var werr error
	c.idx.Ascend(func(it btree.Item) bool {
		r := it.(*row)
		var hdr [2]byte
		binary.BigEndian.PutUint16(hdr[:], uint16(len(r.name)))
		if _, werr = bw.Write(hdr[:]); werr != nil {
			return false
		}
		if _, werr = bw.WriteString(r.name); werr != nil {
			return false
		}
		var lb [8]byte
		binary.BigEndian.PutUint64(lb[:], uint64(r.entry.Length))
		_, werr = bw.Write(lb[:])
		return werr == nil
	})
	c.idxMu.RUnlock()

	if werr == nil {
		werr = bw.Flush()
	}
	if werr == nil {
		werr = f.Sync()
	}
	f.Close()
	if werr != nil {
		os.Remove(tmp)
		return werr
	}
	return os.Rename(tmp, path)
}

func encodeInsert(name string) []byte {
	return encode(opInsert, name, nil)
}

func encodeRemove(name string) []byte {
	return encode(opRemove, name, nil)
}

func encodeSetLength(name string, length int64) []byte {
	var lb [8]byte
	binary.BigEndian.PutUint64(lb[:], uint64(length))
	return encode(opSetLength, name, lb[:])
}

func encode(op byte, name string, rest []byte) []byte {
	buf := make([]byte, 3+len(name)+len(rest))
	buf[0] = op
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(name)))
	copy(buf[3:], name)
	copy(buf[3+len(name):], rest)
	return buf
}

// Lookup returns the catalog entry for name, or ErrAbsent if the queue
// does not exist -- absence is a normal result, not an error condition
// callers need to branch on specially. It locks only name's own
// resource, so lookups against different queues never block each other.
func (c *Catalog) Lookup(txn *storeenv.Txn, name string) (Entry, error) {
	if err := txn.Lock(queueResource(name)); err != nil {
		return Entry{}, err
	}
	c.idxMu.RLock()
	defer c.idxMu.RUnlock()
	it := c.idx.Get(&row{name: name})
	if it == nil {
		return Entry{}, ErrAbsent
	}
	return it.(*row).entry, nil
}

// Insert adds a new catalog entry with length 0 and the given handle. It
// locks name's own resource, then the catalog-wide structural resource
// for the key-set mutation itself.
func (c *Catalog) Insert(txn *storeenv.Txn, name string, handle *qfile.File) error {
	if err := txn.Lock(queueResource(name)); err != nil {
		return err
	}
	if err := txn.Lock(catalogResource); err != nil {
		return err
	}
	c.idxMu.Lock()
	if c.idx.Get(&row{name: name}) != nil {
		c.idxMu.Unlock()
		return ErrDuplicate
	}
	c.idx.ReplaceOrInsert(&row{name: name, entry: Entry{Handle: handle}})
	c.idxMu.Unlock()

	if err := txn.Stage(encodeInsert(name)); err != nil {
		return err
	}
	c.env.BufferPool().MarkDirty(catalogResource)
	return nil
}

// Remove deletes the catalog entry for name. It locks name's own
// resource, then the catalog-wide structural resource for the key-set
// mutation itself.
func (c *Catalog) Remove(txn *storeenv.Txn, name string) error {
	if err := txn.Lock(queueResource(name)); err != nil {
		return err
	}
	if err := txn.Lock(catalogResource); err != nil {
		return err
	}
	c.idxMu.Lock()
	if c.idx.Get(&row{name: name}) == nil {
		c.idxMu.Unlock()
		return ErrAbsent
	}
	c.idx.Delete(&row{name: name})
	c.idxMu.Unlock()

	if err := txn.Stage(encodeRemove(name)); err != nil {
		return err
	}
	c.env.BufferPool().MarkDirty(catalogResource)
	return nil
}

// AdjustLength applies delta to the persisted length counter under the
// dedicated length-update mutex, since a read-modify-write pair is not
// otherwise serialized against a concurrent one on the same queue. It is
// a no-op unless length tracking is enabled. Locking name's own resource
// is enough -- this never touches the index's key set.
func (c *Catalog) AdjustLength(txn *storeenv.Txn, name string, delta int64) error {
	if !c.trackLength {
		return nil
	}
	if err := txn.Lock(queueResource(name)); err != nil {
		return err
	}

	c.lengthMu.Lock()
	defer c.lengthMu.Unlock()

	c.idxMu.Lock()
	it := c.idx.Get(&row{name: name})
	if it == nil {
		c.idxMu.Unlock()
		return ErrAbsent
	}
	r := it.(*row)
	newLen := r.entry.Length + delta
	r.entry.Length = newLen
	c.idxMu.Unlock()

	if err := txn.Stage(encodeSetLength(name, newLen)); err != nil {
		return err
	}
	c.env.BufferPool().MarkDirty(catalogResource)
	return nil
}

// Visit is the callback shape for Enumerate.
type Visit func(name string, entry Entry) bool

// Enumerate calls visit for every catalog entry in key order. Unlike
// the per-queue operations, it locks the catalog-wide structural
// resource rather than any single queue's -- a cursor walking every key
// needs to be serialized against inserts and removes, not just against
// one queue's own traffic.
func (c *Catalog) Enumerate(txn *storeenv.Txn, visit Visit) error {
	if err := txn.Lock(catalogResource); err != nil {
		return err
	}
	c.idxMu.RLock()
	defer c.idxMu.RUnlock()
	c.idx.Ascend(func(it btree.Item) bool {
		r := it.(*row)
		return visit(r.name, r.entry)
	})
	return nil
}

// SetHandle installs a (possibly nil) transient handle for name without
// touching the persisted length. It does nothing if name has no catalog
// entry.
func (c *Catalog) SetHandle(name string, handle *qfile.File) {
	c.idxMu.Lock()
	defer c.idxMu.Unlock()
	if it := c.idx.Get(&row{name: name}); it != nil {
		it.(*row).entry.Handle = handle
	}
}

// CloseAll closes every open queue file handle, in catalog-key order, as
// part of the engine shutdown sequence.
func (c *Catalog) CloseAll() error {
	c.idxMu.Lock()
	defer c.idxMu.Unlock()
	var firstErr error
	c.idx.Ascend(func(it btree.Item) bool {
		r := it.(*row)
		if r.entry.Handle != nil {
			if err := r.entry.Handle.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			r.entry.Handle = nil
		}
		return true
	})
	return firstErr
}

// flush is the BufferPool flush callback for the catalog resource: it
// writes a durable snapshot of the index. Checkpoint calls this before
// truncating the write-ahead log, so the snapshot -- not the log -- is
// what the next Open replays on top of.
func (c *Catalog) flush() error {
	if err := c.writeSnapshot(); err != nil {
		return fmt.Errorf("catalog: write snapshot: %w", err)
	}
	return nil
}

// Len returns the number of queues currently known to the catalog.
func (c *Catalog) Len() int {
	c.idxMu.RLock()
	defer c.idxMu.RUnlock()
	return c.idx.Len()
}
