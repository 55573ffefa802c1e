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

// Package qfile implements the per-queue fixed-record FIFO file: a
// sequence of extent-sized segment files holding records of a fixed
// width, written at the tail and consumed destructively from the head.
package qfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/elastic/elastic-agent-libs/logp"
	"golang.org/x/sys/unix"

	"github.com/njcx/tqueue/internal/storeenv"
)

// RecordNumber identifies a record in append order. Consume always
// returns the record with the smallest live RecordNumber.
type RecordNumber uint32

// Settings are the fixed-record-file layout parameters.
type Settings struct {
	RecordLength int // re_len, default 1024
	ExtentSize   int // q_extentsize, default 131072; 0 disables extents (one giant segment)
	PageSize     int // page_size, default 4096 -- carried for parity, not load-bearing here
}

func DefaultSettings() Settings {
	return Settings{RecordLength: 1024, ExtentSize: 131072, PageSize: 4096}
}

var (
	ErrEmpty          = errors.New("qfile: no live records")
	ErrRecordTooLarge = errors.New("qfile: record larger than configured record length")
	ErrNotFound       = errors.New("qfile: not found")
)

const segmentMagic = uint32(0x51465431) // "QFT1"
const segmentHeaderSize = 24

// segment is one extent's worth of fixed-size records backed by its own
// file, named "<dir>/<queue>.<id>".
type segment struct {
	id         uint64
	path       string
	file       *os.File
	baseRecno  uint64
	writeCount int // records appended so far in this segment
	consumeOff int // records consumed so far (always <= writeCount)
	capacity   int
}

// File is a fixed-record FIFO queue file: an ordered list of segments,
// a writer that always appends to the last one, and a reader that always
// consumes from the first one with remaining live records.
type File struct {
	logger   *logp.Logger
	env      *storeenv.Environment
	dir      string
	name     string
	settings Settings

	mu       sync.Mutex
	segments []*segment
	nextID   uint64
	nextReco uint64

	pendingRemove chan string
	closeOnce     sync.Once
	closed        chan struct{}
	wg            sync.WaitGroup
}

// Open creates the queue file if it doesn't exist and indexes any
// existing segments otherwise. It retries ErrNotFound/ErrDeadlock errors
// from the open itself with a 2s sleep (up to five attempts), exactly as
// Reopen does -- the two share the same retrying open protocol. Opening
// takes no transaction, so it is not rolled back if the caller's
// transaction aborts.
func Open(env *storeenv.Environment, dir, name string, settings Settings) (*File, error) {
	return openWithRetry(env, dir, name, settings)
}

// Reopen reconstructs a file handle for a queue whose segments already
// exist on disk, as called by the catalog's startup reopen protocol.
func Reopen(env *storeenv.Environment, dir, name string, settings Settings) (*File, error) {
	return openWithRetry(env, dir, name, settings)
}

func openWithRetry(env *storeenv.Environment, dir, name string, settings Settings) (*File, error) {
	logger := env.Logger().Named("qfile").With("queue", name)

	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		f, err := open(env, logger, dir, name, settings)
		if err == nil {
			return f, nil
		}
		lastErr = err
		if errors.Is(err, ErrNotFound) || errors.Is(err, storeenv.ErrDeadlock) {
			logger.Warnf("open %s: %v, retrying", name, err)
			time.Sleep(2 * time.Second)
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("qfile open %s: giving up after retries: %w", name, lastErr)
}

func open(env *storeenv.Environment, logger *logp.Logger, dir, name string, settings Settings) (*File, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	f := &File{
		logger:        logger,
		env:           env,
		dir:           dir,
		name:          name,
		settings:      settings,
		pendingRemove: make(chan string, 16),
		closed:        make(chan struct{}),
	}

	existing, err := scanSegments(dir, name, settings)
	if err != nil {
		return nil, err
	}
	f.segments = existing
	if len(f.segments) > 0 {
		last := f.segments[len(f.segments)-1]
		f.nextID = last.id + 1
		f.nextReco = last.baseRecno + uint64(last.writeCount)
	}

	f.wg.Add(1)
	go f.deleterLoop()

	return f, nil
}

func segmentPath(dir, name string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%010d", name, id))
}

func scanSegments(dir, name string, settings Settings) ([]*segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	prefix := name + "."
	var ids []uint64
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) <= len(prefix) || e.Name()[:len(prefix)] != prefix {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(e.Name()[len(prefix):], "%d", &id); err == nil {
			ids = append(ids, id)
		}
	}
	sortUint64s(ids)

	var segs []*segment
	baseRecno := uint64(0)
	for _, id := range ids {
		path := segmentPath(dir, name, id)
		file, err := os.OpenFile(path, os.O_RDWR, 0664)
		if err != nil {
			return nil, err
		}
		seg, err := readSegmentHeader(file, path, id, settings)
		if err != nil {
			file.Close()
			return nil, err
		}
		seg.baseRecno = baseRecno
		baseRecno += uint64(seg.writeCount)
		segs = append(segs, seg)
	}
	return segs, nil
}

func sortUint64s(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func readSegmentHeader(file *os.File, path string, id uint64, settings Settings) (*segment, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	count := 0
	if size > segmentHeaderSize {
		count = int((size - segmentHeaderSize) / int64(settings.RecordLength))
	}
	return &segment{
		id:         id,
		path:       path,
		file:       file,
		writeCount: count,
		capacity:   capacityOf(settings),
	}, nil
}

// syncSegment durably flushes a segment's data without forcing an inode
// metadata update. Falls back to a full Sync on platforms or
// filesystems where fdatasync isn't available.
func syncSegment(f *os.File) error {
	if err := unix.Fdatasync(int(f.Fd())); err != nil {
		if err == unix.ENOSYS || err == unix.EINVAL {
			return f.Sync()
		}
		return err
	}
	return nil
}

func capacityOf(settings Settings) int {
	if settings.ExtentSize <= 0 {
		return 1 << 30 // effectively unbounded: one segment for the whole file
	}
	return settings.ExtentSize
}

func createSegment(dir, name string, id uint64, baseRecno uint64, settings Settings) (*segment, error) {
	path := segmentPath(dir, name, id)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0664)
	if err != nil {
		return nil, err
	}
	var hdr [segmentHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], segmentMagic)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(settings.RecordLength))
	binary.BigEndian.PutUint64(hdr[8:16], id)
	binary.BigEndian.PutUint64(hdr[16:24], baseRecno)
	if _, err := file.WriteAt(hdr[:], 0); err != nil {
		file.Close()
		return nil, err
	}
	return &segment{
		id:        id,
		path:      path,
		file:      file,
		baseRecno: baseRecno,
		capacity:  capacityOf(settings),
	}, nil
}

// Append assigns the next record number and writes payload to the tail
// segment, creating a new segment if the current tail is full (or none
// exists yet). Writes shorter than RecordLength are zero-padded; longer
// writes fail with ErrRecordTooLarge. The write itself is physical and
// immediate, but txn registers an Undo action that reverses the counter
// bump if the transaction ends up aborting -- a freshly created segment
// is left in place on abort rather than deleted, a harmless unused
// extent rather than a second place that needs crash-safe cleanup.
func (f *File) Append(txn *storeenv.Txn, payload []byte) (RecordNumber, error) {
	if len(payload) > f.settings.RecordLength {
		return 0, ErrRecordTooLarge
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var tail *segment
	if n := len(f.segments); n > 0 {
		tail = f.segments[n-1]
	}
	if tail == nil || tail.writeCount >= tail.capacity {
		seg, err := createSegment(f.dir, f.name, f.nextID, f.nextReco, f.settings)
		if err != nil {
			return 0, err
		}
		f.nextID++
		f.segments = append(f.segments, seg)
		tail = seg
	}

	buf := make([]byte, f.settings.RecordLength)
	copy(buf, payload)
	offset := int64(segmentHeaderSize) + int64(tail.writeCount)*int64(f.settings.RecordLength)
	if _, err := tail.file.WriteAt(buf, offset); err != nil {
		return 0, err
	}
	if !f.env.NoSync() {
		if err := syncSegment(tail.file); err != nil {
			return 0, fmt.Errorf("sync segment %s: %w", tail.path, err)
		}
	}

	recno := f.nextReco
	tail.writeCount++
	f.nextReco++

	seg := tail
	undoErr := txn.Undo(func() {
		f.mu.Lock()
		seg.writeCount--
		f.nextReco--
		f.mu.Unlock()
	})
	if undoErr != nil {
		tail.writeCount--
		f.nextReco--
		return 0, undoErr
	}
	return RecordNumber(recno), nil
}

// Consume returns and logically removes the record with the smallest
// live record number, or ErrEmpty if no live record exists. It only
// advances the owning segment's consume offset; a fully drained segment
// stays on the in-memory list until ReclaimDrained evicts it, so an
// aborted transaction's Undo action can still put the record back. txn
// registers that Undo action here.
func (f *File) Consume(txn *storeenv.Txn) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, seg := range f.segments {
		if seg.consumeOff >= seg.writeCount {
			continue
		}

		offset := int64(segmentHeaderSize) + int64(seg.consumeOff)*int64(f.settings.RecordLength)
		buf := make([]byte, f.settings.RecordLength)
		if _, err := seg.file.ReadAt(buf, offset); err != nil {
			return nil, err
		}
		seg.consumeOff++

		if err := txn.Undo(func() {
			f.mu.Lock()
			seg.consumeOff--
			f.mu.Unlock()
		}); err != nil {
			seg.consumeOff--
			return nil, err
		}
		return buf, nil
	}
	return nil, ErrEmpty
}

// ReclaimDrained evicts any segments at the front of the file that are
// both fully consumed and no longer the active write target, scheduling
// their files for asynchronous deletion. Callers must only call this
// after the transaction whose Consume call(s) drained them has already
// committed -- reclaiming (and thus racing the deleter loop against) a
// segment an in-flight transaction might still Abort back to life would
// make that rollback unrecoverable.
func (f *File) ReclaimDrained() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.segments) > 0 {
		head := f.segments[0]
		if head.consumeOff < head.writeCount {
			return
		}
		if head.writeCount >= head.capacity || len(f.segments) > 1 {
			f.reclaimLocked(head)
			continue
		}
		return
	}
}

// reclaimLocked moves a fully consumed, non-active segment off the
// in-memory list and schedules its file for asynchronous deletion --
// the one piece of this component that runs on its own goroutine.
func (f *File) reclaimLocked(seg *segment) {
	f.segments = f.segments[1:]
	path := seg.path
	seg.file.Close()
	select {
	case f.pendingRemove <- path:
	case <-f.closed:
	}
}

func (f *File) deleterLoop() {
	defer f.wg.Done()
	for {
		select {
		case path := <-f.pendingRemove:
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				f.logger.Warnf("removing reclaimed segment %s: %v", path, err)
			}
		case <-f.closed:
			// Drain without blocking so Close doesn't leak scheduled removals.
			for {
				select {
				case path := <-f.pendingRemove:
					os.Remove(path)
				default:
					return
				}
			}
		}
	}
}

// Len reports the number of live (unconsumed) records, used only for
// diagnostics/tests -- the catalog's persisted length counter is the
// source of truth operationally.
func (f *File) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, s := range f.segments {
		total += s.writeCount - s.consumeOff
	}
	return total
}

// Close flushes and releases the handle. The catalog entry that owned
// this handle must route around it afterwards; Close does not touch the
// catalog.
func (f *File) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.closed)
		f.wg.Wait()
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, s := range f.segments {
			if e := syncSegment(s.file); e != nil && err == nil {
				err = e
			}
			if e := s.file.Close(); e != nil && err == nil {
				err = e
			}
		}
	})
	return err
}

// Remove closes the handle (if not already closed) and deletes every
// segment file on disk, used by delete_queue after the catalog entry has
// been removed.
func (f *File) Remove() error {
	f.Close()
	f.mu.Lock()
	segs := f.segments
	f.mu.Unlock()
	for _, s := range segs {
		os.Remove(s.path)
	}
	// Segments already reclaimed by the deleter loop are gone from the
	// slice but may still be mid-flight in pendingRemove; give the loop a
	// moment-free path by also sweeping the directory for this prefix.
	matches, _ := filepath.Glob(filepath.Join(f.dir, f.name+".*"))
	for _, m := range matches {
		os.Remove(m)
	}
	return nil
}

// Name returns the queue name this file belongs to.
func (f *File) Name() string { return f.name }
