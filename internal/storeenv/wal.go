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
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// lsn is a monotonically increasing log sequence number assigned to every
// record appended to the write-ahead log.
type lsn uint64

// walRecord is one durable unit in the log: the catalog mutation that
// produced it, tagged with the LSN that identifies its position.
type walRecord struct {
	seq     lsn
	payload []byte
}

// wal is a simple append-only write-ahead log. It buffers writes and
// flushes them when the buffer crosses walFlushThreshold, when a
// transaction commits, and on checkpoint/close. There is no timer-driven
// flush.
type wal struct {
	mu sync.Mutex

	file    *os.File
	offset  int64
	buf     bytes.Buffer
	nextSeq lsn

	noSync bool
}

const walFlushThreshold = 64 * 1024

func openWAL(path string, noSync bool) (*wal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0664)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &wal{file: f, offset: info.Size(), noSync: noSync}, nil
}

// append buffers a record and returns the LSN assigned to it. The record
// is not guaranteed durable until Flush/Sync succeeds.
func (w *wal) append(payload []byte) (lsn, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextSeq++
	seq := w.nextSeq

	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[:8], uint64(seq))
	binary.BigEndian.PutUint32(hdr[8:], uint32(len(payload)))
	w.buf.Write(hdr[:])
	w.buf.Write(payload)

	if w.buf.Len() >= walFlushThreshold {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

// flush forces any buffered records to disk and, unless the environment is
// configured for relaxed durability, fsyncs the file.
func (w *wal) flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *wal) flushLocked() error {
	if w.buf.Len() == 0 {
		return nil
	}
	n, err := w.file.WriteAt(w.buf.Bytes(), w.offset)
	if err != nil {
		return fmt.Errorf("wal write: %w", err)
	}
	w.offset += int64(n)
	w.buf.Reset()
	if w.noSync {
		return nil
	}
	return w.file.Sync()
}

// replay reads every record from the beginning of the log and calls fn for
// each one in order. Used during recovery at environment open.
func (w *wal) replay(fn func(payload []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(w.file)
	for {
		var hdr [12]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return err
		}
		seq := lsn(binary.BigEndian.Uint64(hdr[:8]))
		size := binary.BigEndian.Uint32(hdr[8:])
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return err
		}
		if seq > w.nextSeq {
			w.nextSeq = seq
		}
		if err := fn(payload); err != nil {
			return err
		}
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

// truncate discards the log up to the last checkpoint, since everything
// before it is now reflected in the catalog's persisted snapshot.
func (w *wal) truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	w.offset = 0
	w.buf.Reset()
	return nil
}

func (w *wal) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
