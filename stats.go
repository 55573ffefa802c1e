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

import (
	"bufio"
	"fmt"
	"io"

	"github.com/njcx/tqueue/internal/catalog"
)

// QueueStat is one row of an enumeration: a queue's name and its
// (possibly stale, if length tracking is disabled) depth.
type QueueStat struct {
	Name   string
	Length int64
}

// Enumerate visits every queue in catalog-key order under a single
// transaction and returns the full list. It is the programmatic form of
// Stats, for callers that want structured data instead of the
// STAT/END wire format.
func (e *Engine) Enumerate() ([]QueueStat, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	txn, err := e.env.Begin()
	if err != nil {
		return nil, err
	}
	var out []QueueStat
	visitErr := e.catalog.Enumerate(txn, func(name string, entry catalog.Entry) bool {
		out = append(out, QueueStat{Name: name, Length: entry.Length})
		return true
	})
	if visitErr != nil {
		txn.Abort()
		return nil, visitErr
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats writes the print_queue_db_list listing: one "STAT <name>
// <length>\r\n" line per queue, terminated by "END". capacity, if
// non-zero, bounds the total bytes written; iteration stops early once
// the next line wouldn't fit. "END" is still written whenever the
// underlying transaction commits, even if the loop broke early, so a
// truncated listing is indistinguishable from a complete one to the
// caller -- a known, documented limitation (see DESIGN.md), not an
// oversight.
func (e *Engine) Stats(w io.Writer, capacity int) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	txn, err := e.env.Begin()
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	remaining := capacity - len("END")
	unbounded := capacity <= 0

	visitErr := e.catalog.Enumerate(txn, func(name string, entry catalog.Entry) bool {
		line := fmt.Sprintf("STAT %s %d\r\n", name, entry.Length)
		if !unbounded && remaining < len(line) {
			return false
		}
		bw.WriteString(line)
		remaining -= len(line)
		return true
	})
	if visitErr != nil {
		txn.Abort()
		return visitErr
	}
	if err := txn.Commit(); err != nil {
		return err
	}

	bw.WriteString("END")
	return bw.Flush()
}
