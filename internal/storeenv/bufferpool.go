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

import "sync"

// Priority controls eviction/flush order in the BufferPool. Pages
// registered at PriorityHighest are the last to be written back by the
// trickle worker, matching DB_PRIORITY_VERY_HIGH on the catalog table.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHighest
)

// FlushFunc persists one dirty unit (a queue file's pending extent, the
// catalog's in-memory index, ...) and clears its dirty bit on success.
type FlushFunc func() error

type page struct {
	priority Priority
	flush    FlushFunc
	dirty    bool
}

// BufferPool is a bookkeeping layer over the dirty "pages" owned by the
// catalog and queue files. It does not cache bytes itself -- each
// component already keeps its own working set in memory or in the OS
// page cache -- it tracks which units are dirty and in what priority
// order they should be written back, standing in for the BDB mpool that
// the checkpointer and trickle threads operate on.
type BufferPool struct {
	mu       sync.Mutex
	maxBytes int64
	pages    map[string]*page
	order    []string
}

func newBufferPool(maxBytes int64) *BufferPool {
	return &BufferPool{
		maxBytes: maxBytes,
		pages:    make(map[string]*page),
	}
}

// Register adds a flushable unit to the pool. Calling it again for the
// same name replaces the flush function and priority and clears the
// dirty bit.
func (bp *BufferPool) Register(name string, priority Priority, flush FlushFunc) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if _, exists := bp.pages[name]; !exists {
		bp.order = append(bp.order, name)
	}
	bp.pages[name] = &page{priority: priority, flush: flush}
}

// Unregister removes a unit, e.g. when delete_queue removes a queue file.
func (bp *BufferPool) Unregister(name string) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	delete(bp.pages, name)
	for i, n := range bp.order {
		if n == name {
			bp.order = append(bp.order[:i], bp.order[i+1:]...)
			break
		}
	}
}

func (bp *BufferPool) MarkDirty(name string) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if p, ok := bp.pages[name]; ok {
		p.dirty = true
	}
}

func (bp *BufferPool) dirtyNamesLocked() []string {
	var out []string
	for _, n := range bp.order {
		if bp.pages[n].dirty {
			out = append(out, n)
		}
	}
	return out
}

// FlushAll writes back every dirty unit, lowest priority first, and is
// what the checkpointer calls before writing its checkpoint record.
func (bp *BufferPool) FlushAll() error {
	bp.mu.Lock()
	dirty := bp.dirtyNamesLocked()
	bp.mu.Unlock()

	ordered := orderByPriority(bp, dirty)
	for _, name := range ordered {
		if err := bp.flushOne(name); err != nil {
			return err
		}
	}
	return nil
}

// FlushUntilClean writes back dirty units, lowest priority first, until
// at least pct percent of registered units are clean (or everything is
// clean). It returns how many units it flushed.
func (bp *BufferPool) FlushUntilClean(pct int) (int, error) {
	bp.mu.Lock()
	total := len(bp.order)
	dirty := bp.dirtyNamesLocked()
	bp.mu.Unlock()

	if total == 0 {
		return 0, nil
	}
	targetClean := (total * pct) / 100
	currentClean := total - len(dirty)
	ordered := orderByPriority(bp, dirty)

	flushed := 0
	for _, name := range ordered {
		if currentClean >= targetClean {
			break
		}
		if err := bp.flushOne(name); err != nil {
			return flushed, err
		}
		flushed++
		currentClean++
	}
	return flushed, nil
}

func (bp *BufferPool) flushOne(name string) error {
	bp.mu.Lock()
	p, ok := bp.pages[name]
	bp.mu.Unlock()
	if !ok {
		return nil
	}
	if err := p.flush(); err != nil {
		return err
	}
	bp.mu.Lock()
	p.dirty = false
	bp.mu.Unlock()
	return nil
}

func orderByPriority(bp *BufferPool, names []string) []string {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	out := make([]string, len(names))
	copy(out, names)
	// Stable partition: PriorityNormal units before PriorityHighest ones,
	// preserving registration order within each group.
	normal := out[:0:0]
	highest := []string{}
	for _, n := range out {
		if bp.pages[n].priority == PriorityHighest {
			highest = append(highest, n)
		} else {
			normal = append(normal, n)
		}
	}
	return append(normal, highest...)
}

// DirtyCount reports how many registered units currently need a flush.
func (bp *BufferPool) DirtyCount() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.dirtyNamesLocked())
}

// Size reports how many units are registered.
func (bp *BufferPool) Size() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.order)
}
