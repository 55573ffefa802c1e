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
)

// lockManager grants exclusive, named-resource locks to transactions and
// tracks a waits-for graph so the deadlock detector can find cycles and
// pick a victim. Resources are addressed by opaque string keys: the
// catalog locks "queue:" plus the queue name for per-queue work and
// "catalog" for changes to its key set; queue files take no locks of
// their own.
type lockManager struct {
	mu   sync.Mutex
	cond *sync.Cond

	holder     map[string]*Txn
	waitingFor map[*Txn]string
}

func newLockManager() *lockManager {
	lm := &lockManager{
		holder:     make(map[string]*Txn),
		waitingFor: make(map[*Txn]string),
	}
	lm.cond = sync.NewCond(&lm.mu)
	return lm
}

// acquire blocks the calling goroutine until t holds the named resource
// exclusively, or until t is chosen as a deadlock victim, in which case
// ErrDeadlock is returned and the requested lock is not granted. Locks t
// already holds stay held until t is committed or aborted.
func (lm *lockManager) acquire(t *Txn, resource string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for {
		if t.isAborted() {
			delete(lm.waitingFor, t)
			return ErrDeadlock
		}
		h, held := lm.holder[resource]
		if !held || h == t {
			lm.holder[resource] = t
			delete(lm.waitingFor, t)
			t.noteHeld(resource)
			return nil
		}
		lm.waitingFor[t] = resource
		lm.cond.Wait()
	}
}

// release drops every lock t holds and wakes any goroutine blocked on one
// of them.
func (lm *lockManager) release(t *Txn) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for _, r := range t.heldLocks() {
		if lm.holder[r] == t {
			delete(lm.holder, r)
		}
	}
	delete(lm.waitingFor, t)
	lm.cond.Broadcast()
}

// detectAndAbortOne walks the waits-for graph once, aborting at most one
// transaction per call: the youngest participant of the first cycle it
// finds. This matches DB_LOCK_YOUNGEST -- repeated calls (one per detector
// interval) are what eventually break a larger tangle of cycles.
func (lm *lockManager) detectAndAbortOne() *Txn {
	lm.mu.Lock()

	// Follow each waiting transaction's wait chain looking for a cycle.
	for start := range lm.waitingFor {
		path := []*Txn{start}
		seen := map[*Txn]int{start: 0}
		cur := start
		for {
			res, waiting := lm.waitingFor[cur]
			if !waiting {
				break
			}
			holder, held := lm.holder[res]
			if !held || holder == cur {
				break
			}
			if idx, inPath := seen[holder]; inPath {
				cycle := path[idx:]
				victim := cycle[0]
				for _, c := range cycle[1:] {
					if c.seq > victim.seq {
						victim = c
					}
				}
				lm.mu.Unlock()
				victim.abort()
				lm.mu.Lock()
				lm.cond.Broadcast()
				lm.mu.Unlock()
				return victim
			}
			seen[holder] = len(path)
			path = append(path, holder)
			cur = holder
		}
	}
	lm.mu.Unlock()
	return nil
}
