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

// Package workers implements the three maintenance goroutines that run
// for the lifetime of an open environment: the checkpointer, the buffer
// pool trickle writer, and the deadlock detector.
package workers

import (
	"sync"
	"time"

	"github.com/elastic/elastic-agent-libs/logp"

	"github.com/njcx/tqueue/internal/storeenv"
)

// Intervals configures the three workers. A zero interval disables the
// corresponding worker.
type Intervals struct {
	Checkpoint     time.Duration // chkpoint_val, default 300s
	Trickle        time.Duration // memp_trickle_val, default 30s
	TricklePercent int           // memp_trickle_percent, default 60
	DeadlockDetect time.Duration // dldetect_val, default 100ms
}

func DefaultIntervals() Intervals {
	return Intervals{
		Checkpoint:     300 * time.Second,
		Trickle:        30 * time.Second,
		TricklePercent: 60,
		DeadlockDetect: 100 * time.Millisecond,
	}
}

// Supervisor owns the goroutines for one environment and stops them all
// when the environment's quit channel closes.
type Supervisor struct {
	env    *storeenv.Environment
	logger *logp.Logger
	wg     sync.WaitGroup
}

// Start launches whichever of the three workers have a positive
// interval configured. Every launched worker observes env.QuitCh() and
// exits when it closes -- none of them are left running past Close.
func Start(env *storeenv.Environment, intervals Intervals) *Supervisor {
	s := &Supervisor{env: env, logger: env.Logger().Named("workers")}

	if intervals.Checkpoint > 0 {
		s.wg.Add(1)
		go s.checkpointer(intervals.Checkpoint)
	}
	if intervals.Trickle > 0 {
		pct := intervals.TricklePercent
		if pct <= 0 {
			pct = 60
		}
		s.wg.Add(1)
		go s.trickle(intervals.Trickle, pct)
	}
	if intervals.DeadlockDetect > 0 {
		s.wg.Add(1)
		go s.deadlockDetector(intervals.DeadlockDetect)
	}
	return s
}

// Wait blocks until every launched worker has returned. Call it after
// the environment's quit channel has been closed.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) checkpointer(interval time.Duration) {
	defer s.wg.Done()
	s.logger.Debugf("checkpointer: running every %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.env.Checkpoint(); err != nil {
				s.logger.Errorf("checkpointer: %v", err)
				continue
			}
			s.logger.Debugf("checkpointer: a checkpoint is done")
		case <-s.env.QuitCh():
			return
		}
	}
}

func (s *Supervisor) trickle(interval time.Duration, pct int) {
	defer s.wg.Done()
	s.logger.Debugf("trickle: running every %s, target %d%% clean", interval, pct)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := s.env.Trickle(pct)
			if err != nil {
				s.logger.Errorf("trickle: %v", err)
				continue
			}
			s.logger.Debugf("trickle: wrote %d dirty pages", n)
		case <-s.env.QuitCh():
			return
		}
	}
}

func (s *Supervisor) deadlockDetector(interval time.Duration) {
	defer s.wg.Done()
	s.logger.Debugf("deadlock detector: running every %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if victim := s.env.DetectDeadlocks(); victim != nil {
				s.logger.Debugf("deadlock detector: aborted txn %d as youngest in a cycle", victim.ID())
			}
		case <-s.env.QuitCh():
			return
		}
	}
}
