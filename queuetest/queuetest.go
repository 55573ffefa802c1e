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

// Package queuetest is a reusable producer/consumer stress harness for a
// tqueue Engine, built from table-driven worker factories rather than
// ack-tracked events, since an Engine has no batch/ack protocol of its
// own -- just Put and Get.
package queuetest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/njcx/tqueue"
)

// EngineFactory creates a fresh, empty engine instance for one test case.
// The caller is responsible for arranging its Close via t.Cleanup.
type EngineFactory func(t *testing.T) *tqueue.Engine

type workerFactory func(*sync.WaitGroup, *testing.T, *tqueue.Engine, string) func()

type testCase struct {
	name                 string
	producers, consumers workerFactory
}

// TestSingleProducerConsumer runs a single producer against a single
// consumer under a handful of record-count/drain-size combinations.
func TestSingleProducerConsumer(t *testing.T, records, drainSize int, factory EngineFactory) {
	tests := []testCase{
		{"single producer, consumer, full drain", makeProducer(records), makeConsumer(records, -1)},
		{"single producer, consumer, bounded drain", makeProducer(records), makeConsumer(records, drainSize)},
	}
	runTestCases(t, tests, factory)
}

// TestMultiProducerConsumer runs combinations of multiple producers
// and/or multiple consumers against one queue, running until the
// consumers have collectively received as many records as were
// produced. Payload contents are not checked, so a duplicate delivery
// that offsets a lost one goes unnoticed.
func TestMultiProducerConsumer(t *testing.T, records, drainSize int, factory EngineFactory) {
	tests := []testCase{
		{
			"2 producers, 1 consumer, full drain",
			multiple(makeProducer(records), makeProducer(records)),
			makeConsumer(records*2, -1),
		},
		{
			"2 producers, 1 consumer, bounded drain",
			multiple(makeProducer(records), makeProducer(records)),
			makeConsumer(records*2, drainSize),
		},
		{
			"1 producer, 2 consumers, full drain",
			makeProducer(records),
			multiConsumer(2, records, -1),
		},
		{
			"2 producers, 2 consumers, bounded drain",
			multiple(makeProducer(records), makeProducer(records)),
			multiConsumer(2, records*2, drainSize),
		},
	}
	runTestCases(t, tests, factory)
}

func runTestCases(t *testing.T, tests []testCase, factory EngineFactory) {
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			engine := factory(t)
			const queueName = "queuetest"

			var wg sync.WaitGroup
			go test.producers(&wg, t, engine, queueName)()
			go test.consumers(&wg, t, engine, queueName)()
			wg.Wait()
		})
	}
}

func multiple(fns ...workerFactory) workerFactory {
	return func(wg *sync.WaitGroup, t *testing.T, e *tqueue.Engine, name string) func() {
		runners := make([]func(), len(fns))
		for i, gen := range fns {
			runners[i] = gen(wg, t, e, name)
		}
		return func() {
			for _, r := range runners {
				go r()
			}
		}
	}
}

// makeProducer enqueues exactly maxRecords payloads, each tagged with a
// producer-local sequence number. The id prefix comes from the shared
// WaitGroup, so producers combined with multiple emit identical payloads;
// consumers only count records and never inspect them.
func makeProducer(maxRecords int) workerFactory {
	return func(wg *sync.WaitGroup, t *testing.T, e *tqueue.Engine, name string) func() {
		wg.Add(1)
		return func() {
			defer wg.Done()
			id := fmt.Sprintf("%p", wg)
			for i := 0; i < maxRecords; i++ {
				payload := []byte(fmt.Sprintf("%s-%d", id, i))
				if err := e.Put(name, payload); err != nil {
					t.Errorf("queuetest: put failed: %v", err)
					return
				}
			}
		}
	}
}

func makeConsumer(maxRecords, drainSize int) workerFactory {
	return multiConsumer(1, maxRecords, drainSize)
}

// multiConsumer runs numConsumers goroutines pulling from the same queue
// until collectively maxRecords records have been seen, each consumer
// yielding after draining up to drainSize records in a row (drainSize<=0
// means drain until the queue goes empty before yielding).
func multiConsumer(numConsumers, maxRecords, drainSize int) workerFactory {
	return func(wg *sync.WaitGroup, t *testing.T, e *tqueue.Engine, name string) func() {
		wg.Add(1)
		return func() {
			defer wg.Done()

			var mu sync.Mutex
			seen := 0

			var inner sync.WaitGroup
			for i := 0; i < numConsumers; i++ {
				inner.Add(1)
				go func() {
					defer inner.Done()
					for {
						mu.Lock()
						if seen >= maxRecords {
							mu.Unlock()
							return
						}
						mu.Unlock()

						drained := 0
						for drainSize <= 0 || drained < drainSize {
							_, found, err := e.Get(name)
							if err != nil {
								t.Errorf("queuetest: get failed: %v", err)
								return
							}
							if !found {
								time.Sleep(time.Millisecond)
								break
							}
							drained++
							mu.Lock()
							seen++
							done := seen >= maxRecords
							mu.Unlock()
							if done {
								return
							}
						}
					}
				}()
			}
			inner.Wait()
		}
	}
}
