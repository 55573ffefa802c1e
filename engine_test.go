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

package tqueue_test

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/elastic/elastic-agent-libs/logp"
	"github.com/stretchr/testify/require"

	"github.com/njcx/tqueue"
	"github.com/njcx/tqueue/internal/storeenv"
)

func newTestEngine(t *testing.T, mutate func(*tqueue.Settings)) *tqueue.Engine {
	t.Helper()
	settings := tqueue.DefaultSettings()
	settings.EnvHome = t.TempDir()
	settings.RecordLength = 64
	settings.ExtentSize = 4
	if mutate != nil {
		mutate(&settings)
	}
	e, err := tqueue.Open(settings, storeenv.Callbacks{}, logp.NewLogger("engine_test"))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// S1: basic FIFO order is preserved across a put/get sequence.
func TestBasicFIFOOrder(t *testing.T) {
	e := newTestEngine(t, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, e.Put("orders", []byte(fmt.Sprintf("order-%d", i))))
	}
	for i := 0; i < 5; i++ {
		payload, found, err := e.Get("orders")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, fmt.Sprintf("order-%d", i), string(payload))
	}
	_, found, err := e.Get("orders")
	require.NoError(t, err)
	require.False(t, found)
}

// Getting from a queue that was never created is a normal empty result,
// not an error.
func TestGetUnknownQueueIsEmptyNotError(t *testing.T) {
	e := newTestEngine(t, nil)
	payload, found, err := e.Get("never-created")
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, payload)
}

// S2: a configured cap is enforced and reported as ErrQueueFull.
func TestCapEnforcement(t *testing.T) {
	e := newTestEngine(t, func(s *tqueue.Settings) {
		s.MaxQueueSize = 3
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Put("capped", []byte(fmt.Sprintf("item-%d", i))))
	}
	err := e.Put("capped", []byte("overflow"))
	require.ErrorIs(t, err, tqueue.ErrQueueFull)

	_, found, err := e.Get("capped")
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, e.Put("capped", []byte("now-fits")))
}

// Payloads wider than the configured record length are rejected up
// front without ever reaching the catalog.
func TestPutRejectsOversizePayload(t *testing.T) {
	e := newTestEngine(t, nil)
	big := make([]byte, 1000)
	err := e.Put("q", big)
	require.ErrorIs(t, err, tqueue.ErrQueueFull)
}

// S3: state survives a close/reopen of the engine against the same home
// directory.
func TestRestartPreservesQueueContents(t *testing.T) {
	home := t.TempDir()
	settings := tqueue.DefaultSettings()
	settings.EnvHome = home
	settings.RecordLength = 64
	settings.ExtentSize = 4
	settings.MaxQueueSize = 100

	e1, err := tqueue.Open(settings, storeenv.Callbacks{}, logp.NewLogger("engine_test"))
	require.NoError(t, err)
	require.NoError(t, e1.Put("durable", []byte("first")))
	require.NoError(t, e1.Put("durable", []byte("second")))
	require.NoError(t, e1.Close())

	e2, err := tqueue.Open(settings, storeenv.Callbacks{}, logp.NewLogger("engine_test"))
	require.NoError(t, err)
	defer e2.Close()

	payload, found, err := e2.Get("durable")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "first", string(payload))

	payload, found, err = e2.Get("durable")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "second", string(payload))
}

// S4: DeleteQueue removes the catalog entry and further operations on
// that name behave as if it never existed.
func TestDeleteQueueRemovesEntryAndFiles(t *testing.T) {
	var home string
	e := newTestEngine(t, func(s *tqueue.Settings) { home = s.EnvHome })

	require.NoError(t, e.Put("gone", []byte("x")))
	require.NoError(t, e.DeleteQueue("gone"))

	leftover, err := filepath.Glob(filepath.Join(home, "gone.*"))
	require.NoError(t, err)
	require.Empty(t, leftover)

	err = e.DeleteQueue("gone")
	require.ErrorIs(t, err, tqueue.ErrNotFound)

	_, found, err := e.Get("gone")
	require.NoError(t, err)
	require.False(t, found)

	// re-creating after delete works cleanly
	require.NoError(t, e.Put("gone", []byte("y")))
	payload, found, err := e.Get("gone")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "y", string(payload))
}

// S5: enumeration lists every queue with its tracked length, in key
// order.
func TestEnumerationListsAllQueuesWithLengths(t *testing.T) {
	e := newTestEngine(t, func(s *tqueue.Settings) {
		s.MaxQueueSize = 1000
	})

	require.NoError(t, e.Put("bravo", []byte("1")))
	require.NoError(t, e.Put("alpha", []byte("1")))
	require.NoError(t, e.Put("alpha", []byte("2")))

	stats, err := e.Enumerate()
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.Equal(t, "alpha", stats[0].Name)
	require.Equal(t, int64(2), stats[0].Length)
	require.Equal(t, "bravo", stats[1].Name)
	require.Equal(t, int64(1), stats[1].Length)
}

func TestStatsWritesTerminatedListing(t *testing.T) {
	e := newTestEngine(t, func(s *tqueue.Settings) {
		s.MaxQueueSize = 1000
	})
	require.NoError(t, e.Put("only", []byte("x")))

	var buf sbuf
	require.NoError(t, e.Stats(&buf, 0))
	require.Contains(t, buf.String(), "STAT only 1\r\n")
	require.Contains(t, buf.String(), "END")
}

// S6: many concurrent producers against one queue never lose or
// duplicate a record.
func TestConcurrentProducersNoLossNoDuplication(t *testing.T) {
	e := newTestEngine(t, func(s *tqueue.Settings) {
		s.ExtentSize = 8
	})

	const producers = 10
	const perProducer = 50
	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				err := e.Put("fanin", []byte(fmt.Sprintf("p%d-i%d", id, i)))
				require.NoError(t, err)
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[string]bool, producers*perProducer)
	count := 0
	for {
		payload, found, err := e.Get("fanin")
		require.NoError(t, err)
		if !found {
			break
		}
		key := string(payload)
		require.False(t, seen[key], "duplicate record: %s", key)
		seen[key] = true
		count++
	}
	require.Equal(t, producers*perProducer, count)
}

func TestInvalidQueueNameRejected(t *testing.T) {
	e := newTestEngine(t, nil)
	err := e.Put("", []byte("x"))
	require.ErrorIs(t, err, tqueue.ErrInvalidName)

	err = e.Put(string([]byte{'a', 0, 'b'}), []byte("x"))
	require.ErrorIs(t, err, tqueue.ErrInvalidName)
}

func TestClosedEngineRejectsOperations(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.Close())

	err := e.Put("q", []byte("x"))
	require.ErrorIs(t, err, tqueue.ErrClosed)

	_, _, err = e.Get("q")
	require.ErrorIs(t, err, tqueue.ErrClosed)
}

func TestCreateQueueIsIdempotent(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.CreateQueue("pre"))
	require.NoError(t, e.CreateQueue("pre"))

	_, found, err := e.Get("pre")
	require.NoError(t, err)
	require.False(t, found)
}

// sbuf is a minimal io.Writer collecting everything written to it, used
// instead of bytes.Buffer so tests have no dependency beyond what's
// already imported elsewhere in the package.
type sbuf struct {
	data []byte
}

func (b *sbuf) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *sbuf) String() string { return string(b.data) }
