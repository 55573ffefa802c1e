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

package catalog_test

import (
	"testing"

	"github.com/elastic/elastic-agent-libs/logp"
	"github.com/stretchr/testify/require"

	"github.com/njcx/tqueue/internal/catalog"
	"github.com/njcx/tqueue/internal/qfile"
	"github.com/njcx/tqueue/internal/storeenv"
)

func newTestCatalog(t *testing.T, trackLength bool) (*storeenv.Environment, *catalog.Catalog, string) {
	t.Helper()
	home := t.TempDir()
	env, err := storeenv.Open(home, storeenv.DefaultConfig(), storeenv.Callbacks{}, logp.NewLogger("catalog_test"))
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })

	cat, err := catalog.Open(env, home, qfile.DefaultSettings(), trackLength, nil)
	require.NoError(t, err)
	return env, cat, home
}

func TestInsertLookupRemove(t *testing.T) {
	env, cat, home := newTestCatalog(t, false)

	txn, err := env.Begin()
	require.NoError(t, err)
	f, err := qfile.Open(env, home, "orders", qfile.DefaultSettings())
	require.NoError(t, err)
	require.NoError(t, cat.Insert(txn, "orders", f))
	require.NoError(t, txn.Commit())

	txn2, err := env.Begin()
	require.NoError(t, err)
	entry, err := cat.Lookup(txn2, "orders")
	require.NoError(t, err)
	require.Equal(t, f, entry.Handle)
	require.NoError(t, txn2.Commit())

	txn3, err := env.Begin()
	require.NoError(t, err)
	require.NoError(t, cat.Remove(txn3, "orders"))
	require.NoError(t, txn3.Commit())

	txn4, err := env.Begin()
	require.NoError(t, err)
	_, err = cat.Lookup(txn4, "orders")
	require.ErrorIs(t, err, catalog.ErrAbsent)
	txn4.Abort()
}

func TestInsertDuplicateRejected(t *testing.T) {
	env, cat, home := newTestCatalog(t, false)

	txn, err := env.Begin()
	require.NoError(t, err)
	f, err := qfile.Open(env, home, "dup", qfile.DefaultSettings())
	require.NoError(t, err)
	require.NoError(t, cat.Insert(txn, "dup", f))
	require.NoError(t, txn.Commit())

	txn2, err := env.Begin()
	require.NoError(t, err)
	f2, err := qfile.Open(env, home, "dup", qfile.DefaultSettings())
	require.NoError(t, err)
	defer f2.Close()
	err = cat.Insert(txn2, "dup", f2)
	require.ErrorIs(t, err, catalog.ErrDuplicate)
	txn2.Abort()
}

func TestAdjustLengthNoOpWhenTrackingDisabled(t *testing.T) {
	env, cat, home := newTestCatalog(t, false)

	txn, err := env.Begin()
	require.NoError(t, err)
	f, err := qfile.Open(env, home, "q", qfile.DefaultSettings())
	require.NoError(t, err)
	require.NoError(t, cat.Insert(txn, "q", f))
	require.NoError(t, cat.AdjustLength(txn, "q", 5))
	require.NoError(t, txn.Commit())

	txn2, err := env.Begin()
	require.NoError(t, err)
	entry, err := cat.Lookup(txn2, "q")
	require.NoError(t, err)
	require.Equal(t, int64(0), entry.Length)
	txn2.Abort()
}

func TestAdjustLengthTracksWhenEnabled(t *testing.T) {
	env, cat, home := newTestCatalog(t, true)

	txn, err := env.Begin()
	require.NoError(t, err)
	f, err := qfile.Open(env, home, "q", qfile.DefaultSettings())
	require.NoError(t, err)
	require.NoError(t, cat.Insert(txn, "q", f))
	require.NoError(t, cat.AdjustLength(txn, "q", 3))
	require.NoError(t, txn.Commit())

	txn2, err := env.Begin()
	require.NoError(t, err)
	entry, err := cat.Lookup(txn2, "q")
	require.NoError(t, err)
	require.Equal(t, int64(3), entry.Length)
	require.NoError(t, cat.AdjustLength(txn2, "q", -1))
	require.NoError(t, txn2.Commit())

	txn3, err := env.Begin()
	require.NoError(t, err)
	entry, err = cat.Lookup(txn3, "q")
	require.NoError(t, err)
	require.Equal(t, int64(2), entry.Length)
	txn3.Abort()
}

func TestEnumerateVisitsInKeyOrder(t *testing.T) {
	env, cat, home := newTestCatalog(t, false)

	names := []string{"charlie", "alpha", "bravo"}
	for _, n := range names {
		txn, err := env.Begin()
		require.NoError(t, err)
		f, err := qfile.Open(env, home, n, qfile.DefaultSettings())
		require.NoError(t, err)
		require.NoError(t, cat.Insert(txn, n, f))
		require.NoError(t, txn.Commit())
	}

	txn, err := env.Begin()
	require.NoError(t, err)
	var visited []string
	require.NoError(t, cat.Enumerate(txn, func(name string, entry catalog.Entry) bool {
		visited = append(visited, name)
		return true
	}))
	require.NoError(t, txn.Commit())

	require.Equal(t, []string{"alpha", "bravo", "charlie"}, visited)
}

func TestReopenRebuildsIndexFromSnapshot(t *testing.T) {
	home := t.TempDir()
	env, err := storeenv.Open(home, storeenv.DefaultConfig(), storeenv.Callbacks{}, logp.NewLogger("catalog_test"))
	require.NoError(t, err)

	cat, err := catalog.Open(env, home, qfile.DefaultSettings(), true, nil)
	require.NoError(t, err)

	txn, err := env.Begin()
	require.NoError(t, err)
	f, err := qfile.Open(env, home, "persisted", qfile.DefaultSettings())
	require.NoError(t, err)
	require.NoError(t, cat.Insert(txn, "persisted", f))
	require.NoError(t, cat.AdjustLength(txn, "persisted", 7))
	require.NoError(t, txn.Commit())
	require.NoError(t, cat.CloseAll())
	require.NoError(t, env.Close())

	env2, err := storeenv.Open(home, storeenv.DefaultConfig(), storeenv.Callbacks{}, logp.NewLogger("catalog_test"))
	require.NoError(t, err)
	defer env2.Close()
	cat2, err := catalog.Open(env2, home, qfile.DefaultSettings(), true, nil)
	require.NoError(t, err)
	defer cat2.CloseAll()

	txn2, err := env2.Begin()
	require.NoError(t, err)
	entry, err := cat2.Lookup(txn2, "persisted")
	require.NoError(t, err)
	require.Equal(t, int64(7), entry.Length)
	require.NotNil(t, entry.Handle)
	txn2.Abort()
}
