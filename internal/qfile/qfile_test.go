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

package qfile_test

import (
	"fmt"
	"testing"

	"github.com/elastic/elastic-agent-libs/logp"
	"github.com/stretchr/testify/require"

	"github.com/njcx/tqueue/internal/qfile"
	"github.com/njcx/tqueue/internal/storeenv"
)

func newTestEnv(t *testing.T) *storeenv.Environment {
	t.Helper()
	env, err := storeenv.Open(t.TempDir(), storeenv.DefaultConfig(), storeenv.Callbacks{}, logp.NewLogger("qfile_test"))
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	return env
}

// appendOne runs a single Append inside its own committed transaction,
// the shape every real caller uses.
func appendOne(t *testing.T, env *storeenv.Environment, f *qfile.File, payload []byte) qfile.RecordNumber {
	t.Helper()
	txn, err := env.Begin()
	require.NoError(t, err)
	recno, err := f.Append(txn, payload)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	return recno
}

// consumeOne runs a single Consume inside its own committed transaction
// and reclaims any segment it drained, mirroring Engine.Get.
func consumeOne(t *testing.T, env *storeenv.Environment, f *qfile.File) ([]byte, error) {
	t.Helper()
	txn, err := env.Begin()
	require.NoError(t, err)
	buf, err := f.Consume(txn)
	if err != nil {
		txn.Abort()
		return nil, err
	}
	require.NoError(t, txn.Commit())
	f.ReclaimDrained()
	return buf, nil
}

func TestAppendConsumeFIFOOrder(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	settings := qfile.Settings{RecordLength: 32, ExtentSize: 4, PageSize: 4096}

	f, err := qfile.Open(env, dir, "q1", settings)
	require.NoError(t, err)
	defer f.Close()

	for i := 0; i < 10; i++ {
		appendOne(t, env, f, []byte(fmt.Sprintf("item-%d", i)))
	}
	require.Equal(t, 10, f.Len())

	for i := 0; i < 10; i++ {
		got, err := consumeOne(t, env, f)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("item-%d", i), trimPad(got))
	}

	_, err = consumeOne(t, env, f)
	require.ErrorIs(t, err, qfile.ErrEmpty)
}

func TestAppendRejectsOversizeRecord(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	f, err := qfile.Open(env, dir, "q2", qfile.Settings{RecordLength: 4, ExtentSize: 8})
	require.NoError(t, err)
	defer f.Close()

	txn, err := env.Begin()
	require.NoError(t, err)
	defer txn.Abort()
	_, err = f.Append(txn, []byte("toolong"))
	require.ErrorIs(t, err, qfile.ErrRecordTooLarge)
}

func TestReopenRestoresState(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	settings := qfile.Settings{RecordLength: 16, ExtentSize: 4}

	f1, err := qfile.Open(env, dir, "q3", settings)
	require.NoError(t, err)
	appendOne(t, env, f1, []byte("a"))
	appendOne(t, env, f1, []byte("b"))
	require.NoError(t, f1.Close())

	f2, err := qfile.Reopen(env, dir, "q3", settings)
	require.NoError(t, err)
	defer f2.Close()
	require.Equal(t, 2, f2.Len())

	got, err := consumeOne(t, env, f2)
	require.NoError(t, err)
	require.Equal(t, "a", trimPad(got))
}

func TestExtentReclamation(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	settings := qfile.Settings{RecordLength: 8, ExtentSize: 2}

	f, err := qfile.Open(env, dir, "q4", settings)
	require.NoError(t, err)
	defer f.Close()

	for i := 0; i < 6; i++ {
		appendOne(t, env, f, []byte{byte(i)})
	}
	for i := 0; i < 6; i++ {
		got, err := consumeOne(t, env, f)
		require.NoError(t, err)
		require.Equal(t, byte(i), got[0])
	}
	_, err = consumeOne(t, env, f)
	require.ErrorIs(t, err, qfile.ErrEmpty)
}

func TestAbortUndoesAppendAndConsume(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	settings := qfile.Settings{RecordLength: 16, ExtentSize: 4}

	f, err := qfile.Open(env, dir, "q5", settings)
	require.NoError(t, err)
	defer f.Close()

	appendOne(t, env, f, []byte("kept"))
	require.Equal(t, 1, f.Len())

	txn, err := env.Begin()
	require.NoError(t, err)
	_, err = f.Append(txn, []byte("rolled-back"))
	require.NoError(t, err)
	require.Equal(t, 2, f.Len())
	require.NoError(t, txn.Abort())
	require.Equal(t, 1, f.Len(), "aborted append must not remain live")

	txn2, err := env.Begin()
	require.NoError(t, err)
	got, err := f.Consume(txn2)
	require.NoError(t, err)
	require.Equal(t, "kept", trimPad(got))
	require.Equal(t, 0, f.Len())
	require.NoError(t, txn2.Abort())
	require.Equal(t, 1, f.Len(), "aborted consume must put the record back")

	got2, err := consumeOne(t, env, f)
	require.NoError(t, err)
	require.Equal(t, "kept", trimPad(got2))
}

func trimPad(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}
