/*
Copyright 2025 The Crystalline Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package control

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotEncodeDecode(t *testing.T) {
	t.Parallel()
	want := Snapshot{
		Version:      7,
		Epoch:        3,
		Batch:        128,
		LearningRate: 0.001,
		RunID:        "4f5e9a0c-1d2b-4c3a-9e8f-0a1b2c3d4e5f",
	}
	var sb strings.Builder
	require.NoError(t, want.Encode(&sb), "encode")
	assert.True(t, strings.HasPrefix(sb.String(), "CLLM_CHECKPOINT_V1\n"), "the header line comes first")

	got, err := DecodeSnapshot(strings.NewReader(sb.String()))
	require.NoError(t, err, "decode")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("decoded snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeSnapshotToleratesUnknownKeys(t *testing.T) {
	t.Parallel()
	in := "CLLM_CHECKPOINT_V1\nversion=2\nepoch=1\nbatch=5\nlearning_rate=0.01\noptimizer=adamw\n"
	got, err := DecodeSnapshot(strings.NewReader(in))
	require.NoError(t, err, "unknown keys are skipped for forward compatibility")
	assert.Equal(t, uint32(2), got.Version, "known keys still parse")
}

func TestDecodeSnapshotRejectsGarbage(t *testing.T) {
	t.Parallel()
	for name, in := range map[string]string{
		"empty":      "",
		"bad header": "SOME_OTHER_FORMAT\nversion=1\n",
		"bare line":  "CLLM_CHECKPOINT_V1\nnot a key value pair\n",
		"bad value":  "CLLM_CHECKPOINT_V1\nversion=minus-one\n",
	} {
		_, err := DecodeSnapshot(strings.NewReader(in))
		assert.ErrorIs(t, err, ErrBadCheckpoint, "case %q must be rejected", name)
	}
}

func TestWriteSnapshotIsAtomic(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint_v00001.ckpt")
	require.NoError(t, WriteSnapshot(path, Snapshot{Version: 1, Epoch: 1, LearningRate: 0.1}), "first write")
	require.NoError(t, WriteSnapshot(path, Snapshot{Version: 2, Epoch: 2, LearningRate: 0.1}), "overwrite")

	got, err := ReadSnapshot(path)
	require.NoError(t, err, "read back")
	assert.Equal(t, uint32(2), got.Version, "the rename replaces the old content")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err, "list dir")
	assert.Len(t, entries, 1, "no temp files are left behind")
}

func TestListAndPruneCheckpoints(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// Written out of order on purpose; listing sorts by version.
	for _, v := range []uint32{3, 1, 4, 2} {
		path := filepath.Join(dir, "ckpt-"+strings.Repeat("x", int(v))+".ckpt")
		require.NoError(t, WriteSnapshot(path, Snapshot{Version: v}), "write v%d", v)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("scratch"), 0o644), "write decoy")

	paths, err := ListCheckpoints(dir)
	require.NoError(t, err, "list")
	require.Len(t, paths, 4, "the decoy file is skipped")
	for i, path := range paths {
		s, err := ReadSnapshot(path)
		require.NoError(t, err, "read %s", path)
		assert.Equal(t, uint32(i+1), s.Version, "listing is ordered by ascending version")
	}

	require.NoError(t, PruneCheckpoints(dir, 2), "prune to two")
	paths, err = ListCheckpoints(dir)
	require.NoError(t, err, "list after prune")
	require.Len(t, paths, 2, "only the newest two survive")
	s, err := ReadSnapshot(paths[len(paths)-1])
	require.NoError(t, err, "read newest")
	assert.Equal(t, uint32(4), s.Version, "pruning keeps the newest versions")
}
