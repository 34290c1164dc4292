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
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// checkpointHeader is the first line of every checkpoint file.
const checkpointHeader = "CLLM_CHECKPOINT_V1"

var (
	// ErrBadCheckpoint indicates a file that is not a readable checkpoint.
	ErrBadCheckpoint = errors.New("malformed checkpoint file")
)

// Snapshot is the persisted training position. Model tensors are not yet
// serialized; the format reserves only scalar fields.
type Snapshot struct {
	Version      uint32
	Epoch        uint32
	Batch        uint32
	LearningRate float64

	// RunID is an extension line identifying the producing run. Readers
	// ignore unknown keys, so older readers skip it.
	RunID string
}

// Encode writes the line-oriented checkpoint format.
func (s Snapshot) Encode(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintln(&b, checkpointHeader)
	fmt.Fprintf(&b, "version=%d\n", s.Version)
	fmt.Fprintf(&b, "epoch=%d\n", s.Epoch)
	fmt.Fprintf(&b, "batch=%d\n", s.Batch)
	fmt.Fprintf(&b, "learning_rate=%g\n", s.LearningRate)
	if s.RunID != "" {
		fmt.Fprintf(&b, "run=%s\n", s.RunID)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// DecodeSnapshot parses the checkpoint format, ignoring unknown keys.
func DecodeSnapshot(r io.Reader) (Snapshot, error) {
	var s Snapshot
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return s, fmt.Errorf("%w: empty file", ErrBadCheckpoint)
	}
	if got := strings.TrimSpace(scanner.Text()); got != checkpointHeader {
		return s, fmt.Errorf("%w: header %q", ErrBadCheckpoint, got)
	}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return s, fmt.Errorf("%w: line %q", ErrBadCheckpoint, line)
		}
		var err error
		switch key {
		case "version":
			err = parseU32(value, &s.Version)
		case "epoch":
			err = parseU32(value, &s.Epoch)
		case "batch":
			err = parseU32(value, &s.Batch)
		case "learning_rate":
			s.LearningRate, err = strconv.ParseFloat(value, 64)
		case "run":
			s.RunID = value
		}
		if err != nil {
			return s, fmt.Errorf("%w: %s=%q: %w", ErrBadCheckpoint, key, value, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return s, fmt.Errorf("%w: %w", ErrBadCheckpoint, err)
	}
	return s, nil
}

func parseU32(value string, dst *uint32) error {
	v, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return err
	}
	*dst = uint32(v)
	return nil
}

// WriteSnapshot persists a snapshot atomically: write to a temp file in the
// target directory, then rename over the destination.
func WriteSnapshot(path string, s Snapshot) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := s.Encode(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadSnapshot loads a snapshot from disk.
func ReadSnapshot(path string) (Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return Snapshot{}, err
	}
	defer f.Close()
	return DecodeSnapshot(f)
}

// ListCheckpoints returns every readable checkpoint under `dir`, sorted by
// ascending version. Unreadable files are skipped.
func ListCheckpoints(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type versioned struct {
		path    string
		version uint32
	}
	var found []versioned
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		s, err := ReadSnapshot(path)
		if err != nil {
			continue
		}
		found = append(found, versioned{path: path, version: s.Version})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].version < found[j].version })
	out := make([]string, len(found))
	for i, f := range found {
		out[i] = f.path
	}
	return out, nil
}

// PruneCheckpoints deletes all but the newest `keep` checkpoints in `dir`.
func PruneCheckpoints(dir string, keep int) error {
	if keep < 0 {
		keep = 0
	}
	paths, err := ListCheckpoints(dir)
	if err != nil {
		return err
	}
	if len(paths) <= keep {
		return nil
	}
	for _, path := range paths[:len(paths)-keep] {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}
