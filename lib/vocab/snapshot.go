// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vocab

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
)

// SnapshotVersion is the on-disk vocabulary format version.
const SnapshotVersion = 1

// ErrFingerprintMismatch is returned when a snapshot's recorded fingerprint
// does not match its word list.
var ErrFingerprintMismatch = errors.New("vocabulary fingerprint mismatch")

type snapshot struct {
	FormatVersion int      `json:"format_version"`
	StartToken    string   `json:"start_token"`
	EndToken      string   `json:"end_token"`
	Fingerprint   string   `json:"fingerprint"`
	Words         []string `json:"words"`
}

// MarshalJSON encodes the vocabulary as a snapshot. The encoding is
// deterministic: equal vocabularies produce identical bytes.
func (v *Vocabulary) MarshalJSON() ([]byte, error) {
	return sonic.ConfigStd.Marshal(&snapshot{
		FormatVersion: SnapshotVersion,
		StartToken:    StartToken,
		EndToken:      EndToken,
		Fingerprint:   v.FingerprintHex(),
		Words:         v.words,
	})
}

// Unmarshal decodes a snapshot produced by MarshalJSON.
func Unmarshal(b []byte) (*Vocabulary, error) {
	var s snapshot
	if err := sonic.ConfigStd.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parsing vocabulary snapshot: %w", err)
	}
	if s.FormatVersion != SnapshotVersion {
		return nil, fmt.Errorf("unsupported vocabulary snapshot version %d", s.FormatVersion)
	}
	if s.StartToken != StartToken || s.EndToken != EndToken {
		return nil, fmt.Errorf("vocabulary sentinels %q/%q do not match %q/%q",
			s.StartToken, s.EndToken, StartToken, EndToken)
	}
	v, err := fromWords(s.Words)
	if err != nil {
		return nil, err
	}
	if s.Fingerprint != v.FingerprintHex() {
		return nil, fmt.Errorf("%w: recorded %s, computed %s", ErrFingerprintMismatch, s.Fingerprint, v.FingerprintHex())
	}
	return v, nil
}

// Write writes the snapshot to w.
func (v *Vocabulary) Write(w io.Writer) error {
	b, err := v.MarshalJSON()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Read reads a snapshot from r.
func Read(r io.Reader) (*Vocabulary, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading vocabulary: %w", err)
	}
	return Unmarshal(b)
}

// Save atomically writes the snapshot to path.
func (v *Vocabulary) Save(path string) error {
	b, err := v.MarshalJSON()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".vocab-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	return os.Rename(tmpName, path)
}

// Load reads the snapshot at path.
func Load(path string) (*Vocabulary, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	v, err := Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return v, nil
}
