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

package model

import (
	"fmt"
	"path/filepath"

	"github.com/antflydb/captioner/lib/vocab"
)

// File names of a trained artifact pair inside an artifacts directory.
const (
	WeightsFileName = "model.capt"
	VocabFileName   = "vocab.json"
)

// SaveArtifacts writes m and the vocabulary it was trained against into dir.
func SaveArtifacts(dir string, m *CaptionModel, v *vocab.Vocabulary) error {
	if m.cfg.VocabFingerprint != v.FingerprintHex() || m.cfg.VocabSize != v.Size() {
		return fmt.Errorf("%w: model was not trained against this vocabulary", ErrArtifactMismatch)
	}
	if err := v.Save(filepath.Join(dir, VocabFileName)); err != nil {
		return fmt.Errorf("saving vocabulary: %w", err)
	}
	if err := m.Save(filepath.Join(dir, WeightsFileName)); err != nil {
		return fmt.Errorf("saving weights: %w", err)
	}
	return nil
}

// LoadArtifacts loads the vocabulary and weights from dir and verifies that
// they belong together.
func LoadArtifacts(dir string) (*CaptionModel, *vocab.Vocabulary, error) {
	v, err := vocab.Load(filepath.Join(dir, VocabFileName))
	if err != nil {
		return nil, nil, err
	}
	m, err := Load(filepath.Join(dir, WeightsFileName), v)
	if err != nil {
		return nil, nil, err
	}
	return m, v, nil
}
