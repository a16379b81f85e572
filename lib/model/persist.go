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
	"errors"
	"fmt"
	"strconv"

	"github.com/antflydb/captioner/lib/tensorfile"
	"github.com/antflydb/captioner/lib/vocab"
	"gonum.org/v1/gonum/mat"
)

// FileKind tags caption model weight files.
const FileKind = "caption_model"

// Metadata keys recorded alongside the weights.
const (
	MetaVocabFingerprint = "vocab_fingerprint"
	MetaVocabSize        = "vocab_size"
	MetaMaxLength        = "max_length"
	MetaFeatureDim       = "feature_dim"
	MetaEmbedDim         = "embed_dim"
	MetaUnits            = "units"
	MetaDropout          = "dropout"
	MetaSeed             = "seed"
)

func (m *CaptionModel) metadata() map[string]string {
	return map[string]string{
		MetaVocabFingerprint: m.cfg.VocabFingerprint,
		MetaVocabSize:        strconv.Itoa(m.cfg.VocabSize),
		MetaMaxLength:        strconv.Itoa(m.cfg.MaxLength),
		MetaFeatureDim:       strconv.Itoa(m.cfg.FeatureDim),
		MetaEmbedDim:         strconv.Itoa(m.cfg.EmbedDim),
		MetaUnits:            strconv.Itoa(m.cfg.Units),
		MetaDropout:          strconv.FormatFloat(m.cfg.Dropout, 'g', -1, 64),
		MetaSeed:             strconv.FormatUint(m.cfg.Seed, 10),
	}
}

// Tensors returns the weights as named tensors.
func (m *CaptionModel) Tensors() []tensorfile.Tensor {
	params := m.Parameters()
	out := make([]tensorfile.Tensor, len(params))
	for i, p := range params {
		r, c := p.Dims()
		data := make([]float64, 0, r*c)
		for row := 0; row < r; row++ {
			data = append(data, p.Value.RawRowView(row)...)
		}
		out[i] = tensorfile.NewFloat64(p.Name, data, r, c)
	}
	return out
}

// Save writes the weights and pairing metadata to path.
func (m *CaptionModel) Save(path string) error {
	return tensorfile.WriteFile(path, FileKind, m.metadata(), m.Tensors())
}

// Load reads weights saved by Save and checks them against v. A weights
// file trained against a different vocabulary fails with
// ErrArtifactMismatch.
func Load(path string, v *vocab.Vocabulary) (*CaptionModel, error) {
	f, err := tensorfile.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromFile(f, v)
}

// FromFile builds a model from a decoded weights file.
func FromFile(f *tensorfile.File, v *vocab.Vocabulary) (*CaptionModel, error) {
	if f.Kind != FileKind {
		return nil, fmt.Errorf("%w: file kind %q, want %q", ErrArtifactMismatch, f.Kind, FileKind)
	}
	cfg, err := configFromMetadata(f.Metadata)
	if err != nil {
		return nil, err
	}
	if v != nil {
		if cfg.VocabSize != v.Size() {
			return nil, fmt.Errorf("%w: weights expect vocabulary size %d, vocabulary has %d",
				ErrArtifactMismatch, cfg.VocabSize, v.Size())
		}
		if cfg.VocabFingerprint != v.FingerprintHex() {
			return nil, fmt.Errorf("%w: weights trained against vocabulary %s, loaded vocabulary is %s",
				ErrArtifactMismatch, cfg.VocabFingerprint, v.FingerprintHex())
		}
	}

	m, err := New(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactMismatch, err)
	}
	for _, p := range m.Parameters() {
		r, c := p.Dims()
		t, err := f.Require(p.Name, r, c)
		if err != nil {
			var verr *tensorfile.ValidationError
			if errors.As(err, &verr) {
				return nil, fmt.Errorf("%w: %v", ErrArtifactMismatch, err)
			}
			return nil, err
		}
		data := t.F64
		if data == nil {
			data = make([]float64, len(t.F32))
			for i, x := range t.F32 {
				data[i] = float64(x)
			}
		}
		p.Value = mat.NewDense(r, c, data)
		p.Grad = mat.NewDense(r, c, nil)
	}
	if len(f.Tensors) != len(m.Parameters()) {
		return nil, fmt.Errorf("%w: file has %d tensors, model has %d",
			ErrArtifactMismatch, len(f.Tensors), len(m.Parameters()))
	}
	return m, nil
}

func configFromMetadata(meta map[string]string) (Config, error) {
	var cfg Config
	ints := []struct {
		key string
		dst *int
	}{
		{MetaVocabSize, &cfg.VocabSize},
		{MetaMaxLength, &cfg.MaxLength},
		{MetaFeatureDim, &cfg.FeatureDim},
		{MetaEmbedDim, &cfg.EmbedDim},
		{MetaUnits, &cfg.Units},
	}
	for _, f := range ints {
		n, err := strconv.Atoi(meta[f.key])
		if err != nil {
			return cfg, fmt.Errorf("%w: metadata %s: %v", ErrArtifactMismatch, f.key, err)
		}
		*f.dst = n
	}
	if s, ok := meta[MetaDropout]; ok {
		d, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return cfg, fmt.Errorf("%w: metadata %s: %v", ErrArtifactMismatch, MetaDropout, err)
		}
		cfg.Dropout = d
	}
	if s, ok := meta[MetaSeed]; ok {
		seed, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("%w: metadata %s: %v", ErrArtifactMismatch, MetaSeed, err)
		}
		cfg.Seed = seed
	}
	cfg.VocabFingerprint = meta[MetaVocabFingerprint]
	return cfg, nil
}
