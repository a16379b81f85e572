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

// Package model implements the merge captioning network.
//
// The image branch applies dropout, a dense layer and ReLU to the image
// feature vector. The text branch embeds the pre-padded prefix, applies
// dropout and runs a masked LSTM. The two branch outputs are summed, passed
// through a dense ReLU layer and projected to a softmax over the vocabulary.
//
// A CaptionModel is read-only outside TrainBatch: Predict and PredictBatch
// may be called from any number of goroutines.
package model

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/antflydb/captioner/lib/nn"
	"github.com/antflydb/captioner/lib/vocab"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrArtifactMismatch is returned when saved weights do not fit the
	// vocabulary or configuration they are loaded with.
	ErrArtifactMismatch = errors.New("model artifact mismatch")
	// ErrInvalidInput is returned for a feature vector or id sequence the
	// model cannot consume.
	ErrInvalidInput = errors.New("invalid model input")
)

// Config describes the network's shape.
type Config struct {
	VocabSize  int
	MaxLength  int
	FeatureDim int
	EmbedDim   int
	Units      int
	Dropout    float64
	Seed       uint64

	// VocabFingerprint identifies the vocabulary the weights are trained
	// against. It is recorded in saved weights and checked at load.
	VocabFingerprint string
}

// DefaultConfig returns the standard network for a vocabulary of the given
// size and a maximum caption length.
func DefaultConfig(vocabSize, maxLength int) Config {
	return Config{
		VocabSize:  vocabSize,
		MaxLength:  maxLength,
		FeatureDim: 2048,
		EmbedDim:   256,
		Units:      256,
		Dropout:    0.5,
	}
}

// Validate reports whether the configuration describes a buildable network.
func (c Config) Validate() error {
	switch {
	case c.VocabSize < 2:
		return fmt.Errorf("vocab size %d must be at least 2", c.VocabSize)
	case c.MaxLength < 1:
		return fmt.Errorf("max length %d must be positive", c.MaxLength)
	case c.FeatureDim < 1 || c.EmbedDim < 1 || c.Units < 1:
		return fmt.Errorf("layer widths must be positive")
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("dropout %g must be in [0, 1)", c.Dropout)
	}
	return nil
}

// CaptionModel is the merge network.
type CaptionModel struct {
	cfg Config

	imageDense *nn.Dense
	embed      *nn.Embedding
	lstm       *nn.LSTM
	merge      *nn.Dense
	output     *nn.Dense
	dropout    nn.Dropout
}

// New creates a model with freshly initialized weights. Initialization is
// fully determined by cfg.Seed.
func New(cfg Config) (*CaptionModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := nn.NewRand(cfg.Seed)
	return &CaptionModel{
		cfg:        cfg,
		imageDense: nn.NewDense("image_dense", cfg.FeatureDim, cfg.Units, rng),
		embed:      nn.NewEmbedding("embedding", cfg.VocabSize, cfg.EmbedDim, rng),
		lstm:       nn.NewLSTM("lstm", cfg.EmbedDim, cfg.Units, rng),
		merge:      nn.NewDense("merge_dense", cfg.Units, cfg.Units, rng),
		output:     nn.NewDense("output", cfg.Units, cfg.VocabSize, rng),
		dropout:    nn.Dropout{Rate: cfg.Dropout},
	}, nil
}

// Config returns the model's configuration.
func (m *CaptionModel) Config() Config { return m.cfg }

// VocabSize is the width of the output distribution.
func (m *CaptionModel) VocabSize() int { return m.cfg.VocabSize }

// MaxLength is the padded prefix length.
func (m *CaptionModel) MaxLength() int { return m.cfg.MaxLength }

// Parameters returns every trainable parameter in a fixed order.
func (m *CaptionModel) Parameters() []*nn.Parameter {
	var ps []*nn.Parameter
	ps = append(ps, m.imageDense.Parameters()...)
	ps = append(ps, m.embed.Parameters()...)
	ps = append(ps, m.lstm.Parameters()...)
	ps = append(ps, m.merge.Parameters()...)
	ps = append(ps, m.output.Parameters()...)
	return ps
}

// PadSequence left-pads ids with the padding id to length maxLen. Longer
// sequences keep their last maxLen ids.
func PadSequence(ids []int, maxLen int) []int {
	out := make([]int, maxLen)
	if len(ids) >= maxLen {
		copy(out, ids[len(ids)-maxLen:])
		return out
	}
	copy(out[maxLen-len(ids):], ids)
	return out
}

// Predict returns the next-token distribution for one prefix.
func (m *CaptionModel) Predict(feature []float32, prefix []int) ([]float64, error) {
	probs, err := m.PredictBatch(feature, [][]int{prefix})
	if err != nil {
		return nil, err
	}
	return probs[0], nil
}

// PredictBatch returns the next-token distribution for each prefix, all
// conditioned on the same image feature, in one forward pass.
func (m *CaptionModel) PredictBatch(feature []float32, prefixes [][]int) ([][]float64, error) {
	if len(prefixes) == 0 {
		return nil, nil
	}
	features := make([][]float32, len(prefixes))
	seqs := make([][]int, len(prefixes))
	for i, p := range prefixes {
		features[i] = feature
		seqs[i] = PadSequence(p, m.cfg.MaxLength)
	}
	fwd, err := m.forward(features, seqs, nil)
	if err != nil {
		return nil, err
	}
	probs := nn.Softmax(fwd.logits)
	out := make([][]float64, len(prefixes))
	for i := range out {
		out[i] = append([]float64(nil), probs.RawRowView(i)...)
	}
	return out, nil
}

type forwardPass struct {
	features *mat.Dense
	imgIn    *mat.Dense
	imgMask  *mat.Dense
	imgAct   *mat.Dense

	seqs     [][]int
	embMasks []*mat.Dense
	lstm     *nn.LSTMCache

	merged   *mat.Dense
	mergeAct *mat.Dense
	logits   *mat.Dense
}

func (m *CaptionModel) featureMatrix(features [][]float32) (*mat.Dense, error) {
	x := mat.NewDense(len(features), m.cfg.FeatureDim, nil)
	for i, f := range features {
		if len(f) != m.cfg.FeatureDim {
			return nil, fmt.Errorf("%w: feature vector has %d dims, want %d", ErrInvalidInput, len(f), m.cfg.FeatureDim)
		}
		row := x.RawRowView(i)
		for j, v := range f {
			row[j] = float64(v)
		}
	}
	return x, nil
}

// forward runs the network. A non-nil rng enables dropout.
func (m *CaptionModel) forward(features [][]float32, seqs [][]int, rng *rand.Rand) (*forwardPass, error) {
	x, err := m.featureMatrix(features)
	if err != nil {
		return nil, err
	}
	for i, s := range seqs {
		if len(s) != m.cfg.MaxLength {
			return nil, fmt.Errorf("%w: sequence %d has length %d, want %d", ErrInvalidInput, i, len(s), m.cfg.MaxLength)
		}
	}

	fp := &forwardPass{features: x, seqs: seqs}
	fp.imgIn, fp.imgMask = m.dropout.Forward(x, rng)
	fp.imgAct = nn.ReLU(m.imageDense.Forward(fp.imgIn))

	embs, err := m.embed.Forward(seqs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	fp.embMasks = make([]*mat.Dense, len(embs))
	for t := range embs {
		embs[t], fp.embMasks[t] = m.dropout.Forward(embs[t], rng)
	}
	mask := make([][]bool, len(seqs))
	for b, s := range seqs {
		mask[b] = make([]bool, len(s))
		for t, id := range s {
			mask[b][t] = id != vocab.PadID
		}
	}
	var h *mat.Dense
	h, fp.lstm = m.lstm.Forward(embs, mask)

	fp.merged = mat.NewDense(len(seqs), m.cfg.Units, nil)
	fp.merged.Add(fp.imgAct, h)
	fp.mergeAct = nn.ReLU(m.merge.Forward(fp.merged))
	fp.logits = m.output.Forward(fp.mergeAct)
	return fp, nil
}

// backward propagates dLogits through the pass recorded by forward.
func (m *CaptionModel) backward(fp *forwardPass, dLogits *mat.Dense) {
	dMergeAct := m.output.Backward(fp.mergeAct, dLogits)
	dMerged := m.merge.Backward(fp.merged, nn.ReLUBackward(fp.mergeAct, dMergeAct))

	m.imageDense.Backward(fp.imgIn, nn.ReLUBackward(fp.imgAct, dMerged))

	dEmbs := m.lstm.Backward(fp.lstm, dMerged)
	for t := range dEmbs {
		dEmbs[t] = m.dropout.Backward(dEmbs[t], fp.embMasks[t])
	}
	m.embed.Backward(fp.seqs, dEmbs)
}
