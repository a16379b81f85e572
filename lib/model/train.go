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
	"math/rand/v2"

	"github.com/antflydb/captioner/lib/nn"
)

// Batch is a set of training examples: for each row an image feature, a
// prefix padded to MaxLength and the id of the token that follows it.
type Batch struct {
	Features  [][]float32
	Sequences [][]int
	Labels    []int
}

// Len returns the number of examples.
func (b *Batch) Len() int { return len(b.Labels) }

func (m *CaptionModel) checkBatch(b *Batch) error {
	if b.Len() == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	if len(b.Features) != b.Len() || len(b.Sequences) != b.Len() {
		return fmt.Errorf("%w: batch has %d features, %d sequences and %d labels",
			ErrInvalidInput, len(b.Features), len(b.Sequences), b.Len())
	}
	for _, l := range b.Labels {
		if l < 0 || l >= m.cfg.VocabSize {
			return fmt.Errorf("%w: label %d out of range [0, %d)", ErrInvalidInput, l, m.cfg.VocabSize)
		}
	}
	return nil
}

// NewOptimizer returns an Adam optimizer over the model's parameters.
func (m *CaptionModel) NewOptimizer(learningRate float64) *nn.Adam {
	return nn.NewAdam(m.Parameters(), nn.AdamConfig{LR: learningRate})
}

// TrainBatch runs one optimization step on b and returns the batch loss
// measured before the update. rng drives dropout.
func (m *CaptionModel) TrainBatch(b *Batch, opt *nn.Adam, rng *rand.Rand) (float64, error) {
	if err := m.checkBatch(b); err != nil {
		return 0, err
	}
	fp, err := m.forward(b.Features, b.Sequences, rng)
	if err != nil {
		return 0, err
	}
	loss, dLogits := nn.SoftmaxCrossEntropy(fp.logits, b.Labels)
	m.backward(fp, dLogits)
	opt.Step()
	opt.ZeroGrad()
	return loss, nil
}

// Evaluate returns the mean cross-entropy on b with dropout disabled.
func (m *CaptionModel) Evaluate(b *Batch) (float64, error) {
	if err := m.checkBatch(b); err != nil {
		return 0, err
	}
	fp, err := m.forward(b.Features, b.Sequences, nil)
	if err != nil {
		return 0, err
	}
	loss, _ := nn.SoftmaxCrossEntropy(fp.logits, b.Labels)
	return loss, nil
}
