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

package nn

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Embedding maps integer ids to dense rows of a lookup table.
type Embedding struct {
	Table *Parameter // vocab×dim
}

// NewEmbedding creates an embedding table initialized from U(-0.05, 0.05).
func NewEmbedding(name string, vocabSize, dim int, rng *rand.Rand) *Embedding {
	return &Embedding{
		Table: NewParameter(name+".embeddings", Uniform(rng, vocabSize, dim, 0.05)),
	}
}

// VocabSize returns the number of rows in the table.
func (e *Embedding) VocabSize() int {
	r, _ := e.Table.Dims()
	return r
}

// Dim returns the embedding width.
func (e *Embedding) Dim() int {
	_, c := e.Table.Dims()
	return c
}

// Parameters returns the layer's trainable parameters.
func (e *Embedding) Parameters() []*Parameter {
	return []*Parameter{e.Table}
}

// Forward looks up a batch of equal-length id sequences and returns one
// batch×dim matrix per time step.
func (e *Embedding) Forward(ids [][]int) ([]*mat.Dense, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("embedding: empty batch")
	}
	steps := len(ids[0])
	vocab, dim := e.VocabSize(), e.Dim()
	out := make([]*mat.Dense, steps)
	for t := range out {
		out[t] = mat.NewDense(len(ids), dim, nil)
	}
	for b, seq := range ids {
		if len(seq) != steps {
			return nil, fmt.Errorf("embedding: sequence %d has length %d, want %d", b, len(seq), steps)
		}
		for t, id := range seq {
			if id < 0 || id >= vocab {
				return nil, fmt.Errorf("embedding: id %d out of range [0, %d)", id, vocab)
			}
			copy(out[t].RawRowView(b), e.Table.Value.RawRowView(id))
		}
	}
	return out, nil
}

// Backward scatters per-step output gradients back onto the looked-up rows.
func (e *Embedding) Backward(ids [][]int, dys []*mat.Dense) {
	for t, dy := range dys {
		for b, seq := range ids {
			dst := e.Table.Grad.RawRowView(seq[t])
			for j, v := range dy.RawRowView(b) {
				dst[j] += v
			}
		}
	}
}
