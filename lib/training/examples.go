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

package training

import (
	"errors"

	"github.com/antflydb/captioner/lib/model"
	"github.com/antflydb/captioner/lib/vocab"
)

// ErrNoExamples is returned when no caption has both features and at least
// two tokens.
var ErrNoExamples = errors.New("no training examples")

// FeatureSource looks up the precomputed feature vector of an image.
type FeatureSource interface {
	Feature(imageID string) ([]float32, bool)
}

// Window splits an encoded caption into (prefix, next token) pairs, one for
// every position after the first. A caption of L ids yields L-1 pairs;
// prefixes are padded to maxLen.
func Window(ids []int, maxLen int) (prefixes [][]int, next []int) {
	for i := 1; i < len(ids); i++ {
		prefixes = append(prefixes, model.PadSequence(ids[:i], maxLen))
		next = append(next, ids[i])
	}
	return prefixes, next
}

type encodedCaption struct {
	imageID string
	feature []float32
	ids     []int
}

// Stream yields training batches by walking the prepared corpus in order,
// one example per caption prefix, wrapping around at the end. Batches may
// span caption and image boundaries.
type Stream struct {
	captions  []encodedCaption
	maxLen    int
	examples  int
	skipped   []string
	ci, pos   int
	wrapCount int
}

// NewStream encodes the prepared corpus against v. Images without a feature
// vector are skipped and reported by Skipped.
func NewStream(prepared *Corpus, v *vocab.Vocabulary, features FeatureSource, maxLen int) (*Stream, error) {
	s := &Stream{maxLen: maxLen, pos: 1}
	for _, id := range prepared.ImageIDs {
		feat, ok := features.Feature(id)
		if !ok {
			s.skipped = append(s.skipped, id)
			continue
		}
		for _, caption := range prepared.Captions[id] {
			ids := v.EncodeText(caption)
			if len(ids) < 2 {
				continue
			}
			s.captions = append(s.captions, encodedCaption{imageID: id, feature: feat, ids: ids})
			s.examples += len(ids) - 1
		}
	}
	if s.examples == 0 {
		return nil, ErrNoExamples
	}
	return s, nil
}

// Examples returns the number of examples in one full pass.
func (s *Stream) Examples() int { return s.examples }

// Skipped returns the ids of images that had captions but no features.
func (s *Stream) Skipped() []string { return s.skipped }

// Passes returns how many times the stream has wrapped around.
func (s *Stream) Passes() int { return s.wrapCount }

// Next returns the next batch of size examples.
func (s *Stream) Next(size int) *model.Batch {
	b := &model.Batch{
		Features:  make([][]float32, 0, size),
		Sequences: make([][]int, 0, size),
		Labels:    make([]int, 0, size),
	}
	for b.Len() < size {
		c := s.captions[s.ci]
		b.Features = append(b.Features, c.feature)
		b.Sequences = append(b.Sequences, model.PadSequence(c.ids[:s.pos], s.maxLen))
		b.Labels = append(b.Labels, c.ids[s.pos])

		s.pos++
		if s.pos == len(c.ids) {
			s.pos = 1
			s.ci++
			if s.ci == len(s.captions) {
				s.ci = 0
				s.wrapCount++
			}
		}
	}
	return b
}
