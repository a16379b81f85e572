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

// Package decoding turns an image feature vector into a caption by querying
// a next-token model step by step.
//
// Beam search keeps the best BeamWidth partial captions ranked by cumulative
// log-probability. A candidate that has produced the end sentinel is frozen:
// it is carried into every later beam with its score unchanged and is never
// expanded again. Ties in score keep generation order, where expansions of
// one candidate are ordered by probability with lower ids first. A width of
// one or less takes the greedy path, which produces the same caption as
// beam search of width one without keeping scores.
//
// The padding id is never selected. Ids with zero probability are never
// selected either, so a candidate whose distribution has no selectable id
// is dropped from the beam.
package decoding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/antflydb/captioner/lib/vocab"
	"go.uber.org/zap"
)

// ErrInconsistentVocabulary is returned when the model keeps proposing ids
// the vocabulary has no word for. A single offending step is tolerated by
// skipping the id.
var ErrInconsistentVocabulary = errors.New("model and vocabulary are inconsistent")

// DefaultBeamWidth is the beam width used when none is given.
const DefaultBeamWidth = 5

// Predictor returns next-token distributions for a batch of unpadded
// prefixes conditioned on one image feature vector.
type Predictor interface {
	PredictBatch(feature []float32, prefixes [][]int) ([][]float64, error)
}

// Config holds decoding parameters.
type Config struct {
	// MaxLength caps the number of decoding steps.
	MaxLength int
	// BeamWidth is used by Decode when the caller passes zero.
	BeamWidth int
	Logger    *zap.Logger
}

// Decoder generates captions. It holds no per-call state and is safe for
// concurrent use when its Predictor is.
type Decoder struct {
	model     Predictor
	vocab     *vocab.Vocabulary
	maxLength int
	beamWidth int
	logger    *zap.Logger
}

// New creates a decoder over model and v.
func New(model Predictor, v *vocab.Vocabulary, cfg Config) (*Decoder, error) {
	if model == nil || v == nil {
		return nil, fmt.Errorf("decoder requires a model and a vocabulary")
	}
	if cfg.MaxLength < 1 {
		return nil, fmt.Errorf("max length %d must be positive", cfg.MaxLength)
	}
	if cfg.BeamWidth == 0 {
		cfg.BeamWidth = DefaultBeamWidth
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Decoder{
		model:     model,
		vocab:     v,
		maxLength: cfg.MaxLength,
		beamWidth: cfg.BeamWidth,
		logger:    cfg.Logger.Named("decoder"),
	}, nil
}

// MaxLength returns the step cap.
func (d *Decoder) MaxLength() int { return d.maxLength }

// Result is a decoded caption.
type Result struct {
	// Caption is the words of TokenIDs without sentinels, space separated.
	Caption string
	// TokenIDs is the full winning sequence, starting with the start sentinel.
	TokenIDs []int
	// Score is the cumulative log-probability of TokenIDs. The greedy path
	// does not track it and leaves it zero.
	Score float64
	// Steps is the number of model queries made, at most MaxLength.
	Steps int
	// StoppedAtEnd reports whether the winning sequence ends with the end
	// sentinel rather than being cut off by MaxLength.
	StoppedAtEnd bool
	// SkippedIDs counts ids proposed by the model that have no word.
	SkippedIDs int
	// BeamWidth is the width actually used; one means the greedy path ran.
	BeamWidth int
}

// Decode captions feature with the given beam width. Zero selects the
// configured default; one or less selects the greedy path.
func (d *Decoder) Decode(ctx context.Context, feature []float32, beamWidth int) (*Result, error) {
	if beamWidth == 0 {
		beamWidth = d.beamWidth
	}
	var (
		res *Result
		err error
	)
	if beamWidth <= 1 {
		beamWidth = 1
		res, err = d.Greedy(ctx, feature)
	} else {
		res, err = d.Beam(ctx, feature, beamWidth)
	}
	if err != nil {
		return nil, err
	}
	res.BeamWidth = beamWidth
	d.logger.Debug("Decoded caption",
		zap.Int("beamWidth", beamWidth),
		zap.Int("steps", res.Steps),
		zap.Bool("stoppedAtEnd", res.StoppedAtEnd),
		zap.Int("skippedIDs", res.SkippedIDs))
	return res, nil
}

// inconsistency tracks steps on which an id without a word was skipped.
type inconsistency struct {
	steps   int
	skipped int
}

func (in *inconsistency) record(skipped int) error {
	if skipped == 0 {
		return nil
	}
	in.skipped += skipped
	in.steps++
	if in.steps > 1 {
		return fmt.Errorf("%w: ids without a word proposed on %d steps", ErrInconsistentVocabulary, in.steps)
	}
	return nil
}

// Greedy always extends the caption with the most probable selectable id.
func (d *Decoder) Greedy(ctx context.Context, feature []float32) (*Result, error) {
	seq := []int{d.vocab.StartID()}
	res := &Result{}
	var inc inconsistency

	for res.Steps < d.maxLength {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		probs, err := d.model.PredictBatch(feature, [][]int{seq})
		if err != nil {
			return nil, fmt.Errorf("predicting step %d: %w", res.Steps+1, err)
		}
		res.Steps++

		sel, skipped := d.topK(probs[0], 1)
		if err := inc.record(skipped); err != nil {
			return nil, err
		}
		if len(sel) == 0 {
			break
		}
		seq = append(seq, sel[0].id)
		if sel[0].id == d.vocab.EndID() {
			res.StoppedAtEnd = true
			break
		}
	}
	res.SkippedIDs = inc.skipped
	return d.finish(res, seq), nil
}

type candidate struct {
	seq   []int
	score float64
}

func (c *candidate) terminated(endID int) bool {
	return c.seq[len(c.seq)-1] == endID
}

// Beam runs beam search with the given width.
func (d *Decoder) Beam(ctx context.Context, feature []float32, width int) (*Result, error) {
	if width < 1 {
		width = 1
	}
	endID := d.vocab.EndID()
	beam := []candidate{{seq: []int{d.vocab.StartID()}}}
	res := &Result{}
	var inc inconsistency

	for res.Steps < d.maxLength {
		var live []int
		prefixes := make([][]int, 0, len(beam))
		for i := range beam {
			if !beam[i].terminated(endID) {
				live = append(live, i)
				prefixes = append(prefixes, beam[i].seq)
			}
		}
		if len(live) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		probs, err := d.model.PredictBatch(feature, prefixes)
		if err != nil {
			return nil, fmt.Errorf("predicting step %d: %w", res.Steps+1, err)
		}
		res.Steps++

		expansions := make(map[int][]candidate, len(live))
		skippedThisStep := 0
		for j, i := range live {
			sel, skipped := d.topK(probs[j], width)
			skippedThisStep += skipped
			parent := beam[i]
			for _, s := range sel {
				seq := make([]int, len(parent.seq)+1)
				copy(seq, parent.seq)
				seq[len(parent.seq)] = s.id
				expansions[i] = append(expansions[i], candidate{
					seq:   seq,
					score: parent.score + math.Log(s.prob),
				})
			}
		}
		if err := inc.record(skippedThisStep); err != nil {
			return nil, err
		}

		next := make([]candidate, 0, len(beam)*width)
		for i := range beam {
			if beam[i].terminated(endID) {
				next = append(next, beam[i])
				continue
			}
			next = append(next, expansions[i]...)
		}
		if len(next) == 0 {
			break
		}
		sort.SliceStable(next, func(a, b int) bool {
			return next[a].score > next[b].score
		})
		if len(next) > width {
			next = next[:width]
		}
		beam = next
	}

	best := beam[0]
	res.Score = best.score
	res.StoppedAtEnd = best.terminated(endID)
	res.SkippedIDs = inc.skipped
	return d.finish(res, best.seq), nil
}

type selection struct {
	id   int
	prob float64
}

// topK returns up to k selectable ids ordered by probability, lower id first
// on ties, and the number of ids without a word that would have made the cut.
func (d *Decoder) topK(probs []float64, k int) ([]selection, int) {
	sel := make([]selection, 0, k)
	for id, p := range probs {
		if id == vocab.PadID || !d.vocab.Has(id) || !(p > 0) {
			continue
		}
		if len(sel) == k && p <= sel[k-1].prob {
			continue
		}
		pos := len(sel)
		for pos > 0 && sel[pos-1].prob < p {
			pos--
		}
		if len(sel) < k {
			sel = append(sel, selection{})
		}
		copy(sel[pos+1:], sel[pos:len(sel)-1])
		sel[pos] = selection{id: id, prob: p}
	}

	skipped := 0
	for id := d.vocab.Size(); id < len(probs); id++ {
		p := probs[id]
		if p > 0 && (len(sel) < k || p > sel[len(sel)-1].prob) {
			skipped++
		}
	}
	return sel, skipped
}

func (d *Decoder) finish(res *Result, seq []int) *Result {
	res.TokenIDs = seq
	words := make([]string, 0, len(seq))
	for _, id := range seq {
		if d.vocab.IsSentinel(id) {
			continue
		}
		w, err := d.vocab.Decode(id)
		if err != nil {
			continue
		}
		words = append(words, w)
	}
	res.Caption = strings.Join(words, " ")
	return res
}
