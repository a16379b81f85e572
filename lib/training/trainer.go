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
	"context"
	"fmt"
	"time"

	"github.com/antflydb/captioner/lib/model"
	"github.com/antflydb/captioner/lib/nn"
	"github.com/antflydb/captioner/lib/vocab"
	"go.uber.org/zap"
)

// Config holds training hyperparameters.
type Config struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	// StepsPerEpoch defaults to enough batches for one full pass over the
	// example stream.
	StepsPerEpoch int
	Seed          uint64

	FeatureDim int
	EmbedDim   int
	Units      int
	Dropout    float64

	Logger *zap.Logger
	// OnEpoch, if set, is called after every epoch.
	OnEpoch func(EpochStats)
}

// DefaultConfig returns 10 epochs of batch 64 at learning rate 0.001 over
// the standard network.
func DefaultConfig() Config {
	return Config{
		Epochs:       10,
		BatchSize:    64,
		LearningRate: 0.001,
		FeatureDim:   2048,
		EmbedDim:     256,
		Units:        256,
		Dropout:      0.5,
	}
}

// EpochStats summarizes one epoch.
type EpochStats struct {
	Epoch    int
	Steps    int
	Examples int
	MeanLoss float64
	Duration time.Duration
}

// Result is a trained model and the vocabulary it was trained against.
type Result struct {
	Model     *model.CaptionModel
	Vocab     *vocab.Vocabulary
	MaxLength int
	// Examples is the number of examples in one pass over the corpus.
	Examples int
	// Skipped lists images that had captions but no features.
	Skipped []string
	Epochs  []EpochStats
}

// Save persists the model and vocabulary into dir as a matched pair.
func (r *Result) Save(dir string) error {
	return model.SaveArtifacts(dir, r.Model, r.Vocab)
}

// Trainer runs a single training job. It is not safe for concurrent use.
type Trainer struct {
	cfg    Config
	logger *zap.Logger
}

// NewTrainer validates cfg and returns a trainer.
func NewTrainer(cfg Config) (*Trainer, error) {
	if cfg.Epochs < 1 {
		return nil, fmt.Errorf("epochs %d must be positive", cfg.Epochs)
	}
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("batch size %d must be positive", cfg.BatchSize)
	}
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate %g must be positive", cfg.LearningRate)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Trainer{cfg: cfg, logger: cfg.Logger.Named("trainer")}, nil
}

// Fit cleans the corpus, builds the vocabulary, derives the maximum caption
// length and trains a fresh model on every captioned image that has
// features. Missing features are logged and skipped.
func (t *Trainer) Fit(ctx context.Context, corpus *Corpus, features FeatureSource) (*Result, error) {
	prepared := corpus.Prepare()
	v := vocab.Build(prepared.All())
	maxLen := prepared.MaxLength()

	stream, err := NewStream(prepared, v, features, maxLen)
	if err != nil {
		return nil, err
	}
	for _, id := range stream.Skipped() {
		t.logger.Warn("Skipping image without features", zap.String("image", id))
	}

	m, err := model.New(model.Config{
		VocabSize:        v.Size(),
		MaxLength:        maxLen,
		FeatureDim:       t.cfg.FeatureDim,
		EmbedDim:         t.cfg.EmbedDim,
		Units:            t.cfg.Units,
		Dropout:          t.cfg.Dropout,
		Seed:             t.cfg.Seed,
		VocabFingerprint: v.FingerprintHex(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating model: %w", err)
	}

	steps := t.cfg.StepsPerEpoch
	if steps <= 0 {
		steps = max(1, (stream.Examples()+t.cfg.BatchSize-1)/t.cfg.BatchSize)
	}

	t.logger.Info("Training started",
		zap.Int("vocabSize", v.Size()),
		zap.Int("maxLength", maxLen),
		zap.Int("images", len(prepared.ImageIDs)),
		zap.Int("captions", prepared.CaptionCount()),
		zap.Int("examples", stream.Examples()),
		zap.Int("skippedImages", len(stream.Skipped())),
		zap.Int("epochs", t.cfg.Epochs),
		zap.Int("stepsPerEpoch", steps),
		zap.Int("batchSize", t.cfg.BatchSize))

	opt := m.NewOptimizer(t.cfg.LearningRate)
	rng := nn.NewRand(t.cfg.Seed + 1)
	result := &Result{
		Model:     m,
		Vocab:     v,
		MaxLength: maxLen,
		Examples:  stream.Examples(),
		Skipped:   stream.Skipped(),
	}

	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		start := time.Now()
		var total float64
		seen := 0
		for step := 0; step < steps; step++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			batch := stream.Next(t.cfg.BatchSize)
			loss, err := m.TrainBatch(batch, opt, rng)
			if err != nil {
				return nil, fmt.Errorf("epoch %d step %d: %w", epoch, step+1, err)
			}
			total += loss
			seen += batch.Len()
		}
		stats := EpochStats{
			Epoch:    epoch,
			Steps:    steps,
			Examples: seen,
			MeanLoss: total / float64(steps),
			Duration: time.Since(start),
		}
		result.Epochs = append(result.Epochs, stats)
		t.logger.Info("Epoch complete",
			zap.Int("epoch", epoch),
			zap.Int("of", t.cfg.Epochs),
			zap.Float64("loss", stats.MeanLoss),
			zap.Duration("duration", stats.Duration))
		if t.cfg.OnEpoch != nil {
			t.cfg.OnEpoch(stats)
		}
	}

	t.logger.Info("Training complete",
		zap.Int("skippedImages", len(result.Skipped)),
		zap.Int("examplesPerPass", result.Examples))
	return result, nil
}
