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

// Package captioner generates captions for images. A Captioner owns a
// vocabulary, the caption model trained against it, an image encoder and a
// decoder. It is built once and is safe for concurrent use afterwards.
package captioner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antflydb/captioner/lib/backends"
	"github.com/antflydb/captioner/lib/decoding"
	"github.com/antflydb/captioner/lib/encoder"
	"github.com/antflydb/captioner/lib/model"
	"github.com/antflydb/captioner/lib/pipelines"
	"github.com/antflydb/captioner/lib/vocab"
	"go.uber.org/zap"
)

// Errors returned to callers. Each failure is exactly one of these or a
// context error.
var (
	// ErrMalformedImage is an input error: the bytes are empty or not a
	// decodable raster image.
	ErrMalformedImage = pipelines.ErrMalformedImage
	// ErrArtifactMismatch means the weights, vocabulary and encoder do not
	// belong together. It is only returned while loading.
	ErrArtifactMismatch = model.ErrArtifactMismatch
	// ErrInconsistentVocabulary means the model kept proposing ids with no
	// word during decoding.
	ErrInconsistentVocabulary = decoding.ErrInconsistentVocabulary
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("captioner is closed")
)

// Result is a decoded caption.
type Result = decoding.Result

// Config configures a Captioner.
type Config struct {
	// ArtifactsDir holds model.capt and vocab.json.
	ArtifactsDir string
	// Encoder selects the image encoder opened by Load.
	Encoder encoder.Options
	// BeamWidth is used when Caption is called with zero. Zero means 5.
	BeamWidth int
	// MaxLength caps decoding steps. Zero uses the length stored with the weights.
	MaxLength int
	// CacheTTL is the feature cache lifetime. Zero means FeatureCacheTTL;
	// negative disables the cache.
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// DefaultConfig returns a config for artifactsDir using InceptionV3 weights
// from weightsDir on the pure Go backend.
func DefaultConfig(artifactsDir, weightsDir string) Config {
	return Config{
		ArtifactsDir: artifactsDir,
		Encoder: encoder.Options{
			Backend: backends.BackendGo,
			Kind:    backends.EncoderInceptionV3,
			Path:    weightsDir,
		},
		BeamWidth: decoding.DefaultBeamWidth,
	}
}

// Captioner turns images into captions.
type Captioner struct {
	model   *model.CaptionModel
	vocab   *vocab.Vocabulary
	encoder ImageEncoder
	decoder *decoding.Decoder
	logger  *zap.Logger

	closeFn   func() error
	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// Load reads the artifact pair from cfg.ArtifactsDir, opens the image
// encoder and checks that all three fit together. Any mismatch fails here
// with ErrArtifactMismatch.
func Load(cfg Config) (*Captioner, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	start := time.Now()
	m, v, err := model.LoadArtifacts(cfg.ArtifactsDir)
	if err != nil {
		return nil, fmt.Errorf("loading artifacts from %s: %w", cfg.ArtifactsDir, err)
	}
	RecordModelLoadDuration("caption_model", time.Since(start).Seconds())

	start = time.Now()
	if cfg.Encoder.Logger == nil {
		cfg.Encoder.Logger = cfg.Logger
	}
	if cfg.Encoder.FeatureDim == 0 {
		cfg.Encoder.FeatureDim = m.Config().FeatureDim
	}
	enc, err := encoder.Open(cfg.Encoder)
	if err != nil {
		return nil, fmt.Errorf("opening image encoder: %w", err)
	}
	RecordModelLoadDuration("image_encoder", time.Since(start).Seconds())

	c, err := New(m, v, enc, cfg)
	if err != nil {
		_ = enc.Close()
		return nil, err
	}
	cfg.Logger.Info("Captioner loaded",
		zap.String("artifacts", cfg.ArtifactsDir),
		zap.Int("vocabSize", v.Size()),
		zap.Int("maxLength", c.decoder.MaxLength()),
		zap.String("vocabFingerprint", v.FingerprintHex()))
	return c, nil
}

// New assembles a Captioner from loaded parts. The encoder is owned by the
// Captioner afterwards and closed by Close when it has a Close method.
func New(m *model.CaptionModel, v *vocab.Vocabulary, enc ImageEncoder, cfg Config) (*Captioner, error) {
	if m == nil || v == nil || enc == nil {
		return nil, errors.New("captioner requires a model, a vocabulary and an encoder")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	mc := m.Config()
	if mc.VocabFingerprint != v.FingerprintHex() || mc.VocabSize != v.Size() {
		return nil, fmt.Errorf("%w: weights expect vocabulary %s of size %d, got %s of size %d",
			ErrArtifactMismatch, mc.VocabFingerprint, mc.VocabSize, v.FingerprintHex(), v.Size())
	}
	if enc.Dim() != mc.FeatureDim {
		return nil, fmt.Errorf("%w: encoder produces %d-d features, model expects %d",
			ErrArtifactMismatch, enc.Dim(), mc.FeatureDim)
	}

	maxLength := cfg.MaxLength
	if maxLength <= 0 {
		maxLength = m.MaxLength()
	}
	dec, err := decoding.New(m, v, decoding.Config{
		MaxLength: maxLength,
		BeamWidth: cfg.BeamWidth,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	c := &Captioner{
		model:   m,
		vocab:   v,
		encoder: enc,
		decoder: dec,
		logger:  cfg.Logger.Named("captioner"),
	}
	if cfg.CacheTTL >= 0 {
		cached := NewCachedEncoder(enc, cfg.CacheTTL, cfg.Logger)
		c.encoder = cached
		c.closeFn = cached.Close
	} else if closer, ok := enc.(interface{ Close() error }); ok {
		c.closeFn = closer.Close
	}
	return c, nil
}

// Vocabulary returns the vocabulary the model was trained against.
func (c *Captioner) Vocabulary() *vocab.Vocabulary { return c.vocab }

// Model returns the caption model.
func (c *Captioner) Model() *model.CaptionModel { return c.model }

// Caption encodes image and decodes a caption with the given beam width.
// Zero selects the configured width; one or less decodes greedily.
func (c *Captioner) Caption(ctx context.Context, image []byte, beamWidth int) (*Result, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	feature, err := c.encoder.Encode(ctx, image)
	if err != nil {
		RecordCaptionRequest(status(err))
		if errors.Is(err, ErrMalformedImage) {
			return nil, err
		}
		return nil, fmt.Errorf("encoding image: %w", err)
	}
	return c.CaptionFeature(ctx, feature, beamWidth)
}

// CaptionFeature decodes a caption from a precomputed feature vector.
func (c *Captioner) CaptionFeature(ctx context.Context, feature []float32, beamWidth int) (*Result, error) {
	start := time.Now()
	res, err := c.decoder.Decode(ctx, feature, beamWidth)
	RecordCaptionRequest(status(err))
	if err != nil {
		if !errors.Is(err, ErrInconsistentVocabulary) {
			err = fmt.Errorf("decoding caption: %w", err)
		}
		c.logger.Warn("Caption failed", zap.Error(err))
		return nil, err
	}
	RecordDecode(decodeMode(res), time.Since(start).Seconds(), res.Steps, !res.StoppedAtEnd)
	return res, nil
}

func decodeMode(res *Result) string {
	if res.BeamWidth <= 1 {
		return "greedy"
	}
	return "beam"
}

// Close releases the encoder and stops the feature cache.
func (c *Captioner) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.closeFn != nil {
			c.closeErr = c.closeFn()
		}
	})
	return c.closeErr
}

func status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMalformedImage):
		return "malformed_image"
	case errors.Is(err, ErrInconsistentVocabulary):
		return "inconsistent_vocabulary"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
