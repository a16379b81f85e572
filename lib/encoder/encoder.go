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

// Package encoder maps images to fixed-length feature vectors with a
// pretrained network and stores them for training.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/antflydb/captioner/lib/backends"
	"github.com/antflydb/captioner/lib/pipelines"
	"go.uber.org/zap"
)

// DefaultFeatureDim is the pooled InceptionV3 width.
const DefaultFeatureDim = backends.InceptionFeatureDim

// ErrFeatureDim is returned when the network output does not have the
// configured width.
var ErrFeatureDim = errors.New("unexpected feature dimension")

// Config configures an Encoder.
type Config struct {
	// Image preprocessing. Nil means InceptionV3 preprocessing.
	Image *backends.ImageConfig
	// FeatureDim is the expected output width. Zero means 2048.
	FeatureDim int
	// MaxBatch caps the number of images per session run. Zero means 16.
	MaxBatch int
	Logger   *zap.Logger
}

// Encoder runs images through a session and returns one feature vector per
// image. It is safe for concurrent use when the session is.
type Encoder struct {
	session   backends.Session
	processor *pipelines.ImageProcessor
	inputName string
	dim       int
	maxBatch  int
	logger    *zap.Logger
}

// New wraps an open session.
func New(session backends.Session, cfg Config) (*Encoder, error) {
	if session == nil {
		return nil, errors.New("nil session")
	}
	if cfg.FeatureDim == 0 {
		cfg.FeatureDim = DefaultFeatureDim
	}
	if cfg.FeatureDim < 0 {
		return nil, fmt.Errorf("feature dim %d must be positive", cfg.FeatureDim)
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	var inputName string
	if info := session.InputInfo(); len(info) > 0 {
		inputName = info[0].Name
	}
	return &Encoder{
		session:   session,
		processor: pipelines.NewImageProcessor(cfg.Image),
		inputName: inputName,
		dim:       cfg.FeatureDim,
		maxBatch:  cfg.MaxBatch,
		logger:    cfg.Logger.Named("encoder"),
	}, nil
}

// Options selects the engine and network for Open.
type Options struct {
	Backend backends.BackendType
	Kind    backends.EncoderKind
	// Path is the InceptionV3 weights directory or the ONNX model.
	Path string
	Config
}

// Open creates a session on the requested backend, falling back to any
// available one, and wraps it in an Encoder.
func Open(opts Options) (*Encoder, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Kind == "" {
		opts.Kind = backends.EncoderInceptionV3
	}
	b, typ, err := backends.GetBackendWithFallback(opts.Backend)
	if err != nil {
		return nil, err
	}
	if opts.Backend != "" && typ != opts.Backend {
		opts.Logger.Warn("Requested backend unavailable, falling back",
			zap.String("requested", string(opts.Backend)),
			zap.String("using", string(typ)))
	}
	session, err := b.SessionFactory().CreateSession(opts.Path, backends.WithEncoderKind(opts.Kind))
	if err != nil {
		return nil, fmt.Errorf("creating %s session on %s: %w", opts.Kind, b.Name(), err)
	}
	if opts.Image == nil {
		opts.Image = backends.DefaultImageConfig(opts.Kind)
	}
	opts.Logger.Info("Image encoder ready",
		zap.String("backend", b.Name()),
		zap.String("kind", string(opts.Kind)),
		zap.String("path", opts.Path))
	e, err := New(session, opts.Config)
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	return e, nil
}

// Dim returns the feature vector width.
func (e *Encoder) Dim() int { return e.dim }

// Encode decodes image bytes and returns their feature vector. Undecodable
// input yields pipelines.ErrMalformedImage.
func (e *Encoder) Encode(ctx context.Context, data []byte) ([]float32, error) {
	img, err := pipelines.Decode(data)
	if err != nil {
		return nil, err
	}
	out, err := e.EncodeImages(ctx, []image.Image{img})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EncodeImages returns one feature vector per image, running the session in
// chunks of at most MaxBatch images.
func (e *Encoder) EncodeImages(ctx context.Context, imgs []image.Image) ([][]float32, error) {
	out := make([][]float32, 0, len(imgs))
	for start := 0; start < len(imgs); start += e.maxBatch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+e.maxBatch, len(imgs))
		features, err := e.run(imgs[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, features...)
	}
	return out, nil
}

func (e *Encoder) run(imgs []image.Image) ([][]float32, error) {
	n := len(imgs)
	input := backends.NamedTensor{
		Name:  e.inputName,
		Shape: e.processor.Config.Shape(n),
		Data:  e.processor.ProcessBatch(imgs),
	}
	outputs, err := e.session.Run([]backends.NamedTensor{input})
	if err != nil {
		return nil, fmt.Errorf("running encoder: %w", err)
	}
	if len(outputs) == 0 {
		return nil, errors.New("encoder returned no outputs")
	}
	flat, ok := outputs[0].Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("encoder output is %T, want []float32", outputs[0].Data)
	}
	// Pooled ONNX exports may report [n, dim, 1, 1]; only the total matters.
	if len(flat) != n*e.dim {
		return nil, fmt.Errorf("%w: got %d values for %d images of width %d (shape %v)",
			ErrFeatureDim, len(flat), n, e.dim, outputs[0].Shape)
	}
	features := make([][]float32, n)
	for i := range n {
		features[i] = append([]float32(nil), flat[i*e.dim:(i+1)*e.dim]...)
	}
	e.logger.Debug("Encoded images", zap.Int("count", n))
	return features, nil
}

// Close releases the session.
func (e *Encoder) Close() error {
	return e.session.Close()
}
