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

// Package backends provides inference sessions for the image encoder on top
// of GoMLX:
//
//   - InceptionV3: the pretrained Keras network from gomlx/examples/inceptionv3,
//     run with global average pooling to produce 2048-d feature vectors
//   - ONNX: any exported image encoder, executed through onnx-gomlx
//
// Two engines are registered:
//   - BackendGo: pure Go (simplego), always available
//   - BackendXLA: hardware accelerated via PJRT, requires the XLA runtime
//
// Backend selection at runtime follows a configurable priority order
// (default: XLA > Go).
package backends

import "fmt"

// BackendType identifies the inference engine.
type BackendType string

const (
	// BackendXLA is the GoMLX backend with XLA engine (hardware accelerated via PJRT).
	BackendXLA BackendType = "xla"

	// BackendGo is the GoMLX backend with pure Go engine (no CGO).
	// Always available, slower than XLA but no external dependencies.
	BackendGo BackendType = "go"
)

// EncoderKind selects which network a session runs.
type EncoderKind string

const (
	// EncoderInceptionV3 runs the pretrained InceptionV3 graph. The model
	// path is the directory holding its unpacked weights.
	EncoderInceptionV3 EncoderKind = "inceptionv3"

	// EncoderONNX runs an exported ONNX encoder. The model path is the .onnx
	// file or a directory containing one.
	EncoderONNX EncoderKind = "onnx"
)

// ParseEncoderKind parses a string into EncoderKind.
func ParseEncoderKind(s string) (EncoderKind, error) {
	switch EncoderKind(s) {
	case EncoderInceptionV3, "":
		return EncoderInceptionV3, nil
	case EncoderONNX:
		return EncoderONNX, nil
	default:
		return "", fmt.Errorf("unknown encoder kind: %q (valid: inceptionv3, onnx)", s)
	}
}

// Layout is the memory order of a batch of preprocessed images.
type Layout string

const (
	// LayoutNHWC is [batch, height, width, channels] (channels last, as Keras).
	LayoutNHWC Layout = "NHWC"
	// LayoutNCHW is [batch, channels, height, width] (as most ONNX exports).
	LayoutNCHW Layout = "NCHW"
)

// ImageConfig holds configuration for image preprocessing.
type ImageConfig struct {
	// Width is the target image width.
	Width int
	// Height is the target image height.
	Height int
	// Channels is the number of color channels (typically 3 for RGB).
	Channels int
	// Mean is the per-channel mean for normalization.
	Mean [3]float64
	// Std is the per-channel standard deviation for normalization.
	Std [3]float64
	// RescaleFactor scales pixel values (e.g., 1/255 to convert 0-255 to 0-1).
	RescaleFactor float64
	// Layout of the produced tensor.
	Layout Layout
}

// Shape returns the shape of a batch of n processed images.
func (c *ImageConfig) Shape(n int) []int64 {
	if c.Layout == LayoutNCHW {
		return []int64{int64(n), int64(c.Channels), int64(c.Height), int64(c.Width)}
	}
	return []int64{int64(n), int64(c.Height), int64(c.Width), int64(c.Channels)}
}

// Size returns the number of values in one processed image.
func (c *ImageConfig) Size() int {
	return c.Width * c.Height * c.Channels
}

// InceptionImageConfig returns the InceptionV3 preprocessing: 299x299 RGB,
// channels last, scaled to [-1, 1] (x/127.5 - 1).
func InceptionImageConfig() *ImageConfig {
	return &ImageConfig{
		Width:         299,
		Height:        299,
		Channels:      3,
		Mean:          [3]float64{0.5, 0.5, 0.5},
		Std:           [3]float64{0.5, 0.5, 0.5},
		RescaleFactor: 1.0 / 255.0,
		Layout:        LayoutNHWC,
	}
}

// DefaultImageConfig returns the preprocessing for kind. ONNX encoders get
// the same normalization in channels-first order.
func DefaultImageConfig(kind EncoderKind) *ImageConfig {
	cfg := InceptionImageConfig()
	if kind == EncoderONNX {
		cfg.Layout = LayoutNCHW
	}
	return cfg
}
