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

// Package pipelines turns encoded images into normalized tensors for the
// image encoder.
package pipelines

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"io"

	"github.com/antflydb/captioner/lib/backends"
	_ "golang.org/x/image/bmp" // Register BMP decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// ErrMalformedImage is returned for empty or undecodable image input.
var ErrMalformedImage = errors.New("malformed image")

// ImageProcessor handles image preprocessing for the encoder.
type ImageProcessor struct {
	Config *backends.ImageConfig
}

// NewImageProcessor creates an ImageProcessor with the given configuration.
// A nil config means InceptionV3 preprocessing.
func NewImageProcessor(config *backends.ImageConfig) *ImageProcessor {
	if config == nil {
		config = backends.InceptionImageConfig()
	}
	return &ImageProcessor{Config: config}
}

// Decode decodes image bytes in any registered format.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformedImage)
	}
	return DecodeReader(bytes.NewReader(data))
}

// DecodeReader decodes an image from r.
func DecodeReader(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedImage, err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: zero-sized image", ErrMalformedImage)
	}
	return img, nil
}

// ProcessBytes preprocesses an image from bytes.
// Returns pixel values in the configured layout as a flat slice.
func (p *ImageProcessor) ProcessBytes(data []byte) ([]float32, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return p.Process(img), nil
}

// ProcessReader preprocesses an image from a reader.
func (p *ImageProcessor) ProcessReader(r io.Reader) ([]float32, error) {
	img, err := DecodeReader(r)
	if err != nil {
		return nil, err
	}
	return p.Process(img), nil
}

// Process resizes img to the target size with nearest-neighbour sampling,
// drops any alpha channel and normalizes every channel value.
func (p *ImageProcessor) Process(img image.Image) []float32 {
	return p.toTensor(resize(img, p.Config.Width, p.Config.Height))
}

// ProcessBatch preprocesses multiple images into one contiguous batch.
func (p *ImageProcessor) ProcessBatch(images []image.Image) []float32 {
	if len(images) == 0 {
		return nil
	}
	size := p.Config.Size()
	result := make([]float32, len(images)*size)
	for i, img := range images {
		copy(result[i*size:], p.Process(img))
	}
	return result
}

// Normalize maps an 8-bit channel value of channel c into model input space.
// The arithmetic is done in float64 and rounded once.
func (p *ImageProcessor) Normalize(v uint8, c int) float32 {
	x := float64(v) * p.Config.RescaleFactor
	return float32((x - p.Config.Mean[c]) / p.Config.Std[c])
}

// toTensor converts a resized image to a normalized flat tensor.
func (p *ImageProcessor) toTensor(img *image.NRGBA) []float32 {
	width, height := p.Config.Width, p.Config.Height
	channels := p.Config.Channels
	pixels := make([]float32, channels*height*width)
	nchw := p.Config.Layout == backends.LayoutNCHW

	for y := range height {
		row := img.Pix[y*img.Stride:]
		for x := range width {
			px := row[x*4 : x*4+4]
			for c := range channels {
				v := p.Normalize(px[c], c)
				if nchw {
					pixels[c*height*width+y*width+x] = v
				} else {
					pixels[(y*width+x)*channels+c] = v
				}
			}
		}
	}
	return pixels
}

// resize scales img to the target dimensions using nearest-neighbour
// sampling into a non-premultiplied RGBA buffer.
func resize(img image.Image, targetWidth, targetHeight int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, targetWidth, targetHeight))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}
