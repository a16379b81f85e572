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

package pipelines

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/antflydb/captioner/lib/backends"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConfig(layout backends.Layout) *backends.ImageConfig {
	cfg := backends.InceptionImageConfig()
	cfg.Width, cfg.Height = 2, 1
	cfg.Layout = layout
	return cfg
}

// twoPixels is a 2x1 image: (0, 255, 51) and (255, 0, 0).
func twoPixels() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 0, G: 255, B: 51, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 255, G: 0, B: 0, A: 255})
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestNormalize_InceptionRange(t *testing.T) {
	p := NewImageProcessor(nil)
	assert.Equal(t, float32(-1), p.Normalize(0, 0))
	assert.Equal(t, float32(1), p.Normalize(255, 1))
	assert.InDelta(t, -0.6, p.Normalize(51, 2), 1e-6)
	assert.InDelta(t, 127.0/127.5-1, p.Normalize(127, 0), 1e-6)
}

func TestProcess_Layouts(t *testing.T) {
	nhwc := NewImageProcessor(smallConfig(backends.LayoutNHWC)).Process(twoPixels())
	want := []float32{-1, 1, -0.6, 1, -1, -1}
	require.Len(t, nhwc, 6)
	for i := range want {
		assert.InDelta(t, want[i], nhwc[i], 1e-6, "index %d", i)
	}

	nchw := NewImageProcessor(smallConfig(backends.LayoutNCHW)).Process(twoPixels())
	want = []float32{-1, 1, 1, -1, -0.6, -1}
	for i := range want {
		assert.InDelta(t, want[i], nchw[i], 1e-6, "index %d", i)
	}
}

func TestProcessBytes_ResizesAndDropsAlpha(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 10, 5))
	for y := range 5 {
		for x := range 10 {
			src.SetNRGBA(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 10})
		}
	}
	p := NewImageProcessor(nil)
	out, err := p.ProcessBytes(encodePNG(t, src))
	require.NoError(t, err)
	require.Len(t, out, 299*299*3)
	for _, v := range out[:9] {
		assert.Equal(t, float32(1), v, "alpha does not darken the color")
	}
}

func TestProcessBytes_Malformed(t *testing.T) {
	p := NewImageProcessor(nil)
	_, err := p.ProcessBytes(nil)
	assert.ErrorIs(t, err, ErrMalformedImage)
	_, err = p.ProcessBytes([]byte("definitely not an image"))
	assert.ErrorIs(t, err, ErrMalformedImage)
	_, err = p.ProcessReader(bytes.NewReader([]byte{0x89, 'P', 'N', 'G'}))
	assert.ErrorIs(t, err, ErrMalformedImage)
}

func TestProcessBatch(t *testing.T) {
	p := NewImageProcessor(smallConfig(backends.LayoutNHWC))
	assert.Nil(t, p.ProcessBatch(nil))

	batch := p.ProcessBatch([]image.Image{twoPixels(), twoPixels()})
	require.Len(t, batch, 12)
	assert.Equal(t, batch[:6], batch[6:])
}
