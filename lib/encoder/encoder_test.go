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

package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/antflydb/captioner/lib/backends"
	"github.com/antflydb/captioner/lib/pipelines"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// meanSession reports, for every image, the mean of its input values
// repeated dim times. It records batch sizes.
type meanSession struct {
	dim     int
	err     error
	reject  func(mean float32) bool
	mu      sync.Mutex
	batches []int
	closed  bool
}

func (s *meanSession) Run(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
	if s.err != nil {
		return nil, s.err
	}
	in := inputs[0]
	n := int(in.Shape[0])
	data := in.Data.([]float32)
	per := len(data) / n
	out := make([]float32, 0, n*s.dim)
	for i := range n {
		var sum float32
		for _, v := range data[i*per : (i+1)*per] {
			sum += v
		}
		mean := sum / float32(per)
		if s.reject != nil && s.reject(mean) {
			return nil, fmt.Errorf("rejected image %d", i)
		}
		for range s.dim {
			out = append(out, mean)
		}
	}
	s.mu.Lock()
	s.batches = append(s.batches, n)
	s.mu.Unlock()
	return []backends.NamedTensor{{Name: "features", Shape: []int64{int64(n), int64(s.dim)}, Data: out}}, nil
}

func (s *meanSession) InputInfo() []backends.TensorInfo {
	return []backends.TensorInfo{{Name: "images", Shape: []int64{-1, -1, -1, 3}, DataType: backends.DataTypeFloat32}}
}

func (s *meanSession) OutputInfo() []backends.TensorInfo { return nil }

func (s *meanSession) Close() error {
	s.closed = true
	return nil
}

func tinyImageConfig() *backends.ImageConfig {
	cfg := backends.InceptionImageConfig()
	cfg.Width, cfg.Height = 4, 4
	return cfg
}

func solidPNG(t *testing.T, v uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 3, 3))
	for y := range 3 {
		for x := range 3 {
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestEncoder(t *testing.T, s *meanSession, maxBatch int) *Encoder {
	t.Helper()
	e, err := New(s, Config{Image: tinyImageConfig(), FeatureDim: s.dim, MaxBatch: maxBatch, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return e
}

func TestEncode(t *testing.T) {
	s := &meanSession{dim: 5}
	e := newTestEncoder(t, s, 0)
	assert.Equal(t, 5, e.Dim())

	white, err := e.Encode(context.Background(), solidPNG(t, 255))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 1, 1, 1}, white)

	black, err := e.Encode(context.Background(), solidPNG(t, 0))
	require.NoError(t, err)
	assert.Equal(t, []float32{-1, -1, -1, -1, -1}, black)

	_, err = e.Encode(context.Background(), []byte("nope"))
	assert.ErrorIs(t, err, pipelines.ErrMalformedImage)

	require.NoError(t, e.Close())
	assert.True(t, s.closed)
}

func TestEncodeImages_Chunks(t *testing.T) {
	s := &meanSession{dim: 2}
	e := newTestEncoder(t, s, 2)
	img, err := pipelines.Decode(solidPNG(t, 255))
	require.NoError(t, err)

	out, err := e.EncodeImages(context.Background(), []image.Image{img, img, img, img, img})
	require.NoError(t, err)
	assert.Len(t, out, 5)
	assert.Equal(t, []int{2, 2, 1}, s.batches)
}

func TestEncode_Errors(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)

	s := &meanSession{dim: 3}
	e, err := New(s, Config{Image: tinyImageConfig(), FeatureDim: 4})
	require.NoError(t, err)
	_, err = e.Encode(context.Background(), solidPNG(t, 1))
	assert.ErrorIs(t, err, ErrFeatureDim)

	boom := errors.New("boom")
	e = newTestEncoder(t, &meanSession{dim: 2, err: boom}, 0)
	_, err = e.Encode(context.Background(), solidPNG(t, 1))
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	img, _ := pipelines.Decode(solidPNG(t, 1))
	_, err = e.EncodeImages(ctx, []image.Image{img})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFeatureStore_SaveLoad(t *testing.T) {
	s := NewFeatureStore(3)
	require.NoError(t, s.Put("b.jpg", []float32{4, 5, 6}))
	require.NoError(t, s.Put("a.jpg", []float32{1, 2, 3}))
	assert.ErrorIs(t, s.Put("c.jpg", []float32{1}), ErrFeatureDim)
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, s.IDs())

	path := filepath.Join(t.TempDir(), "features.capt")
	require.NoError(t, s.Save(path))
	loaded, err := LoadFeatureStore(path)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Dim())
	assert.Equal(t, 2, loaded.Len())
	f, ok := loaded.Feature("b.jpg")
	require.True(t, ok)
	assert.Equal(t, []float32{4, 5, 6}, f)
	_, ok = loaded.Feature("c.jpg")
	assert.False(t, ok)

	again := filepath.Join(t.TempDir(), "again.capt")
	require.NoError(t, loaded.Save(again))
	a, err := os.ReadFile(path)
	require.NoError(t, err)
	b, err := os.ReadFile(again)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestExtractDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "white.png"), solidPNG(t, 255), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "black.PNG"), solidPNG(t, 0), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.jpg"), []byte("garbage"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.jpg"), 0o755))

	names, err := ListImages(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"black.PNG", "broken.jpg", "white.png"}, names)

	s := &meanSession{dim: 2}
	e := newTestEncoder(t, s, 2)
	store := NewFeatureStore(2)
	var progress []int
	report, err := e.ExtractDir(context.Background(), dir, store, ExtractOptions{
		Workers:    2,
		OnProgress: func(done, total int) { progress = append(progress, done) },
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Encoded)
	assert.Contains(t, report.Failed, "broken.jpg")
	assert.Equal(t, []int{2, 3}, progress)

	white, ok := store.Feature("white.png")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 1}, white)

	// A second run skips what is already stored.
	report, err = e.ExtractDir(context.Background(), dir, store, ExtractOptions{
		Skip: func(id string) bool { _, ok := store.Feature(id); return ok },
	})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Encoded)
	assert.Len(t, report.Failed, 1)

	_, err = e.ExtractDir(context.Background(), dir, NewFeatureStore(7), ExtractOptions{})
	assert.ErrorIs(t, err, ErrFeatureDim)
}

func TestExtractDir_IsolatesEncoderFailures(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), solidPNG(t, 255), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.png"), solidPNG(t, 0), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.png"), solidPNG(t, 255), 0o644))

	// Black images make the whole batch fail.
	s := &meanSession{dim: 2, reject: func(mean float32) bool { return mean < -0.99 }}
	e := newTestEncoder(t, s, 3)
	store := NewFeatureStore(2)

	report, err := e.ExtractDir(context.Background(), dir, store, ExtractOptions{Workers: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Encoded)
	assert.Contains(t, report.Failed, "b.png")
	assert.Len(t, report.Failed, 1)
	assert.Equal(t, []string{"a.png", "c.png"}, store.IDs())
	assert.Equal(t, []int{1, 1}, s.batches, "only successful calls are recorded")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.ExtractDir(ctx, dir, NewFeatureStore(2), ExtractOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}
