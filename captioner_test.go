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

package captioner

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/antflydb/captioner/lib/model"
	"github.com/antflydb/captioner/lib/pipelines"
	"github.com/antflydb/captioner/lib/vocab"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// byteEncoder maps image bytes to a feature vector derived from the first
// byte. Empty input is malformed.
type byteEncoder struct {
	dim    int
	calls  atomic.Int64
	closed atomic.Bool
}

func (e *byteEncoder) Encode(_ context.Context, image []byte) ([]float32, error) {
	e.calls.Add(1)
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty input", pipelines.ErrMalformedImage)
	}
	f := make([]float32, e.dim)
	for i := range f {
		f[i] = float32(image[0]) / float32(255*(i+1))
	}
	return f, nil
}

func (e *byteEncoder) Dim() int { return e.dim }

func (e *byteEncoder) Close() error {
	e.closed.Store(true)
	return nil
}

func testParts(t *testing.T) (*model.CaptionModel, *vocab.Vocabulary) {
	t.Helper()
	v := vocab.Build([]string{"startseq dog runs fast endseq", "startseq cat sleeps endseq"})
	m, err := model.New(model.Config{
		VocabSize:        v.Size(),
		MaxLength:        6,
		FeatureDim:       4,
		EmbedDim:         4,
		Units:            6,
		Dropout:          0.5,
		Seed:             42,
		VocabFingerprint: v.FingerprintHex(),
	})
	require.NoError(t, err)
	return m, v
}

func TestCaption(t *testing.T) {
	m, v := testParts(t)
	enc := &byteEncoder{dim: 4}
	c, err := New(m, v, enc, Config{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	beam, err := c.Caption(ctx, []byte{200}, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, beam.Steps, 6)
	assert.NotContains(t, beam.Caption, vocab.StartToken)
	assert.NotContains(t, beam.Caption, vocab.EndToken)
	for _, w := range strings.Fields(beam.Caption) {
		_, err := v.Encode(w)
		assert.NoError(t, err)
	}

	again, err := c.Caption(ctx, []byte{200}, 0)
	require.NoError(t, err)
	assert.Equal(t, beam, again)

	widthOne, err := c.Caption(ctx, []byte{200}, 1)
	require.NoError(t, err)
	greedy, err := c.Caption(ctx, []byte{200}, -1)
	require.NoError(t, err)
	assert.Equal(t, greedy.Caption, widthOne.Caption)

	assert.Equal(t, int64(1), enc.calls.Load(), "repeated images hit the feature cache")
}

func decodeCount(t *testing.T, mode string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, decodeDuration.WithLabelValues(mode).(prometheus.Metric).Write(m))
	return m.GetHistogram().GetSampleCount()
}

func TestCaption_ModeFollowsConfiguredWidth(t *testing.T) {
	m, v := testParts(t)
	c, err := New(m, v, &byteEncoder{dim: 4}, Config{BeamWidth: 1})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	greedyBefore, beamBefore := decodeCount(t, "greedy"), decodeCount(t, "beam")
	res, err := c.Caption(context.Background(), []byte{9}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.BeamWidth)
	assert.Equal(t, greedyBefore+1, decodeCount(t, "greedy"))
	assert.Equal(t, beamBefore, decodeCount(t, "beam"))

	res, err = c.Caption(context.Background(), []byte{9}, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, res.BeamWidth)
	assert.Equal(t, beamBefore+1, decodeCount(t, "beam"))
}

func TestCaption_ConcurrentCallersAgree(t *testing.T) {
	m, v := testParts(t)
	c, err := New(m, v, &byteEncoder{dim: 4}, Config{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	want, err := c.Caption(context.Background(), []byte{123}, 3)
	require.NoError(t, err)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*Result, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Caption(context.Background(), []byte{123}, 3)
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, want, results[i])
	}
}

func TestCaption_MalformedImage(t *testing.T) {
	m, v := testParts(t)
	c, err := New(m, v, &byteEncoder{dim: 4}, Config{})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	res, err := c.Caption(context.Background(), nil, 3)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrMalformedImage)
}

func TestCaption_Canceled(t *testing.T) {
	m, v := testParts(t)
	c, err := New(m, v, &byteEncoder{dim: 4}, Config{CacheTTL: -1})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := c.Caption(ctx, []byte{1}, 3)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_Mismatch(t *testing.T) {
	m, _ := testParts(t)
	other := vocab.Build([]string{"startseq bird sings endseq"})
	_, err := New(m, other, &byteEncoder{dim: 4}, Config{})
	assert.ErrorIs(t, err, ErrArtifactMismatch)

	_, v := testParts(t)
	_, err = New(m, v, &byteEncoder{dim: 2048}, Config{})
	assert.ErrorIs(t, err, ErrArtifactMismatch)

	_, err = New(nil, v, &byteEncoder{dim: 4}, Config{})
	assert.Error(t, err)
}

func TestLoad_MismatchedArtifactsFailFast(t *testing.T) {
	m, v := testParts(t)
	dir := t.TempDir()
	require.NoError(t, model.SaveArtifacts(dir, m, v))

	other := vocab.Build([]string{"startseq bird sings endseq"})
	require.NoError(t, other.Save(filepath.Join(dir, model.VocabFileName)))

	_, err := Load(Config{ArtifactsDir: dir, Logger: zaptest.NewLogger(t)})
	assert.ErrorIs(t, err, ErrArtifactMismatch)

	_, err = Load(Config{ArtifactsDir: t.TempDir()})
	assert.Error(t, err)
}

func TestClose(t *testing.T) {
	m, v := testParts(t)
	enc := &byteEncoder{dim: 4}
	c, err := New(m, v, enc, Config{})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, enc.closed.Load())
	_, err = c.Caption(context.Background(), []byte{1}, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

// slowEncoder blocks until released so concurrent requests overlap.
type slowEncoder struct {
	byteEncoder
	release chan struct{}
}

func (e *slowEncoder) Encode(ctx context.Context, image []byte) ([]float32, error) {
	<-e.release
	return e.byteEncoder.Encode(ctx, image)
}

func TestCachedEncoder_CollapsesConcurrentRequests(t *testing.T) {
	inner := &slowEncoder{byteEncoder: byteEncoder{dim: 2}, release: make(chan struct{})}
	c := NewCachedEncoder(inner, 0, zaptest.NewLogger(t))
	defer func() { _ = c.Close() }()

	var wg sync.WaitGroup
	results := make([][]float32, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := c.Encode(context.Background(), []byte{7, 7, 7})
			if err == nil {
				results[i] = f
			}
		}()
	}
	close(inner.release)
	wg.Wait()

	for _, f := range results {
		assert.Equal(t, results[0], f)
	}
	assert.NotNil(t, results[0])
	calls := inner.calls.Load()
	assert.GreaterOrEqual(t, calls, int64(1))
	assert.Less(t, calls, int64(8), "concurrent requests share one encoder call")
	stats := c.Stats()
	assert.Equal(t, uint64(calls), stats.Misses)
	assert.Equal(t, 1, stats.Items)

	_, err := c.Encode(context.Background(), nil)
	assert.ErrorIs(t, err, ErrMalformedImage)
}
