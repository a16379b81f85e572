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
	"strings"
	"testing"

	"github.com/antflydb/captioner/lib/decoding"
	"github.com/antflydb/captioner/lib/model"
	"github.com/antflydb/captioner/lib/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mapFeatures map[string][]float32

func (m mapFeatures) Feature(id string) ([]float32, bool) {
	f, ok := m[id]
	return f, ok
}

const tokenFile = `1000268201_693b08cb0e.jpg#0	A child in a pink dress is climbing up a set of stairs in an entry way .
1000268201_693b08cb0e.jpg#1	A girl going into a wooden building .

1001773457_577c3a7d70.jpg#0	A black dog and a spotted dog are fighting
1000268201_693b08cb0e.jpg#2	A little girl climbing into a wooden playhouse .
`

func TestReadCaptions(t *testing.T) {
	c, err := ReadCaptions(strings.NewReader(tokenFile))
	require.NoError(t, err)
	assert.Equal(t, []string{"1000268201_693b08cb0e.jpg", "1001773457_577c3a7d70.jpg"}, c.ImageIDs)
	assert.Len(t, c.Captions["1000268201_693b08cb0e.jpg"], 3)
	assert.Equal(t, "A girl going into a wooden building .", c.Captions["1000268201_693b08cb0e.jpg"][1])
	assert.Equal(t, 4, c.CaptionCount())

	_, err = ReadCaptions(strings.NewReader("no tab here\n"))
	assert.Error(t, err)
}

func TestPrepareAndMaxLength(t *testing.T) {
	c, err := ReadCaptions(strings.NewReader(tokenFile))
	require.NoError(t, err)
	p := c.Prepare()

	assert.Equal(t, "startseq girl going into wooden building endseq", p.Captions["1000268201_693b08cb0e.jpg"][1])
	for _, caption := range p.All() {
		words := vocab.Tokenize(caption)
		assert.Equal(t, vocab.StartToken, words[0])
		assert.Equal(t, vocab.EndToken, words[len(words)-1])
		assert.Equal(t, 1, strings.Count(caption, vocab.StartToken))
		assert.Equal(t, 1, strings.Count(caption, vocab.EndToken))
	}
	// startseq child in pink dress is climbing up set of stairs in an entry way endseq
	assert.Equal(t, 16, p.MaxLength())
}

func TestWindow(t *testing.T) {
	prefixes, next := Window([]int{1, 5, 6, 2}, 4)
	assert.Equal(t, [][]int{{0, 0, 0, 1}, {0, 0, 1, 5}, {0, 1, 5, 6}}, prefixes)
	assert.Equal(t, []int{5, 6, 2}, next)

	prefixes, next = Window([]int{1}, 4)
	assert.Empty(t, prefixes)
	assert.Empty(t, next)
}

func fiveCaptionCorpus() *Corpus {
	c := NewCorpus()
	// Wrapped lengths 3, 4, 5, 6 and 7.
	c.Add("img.jpg", "dog")
	c.Add("img.jpg", "dog runs")
	c.Add("img.jpg", "dog runs fast")
	c.Add("img.jpg", "the dog runs fast")
	c.Add("img.jpg", "the brown dog runs fast")
	return c
}

func TestStream_PrefixWindowCount(t *testing.T) {
	p := fiveCaptionCorpus().Prepare()
	v := vocab.Build(p.All())
	s, err := NewStream(p, v, mapFeatures{"img.jpg": {1, 2}}, p.MaxLength())
	require.NoError(t, err)
	// (3-1)+(4-1)+(5-1)+(6-1)+(7-1)
	assert.Equal(t, 20, s.Examples())

	b := s.Next(19)
	assert.Equal(t, 19, b.Len())
	assert.Equal(t, 0, s.Passes())
	last := s.Next(1)
	assert.Equal(t, v.EndID(), last.Labels[0])
	assert.Equal(t, 1, s.Passes())
	for _, seq := range b.Sequences {
		assert.Len(t, seq, 7)
	}
	// The first caption is "startseq dog endseq".
	assert.Equal(t, []int{0, 0, 0, 0, 0, 0, v.StartID()}, b.Sequences[0])
	dog, _ := v.Encode("dog")
	assert.Equal(t, dog, b.Labels[0])
	assert.Equal(t, v.EndID(), b.Labels[1])

	// The stream wraps to the beginning.
	next := s.Next(3)
	assert.Equal(t, b.Sequences[:3], next.Sequences)
}

func TestStream_SkipsMissingFeatures(t *testing.T) {
	c := fiveCaptionCorpus()
	c.Add("missing.jpg", "a cat sleeps")
	c.Add("other-missing.jpg", "a bird sings")
	p := c.Prepare()
	v := vocab.Build(p.All())

	s, err := NewStream(p, v, mapFeatures{"img.jpg": {1}}, p.MaxLength())
	require.NoError(t, err)
	assert.Equal(t, 20, s.Examples())
	assert.Equal(t, []string{"missing.jpg", "other-missing.jpg"}, s.Skipped())

	_, err = NewStream(p, v, mapFeatures{}, p.MaxLength())
	assert.ErrorIs(t, err, ErrNoExamples)
}

func TestNewTrainer_Validation(t *testing.T) {
	cfg := DefaultConfig()
	_, err := NewTrainer(cfg)
	require.NoError(t, err)

	bad := cfg
	bad.Epochs = 0
	_, err = NewTrainer(bad)
	assert.Error(t, err)
	bad = cfg
	bad.BatchSize = 0
	_, err = NewTrainer(bad)
	assert.Error(t, err)
	bad = cfg
	bad.LearningRate = 0
	_, err = NewTrainer(bad)
	assert.Error(t, err)
}

func smallTrainingConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Epochs = 60
	cfg.BatchSize = 8
	cfg.StepsPerEpoch = 4
	cfg.LearningRate = 0.01
	cfg.FeatureDim = 4
	cfg.EmbedDim = 8
	cfg.Units = 16
	cfg.Dropout = 0
	cfg.Seed = 3
	cfg.Logger = zaptest.NewLogger(t)
	return cfg
}

func TestFit_LearnsAndPersists(t *testing.T) {
	c := NewCorpus()
	c.Add("dog.jpg", "A dog runs.")
	c.Add("cat.jpg", "The cat sleeps!")
	c.Add("ghost.jpg", "Nobody has features for this one.")
	features := mapFeatures{
		"dog.jpg": {1, 0, 0, 0},
		"cat.jpg": {0, 0, 1, 0},
	}

	var epochs []EpochStats
	cfg := smallTrainingConfig(t)
	cfg.OnEpoch = func(s EpochStats) { epochs = append(epochs, s) }
	tr, err := NewTrainer(cfg)
	require.NoError(t, err)

	res, err := tr.Fit(context.Background(), c, features)
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost.jpg"}, res.Skipped)
	assert.Equal(t, 7, res.Examples)
	require.Len(t, epochs, 60)
	assert.Equal(t, res.Epochs, epochs)
	assert.GreaterOrEqual(t, epochs[0].Examples, res.Examples)
	assert.Less(t, epochs[59].MeanLoss, epochs[0].MeanLoss)

	dir := t.TempDir()
	require.NoError(t, res.Save(dir))
	m, v, err := model.LoadArtifacts(dir)
	require.NoError(t, err)
	assert.Equal(t, res.Vocab.Words(), v.Words())
	assert.Equal(t, res.MaxLength, m.MaxLength())

	d, err := decoding.New(m, v, decoding.Config{MaxLength: m.MaxLength()})
	require.NoError(t, err)
	dogCaption, err := d.Decode(context.Background(), features["dog.jpg"], 3)
	require.NoError(t, err)
	assert.Equal(t, "dog runs", dogCaption.Caption)
	catCaption, err := d.Decode(context.Background(), features["cat.jpg"], 1)
	require.NoError(t, err)
	assert.Equal(t, "the cat sleeps", catCaption.Caption)
}

func TestFit_DefaultEpochIsOneFullPass(t *testing.T) {
	c := NewCorpus()
	features := mapFeatures{}
	for i := range 8 {
		id := fmt.Sprintf("img%d.jpg", i)
		c.Add(id, "one two three four five six seven eight nine")
		features[id] = []float32{float32(i), 0, 0, 1}
	}

	cfg := smallTrainingConfig(t)
	cfg.Epochs = 1
	cfg.BatchSize = 4
	cfg.StepsPerEpoch = 0
	tr, err := NewTrainer(cfg)
	require.NoError(t, err)

	res, err := tr.Fit(context.Background(), c, features)
	require.NoError(t, err)
	// 9 words plus two sentinels give 10 examples per caption.
	assert.Equal(t, 80, res.Examples)
	require.Len(t, res.Epochs, 1)
	assert.Equal(t, 20, res.Epochs[0].Steps)
	assert.Equal(t, res.Examples, res.Epochs[0].Examples)
}

func TestFit_Canceled(t *testing.T) {
	tr, err := NewTrainer(smallTrainingConfig(t))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Fit(ctx, fiveCaptionCorpus(), mapFeatures{"img.jpg": {1, 2, 3, 4}})
	assert.ErrorIs(t, err, context.Canceled)
}
