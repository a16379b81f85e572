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

// Package training fits a caption model from a captioned image corpus and
// precomputed image features.
package training

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/antflydb/captioner/lib/vocab"
)

// Corpus maps image ids to their captions. ImageIDs keeps first-seen order
// so that everything derived from a corpus is deterministic.
type Corpus struct {
	ImageIDs []string
	Captions map[string][]string
}

// NewCorpus returns an empty corpus.
func NewCorpus() *Corpus {
	return &Corpus{Captions: make(map[string][]string)}
}

// Add appends a caption for imageID.
func (c *Corpus) Add(imageID, caption string) {
	if _, ok := c.Captions[imageID]; !ok {
		c.ImageIDs = append(c.ImageIDs, imageID)
	}
	c.Captions[imageID] = append(c.Captions[imageID], caption)
}

// CaptionCount returns the total number of captions.
func (c *Corpus) CaptionCount() int {
	n := 0
	for _, caps := range c.Captions {
		n += len(caps)
	}
	return n
}

// All returns every caption in image order.
func (c *Corpus) All() []string {
	out := make([]string, 0, c.CaptionCount())
	for _, id := range c.ImageIDs {
		out = append(out, c.Captions[id]...)
	}
	return out
}

// Prepare returns a copy with every caption cleaned and wrapped in the
// start and end sentinels.
func (c *Corpus) Prepare() *Corpus {
	out := NewCorpus()
	for _, id := range c.ImageIDs {
		for _, raw := range c.Captions[id] {
			out.Add(id, vocab.PrepareCaption(raw))
		}
	}
	return out
}

// MaxLength returns the largest caption length in words.
func (c *Corpus) MaxLength() int {
	longest := 0
	for _, id := range c.ImageIDs {
		for _, caption := range c.Captions[id] {
			longest = max(longest, len(vocab.Tokenize(caption)))
		}
	}
	return longest
}

// ReadCaptions parses a caption token file. Each non-blank line holds
// "<image>#<n>\t<caption>"; the "#<n>" suffix is dropped from the id.
func ReadCaptions(r io.Reader) (*Corpus, error) {
	c := NewCorpus()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		key, caption, ok := strings.Cut(text, "\t")
		if !ok {
			return nil, fmt.Errorf("line %d: expected <image>#<n><TAB><caption>", line)
		}
		id, _, _ := strings.Cut(key, "#")
		if id == "" {
			return nil, fmt.Errorf("line %d: empty image id", line)
		}
		c.Add(id, caption)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading captions: %w", err)
	}
	return c, nil
}

// LoadCaptions reads a caption token file from path.
func LoadCaptions(path string) (*Corpus, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening captions: %w", err)
	}
	defer func() { _ = f.Close() }()
	c, err := ReadCaptions(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
