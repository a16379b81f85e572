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

// Package vocab maps caption words to the dense integer ids consumed by the
// caption model, and back.
//
// Ids start at 1 and follow descending corpus frequency, ties broken by the
// order in which words were first seen. Id 0 is reserved for padding and has
// no word. A Vocabulary is immutable once built and safe for concurrent use.
package vocab

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Sentinel words wrapped around every training caption.
const (
	StartToken = "startseq"
	EndToken   = "endseq"
)

// PadID is the padding id. It never maps to a word.
const PadID = 0

var (
	// ErrUnknownWord is returned by Encode for a word outside the vocabulary.
	ErrUnknownWord = errors.New("unknown word")
	// ErrUnknownID is returned by Decode for an id with no word.
	ErrUnknownID = errors.New("unknown id")
)

// Vocabulary is a frozen bijection between words and ids 1..Len().
type Vocabulary struct {
	words       []string // words[i] has id i+1
	index       map[string]int
	startID     int
	endID       int
	fingerprint uint64
}

// Build assigns ids to every word of the prepared captions. Captions are
// expected to be cleaned and wrapped already (see PrepareCaption); the
// sentinels are added even if the corpus is empty. Feeding the same captions
// in the same order always yields the same vocabulary.
func Build(captions []string) *Vocabulary {
	counts := make(map[string]int)
	var order []string
	add := func(w string) {
		if _, ok := counts[w]; !ok {
			order = append(order, w)
		}
		counts[w]++
	}
	for _, c := range captions {
		for _, w := range Tokenize(c) {
			add(w)
		}
	}
	for _, w := range []string{StartToken, EndToken} {
		if _, ok := counts[w]; !ok {
			order = append(order, w)
			counts[w] = 0
		}
	}

	// order is first-seen order; the stable sort keeps it for equal counts.
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})

	v, err := fromWords(order)
	if err != nil {
		// Words come from a map key set plus sentinels; duplicates are impossible.
		panic(err)
	}
	return v
}

// FromWords builds a vocabulary whose ids follow the order of words: words[0]
// gets id 1. Both sentinels must be present and words must be unique.
func FromWords(words []string) (*Vocabulary, error) {
	return fromWords(append([]string(nil), words...))
}

func fromWords(words []string) (*Vocabulary, error) {
	v := &Vocabulary{
		words: words,
		index: make(map[string]int, len(words)),
	}
	for i, w := range words {
		if w == "" || strings.ContainsAny(w, " \t\n") {
			return nil, fmt.Errorf("invalid vocabulary word %q at id %d", w, i+1)
		}
		if _, dup := v.index[w]; dup {
			return nil, fmt.Errorf("duplicate vocabulary word %q", w)
		}
		v.index[w] = i + 1
	}
	var ok bool
	if v.startID, ok = v.index[StartToken]; !ok {
		return nil, fmt.Errorf("vocabulary is missing the %q sentinel", StartToken)
	}
	if v.endID, ok = v.index[EndToken]; !ok {
		return nil, fmt.Errorf("vocabulary is missing the %q sentinel", EndToken)
	}
	v.fingerprint = computeFingerprint(words)
	return v, nil
}

// computeFingerprint hashes the id assignment. Any change in words or their
// order changes the fingerprint.
func computeFingerprint(words []string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(fmt.Sprintf("v%d|%s|%s|", SnapshotVersion, StartToken, EndToken))
	for _, w := range words {
		_, _ = h.WriteString(w)
		_, _ = h.WriteString("\n")
	}
	return h.Sum64()
}

// Encode returns the id of word.
func (v *Vocabulary) Encode(word string) (int, error) {
	id, ok := v.index[word]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownWord, word)
	}
	return id, nil
}

// Decode returns the word for id.
func (v *Vocabulary) Decode(id int) (string, error) {
	if id < 1 || id > len(v.words) {
		return "", fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
	return v.words[id-1], nil
}

// EncodeText converts a prepared caption to ids. Unknown words are skipped,
// matching how the training tokenizer treats out-of-vocabulary words.
func (v *Vocabulary) EncodeText(text string) []int {
	words := Tokenize(text)
	ids := make([]int, 0, len(words))
	for _, w := range words {
		if id, ok := v.index[w]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Has reports whether id maps to a word.
func (v *Vocabulary) Has(id int) bool {
	return id >= 1 && id <= len(v.words)
}

// Size is the width of the model's output layer: the number of words plus
// one for the padding id.
func (v *Vocabulary) Size() int {
	return len(v.words) + 1
}

// Len returns the number of words.
func (v *Vocabulary) Len() int {
	return len(v.words)
}

// StartID returns the start sentinel's id.
func (v *Vocabulary) StartID() int { return v.startID }

// EndID returns the end sentinel's id.
func (v *Vocabulary) EndID() int { return v.endID }

// IsSentinel reports whether id is the start or end sentinel.
func (v *Vocabulary) IsSentinel(id int) bool {
	return id == v.startID || id == v.endID
}

// Words returns a copy of the words in id order.
func (v *Vocabulary) Words() []string {
	return append([]string(nil), v.words...)
}

// Fingerprint identifies this exact id assignment. Model weights record the
// fingerprint of the vocabulary they were trained against.
func (v *Vocabulary) Fingerprint() uint64 {
	return v.fingerprint
}

// FingerprintHex returns the fingerprint as 16 hex digits.
func (v *Vocabulary) FingerprintHex() string {
	return fmt.Sprintf("%016x", v.fingerprint)
}
