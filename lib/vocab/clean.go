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

package vocab

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// asciiPunctuation matches Python's string.punctuation, which includes
// symbols such as $ + < = > ^ ` | ~ that unicode.IsPunct does not.
const asciiPunctuation = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// CleanCaption normalizes a raw caption: lowercase, punctuation deleted (not
// replaced, so "dog's" becomes "dogs"), tokens of one character or fewer
// and literal sentinel words dropped, remaining tokens joined by single spaces.
func CleanCaption(raw string) string {
	stripped := strings.Map(func(r rune) rune {
		if strings.ContainsRune(asciiPunctuation, r) || unicode.IsPunct(r) {
			return -1
		}
		return r
	}, strings.ToLower(raw))

	fields := strings.Fields(stripped)
	kept := fields[:0]
	for _, w := range fields {
		if utf8.RuneCountInString(w) <= 1 || w == StartToken || w == EndToken {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

// WrapCaption surrounds a cleaned caption with the start and end sentinels.
func WrapCaption(cleaned string) string {
	if cleaned == "" {
		return StartToken + " " + EndToken
	}
	return StartToken + " " + cleaned + " " + EndToken
}

// PrepareCaption cleans and wraps a raw caption.
func PrepareCaption(raw string) string {
	return WrapCaption(CleanCaption(raw))
}

// Tokenize splits a prepared caption into words.
func Tokenize(text string) []string {
	return strings.Fields(text)
}
