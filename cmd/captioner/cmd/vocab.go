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

package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/antflydb/captioner/lib/model"
	"github.com/antflydb/captioner/lib/vocab"
	"github.com/spf13/cobra"
)

var vocabCmd = &cobra.Command{
	Use:   "vocab",
	Short: "Inspect a trained vocabulary",
	Long: `Print the size and fingerprint of the vocabulary in the artifacts
directory, and check that the weights next to it were trained against it.`,
	RunE: runVocab,
}

func init() {
	rootCmd.AddCommand(vocabCmd)

	vocabCmd.Flags().Int("words", 0, "also print the first N words by id")
}

func runVocab(cmd *cobra.Command, args []string) error {
	n, _ := cmd.Flags().GetInt("words")
	dir := artifactsDir()

	v, err := vocab.Load(filepath.Join(dir, model.VocabFileName))
	if err != nil {
		return err
	}
	fmt.Printf("Vocabulary:   %s\n", filepath.Join(dir, model.VocabFileName))
	fmt.Printf("Size:         %d (%d words + padding)\n", v.Size(), v.Len())
	fmt.Printf("Fingerprint:  %s\n", v.FingerprintHex())
	fmt.Printf("Start/end:    %s=%d %s=%d\n", vocab.StartToken, v.StartID(), vocab.EndToken, v.EndID())

	m, err := model.Load(filepath.Join(dir, model.WeightsFileName), v)
	if err != nil {
		fmt.Printf("Weights:      %v\n", err)
	} else {
		mc := m.Config()
		fmt.Printf("Weights:      ok (max length %d, feature dim %d, units %d)\n",
			mc.MaxLength, mc.FeatureDim, mc.Units)
	}

	words := v.Words()
	for i := range min(n, len(words)) {
		fmt.Printf("%6d  %s\n", i+1, words[i])
	}
	return nil
}
