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
	"os"
	"path/filepath"

	"github.com/antflydb/captioner/lib/backends"
	"github.com/antflydb/captioner/lib/modelregistry"
	"github.com/antflydb/captioner/lib/paths"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var pullCmd = &cobra.Command{
	Use:   "pull <encoder> [encoder...]",
	Short: "Pull image encoder weights",
	Long: `Download image encoder weights into <data-dir>/encoders.

References:
  inceptionv3        - Keras ImageNet InceptionV3 weights (2048-d features)
  hf:<owner>/<repo>  - an ONNX image encoder from HuggingFace

Examples:
  # Pull the default encoder
  captioner pull inceptionv3

  # Pull an ONNX encoder, FP16 variant
  captioner pull --variant fp16 hf:onnx-community/inception_v3`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)

	pullCmd.Flags().String("hf-token", "",
		"HuggingFace API token for gated models (or use HF_TOKEN env var)")
	pullCmd.Flags().String("variant", "",
		"ONNX variant for HuggingFace models (fp16, q4, quantized)")
}

func runPull(cmd *cobra.Command, args []string) error {
	hfToken, _ := cmd.Flags().GetString("hf-token")
	if hfToken == "" {
		hfToken = os.Getenv("HF_TOKEN")
	}
	variant, _ := cmd.Flags().GetString("variant")
	dataDir := viper.GetString("data_dir")

	for _, ref := range args {
		fmt.Printf("\n=== Pulling %s ===\n", ref)

		if repoID, isHF := modelregistry.ParseHuggingFaceRef(ref); isHF {
			client := modelregistry.NewHuggingFaceClient(
				modelregistry.WithHFToken(hfToken),
				modelregistry.WithHFProgressHandler(printProgress),
			)
			dir, err := client.PullEncoder(repoID, paths.EncoderDir(dataDir, string(backends.EncoderONNX)), variant)
			if err != nil {
				return fmt.Errorf("failed to pull %s: %w", ref, err)
			}
			fmt.Printf("Saved to %s\n", dir)
			fmt.Printf("Use it with: captioner --encoder onnx --encoder-path %s\n", dir)
			continue
		}

		if ref != string(backends.EncoderInceptionV3) {
			return fmt.Errorf("unknown encoder %q: use inceptionv3 or hf:<owner>/<repo>", ref)
		}
		dir := paths.EncoderDir(dataDir, ref)
		if err := backends.DownloadInceptionWeights(dir); err != nil {
			return fmt.Errorf("failed to pull %s: %w", ref, err)
		}
		fmt.Printf("Saved to %s\n", dir)
	}
	return nil
}

func printProgress(downloaded, total int64, filename string) {
	if total == 0 {
		fmt.Printf("  %s ...\n", filename)
		return
	}
	fmt.Printf("  %s %s\n", filepath.Base(filename), humanize.IBytes(uint64(downloaded)))
}
