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
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/antflydb/captioner/lib/encoder"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Encode a directory of images into a feature file",
	Long: `Run every image in a directory through the image encoder once and
store the feature vectors, keyed by file name, for training.

Images already present in the output file are skipped, so an interrupted
run can be resumed. Undecodable images are reported and skipped.`,
	RunE: runExtract,
}

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().String("images", "", "directory of images to encode")
	extractCmd.Flags().String("out", "", "feature file to write (default: <data-dir>/features.capt)")
	extractCmd.Flags().Int("workers", 4, "concurrent image decoders")
	extractCmd.Flags().Int("batch", 16, "images per encoder call")
	_ = extractCmd.MarkFlagRequired("images")
}

func runExtract(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	imagesDir, _ := cmd.Flags().GetString("images")
	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		out = defaultFeaturesPath()
	}
	workers, _ := cmd.Flags().GetInt("workers")
	batch, _ := cmd.Flags().GetInt("batch")

	opts, err := encoderOptions(logger)
	if err != nil {
		return err
	}
	opts.MaxBatch = batch
	enc, err := encoder.Open(opts)
	if err != nil {
		return err
	}
	defer func() { _ = enc.Close() }()

	store, err := openFeatureStore(out, enc.Dim())
	if err != nil {
		return err
	}
	resumed := store.Len()

	logger.Info("Extracting image features",
		zap.String("images", imagesDir),
		zap.String("out", out),
		zap.Int("alreadyEncoded", resumed))

	report, runErr := enc.ExtractDir(ctx, imagesDir, store, encoder.ExtractOptions{
		Workers: workers,
		Skip: func(id string) bool {
			_, ok := store.Feature(id)
			return ok
		},
		OnProgress: func(done, total int) {
			logger.Info("Extract progress", zap.Int("done", done), zap.Int("total", total))
		},
	})
	// Keep partial progress so an interrupted run can resume.
	if store.Len() > resumed {
		if err := store.Save(out); err != nil {
			return errors.Join(runErr, err)
		}
	}
	if runErr != nil {
		return runErr
	}

	fmt.Printf("Encoded %d images (%d failed, %d total) into %s\n",
		report.Encoded, len(report.Failed), store.Len(), out)
	return nil
}

// openFeatureStore loads path when it exists and is compatible with dim,
// otherwise returns an empty store.
func openFeatureStore(path string, dim int) (*encoder.FeatureStore, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return encoder.NewFeatureStore(dim), nil
	}
	store, err := encoder.LoadFeatureStore(path)
	if err != nil {
		return nil, fmt.Errorf("loading existing features: %w", err)
	}
	if store.Dim() != dim {
		return nil, fmt.Errorf("%w: %s holds %d-d features, encoder produces %d",
			encoder.ErrFeatureDim, path, store.Dim(), dim)
	}
	return store, nil
}
