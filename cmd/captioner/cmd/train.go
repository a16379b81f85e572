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
	"fmt"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/antflydb/antfly-go/libaf/healthserver"
	"github.com/antflydb/captioner"
	"github.com/antflydb/captioner/lib/encoder"
	"github.com/antflydb/captioner/lib/training"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a caption model",
	Long: `Train a caption model from a caption token file and a feature file
produced by "captioner extract". The vocabulary and maximum caption length
are derived from the cleaned captions. The trained weights and vocabulary
are written together to the artifacts directory.

Images with captions but no features are skipped with a warning.`,
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)

	defaults := training.DefaultConfig()
	trainCmd.Flags().String("captions", "", "caption token file (<image>#<n><TAB><caption> per line)")
	trainCmd.Flags().String("features", "", "feature file (default: <data-dir>/features.capt)")
	trainCmd.Flags().Int("epochs", defaults.Epochs, "training epochs")
	trainCmd.Flags().Int("batch-size", defaults.BatchSize, "examples per optimizer step")
	trainCmd.Flags().Float64("learning-rate", defaults.LearningRate, "Adam learning rate")
	trainCmd.Flags().Int("steps-per-epoch", 0, "optimizer steps per epoch (default: one full pass over the examples)")
	trainCmd.Flags().Uint64("seed", 0, "seed for weight initialisation and dropout")
	trainCmd.Flags().Int("embed-dim", defaults.EmbedDim, "word embedding width")
	trainCmd.Flags().Int("units", defaults.Units, "LSTM and projection width")
	trainCmd.Flags().Float64("dropout", defaults.Dropout, "dropout rate")
	trainCmd.Flags().Int("health-port", 4200, "health/metrics server port (0 disables)")
	_ = trainCmd.MarkFlagRequired("captions")

	mustBindPFlag("train.epochs", trainCmd.Flags().Lookup("epochs"))
	mustBindPFlag("train.batch_size", trainCmd.Flags().Lookup("batch-size"))
	mustBindPFlag("train.learning_rate", trainCmd.Flags().Lookup("learning-rate"))
	mustBindPFlag("train.steps_per_epoch", trainCmd.Flags().Lookup("steps-per-epoch"))
	mustBindPFlag("train.seed", trainCmd.Flags().Lookup("seed"))
	mustBindPFlag("train.embed_dim", trainCmd.Flags().Lookup("embed-dim"))
	mustBindPFlag("train.units", trainCmd.Flags().Lookup("units"))
	mustBindPFlag("train.dropout", trainCmd.Flags().Lookup("dropout"))
	mustBindPFlag("health_port", trainCmd.Flags().Lookup("health-port"))
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	var ready atomic.Bool
	if port := viper.GetInt("health_port"); port > 0 {
		healthserver.Start(logger, port, ready.Load)
	}

	captionsPath, _ := cmd.Flags().GetString("captions")
	featuresPath, _ := cmd.Flags().GetString("features")
	if featuresPath == "" {
		featuresPath = defaultFeaturesPath()
	}

	corpus, err := training.LoadCaptions(captionsPath)
	if err != nil {
		return err
	}
	features, err := encoder.LoadFeatureStore(featuresPath)
	if err != nil {
		return fmt.Errorf("loading features: %w", err)
	}
	logger.Info("Loaded training data",
		zap.String("captions", captionsPath),
		zap.Int("images", len(corpus.ImageIDs)),
		zap.String("features", featuresPath),
		zap.Int("encodedImages", features.Len()),
		zap.Int("featureDim", features.Dim()))

	trainer, err := training.NewTrainer(training.Config{
		Epochs:        viper.GetInt("train.epochs"),
		BatchSize:     viper.GetInt("train.batch_size"),
		LearningRate:  viper.GetFloat64("train.learning_rate"),
		StepsPerEpoch: viper.GetInt("train.steps_per_epoch"),
		Seed:          viper.GetUint64("train.seed"),
		FeatureDim:    features.Dim(),
		EmbedDim:      viper.GetInt("train.embed_dim"),
		Units:         viper.GetInt("train.units"),
		Dropout:       viper.GetFloat64("train.dropout"),
		Logger:        logger,
		OnEpoch: func(s training.EpochStats) {
			captioner.RecordTrainingEpoch(s.MeanLoss, s.Examples)
		},
	})
	if err != nil {
		return err
	}
	ready.Store(true)

	res, err := trainer.Fit(ctx, corpus, features)
	if err != nil {
		return fmt.Errorf("training: %w", err)
	}
	captioner.RecordTrainingSkipped(len(res.Skipped))

	dir := artifactsDir()
	if err := res.Save(dir); err != nil {
		return err
	}
	last := res.Epochs[len(res.Epochs)-1]
	fmt.Printf("Saved model to %s (vocabulary %d, max length %d, final loss %.4f)\n",
		dir, res.Vocab.Size(), res.MaxLength, last.MeanLoss)
	return nil
}
