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
	"time"

	"github.com/antflydb/captioner"
	"github.com/antflydb/captioner/lib/decoding"
	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var captionCmd = &cobra.Command{
	Use:   "caption <image> [image...]",
	Short: "Caption one or more images",
	Long: `Load the trained model and vocabulary from the artifacts directory
and print a caption for every image.

A beam width of 1 or less decodes greedily.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCaption,
}

// captionOutput is one line of --json output.
type captionOutput struct {
	Image        string  `json:"image"`
	Caption      string  `json:"caption,omitempty"`
	Score        float64 `json:"score,omitempty"`
	Steps        int     `json:"steps,omitempty"`
	StoppedAtEnd bool    `json:"stopped_at_end,omitempty"`
	Error        string  `json:"error,omitempty"`
}

func init() {
	rootCmd.AddCommand(captionCmd)

	captionCmd.Flags().Int("beam-width", decoding.DefaultBeamWidth, "beam width (1 or less decodes greedily)")
	captionCmd.Flags().Int("max-length", 0, "maximum caption length (default: length stored with the weights)")
	captionCmd.Flags().Duration("cache-ttl", captioner.FeatureCacheTTL, "feature cache lifetime (negative disables)")
	captionCmd.Flags().Bool("json", false, "print one JSON object per image")

	mustBindPFlag("decode.beam_width", captionCmd.Flags().Lookup("beam-width"))
	mustBindPFlag("decode.max_length", captionCmd.Flags().Lookup("max-length"))
	mustBindPFlag("cache.ttl", captionCmd.Flags().Lookup("cache-ttl"))
}

func runCaption(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	asJSON, _ := cmd.Flags().GetBool("json")
	encOpts, err := encoderOptions(logger)
	if err != nil {
		return err
	}
	beamWidth := viper.GetInt("decode.beam_width")

	c, err := captioner.Load(captioner.Config{
		ArtifactsDir: artifactsDir(),
		Encoder:      encOpts,
		BeamWidth:    beamWidth,
		MaxLength:    viper.GetInt("decode.max_length"),
		CacheTTL:     viper.GetDuration("cache.ttl"),
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	var failed int
	for _, path := range args {
		out := captionOutput{Image: path}
		start := time.Now()
		res, err := captionFile(ctx, c, path, beamWidth)
		switch {
		case err == nil:
			out.Caption = res.Caption
			out.Score = res.Score
			out.Steps = res.Steps
			out.StoppedAtEnd = res.StoppedAtEnd
			logger.Debug("Captioned image",
				zap.String("image", path),
				zap.Int("steps", res.Steps),
				zap.Duration("duration", time.Since(start)))
		case errors.Is(err, context.Canceled):
			return err
		default:
			failed++
			out.Error = err.Error()
		}

		if asJSON {
			line, err := sonic.ConfigStd.Marshal(out)
			if err != nil {
				return err
			}
			fmt.Println(string(line))
		} else if out.Error != "" {
			fmt.Fprintf(os.Stderr, "%s: %s\n", path, out.Error)
		} else {
			fmt.Printf("%s\t%s\n", path, out.Caption)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images could not be captioned", failed, len(args))
	}
	return nil
}

func captionFile(ctx context.Context, c *captioner.Captioner, path string, beamWidth int) (*captioner.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return c.Caption(ctx, data, beamWidth)
}
