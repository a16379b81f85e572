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
	"strings"

	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/antflydb/captioner/lib/backends"
	"github.com/antflydb/captioner/lib/encoder"
	"github.com/antflydb/captioner/lib/paths"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	Version string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "captioner",
	Short: "Train and run image caption models",
	Long: `Generate natural-language captions for images with a merge
caption model on top of a pretrained image encoder.

Examples:
  # Download InceptionV3 weights
  captioner pull inceptionv3

  # Encode a directory of images once
  captioner extract --images ./Flicker8k_Dataset

  # Train on a caption token file
  captioner train --captions ./Flickr8k.token.txt --epochs 20

  # Caption an image with beam width 3
  captioner caption --beam-width 3 dog.jpg`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.Version = Version
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().
		StringVar(&cfgFile, "config", "", "config file path (e.g. captioner.yaml)")
	rootCmd.PersistentFlags().
		String("log-level", "info", "set the logging level (e.g. debug, info, warn, error)")
	rootCmd.PersistentFlags().
		String("log-style", "terminal", "set the logging output style (terminal, json, noop); defaults to json in Kubernetes")
	rootCmd.PersistentFlags().
		String("data-dir", paths.DefaultDataDir(), "directory for weights, features and trained models")
	rootCmd.PersistentFlags().
		String("artifacts-dir", "", "directory holding model.capt and vocab.json (default: <data-dir>/models/default)")
	rootCmd.PersistentFlags().
		String("backend", string(backends.BackendGo), "compute backend ("+strings.Join(backends.BackendTypeStrings(), ", ")+")")
	rootCmd.PersistentFlags().
		StringSlice("backend-priority", nil, "fallback order when the chosen backend is unavailable (default: xla,go)")
	rootCmd.PersistentFlags().
		String("encoder", string(backends.EncoderInceptionV3), "image encoder (inceptionv3, onnx)")
	rootCmd.PersistentFlags().
		String("encoder-path", "", "encoder weights directory or ONNX file (default: <data-dir>/encoders/inceptionv3)")

	// Bind to viper
	mustBindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	mustBindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("log.style", rootCmd.PersistentFlags().Lookup("log-style"))
	mustBindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	mustBindPFlag("artifacts_dir", rootCmd.PersistentFlags().Lookup("artifacts-dir"))
	mustBindPFlag("encoder.backend", rootCmd.PersistentFlags().Lookup("backend"))
	mustBindPFlag("encoder.backend_priority", rootCmd.PersistentFlags().Lookup("backend-priority"))
	mustBindPFlag("encoder.kind", rootCmd.PersistentFlags().Lookup("encoder"))
	mustBindPFlag("encoder.path", rootCmd.PersistentFlags().Lookup("encoder-path"))

	// Default values
	viper.SetDefault("health_port", 4200)
	viper.SetDefault("log.level", "info")
	// Default to JSON logging in Kubernetes for structured log aggregation
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		viper.SetDefault("log.style", "json")
	} else {
		viper.SetDefault("log.style", "logfmt")
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			fmt.Fprintf(os.Stderr, "Config file not found: %s\n", cfgFile)
			os.Exit(1)
		}

		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config file in home directory and current directory
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigName(".captioner")
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("captioner")
	}

	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("CAPTIONER")                        // CAPTIONER_ prefix for env vars
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace . with _ in env var names
	viper.AutomaticEnv()                                   // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		// Only error if user explicitly specified a config file
		fmt.Fprintf(os.Stderr, "Error reading config file [%s]: %v\n", viper.ConfigFileUsed(), err)
		os.Exit(1)
	}
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", key, err))
	}
}

func newLogger() *zap.Logger {
	return logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
}

func artifactsDir() string {
	if dir := viper.GetString("artifacts_dir"); dir != "" {
		return dir
	}
	return paths.ArtifactsDir(viper.GetString("data_dir"))
}

func defaultFeaturesPath() string {
	return paths.FeaturesPath(viper.GetString("data_dir"))
}

// applyBackendPriority installs the configured backend fallback order.
func applyBackendPriority() error {
	order, err := backends.ParsePriority(viper.GetStringSlice("encoder.backend_priority"))
	if err != nil {
		return fmt.Errorf("encoder.backend_priority: %w", err)
	}
	backends.SetPriority(order)
	return nil
}

// encoderOptions builds encoder options from the global encoder flags.
func encoderOptions(logger *zap.Logger) (encoder.Options, error) {
	if err := applyBackendPriority(); err != nil {
		return encoder.Options{}, err
	}
	backendType, err := backends.ParseBackendType(viper.GetString("encoder.backend"))
	if err != nil {
		return encoder.Options{}, err
	}
	kind, err := backends.ParseEncoderKind(viper.GetString("encoder.kind"))
	if err != nil {
		return encoder.Options{}, err
	}
	path := viper.GetString("encoder.path")
	if path == "" {
		path = paths.EncoderDir(viper.GetString("data_dir"), string(kind))
	}
	return encoder.Options{
		Backend: backendType,
		Kind:    kind,
		Path:    path,
		Config:  encoder.Config{Logger: logger},
	}, nil
}
