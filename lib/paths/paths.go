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

// Package paths resolves the default on-disk locations used by the CLI.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

// DefaultDataDir returns ~/.captioner, or ./captioner-data when no home
// directory can be found.
func DefaultDataDir() string {
	home := userHomeDir()
	if home == "" {
		return filepath.FromSlash("./captioner-data")
	}
	return filepath.Join(home, ".captioner")
}

// EncoderDir is where pulled weights for an encoder kind are stored.
func EncoderDir(dataDir, kind string) string {
	return filepath.Join(dataDir, "encoders", kind)
}

// ArtifactsDir is where the default model.capt/vocab.json pair is stored.
func ArtifactsDir(dataDir string) string {
	return filepath.Join(dataDir, "models", "default")
}

// FeaturesPath is the default precomputed feature file.
func FeaturesPath(dataDir string) string {
	return filepath.Join(dataDir, "features.capt")
}

// userHomeDir prefers USERPROFILE on Windows since $HOME from Git Bash may
// hold a Unix-style path.
func userHomeDir() string {
	if runtime.GOOS == "windows" {
		if home := os.Getenv("USERPROFILE"); home != "" {
			return home
		}
	}
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}
