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

// Package modelregistry pulls image encoder weights into a local directory.
package modelregistry

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
)

// ProgressHandler is called before and after each file is copied into place.
// total is zero when the size is not yet known.
type ProgressHandler func(downloaded, total int64, filename string)

// HuggingFaceClient pulls ONNX image encoders from HuggingFace Hub
type HuggingFaceClient struct {
	token           string
	progressHandler ProgressHandler
}

// HFClientOption configures the HuggingFace client
type HFClientOption func(*HuggingFaceClient)

// NewHuggingFaceClient creates a new HuggingFace client
func NewHuggingFaceClient(opts ...HFClientOption) *HuggingFaceClient {
	c := &HuggingFaceClient{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithHFToken sets the HuggingFace API token for gated models
func WithHFToken(token string) HFClientOption {
	return func(c *HuggingFaceClient) { c.token = token }
}

// WithHFProgressHandler sets the progress handler for downloads
func WithHFProgressHandler(h ProgressHandler) HFClientOption {
	return func(c *HuggingFaceClient) { c.progressHandler = h }
}

// PullEncoder downloads the ONNX graph of an image encoder and its
// preprocessing config from repoID into destDir/owner/name and returns that
// directory. variant selects model_<variant>.onnx; empty means model.onnx.
func (c *HuggingFaceClient) PullEncoder(repoID, destDir, variant string) (string, error) {
	owner, name, ok := strings.Cut(repoID, "/")
	if !ok || owner == "" || name == "" {
		return "", fmt.Errorf("invalid repo id %q: expected owner/name", repoID)
	}

	repo := hub.New(repoID)
	if c.token != "" {
		repo = repo.WithAuth(c.token)
	}

	var files []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return "", fmt.Errorf("listing files: %w", err)
		}
		files = append(files, fileName)
	}

	toDownload := selectONNXFiles(files, variant)
	if !slices.ContainsFunc(toDownload, isONNX) {
		return "", fmt.Errorf("no ONNX encoder found in %s", repoID)
	}

	modelDir := filepath.Join(destDir, owner, name)
	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return "", fmt.Errorf("creating directory: %w", err)
	}

	for _, fileName := range toDownload {
		localPath, err := repo.DownloadFile(fileName)
		if err != nil {
			return "", fmt.Errorf("downloading %s: %w", fileName, err)
		}

		// "onnx/model.onnx" -> "model.onnx"
		destName := filepath.Base(fileName)
		destPath := filepath.Join(modelDir, destName)
		if c.progressHandler != nil {
			c.progressHandler(0, 0, destName)
		}
		if err := copyFile(localPath, destPath); err != nil {
			return "", fmt.Errorf("copying %s: %w", fileName, err)
		}
		if c.progressHandler != nil {
			if info, err := os.Stat(destPath); err == nil {
				c.progressHandler(info.Size(), info.Size(), destName)
			}
		}
	}
	return modelDir, nil
}

func isONNX(name string) bool {
	return strings.HasSuffix(name, ".onnx")
}

// selectONNXFiles returns the preprocessing configs plus the ONNX graph (and
// external data file) matching variant.
func selectONNXFiles(files []string, variant string) []string {
	var result []string

	configFiles := []string{"preprocessor_config.json", "config.json"}
	for _, cf := range configFiles {
		for _, f := range files {
			if filepath.Base(f) == cf {
				result = append(result, f)
				break
			}
		}
	}

	onnxBase := "model"
	if variant != "" {
		onnxBase = "model_" + variant
	}
	for _, f := range files {
		base := filepath.Base(f)
		if base == onnxBase+".onnx" || base == onnxBase+".onnx_data" {
			result = append(result, f)
		}
	}
	return result
}

// copyFile copies a file from src to dst
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer func() { _ = srcFile.Close() }()

	dstFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		_ = dstFile.Close()
		return fmt.Errorf("copying: %w", err)
	}

	return dstFile.Close()
}

// ParseHuggingFaceRef parses a reference like "hf:owner/repo" and returns the repo ID
func ParseHuggingFaceRef(ref string) (repoID string, isHF bool) {
	if after, ok := strings.CutPrefix(ref, "hf:"); ok {
		return after, true
	}
	return "", false
}
