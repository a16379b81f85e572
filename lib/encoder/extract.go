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

package encoder

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/antflydb/captioner/lib/pipelines"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff", ".webp"}

// ListImages returns the image files directly inside dir, sorted by name.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading image directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(e.Name()))) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// ExtractReport summarizes a directory extraction.
type ExtractReport struct {
	Encoded int
	// Failed maps file names to the reason they were skipped.
	Failed map[string]string
}

// ExtractOptions tune ExtractDir.
type ExtractOptions struct {
	// Workers decoding images in parallel. Zero means GOMAXPROCS.
	Workers int
	// Skip reports images that are already in the store and need no work.
	Skip func(imageID string) bool
	// OnProgress, if set, is called after every encoded chunk.
	OnProgress func(done, total int)
}

// ExtractDir encodes every image in dir into store, keyed by file name.
// Images that fail to decode or encode are skipped and reported; only
// context errors and store mismatches abort the run.
func (e *Encoder) ExtractDir(ctx context.Context, dir string, store *FeatureStore, opts ExtractOptions) (*ExtractReport, error) {
	if store.Dim() != e.dim {
		return nil, fmt.Errorf("%w: store holds %d, encoder produces %d", ErrFeatureDim, store.Dim(), e.dim)
	}
	names, err := ListImages(dir)
	if err != nil {
		return nil, err
	}
	if opts.Skip != nil {
		names = slices.DeleteFunc(names, opts.Skip)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	report := &ExtractReport{Failed: make(map[string]string)}
	var mu sync.Mutex
	done := 0

	for start := 0; start < len(names); start += e.maxBatch {
		chunk := names[start:min(start+e.maxBatch, len(names))]

		imgs := make([]image.Image, len(chunk))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i, name := range chunk {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				data, err := os.ReadFile(filepath.Join(dir, name))
				if err == nil {
					imgs[i], err = pipelines.Decode(data)
				}
				if err != nil {
					mu.Lock()
					report.Failed[name] = err.Error()
					mu.Unlock()
					e.logger.Warn("Skipping image", zap.String("image", name), zap.Error(err))
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return report, err
		}

		var ok []image.Image
		var ids []string
		for i, img := range imgs {
			if img != nil {
				ok = append(ok, img)
				ids = append(ids, chunk[i])
			}
		}
		features, err := e.EncodeImages(ctx, ok)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			e.logger.Warn("Encoding chunk failed, retrying images one at a time",
				zap.Int("images", len(ok)), zap.Error(err))
			features, err = e.encodeEach(ctx, ok, ids, report)
			if err != nil {
				return report, err
			}
		}
		for i, id := range ids {
			if features[i] == nil {
				continue
			}
			if err := store.Put(id, features[i]); err != nil {
				return report, err
			}
			report.Encoded++
		}
		done += len(chunk)
		if opts.OnProgress != nil {
			opts.OnProgress(done, len(names))
		}
	}

	e.logger.Info("Feature extraction complete",
		zap.String("dir", dir),
		zap.Int("encoded", report.Encoded),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}

// encodeEach encodes imgs one by one after a batch failure. Images the
// encoder rejects are recorded in report and left nil.
func (e *Encoder) encodeEach(ctx context.Context, imgs []image.Image, ids []string, report *ExtractReport) ([][]float32, error) {
	features := make([][]float32, len(imgs))
	for i, img := range imgs {
		f, err := e.EncodeImages(ctx, []image.Image{img})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			report.Failed[ids[i]] = err.Error()
			e.logger.Warn("Skipping image", zap.String("image", ids[i]), zap.Error(err))
			continue
		}
		features[i] = f[0]
	}
	return features, nil
}
