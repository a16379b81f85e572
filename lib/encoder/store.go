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
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/antflydb/captioner/lib/tensorfile"
	"github.com/bytedance/sonic"
)

// FeaturesFileKind identifies a feature store in a tensor file.
const FeaturesFileKind = "image_features"

const (
	metaFeatureDim = "feature_dim"
	metaImageIDs   = "image_ids"
	featureTensor  = "features"
)

// FeatureStore holds precomputed feature vectors keyed by image id. It is
// safe for concurrent use.
type FeatureStore struct {
	mu       sync.RWMutex
	dim      int
	ids      []string
	features map[string][]float32
}

// NewFeatureStore returns an empty store for vectors of width dim.
func NewFeatureStore(dim int) *FeatureStore {
	return &FeatureStore{dim: dim, features: make(map[string][]float32)}
}

// Dim returns the vector width.
func (s *FeatureStore) Dim() int { return s.dim }

// Put stores the feature vector of imageID, replacing any previous one.
func (s *FeatureStore) Put(imageID string, feature []float32) error {
	if len(feature) != s.dim {
		return fmt.Errorf("%w: %s has %d values, store holds %d", ErrFeatureDim, imageID, len(feature), s.dim)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.features[imageID]; !ok {
		s.ids = append(s.ids, imageID)
	}
	s.features[imageID] = feature
	return nil
}

// Feature returns the vector of imageID.
func (s *FeatureStore) Feature(imageID string) ([]float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.features[imageID]
	return f, ok
}

// Len returns the number of stored images.
func (s *FeatureStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// IDs returns the stored image ids in sorted order.
func (s *FeatureStore) IDs() []string {
	s.mu.RLock()
	ids := slices.Clone(s.ids)
	s.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Save writes the store as a single [n, dim] float32 tensor, rows in
// sorted id order, so that equal stores produce identical files.
func (s *FeatureStore) Save(path string) error {
	ids := s.IDs()
	s.mu.RLock()
	data := make([]float32, 0, len(ids)*s.dim)
	for _, id := range ids {
		data = append(data, s.features[id]...)
	}
	s.mu.RUnlock()

	idsJSON, err := sonic.ConfigStd.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encoding image ids: %w", err)
	}
	meta := map[string]string{
		metaFeatureDim: strconv.Itoa(s.dim),
		metaImageIDs:   string(idsJSON),
	}
	tensors := []tensorfile.Tensor{tensorfile.NewFloat32(featureTensor, data, len(ids), s.dim)}
	return tensorfile.WriteFile(path, FeaturesFileKind, meta, tensors)
}

// LoadFeatureStore reads a store written by Save.
func LoadFeatureStore(path string) (*FeatureStore, error) {
	f, err := tensorfile.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if f.Kind != FeaturesFileKind {
		return nil, fmt.Errorf("%s: file kind %q is not %q", path, f.Kind, FeaturesFileKind)
	}
	dim, err := strconv.Atoi(f.Metadata[metaFeatureDim])
	if err != nil || dim <= 0 {
		return nil, fmt.Errorf("%s: invalid %s %q", path, metaFeatureDim, f.Metadata[metaFeatureDim])
	}
	var ids []string
	if err := sonic.ConfigStd.UnmarshalFromString(f.Metadata[metaImageIDs], &ids); err != nil {
		return nil, fmt.Errorf("%s: decoding image ids: %w", path, err)
	}
	t, err := f.Require(featureTensor, len(ids), dim)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if t.F32 == nil {
		return nil, fmt.Errorf("%s: features must be float32", path)
	}
	s := NewFeatureStore(dim)
	for i, id := range ids {
		if err := s.Put(id, t.F32[i*dim:(i+1)*dim:(i+1)*dim]); err != nil {
			return nil, err
		}
	}
	return s, nil
}
