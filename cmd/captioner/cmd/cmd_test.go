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
	"path/filepath"
	"testing"

	"github.com/antflydb/captioner/lib/backends"
	"github.com/antflydb/captioner/lib/encoder"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestEncoderOptions(t *testing.T) {
	dataDir := t.TempDir()
	viper.Set("data_dir", dataDir)
	viper.Set("encoder.backend", "simplego")
	viper.Set("encoder.kind", "")
	viper.Set("encoder.path", "")
	t.Cleanup(viper.Reset)

	opts, err := encoderOptions(zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, backends.BackendGo, opts.Backend)
	assert.Equal(t, backends.EncoderInceptionV3, opts.Kind)
	assert.Equal(t, filepath.Join(dataDir, "encoders", "inceptionv3"), opts.Path)

	viper.Set("encoder.kind", "resnet")
	_, err = encoderOptions(nil)
	assert.Error(t, err)
}

func TestApplyBackendPriority(t *testing.T) {
	t.Cleanup(func() {
		viper.Reset()
		backends.SetPriority(nil)
	})

	viper.Set("encoder.backend_priority", []string{"go", "xla"})
	require.NoError(t, applyBackendPriority())
	assert.Equal(t, []backends.BackendType{backends.BackendGo, backends.BackendXLA}, backends.GetPriority())

	viper.Set("encoder.backend_priority", []string{"tpu"})
	assert.Error(t, applyBackendPriority())
}

func TestOpenFeatureStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "features.capt")

	store, err := openFeatureStore(path, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, store.Len())

	require.NoError(t, store.Put("a.jpg", []float32{1, 2, 3}))
	require.NoError(t, store.Save(path))

	resumed, err := openFeatureStore(path, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg"}, resumed.IDs())

	_, err = openFeatureStore(path, 4)
	assert.ErrorIs(t, err, encoder.ErrFeatureDim)
}

func TestArtifactsDir(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("data_dir", "data")
	assert.Equal(t, filepath.Join("data", "models", "default"), artifactsDir())

	viper.Set("artifacts_dir", "elsewhere")
	assert.Equal(t, "elsewhere", artifactsDir())
}
