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

package tensorfile

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTensors() []Tensor {
	return []Tensor{
		NewFloat64("dense.kernel", []float64{1, -2, 3.5, 4, 5, 6}, 2, 3),
		NewFloat32("1000268201_693b08cb0e.jpg", []float32{0.25, 0.5, 0.75}, 3),
		NewFloat64("empty", []float64{}, 0),
	}
}

func TestEncodeDecode(t *testing.T) {
	meta := map[string]string{"vocab_size": "42", "max_length": "34"}
	b, err := Encode("caption_model", meta, sampleTensors())
	require.NoError(t, err)

	f, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "caption_model", f.Kind)
	assert.Equal(t, meta, f.Metadata)
	require.Len(t, f.Tensors, 3)

	kernel, err := f.Require("dense.kernel", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, -2, 3.5, 4, 5, 6}, kernel.F64)

	feat, ok := f.Lookup("1000268201_693b08cb0e.jpg")
	require.True(t, ok)
	assert.Equal(t, []float32{0.25, 0.5, 0.75}, feat.F32)
	assert.Equal(t, DTypeFloat32, feat.DType())
}

func TestEncode_Deterministic(t *testing.T) {
	meta := map[string]string{"b": "2", "a": "1"}
	first, err := Encode("k", meta, sampleTensors())
	require.NoError(t, err)
	second, err := Encode("k", map[string]string{"a": "1", "b": "2"}, sampleTensors())
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first, second))
}

func TestDecode_ChecksumMismatch(t *testing.T) {
	b, err := Encode("k", nil, sampleTensors())
	require.NoError(t, err)

	b[len(b)-1] ^= 0xFF
	_, err = Decode(b)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestDecode_BadMagicAndTruncation(t *testing.T) {
	b, err := Encode("k", nil, sampleTensors())
	require.NoError(t, err)

	bad := append([]byte(nil), b...)
	copy(bad, "NOPE")
	_, err = Decode(bad)
	assert.ErrorIs(t, err, ErrInvalidMagic)

	_, err = Decode(b[:len(b)-8])
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Decode(b[:10])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestRequire_ShapeMismatch(t *testing.T) {
	b, err := Encode("k", nil, sampleTensors())
	require.NoError(t, err)
	f, err := Decode(b)
	require.NoError(t, err)

	_, err = f.Require("dense.kernel", 3, 2)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "shape_mismatch", verr.Type)

	_, err = f.Require("missing", 1)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "missing_tensor", verr.Type)
}

func TestEncode_RejectsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		tensor Tensor
	}{
		{"path traversal", NewFloat64("../weights", []float64{1}, 1)},
		{"separator", NewFloat64("a/b", []float64{1}, 1)},
		{"null byte", NewFloat64("a\x00b", []float64{1}, 1)},
		{"empty name", NewFloat64("", []float64{1}, 1)},
		{"shape mismatch", NewFloat64("w", []float64{1, 2, 3}, 2, 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode("k", nil, []Tensor{tt.tensor})
			var verr *ValidationError
			assert.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
		})
	}
}

func TestValidateTensorOffsets_Overlap(t *testing.T) {
	err := ValidateTensorOffsets([]TensorMeta{
		{Name: "a", Offset: 0, Size: 16},
		{Name: "b", Offset: 8, Size: 16},
	}, 64)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "offset_overlap", verr.Type)

	err = ValidateTensorOffsets([]TensorMeta{{Name: "a", Offset: 60, Size: 16}}, 64)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "out_of_bounds", verr.Type)
}

func TestWriteFile_ReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "model.capt")
	require.NoError(t, WriteFile(path, "feature_cache", nil, sampleTensors()))

	f, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "feature_cache", f.Kind)
	assert.NotNil(t, f.Metadata)
	assert.Len(t, f.Tensors, 3)
}
