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
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
)

// Encode serializes tensors into the tensor file format.
func Encode(kind string, metadata map[string]string, tensors []Tensor) ([]byte, error) {
	header := Header{
		FormatVersion: FormatVersion,
		Kind:          kind,
		Tensors:       make([]TensorMeta, len(tensors)),
		Metadata:      metadata,
	}

	var offset int64
	for i, t := range tensors {
		if err := ValidateTensorName(t.Name); err != nil {
			return nil, err
		}
		if (t.F32 == nil) == (t.F64 == nil) && t.Len() > 0 {
			return nil, &ValidationError{Type: "invalid_dtype", Tensor: t.Name, Details: "exactly one of F32 or F64 must be set"}
		}
		if int64(t.Len()) != numElements(t.Shape) {
			return nil, &ValidationError{
				Type:    "shape_mismatch",
				Tensor:  t.Name,
				Details: fmt.Sprintf("shape %v does not match %d elements", t.Shape, t.Len()),
			}
		}
		size, _ := elementSize(t.DType())
		size *= int64(t.Len())
		header.Tensors[i] = TensorMeta{
			Name:   t.Name,
			DType:  t.DType(),
			Shape:  append([]int(nil), t.Shape...),
			Offset: offset,
			Size:   size,
		}
		offset = alignUp(offset + size)
	}
	dataSize := offset

	headerJSON, err := sonic.ConfigStd.Marshal(&header)
	if err != nil {
		return nil, fmt.Errorf("marshalling header: %w", err)
	}
	paddedLen := alignUp(int64(len(headerJSON)))
	if paddedLen > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}
	headerBytes := make([]byte, paddedLen)
	copy(headerBytes, headerJSON)
	for i := len(headerJSON); i < len(headerBytes); i++ {
		headerBytes[i] = ' '
	}

	data := make([]byte, dataSize)
	for i, t := range tensors {
		dst := data[header.Tensors[i].Offset:]
		if t.F64 != nil {
			for j, v := range t.F64 {
				binary.LittleEndian.PutUint64(dst[j*8:], math.Float64bits(v))
			}
		} else {
			for j, v := range t.F32 {
				binary.LittleEndian.PutUint32(dst[j*4:], math.Float32bits(v))
			}
		}
	}

	h := sha256.New()
	h.Write(headerBytes)
	h.Write(data)

	var fixed [FixedHeaderSize]byte
	copy(fixed[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], FormatVersion)
	binary.LittleEndian.PutUint32(fixed[8:12], 0)
	binary.LittleEndian.PutUint32(fixed[12:16], uint32(len(headerBytes)))
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(dataSize))
	copy(fixed[ChecksumOffset:ChecksumOffset+ChecksumSize], h.Sum(nil))

	var buf bytes.Buffer
	buf.Grow(FixedHeaderSize + len(headerBytes) + len(data))
	buf.Write(fixed[:])
	buf.Write(headerBytes)
	buf.Write(data)
	return buf.Bytes(), nil
}

// Write encodes tensors and writes them to w.
func Write(w io.Writer, kind string, metadata map[string]string, tensors []Tensor) error {
	b, err := Encode(kind, metadata, tensors)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// WriteFile atomically writes a tensor file: the bytes go to a temporary file
// in the same directory which is then renamed over path.
func WriteFile(path, kind string, metadata map[string]string, tensors []Tensor) error {
	b, err := Encode(kind, metadata, tensors)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tensorfile-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}
