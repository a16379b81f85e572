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
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/bytedance/sonic"
)

// Decode parses a tensor file held in memory. The checksum is verified
// before the header is trusted.
func Decode(b []byte) (*File, error) {
	if len(b) < FixedHeaderSize {
		return nil, ErrTruncated
	}
	if string(b[0:4]) != MagicBytes {
		return nil, ErrInvalidMagic
	}
	if v := binary.LittleEndian.Uint32(b[4:8]); v != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	headerLen := int64(binary.LittleEndian.Uint32(b[12:16]))
	dataSize := int64(binary.LittleEndian.Uint64(b[16:24]))
	if headerLen > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}
	if dataSize < 0 || int64(len(b)) != FixedHeaderSize+headerLen+dataSize {
		return nil, ErrTruncated
	}

	headerBytes := b[FixedHeaderSize : FixedHeaderSize+headerLen]
	data := b[FixedHeaderSize+headerLen:]

	h := sha256.New()
	h.Write(headerBytes)
	h.Write(data)
	var stored [ChecksumSize]byte
	copy(stored[:], b[ChecksumOffset:ChecksumOffset+ChecksumSize])
	var computed [ChecksumSize]byte
	copy(computed[:], h.Sum(nil))
	if computed != stored {
		return nil, ErrChecksumMismatch
	}

	var header Header
	if err := sonic.ConfigStd.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	if err := ValidateHeader(&header, dataSize); err != nil {
		return nil, err
	}

	f := &File{
		Kind:     header.Kind,
		Metadata: header.Metadata,
		Tensors:  make([]Tensor, len(header.Tensors)),
	}
	if f.Metadata == nil {
		f.Metadata = map[string]string{}
	}
	for i, meta := range header.Tensors {
		src := data[meta.Offset : meta.Offset+meta.Size]
		t := Tensor{Name: meta.Name, Shape: meta.Shape}
		n := int(numElements(meta.Shape))
		switch meta.DType {
		case DTypeFloat64:
			t.F64 = make([]float64, n)
			for j := range t.F64 {
				t.F64[j] = math.Float64frombits(binary.LittleEndian.Uint64(src[j*8:]))
			}
		case DTypeFloat32:
			t.F32 = make([]float32, n)
			for j := range t.F32 {
				t.F32[j] = math.Float32frombits(binary.LittleEndian.Uint32(src[j*4:]))
			}
		}
		f.Tensors[i] = t
	}
	return f, nil
}

// Read reads and decodes a tensor file from r.
func Read(r io.Reader) (*File, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading tensor file: %w", err)
	}
	return Decode(b)
}

// ReadFile reads and decodes the tensor file at path.
func ReadFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	f, err := Decode(b)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return f, nil
}
