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

// Package tensorfile implements the binary container used for every numeric
// artifact the captioner persists: caption model weights and the precomputed
// image-feature cache.
//
// File layout:
//
//	offset  size  field
//	0x00    4     magic "CAPT"
//	0x04    4     format version (uint32, little endian)
//	0x08    4     flags (reserved, 0)
//	0x0C    4     header length in bytes (uint32)
//	0x10    8     data section length in bytes (uint64)
//	0x18    8     reserved
//	0x20    32    SHA-256 over header JSON followed by the data section
//	0x40    ...   header JSON, padded with spaces to a 64-byte boundary
//	...     ...   tensor data, little endian, each tensor 64-byte aligned
//
// The header is marshalled with sorted keys and carries no timestamps, so
// writing the same tensors twice produces identical bytes.
package tensorfile

import (
	"fmt"
)

// Format constants.
const (
	MagicBytes      = "CAPT"
	FormatVersion   = 1
	FixedHeaderSize = 0x40
	ChecksumOffset  = 0x20
	ChecksumSize    = 32
	Alignment       = 64
)

// Data type names stored in TensorMeta.DType.
const (
	DTypeFloat32 = "float32"
	DTypeFloat64 = "float64"
)

// Header is the JSON document that follows the fixed header.
type Header struct {
	FormatVersion int               `json:"format_version"`
	Kind          string            `json:"kind"`
	Tensors       []TensorMeta      `json:"tensors"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// TensorMeta describes one tensor in the data section.
type TensorMeta struct {
	Name   string `json:"name"`
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset int64  `json:"offset"` // bytes from the start of the data section
	Size   int64  `json:"size"`   // bytes
}

// Tensor is an in-memory tensor. Exactly one of F32 or F64 is set.
type Tensor struct {
	Name  string
	Shape []int
	F32   []float32
	F64   []float64
}

// NewFloat64 returns a float64 tensor. data is not copied.
func NewFloat64(name string, data []float64, shape ...int) Tensor {
	return Tensor{Name: name, Shape: shape, F64: data}
}

// NewFloat32 returns a float32 tensor. data is not copied.
func NewFloat32(name string, data []float32, shape ...int) Tensor {
	return Tensor{Name: name, Shape: shape, F32: data}
}

// DType returns the element type name.
func (t Tensor) DType() string {
	if t.F64 != nil {
		return DTypeFloat64
	}
	return DTypeFloat32
}

// Len returns the number of elements.
func (t Tensor) Len() int {
	if t.F64 != nil {
		return len(t.F64)
	}
	return len(t.F32)
}

// File is a decoded tensor file.
type File struct {
	Kind     string
	Metadata map[string]string
	Tensors  []Tensor

	index map[string]int
}

// Lookup returns the tensor with the given name.
func (f *File) Lookup(name string) (Tensor, bool) {
	if f.index == nil {
		f.index = make(map[string]int, len(f.Tensors))
		for i, t := range f.Tensors {
			f.index[t.Name] = i
		}
	}
	i, ok := f.index[name]
	if !ok {
		return Tensor{}, false
	}
	return f.Tensors[i], true
}

// Require returns the named tensor and checks its shape.
func (f *File) Require(name string, shape ...int) (Tensor, error) {
	t, ok := f.Lookup(name)
	if !ok {
		return Tensor{}, &ValidationError{Type: "missing_tensor", Tensor: name, Details: "not present in file"}
	}
	if !equalShape(t.Shape, shape) {
		return Tensor{}, &ValidationError{
			Type:    "shape_mismatch",
			Tensor:  name,
			Details: fmt.Sprintf("got %v, want %v", t.Shape, shape),
		}
	}
	return t, nil
}

func elementSize(dtype string) (int64, bool) {
	switch dtype {
	case DTypeFloat32:
		return 4, true
	case DTypeFloat64:
		return 8, true
	default:
		return 0, false
	}
}

func numElements(shape []int) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= int64(d)
	}
	return n
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func alignUp(n int64) int64 {
	return (n + Alignment - 1) / Alignment * Alignment
}
