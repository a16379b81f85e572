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

package backends

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

func intsToInt64s(dims []int) []int64 {
	result := make([]int64, len(dims))
	for i, d := range dims {
		result[i] = int64(d)
	}
	return result
}

// gomlxDataType converts GoMLX DType to our DataType.
func gomlxDataType(dt dtypes.DType) DataType {
	switch dt {
	case dtypes.Int64:
		return DataTypeInt64
	case dtypes.Int32, dtypes.Int8, dtypes.Int16:
		return DataTypeInt32
	case dtypes.Bool:
		return DataTypeBool
	default:
		return DataTypeFloat32
	}
}

// namedTensorToGoMLX converts a NamedTensor to a GoMLX tensor.
func namedTensorToGoMLX(nt NamedTensor) (*tensors.Tensor, error) {
	dims := make([]int, len(nt.Shape))
	size := 1
	for i, d := range nt.Shape {
		dims[i] = int(d)
		size *= int(d)
	}

	switch data := nt.Data.(type) {
	case []float32:
		if len(data) != size {
			return nil, fmt.Errorf("tensor %q has %d values for shape %v", nt.Name, len(data), nt.Shape)
		}
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []int64:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []int32:
		i64 := make([]int64, len(data))
		for i, v := range data {
			i64[i] = int64(v)
		}
		return tensors.FromFlatDataAndDimensions(i64, dims...), nil
	case []bool:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	default:
		return nil, fmt.Errorf("unsupported tensor data type: %T", data)
	}
}

// gomlxToNamedTensor converts a GoMLX tensor to a NamedTensor.
func gomlxToNamedTensor(t *tensors.Tensor, name string) (NamedTensor, error) {
	shape := t.Shape()
	dims := intsToInt64s(shape.Dimensions)

	var data any
	switch shape.DType {
	case dtypes.Float32:
		data = flatten[float32](t.Value())
	case dtypes.Float64:
		f64 := flatten[float64](t.Value())
		f32 := make([]float32, len(f64))
		for i, v := range f64 {
			f32[i] = float32(v)
		}
		data = f32
	case dtypes.Int64:
		data = flatten[int64](t.Value())
	case dtypes.Int32:
		data = flatten[int32](t.Value())
	case dtypes.Bool:
		data = flatten[bool](t.Value())
	default:
		return NamedTensor{}, fmt.Errorf("unsupported output dtype %s", shape.DType)
	}
	return NamedTensor{Name: name, Shape: dims, Data: data}, nil
}

// flatten flattens the nested slices returned by tensors.Tensor.Value.
func flatten[T any](val any) []T {
	switch v := val.(type) {
	case T:
		return []T{v}
	case []T:
		return v
	case [][]T:
		var out []T
		for _, row := range v {
			out = append(out, row...)
		}
		return out
	case [][][]T:
		var out []T
		for _, m := range v {
			for _, row := range m {
				out = append(out, row...)
			}
		}
		return out
	case [][][][]T:
		var out []T
		for _, c := range v {
			for _, m := range c {
				for _, row := range m {
					out = append(out, row...)
				}
			}
		}
		return out
	default:
		return nil
	}
}
