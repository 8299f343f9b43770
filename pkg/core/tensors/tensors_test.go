/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package tensors

import (
	"bytes"
	"encoding/gob"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/gomlx/distckpt/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func cmpShapes(t *testing.T, shape, wantShape shapes.Shape, err error) {
	if err != nil {
		t.Fatalf("Failed to get shape (wanted %q) from value: %v", wantShape, err)
	}
	if !wantShape.Equal(shape) {
		t.Fatalf("Invalid shape %q, wanted %q", shape, wantShape)
	}
}

func TestShapeForValue(t *testing.T) {
	wantShape := shapes.Shape{DType: dtypes.Float32, Dimensions: []int{3, 2}}
	shape, err := shapeForValue([][]float32{{0, 0}, {1, 1}, {2, 2}})
	cmpShapes(t, shape, wantShape, err)

	wantShape = shapes.Shape{DType: dtypes.Float64, Dimensions: []int{1, 1, 1}}
	shape, err = shapeForValue([][][]float64{{{1}}})
	cmpShapes(t, shape, wantShape, err)

	if strconv.IntSize == 64 {
		wantShape = shapes.Shape{DType: dtypes.Int64, Dimensions: nil}
		shape, err = shapeForValue(5)
		cmpShapes(t, shape, wantShape, err)
	}

	wantShape = shapes.Shape{DType: dtypes.Bool, Dimensions: []int{3, 2}}
	shape, err = shapeForValue([][]bool{{true, false}, {false, false}, {false, true}})
	cmpShapes(t, shape, wantShape, err)

	// Irregular sub-slices should fail.
	_, err = shapeForValue([][]float32{{0}, {1, 1}})
	require.Error(t, err)
}

func TestFromValueAndBack(t *testing.T) {
	want := [][]float32{{0, 1}, {2, 3}, {4, 5}}
	tensor := FromValue(want)
	require.True(t, tensor.Shape().Equal(shapes.Make(dtypes.Float32, 3, 2)))
	require.Equal(t, want, tensor.Value())

	scalar := FromScalar(float64(13))
	require.True(t, scalar.IsScalar())
	require.Equal(t, float64(13), ToScalar[float64](scalar))

	flat := FromFlatDataAndDimensions([]int32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.Equal(t, [][]int32{{1, 2, 3}, {4, 5, 6}}, flat.Value())
	require.Equal(t, []int32{1, 2, 3, 4, 5, 6}, MustCopyFlatData[int32](flat))
}

func TestFromShape(t *testing.T) {
	tensor := FromShape(shapes.Make(dtypes.Float64, 2, 2))
	require.Equal(t, [][]float64{{0, 0}, {0, 0}}, tensor.Value())
	require.Equal(t, 4, tensor.Size())
	require.Equal(t, 32, int(tensor.Memory()))

	// bfloat16 zero tensors materialize with the right Go type.
	bf := FromShape(shapes.Make(dtypes.BFloat16, 3))
	MustConstFlatData(bf, func(flat []bfloat16.BFloat16) {
		require.Len(t, flat, 3)
	})
}

func TestClone(t *testing.T) {
	tensor := FromValue([]float32{1, 2, 3})
	clone := tensor.Clone()
	require.True(t, tensor.Equal(clone))
	MustMutableFlatData(clone, func(flat []float32) {
		flat[0] = 100
	})
	require.False(t, tensor.Equal(clone))
	require.Equal(t, []float32{1, 2, 3}, MustCopyFlatData[float32](tensor))
}

func TestFlatDataAccess(t *testing.T) {
	tensor := FromValue([]int64{10, 20, 30})
	err := ConstFlatData(tensor, func(flat []int64) {
		assert.Equal(t, []int64{10, 20, 30}, flat)
	})
	require.NoError(t, err)

	// Wrong generics type must error (not panic).
	err = ConstFlatData(tensor, func(flat []float32) {})
	require.Error(t, err)

	err = MutableFlatData(tensor, func(flat []int64) {
		flat[1] = 21
	})
	require.NoError(t, err)
	require.Equal(t, []int64{10, 21, 30}, MustCopyFlatData[int64](tensor))

	var numBytes int
	require.NoError(t, tensor.ConstBytes(func(data []byte) {
		numBytes = len(data)
	}))
	require.Equal(t, 3*8, numBytes)
}

func TestGobSerialize(t *testing.T) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	want := FromValue([][]float32{{1, 2}, {3, 4}})
	require.NoError(t, want.GobSerialize(enc))

	dec := gob.NewDecoder(&buf)
	got, err := GobDeserialize(dec)
	require.NoError(t, err)
	require.True(t, want.Equal(got))
}

func TestSaveLoad(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "tensor.bin")
	want := FromValue([][]int32{{1, 2, 3}, {4, 5, 6}})
	require.NoError(t, want.Save(filePath))

	got, err := Load(filePath)
	require.NoError(t, err)
	require.True(t, want.Equal(got))

	_, err = Load(filepath.Join(t.TempDir(), "missing.bin"))
	require.Error(t, err)
}

func TestFinalize(t *testing.T) {
	tensor := FromValue([]float32{1})
	require.True(t, tensor.Ok())
	tensor.Finalize()
	require.False(t, tensor.Ok())
	require.Error(t, tensor.CheckValid())
}

func TestAddInPlace(t *testing.T) {
	dst := FromValue([]float32{1, 2, 3})
	src := FromValue([]float32{10, 20, 30})
	require.NoError(t, AddInPlace(dst, src))
	require.Equal(t, []float32{11, 22, 33}, MustCopyFlatData[float32](dst))
	// src is untouched.
	require.Equal(t, []float32{10, 20, 30}, MustCopyFlatData[float32](src))

	dstInt := FromValue([][]int64{{1, 2}, {3, 4}})
	srcInt := FromValue([][]int64{{10, 10}, {10, 10}})
	require.NoError(t, AddInPlace(dstInt, srcInt))
	require.Equal(t, [][]int64{{11, 12}, {13, 14}}, dstInt.Value())

	// Shape mismatch.
	require.Error(t, AddInPlace(dst, dstInt))
	// Accumulating into itself is not supported.
	require.Error(t, AddInPlace(dst, dst))
}

func TestAddInPlaceHalfPrecision(t *testing.T) {
	dst := FromShape(shapes.Make(dtypes.Float16, 2))
	MustMutableFlatData(dst, func(flat []float16.Float16) {
		flat[0] = float16.Fromfloat32(1.5)
		flat[1] = float16.Fromfloat32(2.5)
	})
	src := FromShape(shapes.Make(dtypes.Float16, 2))
	MustMutableFlatData(src, func(flat []float16.Float16) {
		flat[0] = float16.Fromfloat32(0.5)
		flat[1] = float16.Fromfloat32(0.25)
	})
	require.NoError(t, AddInPlace(dst, src))
	MustConstFlatData(dst, func(flat []float16.Float16) {
		assert.InDelta(t, 2.0, flat[0].Float32(), 1e-3)
		assert.InDelta(t, 2.75, flat[1].Float32(), 1e-3)
	})

	dstB := FromShape(shapes.Make(dtypes.BFloat16, 1))
	MustMutableFlatData(dstB, func(flat []bfloat16.BFloat16) {
		flat[0] = bfloat16.FromFloat32(2)
	})
	srcB := FromShape(shapes.Make(dtypes.BFloat16, 1))
	MustMutableFlatData(srcB, func(flat []bfloat16.BFloat16) {
		flat[0] = bfloat16.FromFloat32(3)
	})
	require.NoError(t, AddInPlace(dstB, srcB))
	MustConstFlatData(dstB, func(flat []bfloat16.BFloat16) {
		assert.InDelta(t, 5.0, flat[0].Float32(), 1e-1)
	})
}

func TestAddInPlaceBoolNotSupported(t *testing.T) {
	dst := FromValue([]bool{true, false})
	src := FromValue([]bool{false, true})
	require.Error(t, AddInPlace(dst, src))
}
