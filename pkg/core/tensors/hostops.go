package tensors

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// AddInPlace accumulates src into dst, element-wise: `dst[i] += src[i]`.
//
// Both tensors must have the same shape and must be different tensors. It supports all numeric
// dtypes, including Float16 and BFloat16 -- for those the sum is computed in float32 and converted
// back. Bool tensors are not supported.
func AddInPlace(dst, src *Tensor) error {
	if err := dst.CheckValid(); err != nil {
		return errors.WithMessage(err, "AddInPlace destination")
	}
	if err := src.CheckValid(); err != nil {
		return errors.WithMessage(err, "AddInPlace source")
	}
	if dst == src {
		return errors.Errorf("AddInPlace cannot accumulate a tensor into itself")
	}
	if !dst.shape.Equal(src.shape) {
		return errors.Errorf("AddInPlace requires tensors of the same shape, got %s and %s",
			dst.shape, src.shape)
	}
	switch dst.DType() {
	case dtypes.Float32:
		return addInPlaceImpl[float32](dst, src)
	case dtypes.Float64:
		return addInPlaceImpl[float64](dst, src)
	case dtypes.Int8:
		return addInPlaceImpl[int8](dst, src)
	case dtypes.Int16:
		return addInPlaceImpl[int16](dst, src)
	case dtypes.Int32:
		return addInPlaceImpl[int32](dst, src)
	case dtypes.Int64:
		return addInPlaceImpl[int64](dst, src)
	case dtypes.Uint8:
		return addInPlaceImpl[uint8](dst, src)
	case dtypes.Uint16:
		return addInPlaceImpl[uint16](dst, src)
	case dtypes.Uint32:
		return addInPlaceImpl[uint32](dst, src)
	case dtypes.Uint64:
		return addInPlaceImpl[uint64](dst, src)
	case dtypes.Complex64:
		return addInPlaceImpl[complex64](dst, src)
	case dtypes.Complex128:
		return addInPlaceImpl[complex128](dst, src)
	case dtypes.Float16:
		return addInPlaceFloat16(dst, src)
	case dtypes.BFloat16:
		return addInPlaceBFloat16(dst, src)
	default:
		return errors.Errorf("AddInPlace does not support dtype %s", dst.DType())
	}
}

func addInPlaceImpl[T dtypes.Number](dst, src *Tensor) error {
	return MutableFlatData(dst, func(dstFlat []T) {
		MustConstFlatData(src, func(srcFlat []T) {
			for ii := range dstFlat {
				dstFlat[ii] += srcFlat[ii]
			}
		})
	})
}

func addInPlaceFloat16(dst, src *Tensor) error {
	return MutableFlatData(dst, func(dstFlat []float16.Float16) {
		MustConstFlatData(src, func(srcFlat []float16.Float16) {
			for ii := range dstFlat {
				dstFlat[ii] = float16.Fromfloat32(dstFlat[ii].Float32() + srcFlat[ii].Float32())
			}
		})
	})
}

func addInPlaceBFloat16(dst, src *Tensor) error {
	return MutableFlatData(dst, func(dstFlat []bfloat16.BFloat16) {
		MustConstFlatData(src, func(srcFlat []bfloat16.BFloat16) {
			for ii := range dstFlat {
				dstFlat[ii] = bfloat16.FromFloat32(dstFlat[ii].Float32() + srcFlat[ii].Float32())
			}
		})
	})
}
