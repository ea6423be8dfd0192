// Package ml provides the dense float32 tensor type and the small set of
// array operations the model layers are built from. Shapes are row-major;
// the last axis is contiguous.
package ml

import (
	"fmt"
	"math/rand"
	"slices"
)

type Tensor struct {
	data  []float32
	shape []int
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	return &Tensor{
		data:  make([]float32, numElements(shape)),
		shape: slices.Clone(shape),
	}
}

// FromSlice wraps data in a tensor without copying. The backing slice length
// must match the shape exactly.
func FromSlice(data []float32, shape ...int) *Tensor {
	if len(data) != numElements(shape) {
		panic(fmt.Sprintf("ml: backing slice has %d elements, shape %v wants %d", len(data), shape, numElements(shape)))
	}
	return &Tensor{data: data, shape: slices.Clone(shape)}
}

// Randn fills a new tensor with samples from N(0, std).
func Randn(rng *rand.Rand, std float32, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = float32(rng.NormFloat64()) * std
	}
	return t
}

// Scalar returns a rank-1 tensor holding a single value. Learned scalars
// (mixing coefficients) are kept as tensors so checkpointing sees them.
func Scalar(v float32) *Tensor {
	return FromSlice([]float32{v}, 1)
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("ml: negative dimension in shape %v", shape))
		}
		n *= d
	}
	return n
}

func (t *Tensor) Data() []float32 { return t.data }
func (t *Tensor) Shape() []int    { return t.shape }
func (t *Tensor) Rank() int       { return len(t.shape) }
func (t *Tensor) Elements() int   { return len(t.data) }

func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// At returns the scalar value of a rank-1, single-element tensor.
func (t *Tensor) At(i int) float32     { return t.data[i] }
func (t *Tensor) Set(i int, v float32) { t.data[i] = v }

// Reshape returns a view sharing the backing data. The element count must
// be unchanged.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	if numElements(shape) != len(t.data) {
		panic(fmt.Sprintf("ml: cannot reshape %v to %v", t.shape, shape))
	}
	return &Tensor{data: t.data, shape: slices.Clone(shape)}
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{data: slices.Clone(t.data), shape: slices.Clone(t.shape)}
}

func (t *Tensor) sameShape(other *Tensor) bool {
	return slices.Equal(t.shape, other.shape)
}

// Add returns t + other elementwise.
func (t *Tensor) Add(other *Tensor) *Tensor {
	if !t.sameShape(other) {
		panic(fmt.Sprintf("ml: add shape mismatch %v vs %v", t.shape, other.shape))
	}
	out := t.Clone()
	for i, v := range other.data {
		out.data[i] += v
	}
	return out
}

// Mul returns t * other elementwise.
func (t *Tensor) Mul(other *Tensor) *Tensor {
	if !t.sameShape(other) {
		panic(fmt.Sprintf("ml: mul shape mismatch %v vs %v", t.shape, other.shape))
	}
	out := t.Clone()
	for i, v := range other.data {
		out.data[i] *= v
	}
	return out
}

// Scale returns t * s.
func (t *Tensor) Scale(s float32) *Tensor {
	out := t.Clone()
	for i := range out.data {
		out.data[i] *= s
	}
	return out
}

// Lerp returns (1-w)*t + w*other, the value-residual mixing primitive.
func (t *Tensor) Lerp(other *Tensor, w float32) *Tensor {
	if !t.sameShape(other) {
		panic(fmt.Sprintf("ml: lerp shape mismatch %v vs %v", t.shape, other.shape))
	}
	out := Zeros(t.shape...)
	for i := range out.data {
		out.data[i] = (1-w)*t.data[i] + w*other.data[i]
	}
	return out
}

// Concat joins two tensors along the last axis. All leading dimensions must
// match.
func (t *Tensor) Concat(other *Tensor) *Tensor {
	if len(t.shape) != len(other.shape) {
		panic(fmt.Sprintf("ml: concat rank mismatch %v vs %v", t.shape, other.shape))
	}
	for i := 0; i < len(t.shape)-1; i++ {
		if t.shape[i] != other.shape[i] {
			panic(fmt.Sprintf("ml: concat shape mismatch %v vs %v", t.shape, other.shape))
		}
	}
	ld, od := t.Dim(-1), other.Dim(-1)
	rows := len(t.data) / ld
	outShape := slices.Clone(t.shape)
	outShape[len(outShape)-1] = ld + od
	out := Zeros(outShape...)
	for r := 0; r < rows; r++ {
		copy(out.data[r*(ld+od):], t.data[r*ld:(r+1)*ld])
		copy(out.data[r*(ld+od)+ld:], other.data[r*od:(r+1)*od])
	}
	return out
}

// Rows gathers rows of a [rows, cols] tensor by index, preserving the order
// of indices.
func (t *Tensor) Rows(indices []int) *Tensor {
	if len(t.shape) != 2 {
		panic(fmt.Sprintf("ml: rows wants a 2D tensor, got %v", t.shape))
	}
	cols := t.shape[1]
	out := Zeros(len(indices), cols)
	for i, idx := range indices {
		copy(out.data[i*cols:], t.data[idx*cols:(idx+1)*cols])
	}
	return out
}

// Mean reduces one axis by averaging. The reduced axis is removed from the
// shape.
func (t *Tensor) Mean(axis int) *Tensor {
	if axis < 0 {
		axis += len(t.shape)
	}
	if axis < 0 || axis >= len(t.shape) {
		panic(fmt.Sprintf("ml: mean axis %d out of range for %v", axis, t.shape))
	}
	outer := numElements(t.shape[:axis])
	n := t.shape[axis]
	inner := numElements(t.shape[axis+1:])

	outShape := slices.Concat(t.shape[:axis], t.shape[axis+1:])
	out := Zeros(outShape...)
	inv := 1 / float32(n)
	for o := 0; o < outer; o++ {
		for k := 0; k < n; k++ {
			src := t.data[(o*n+k)*inner : (o*n+k+1)*inner]
			dst := out.data[o*inner : (o+1)*inner]
			for i, v := range src {
				dst[i] += v * inv
			}
		}
	}
	return out
}
