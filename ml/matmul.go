package ml

import (
	"fmt"

	"github.com/pdevine/tensor"
)

// matmul2D multiplies a [m,k] by b [k,n] into a fresh [m,n] slice. The inner
// product is delegated to the tensor library; the wrappers share our backing
// slices so no copies are made on the way in.
func matmul2D(a, b []float32, m, k, n int) []float32 {
	ad := tensor.New(tensor.WithShape(m, k), tensor.WithBacking(a))
	bd := tensor.New(tensor.WithShape(k, n), tensor.WithBacking(b))
	rd, err := ad.MatMul(bd)
	if err != nil {
		panic(fmt.Sprintf("ml: matmul (%d,%d)x(%d,%d): %v", m, k, k, n, err))
	}
	return rd.Data().([]float32)
}

// Mulmat multiplies t by a [k,n] weight matrix, treating all leading axes of
// t as rows: [..., k] x [k, n] -> [..., n].
func (t *Tensor) Mulmat(w *Tensor) *Tensor {
	if len(w.shape) != 2 {
		panic(fmt.Sprintf("ml: mulmat weight must be 2D, got %v", w.shape))
	}
	k, n := w.shape[0], w.shape[1]
	if t.Dim(-1) != k {
		panic(fmt.Sprintf("ml: mulmat inner dim mismatch %v x %v", t.shape, w.shape))
	}
	rows := len(t.data) / k
	outShape := append(append([]int{}, t.shape[:len(t.shape)-1]...), n)
	return FromSlice(matmul2D(t.data, w.data, rows, k, n), outShape...)
}

// MatMulBatched multiplies a [..., m, k] by b [..., k, n] with matching
// leading batch axes, producing [..., m, n].
func MatMulBatched(a, b *Tensor) *Tensor {
	if len(a.shape) < 2 || len(b.shape) != len(a.shape) {
		panic(fmt.Sprintf("ml: batched matmul rank mismatch %v vs %v", a.shape, b.shape))
	}
	nb := len(a.shape) - 2
	batch := numElements(a.shape[:nb])
	if batch != numElements(b.shape[:nb]) {
		panic(fmt.Sprintf("ml: batched matmul batch mismatch %v vs %v", a.shape, b.shape))
	}
	m, k := a.shape[nb], a.shape[nb+1]
	if b.shape[nb] != k {
		panic(fmt.Sprintf("ml: batched matmul inner dim mismatch %v vs %v", a.shape, b.shape))
	}
	n := b.shape[nb+1]

	outShape := append(append([]int{}, a.shape[:nb]...), m, n)
	out := Zeros(outShape...)
	for i := 0; i < batch; i++ {
		res := matmul2D(a.data[i*m*k:(i+1)*m*k], b.data[i*k*n:(i+1)*k*n], m, k, n)
		copy(out.data[i*m*n:], res)
	}
	return out
}

// Transpose2D swaps the last two axes, materializing the result.
func (t *Tensor) Transpose2D() *Tensor {
	if len(t.shape) < 2 {
		panic(fmt.Sprintf("ml: transpose wants rank >= 2, got %v", t.shape))
	}
	nb := len(t.shape) - 2
	batch := numElements(t.shape[:nb])
	m, n := t.shape[nb], t.shape[nb+1]

	outShape := append(append([]int{}, t.shape[:nb]...), n, m)
	out := Zeros(outShape...)
	for i := 0; i < batch; i++ {
		src := t.data[i*m*n:]
		dst := out.data[i*m*n:]
		for r := 0; r < m; r++ {
			for c := 0; c < n; c++ {
				dst[c*m+r] = src[r*n+c]
			}
		}
	}
	return out
}
