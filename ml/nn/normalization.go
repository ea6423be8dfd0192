package nn

import (
	"math"

	"github.com/braidml/braid/ml"
)

// RMSNorm normalizes each row by its root mean square, then scales by a
// learned per-channel weight.
type RMSNorm struct {
	Weight *ml.Tensor
}

func NewRMSNorm(dim int) *RMSNorm {
	w := ml.Zeros(dim)
	for i := range w.Data() {
		w.Data()[i] = 1
	}
	return &RMSNorm{Weight: w}
}

func (m *RMSNorm) Forward(t *ml.Tensor, eps float32) *ml.Tensor {
	dim := t.Dim(-1)
	rows := t.Elements() / dim
	out := t.Clone()
	data := out.Data()
	weight := m.Weight.Data()
	for r := 0; r < rows; r++ {
		row := data[r*dim : (r+1)*dim]
		var ss float32
		for _, v := range row {
			ss += v * v
		}
		inv := 1 / float32(math.Sqrt(float64(ss/float32(dim)+eps)))
		for i := range row {
			row[i] *= inv * weight[i]
		}
	}
	return out
}
