package nn

import (
	"math/rand"

	"github.com/braidml/braid/ml"
)

// Linear is a dense projection. Weight is stored [in, out] so the forward
// pass is a plain row-major matmul.
type Linear struct {
	Weight *ml.Tensor
	Bias   *ml.Tensor
}

// initStd is the weight initialization scale used across the model.
const initStd = 0.02

func NewLinear(rng *rand.Rand, in, out int, bias bool) *Linear {
	l := &Linear{Weight: ml.Randn(rng, initStd, in, out)}
	if bias {
		l.Bias = ml.Zeros(out)
	}
	return l
}

func (m *Linear) Forward(t *ml.Tensor) *ml.Tensor {
	t = t.Mulmat(m.Weight)
	if m.Bias != nil {
		out := t.Dim(-1)
		rows := t.Elements() / out
		data := t.Data()
		bias := m.Bias.Data()
		for r := 0; r < rows; r++ {
			row := data[r*out : (r+1)*out]
			for i := range row {
				row[i] += bias[i]
			}
		}
	}
	return t
}
