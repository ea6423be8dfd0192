package nn

import (
	"fmt"
	"math"

	"github.com/braidml/braid/ml"
)

// Attention computes scaled dot-product attention over batched heads:
//
//	Attention(Q, K, V) = softmax(QK^T * scale) V
//
// Q is [batch, heads, seqQ, dk], K is [batch, heads, seqK, dk] and V is
// [batch, heads, seqK, dv]. When causal is set, query i may only attend to
// keys j <= seqK-seqQ+i, which aligns the last query with the last key so an
// incrementally decoded suffix attends over the whole stored prefix.
func Attention(q, k, v *ml.Tensor, scale float64, causal bool) *ml.Tensor {
	if q.Dim(-1) != k.Dim(-1) {
		panic(fmt.Errorf("d_k in attention operation does not match between query(%v) and key(%v)", q.Dim(-1), k.Dim(-1)))
	}
	if k.Dim(2) != v.Dim(2) {
		panic(fmt.Errorf("seq_len_k in attention operation does not match between key(%v) and value(%v)", k.Dim(2), v.Dim(2)))
	}
	if scale <= 0 {
		scale = ml.MinScale
	}

	seqQ, seqK := q.Dim(2), k.Dim(2)
	scores := ml.MatMulBatched(q, k.Transpose2D()).Scale(float32(scale))

	if causal {
		neg := float32(math.Inf(-1))
		data := scores.Data()
		rows := scores.Elements() / (seqQ * seqK)
		for r := 0; r < rows; r++ {
			for i := 0; i < seqQ; i++ {
				row := data[(r*seqQ+i)*seqK : (r*seqQ+i+1)*seqK]
				for j := seqK - seqQ + i + 1; j < seqK; j++ {
					row[j] = neg
				}
			}
		}
	}

	return ml.MatMulBatched(scores.SoftmaxRows(1), v)
}
