package ml

import (
	"math"

	"github.com/emirpasic/gods/queues/priorityqueue"
)

// MinScale is the floor applied to softmax temperatures and attention scales
// so a degenerate configuration clamps instead of producing NaN.
const MinScale = 1e-6

// SoftmaxRows applies softmax independently to each row of the last axis,
// in place, dividing by temp first. Non-positive temperatures are clamped to
// MinScale.
func (t *Tensor) SoftmaxRows(temp float32) *Tensor {
	if temp < MinScale {
		temp = MinScale
	}
	cols := t.Dim(-1)
	rows := len(t.data) / cols
	for r := 0; r < rows; r++ {
		row := t.data[r*cols : (r+1)*cols]
		maxv := float32(math.Inf(-1))
		for _, v := range row {
			if v > maxv {
				maxv = v
			}
		}
		var sum float32
		for i, v := range row {
			e := float32(math.Exp(float64((v - maxv) / temp)))
			row[i] = e
			sum += e
		}
		if sum < MinScale {
			sum = MinScale
		}
		for i := range row {
			row[i] /= sum
		}
	}
	return t
}

type scored struct {
	index int
	score float32
}

// TopK returns the indices of the k largest scores in descending score
// order. k is clamped to len(scores). Ties break toward the lower index so
// selection is reproducible.
func TopK(scores []float32, k int) []int {
	if k > len(scores) {
		k = len(scores)
	}
	if k <= 0 {
		return nil
	}

	pq := priorityqueue.NewWith(func(a, b interface{}) int {
		sa, sb := a.(scored), b.(scored)
		switch {
		case sa.score > sb.score:
			return -1
		case sa.score < sb.score:
			return 1
		default:
			return sa.index - sb.index
		}
	})
	for i, s := range scores {
		pq.Enqueue(scored{index: i, score: s})
	}

	out := make([]int, 0, k)
	for len(out) < k {
		v, _ := pq.Dequeue()
		out = append(out, v.(scored).index)
	}
	return out
}
