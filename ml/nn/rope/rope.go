// Package rope implements rotary positional encoding: a position-dependent
// 2D rotation of paired query/key subspaces so dot products encode relative
// position.
package rope

import (
	"errors"
	"fmt"
	"math"

	"github.com/braidml/braid/ml"
)

// ErrPositionOutOfRange is returned when a rotation is requested for a
// position beyond the precomputed table. The table never grows implicitly
// during a session; callers extend it explicitly at configuration time.
var ErrPositionOutOfRange = errors.New("rope: position exceeds precomputed table")

// Options contains optional parameters for the rotation table.
type Options struct {
	Base      float64
	MaxLength int
}

func WithBase(base float64) func(*Options) {
	return func(opts *Options) {
		opts.Base = base
	}
}

func WithMaxLength(n int) func(*Options) {
	return func(opts *Options) {
		opts.MaxLength = n
	}
}

// Table holds cosine/sine rotation coefficients, indexed by position, for a
// rotary subspace of a fixed even dimension. It is built once and shared
// read-only across layers; Extend rebuilds it at most once per distinct
// larger length.
type Table struct {
	dim      int
	base     float64
	maxLen   int
	cos, sin []float32 // [maxLen, dim/2]
}

func New(dim int, opts ...func(*Options)) (*Table, error) {
	if dim <= 0 || dim%2 != 0 {
		return nil, fmt.Errorf("rope: subspace dimension must be positive and even, got %d", dim)
	}

	options := Options{Base: 10000, MaxLength: 2048}
	for _, opt := range opts {
		opt(&options)
	}
	if options.MaxLength <= 0 {
		return nil, fmt.Errorf("rope: max length must be positive, got %d", options.MaxLength)
	}

	t := &Table{dim: dim, base: options.Base}
	t.build(options.MaxLength)
	return t, nil
}

func (t *Table) build(maxLen int) {
	d2 := t.dim / 2
	t.cos = make([]float32, maxLen*d2)
	t.sin = make([]float32, maxLen*d2)
	for i := 0; i < d2; i++ {
		freq := 1 / math.Pow(t.base, float64(2*i)/float64(t.dim))
		for p := 0; p < maxLen; p++ {
			angle := float64(p) * freq
			t.cos[p*d2+i] = float32(math.Cos(angle))
			t.sin[p*d2+i] = float32(math.Sin(angle))
		}
	}
	t.maxLen = maxLen
}

func (t *Table) Dim() int       { return t.dim }
func (t *Table) Base() float64  { return t.base }
func (t *Table) MaxLength() int { return t.maxLen }

// Extend rebuilds the table if n exceeds the cached length. Shorter requests
// are no-ops; Apply truncates instead of recomputing.
func (t *Table) Extend(n int) {
	if n > t.maxLen {
		t.build(n)
	}
}

// Inverse returns a view of the table that applies the opposite rotation.
// Applying a table and then its inverse at the same position is the
// identity, up to rounding.
func (t *Table) Inverse() *Table {
	inv := *t
	inv.sin = make([]float32, len(t.sin))
	for i, v := range t.sin {
		inv.sin[i] = -v
	}
	return &inv
}

// Apply rotates x, shaped [batch, heads, seq, dim], at absolute positions
// given per batch item (positions[b][i] is the original sequence location of
// token i). The vector's halves are treated as (real, imaginary) pairs:
//
//	out_real = real*cos - imag*sin
//	out_imag = real*sin + imag*cos
func (t *Table) Apply(x *ml.Tensor, positions [][]int) (*ml.Tensor, error) {
	if x.Rank() != 4 || x.Dim(3) != t.dim {
		return nil, fmt.Errorf("rope: cannot rotate tensor of shape %v with a %d-dim table", x.Shape(), t.dim)
	}
	batch, heads, seq := x.Dim(0), x.Dim(1), x.Dim(2)
	if len(positions) != batch {
		return nil, fmt.Errorf("rope: %d position rows for batch of %d", len(positions), batch)
	}
	for b := range positions {
		if len(positions[b]) != seq {
			return nil, fmt.Errorf("rope: %d positions for sequence of %d", len(positions[b]), seq)
		}
		for _, p := range positions[b] {
			if p < 0 || p >= t.maxLen {
				return nil, fmt.Errorf("%w: position %d, table length %d", ErrPositionOutOfRange, p, t.maxLen)
			}
		}
	}

	d2 := t.dim / 2
	out := x.Clone()
	data := out.Data()
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for i := 0; i < seq; i++ {
				p := positions[b][i]
				cos := t.cos[p*d2 : (p+1)*d2]
				sin := t.sin[p*d2 : (p+1)*d2]
				row := data[((b*heads+h)*seq+i)*t.dim : ((b*heads+h)*seq+i+1)*t.dim]
				for j := 0; j < d2; j++ {
					re, im := row[j], row[d2+j]
					row[j] = re*cos[j] - im*sin[j]
					row[d2+j] = re*sin[j] + im*cos[j]
				}
			}
		}
	}
	return out, nil
}

// Positions builds the shared position rows for a contiguous chunk: every
// batch item covers [offset, offset+seq).
func Positions(batch, seq, offset int) [][]int {
	rows := make([][]int, batch)
	for b := range rows {
		rows[b] = make([]int, seq)
		for i := range rows[b] {
			rows[b][i] = offset + i
		}
	}
	return rows
}
