// Package checkpoint serializes model state. Weight matrices are stored
// half-precision; one-dimensional tensors (norm gains, mixing scalars and
// the expert routing bias) are kept full-precision so restored routing is
// bit-identical.
package checkpoint

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/x448/float16"

	"github.com/braidml/braid/ml"
)

const version = 1

type record struct {
	Shape []int     `cbor:"shape"`
	F16   []uint16  `cbor:"f16,omitempty"`
	F32   []float32 `cbor:"f32,omitempty"`
}

type snapshot struct {
	Version  int               `cbor:"version"`
	RopeBase float64           `cbor:"rope_base"`
	RopeDim  int               `cbor:"rope_dim"`
	Tensors  map[string]record `cbor:"tensors"`
}

// Save writes the named tensors plus the rotary table parameters needed to
// rebuild position encoding identically.
func Save(w io.Writer, state map[string]*ml.Tensor, ropeBase float64, ropeDim int) error {
	snap := snapshot{
		Version:  version,
		RopeBase: ropeBase,
		RopeDim:  ropeDim,
		Tensors:  make(map[string]record, len(state)),
	}
	for name, t := range state {
		rec := record{Shape: t.Shape()}
		if t.Rank() >= 2 {
			rec.F16 = make([]uint16, t.Elements())
			for i, v := range t.Data() {
				rec.F16[i] = float16.Fromfloat32(v).Bits()
			}
		} else {
			rec.F32 = append([]float32(nil), t.Data()...)
		}
		snap.Tensors[name] = rec
	}
	return cbor.NewEncoder(w).Encode(snap)
}

// Load reads a snapshot back into named tensors and the rotary parameters.
func Load(r io.Reader) (map[string]*ml.Tensor, float64, int, error) {
	var snap snapshot
	if err := cbor.NewDecoder(r).Decode(&snap); err != nil {
		return nil, 0, 0, err
	}
	if snap.Version != version {
		return nil, 0, 0, fmt.Errorf("checkpoint: unsupported version %d", snap.Version)
	}

	state := make(map[string]*ml.Tensor, len(snap.Tensors))
	for name, rec := range snap.Tensors {
		var data []float32
		switch {
		case rec.F32 != nil:
			data = rec.F32
		case rec.F16 != nil:
			data = make([]float32, len(rec.F16))
			for i, bits := range rec.F16 {
				data[i] = float16.Frombits(bits).Float32()
			}
		default:
			return nil, 0, 0, fmt.Errorf("checkpoint: tensor %q has no payload", name)
		}
		state[name] = ml.FromSlice(data, rec.Shape...)
	}
	return state, snap.RopeBase, snap.RopeDim, nil
}
