// Package kvcache stores incrementally appended key/value history for the
// compressed attention branch during step-by-step generation.
package kvcache

import (
	"github.com/google/uuid"

	"github.com/braidml/braid/logutil"
	"github.com/braidml/braid/ml"
)

// Session is a generation-session cache for one attention module. Keys and
// values are stored [batch, heads, capacity, dim] with a fill pointer; the
// fill pointer never exceeds capacity and writes beyond it are truncated.
// Concurrent generation sessions must use separate Session instances.
type Session struct {
	id uuid.UUID

	heads    int
	capacity int
	keyDim   int
	valueDim int

	batch  int
	filled int

	keys, values []float32
}

func NewSession(heads, capacity, keyDim, valueDim int) *Session {
	return &Session{
		id:       uuid.New(),
		heads:    heads,
		capacity: capacity,
		keyDim:   keyDim,
		valueDim: valueDim,
	}
}

func (c *Session) ID() uuid.UUID { return c.id }
func (c *Session) Filled() int   { return c.filled }
func (c *Session) Capacity() int { return c.capacity }

// Reset clears the fill pointer, keeping the allocation. Called on a
// training/inference mode switch and at session end.
func (c *Session) Reset() {
	c.filled = 0
}

// Put appends up to seq new timesteps of key [batch, heads, seq, keyDim] and
// value [batch, heads, seq, valueDim], starting at the fill pointer. Tokens
// beyond capacity are silently dropped from caching. A batch size change is
// recoverable: the cache reallocates and starts over rather than failing.
func (c *Session) Put(key, value *ml.Tensor) {
	batch, seq := key.Dim(0), key.Dim(2)
	if batch != c.batch || c.keys == nil {
		logutil.Trace("kv cache reallocated", "session", c.id, "batch", batch, "capacity", c.capacity)
		c.batch = batch
		c.keys = make([]float32, batch*c.heads*c.capacity*c.keyDim)
		c.values = make([]float32, batch*c.heads*c.capacity*c.valueDim)
		c.filled = 0
	}

	n := seq
	if c.filled+n > c.capacity {
		n = c.capacity - c.filled
	}
	if n <= 0 {
		return
	}

	kd, vd := key.Data(), value.Data()
	for b := 0; b < batch; b++ {
		for h := 0; h < c.heads; h++ {
			ksrc := kd[((b*c.heads+h)*seq)*c.keyDim:]
			kdst := c.keys[((b*c.heads+h)*c.capacity+c.filled)*c.keyDim:]
			copy(kdst[:n*c.keyDim], ksrc[:n*c.keyDim])

			vsrc := vd[((b*c.heads+h)*seq)*c.valueDim:]
			vdst := c.values[((b*c.heads+h)*c.capacity+c.filled)*c.valueDim:]
			copy(vdst[:n*c.valueDim], vsrc[:n*c.valueDim])
		}
	}
	c.filled += n
}

// Get returns the filled prefix of the cache as [batch, heads, filled, dim]
// tensors. The prefix is causal by construction: only past and current
// tokens are ever stored.
func (c *Session) Get() (key, value *ml.Tensor) {
	key = ml.Zeros(c.batch, c.heads, c.filled, c.keyDim)
	value = ml.Zeros(c.batch, c.heads, c.filled, c.valueDim)
	kd, vd := key.Data(), value.Data()
	for b := 0; b < c.batch; b++ {
		for h := 0; h < c.heads; h++ {
			ksrc := c.keys[((b*c.heads+h)*c.capacity)*c.keyDim:]
			copy(kd[((b*c.heads+h)*c.filled)*c.keyDim:], ksrc[:c.filled*c.keyDim])

			vsrc := c.values[((b*c.heads+h)*c.capacity)*c.valueDim:]
			copy(vd[((b*c.heads+h)*c.filled)*c.valueDim:], vsrc[:c.filled*c.valueDim])
		}
	}
	return key, value
}
