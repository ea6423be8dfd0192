// Package fs provides keyed model configuration with typed accessors,
// decoupling model construction from wherever the key/value pairs came from.
package fs

import (
	"iter"
	"maps"

	"github.com/mitchellh/mapstructure"
)

// Config is a read-only view over configuration key/value pairs. Values are
// coerced to the requested type on access; a missing or un-coercible key
// yields the caller's default.
type Config struct {
	kv map[string]any
}

func NewConfig(kv map[string]any) Config {
	return Config{kv: kv}
}

func (c Config) Len() int               { return len(c.kv) }
func (c Config) Keys() iter.Seq[string] { return maps.Keys(c.kv) }
func (c Config) Value(key string) any   { return c.kv[key] }
func (c Config) Has(key string) bool    { _, ok := c.kv[key]; return ok }

func decode[T any](c Config, key string, dflt []T) T {
	var zero T
	if v, ok := c.kv[key]; ok {
		var out T
		if err := mapstructure.WeakDecode(v, &out); err == nil {
			return out
		}
	}
	if len(dflt) > 0 {
		return dflt[0]
	}
	return zero
}

func (c Config) String(key string, dflt ...string) string {
	return decode(c, key, dflt)
}

func (c Config) Int(key string, dflt ...int) int {
	return decode(c, key, dflt)
}

func (c Config) Uint(key string, dflt ...uint32) uint32 {
	return decode(c, key, dflt)
}

func (c Config) Float(key string, dflt ...float32) float32 {
	return decode(c, key, dflt)
}

func (c Config) Bool(key string, dflt ...bool) bool {
	return decode(c, key, dflt)
}

func (c Config) Strings(key string, dflt ...[]string) []string {
	return decode(c, key, dflt)
}

func (c Config) Floats(key string, dflt ...[]float32) []float32 {
	return decode(c, key, dflt)
}
