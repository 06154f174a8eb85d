package strategy

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"
)

// Params are the named parameters a strategy is set up with. Values come
// from YAML, so numbers may arrive as int, float64 or string.
type Params map[string]any

// Float returns the named value as a float64, or def when it is missing or
// not numeric.
func (p Params) Float(name string, def float64) float64 {
	v, ok := p[name]
	if !ok {
		return def
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return def
	}
	return f
}

// Int returns the named value as an int, or def.
func (p Params) Int(name string, def int) int {
	v, ok := p[name]
	if !ok {
		return def
	}
	i, err := cast.ToIntE(v)
	if err != nil {
		return def
	}
	return i
}

// Bool returns the named value as a bool, or def.
func (p Params) Bool(name string, def bool) bool {
	v, ok := p[name]
	if !ok {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

// String returns the named value as a string, or def.
func (p Params) String(name, def string) string {
	v, ok := p[name]
	if !ok {
		return def
	}
	return cast.ToString(v)
}

// Decode copies the parameters into out, a pointer to a struct whose fields
// carry `param` tags. Input is weakly typed, so "20" decodes into an int.
// Fields without a key keep their value, so defaults can be set before
// decoding; slices and maps that are present are replaced, not merged.
// Unknown keys are an error.
func (p Params) Decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "param",
		WeaklyTypedInput: true,
		ZeroFields:       true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(map[string]any(p)); err != nil {
		return fmt.Errorf("decoding strategy params: %w", err)
	}
	return nil
}

// Clone returns a shallow copy of p.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
