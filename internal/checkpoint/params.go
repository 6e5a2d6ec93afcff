package checkpoint

import (
	"math"
	"sort"
)

// Tensor is one named parameter: a flat value buffer plus its shape.
type Tensor struct {
	Shape  []int     `json:"shape"`
	Values []float32 `json:"values"`
}

// Params is a full parameter set keyed by variable name.
type Params map[string]Tensor

// ParamSet carries both parameter sets of a run at one step.
type ParamSet map[Tag]Params

// Count returns the total number of scalar parameters.
func (p Params) Count() int {
	n := 0
	for _, t := range p {
		n += len(t.Values)
	}
	return n
}

// Names returns the variable names in sorted order.
func (p Params) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for name, t := range p {
		out[name] = Tensor{
			Shape:  append([]int(nil), t.Shape...),
			Values: append([]float32(nil), t.Values...),
		}
	}
	return out
}

// Equal reports value-for-value equality, including shapes.
func (p Params) Equal(other Params) bool {
	if len(p) != len(other) {
		return false
	}
	for name, t := range p {
		o, ok := other[name]
		if !ok || len(t.Shape) != len(o.Shape) || len(t.Values) != len(o.Values) {
			return false
		}
		for i := range t.Shape {
			if t.Shape[i] != o.Shape[i] {
				return false
			}
		}
		for i := range t.Values {
			if math.Float32bits(t.Values[i]) != math.Float32bits(o.Values[i]) {
				return false
			}
		}
	}
	return true
}
