package graph

import (
	"fmt"
	"math"
)

// Activation is a pointwise non-linearity with its derivative, expressed in
// terms of the pre-activation input.
type Activation struct {
	Name  string
	F     func(float64) float64
	Deriv func(float64) float64
}

// activations is the closed set of non-linearities configuration may name.
var activations = map[string]Activation{
	"identity": {
		Name:  "identity",
		F:     func(x float64) float64 { return x },
		Deriv: func(x float64) float64 { return 1 },
	},
	"relu": {
		Name: "relu",
		F:    func(x float64) float64 { return math.Max(0, x) },
		Deriv: func(x float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		},
	},
	"leaky_relu": {
		Name: "leaky_relu",
		F: func(x float64) float64 {
			if x > 0 {
				return x
			}
			return 0.1 * x
		},
		Deriv: func(x float64) float64 {
			if x > 0 {
				return 1
			}
			return 0.1
		},
	},
	"tanh": {
		Name: "tanh",
		F:    math.Tanh,
		Deriv: func(x float64) float64 {
			t := math.Tanh(x)
			return 1 - t*t
		},
	},
	"sigmoid": {
		Name:  "sigmoid",
		F:     sigmoid,
		Deriv: func(x float64) float64 { s := sigmoid(x); return s * (1 - s) },
	},
	"gelu": {
		Name: "gelu",
		F: func(x float64) float64 {
			return 0.5 * x * (1 + math.Tanh(geluC*(x+0.044715*x*x*x)))
		},
		Deriv: func(x float64) float64 {
			inner := geluC * (x + 0.044715*x*x*x)
			t := math.Tanh(inner)
			dInner := geluC * (1 + 3*0.044715*x*x)
			return 0.5*(1+t) + 0.5*x*(1-t*t)*dInner
		},
	},
}

var geluC = math.Sqrt(2 / math.Pi)

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// ActivationByName resolves a configured non-linearity name. The set is
// closed; unknown names fail eagerly so configuration errors surface at
// construction time, not mid-training.
func ActivationByName(name string) (Activation, error) {
	a, ok := activations[name]
	if !ok {
		return Activation{}, fmt.Errorf("unknown activation function %q", name)
	}
	return a, nil
}
