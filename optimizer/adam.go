package optimizer

import (
	"fmt"
	"math"

	"github.com/arbornlp/arbor/graph"
)

// Adam is the primary update strategy: adaptive moment estimation with bias
// correction. Moment tensors are keyed by parameter name.
type Adam struct {
	cfg   Config
	step  int
	state map[string]*moments
}

// NewAdam creates an Adam optimizer.
func NewAdam(cfg Config) (*Adam, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Adam{cfg: cfg, state: map[string]*moments{}}, nil
}

// Name identifies the strategy in progress events and checkpoints.
func (a *Adam) Name() string {
	return "Adam"
}

// Config returns the optimizer's hyperparameters.
func (a *Adam) Config() Config {
	return a.cfg
}

// Step applies one Adam update to every parameter's values from its
// accumulated gradient.
func (a *Adam) Step(params []*graph.Param) error {
	a.step++
	c1 := 1 - math.Pow(a.cfg.Beta1, float64(a.step))
	c2 := 1 - math.Pow(a.cfg.Beta2, float64(a.step))

	for _, p := range params {
		val := p.Value.RawMatrix().Data
		grad := p.Grad.RawMatrix().Data
		s, ok := a.state[p.Name]
		if !ok {
			s = newMoments(len(val), false)
			a.state[p.Name] = s
		}
		if len(s.m) != len(val) {
			return fmt.Errorf("parameter %s changed size mid-run: state %d, value %d", p.Name, len(s.m), len(val))
		}
		for i := range val {
			s.m[i] = a.cfg.Beta1*s.m[i] + (1-a.cfg.Beta1)*grad[i]
			s.v[i] = a.cfg.Beta2*s.v[i] + (1-a.cfg.Beta2)*grad[i]*grad[i]
			mHat := s.m[i] / c1
			vHat := s.v[i] / c2
			val[i] -= a.cfg.LearningRate * mHat / (math.Sqrt(vHat) + a.cfg.Epsilon)
		}
	}
	return nil
}
