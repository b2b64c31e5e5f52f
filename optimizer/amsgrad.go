package optimizer

import (
	"fmt"
	"math"

	"github.com/arbornlp/arbor/graph"
)

// AMSGrad is the variant strategy the trainer switches to when progress
// stalls: identical to Adam except the second-moment estimate used in the
// update is the running elementwise maximum, so the effective step size never
// grows back.
type AMSGrad struct {
	cfg   Config
	step  int
	state map[string]*moments
}

// NewAMSGrad creates an AMSGrad optimizer.
func NewAMSGrad(cfg Config) (*AMSGrad, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &AMSGrad{cfg: cfg, state: map[string]*moments{}}, nil
}

// FromAdam creates the variant with the primary strategy's hyperparameters
// and fresh state, for the mid-run switch.
func FromAdam(a *Adam) *AMSGrad {
	return &AMSGrad{cfg: a.cfg, state: map[string]*moments{}}
}

// Name identifies the strategy in progress events and checkpoints.
func (a *AMSGrad) Name() string {
	return "AMSGrad"
}

// Step applies one AMSGrad update to every parameter.
func (a *AMSGrad) Step(params []*graph.Param) error {
	a.step++
	c1 := 1 - math.Pow(a.cfg.Beta1, float64(a.step))
	c2 := 1 - math.Pow(a.cfg.Beta2, float64(a.step))

	for _, p := range params {
		val := p.Value.RawMatrix().Data
		grad := p.Grad.RawMatrix().Data
		s, ok := a.state[p.Name]
		if !ok {
			s = newMoments(len(val), true)
			a.state[p.Name] = s
		}
		if len(s.m) != len(val) {
			return fmt.Errorf("parameter %s changed size mid-run: state %d, value %d", p.Name, len(s.m), len(val))
		}
		for i := range val {
			s.m[i] = a.cfg.Beta1*s.m[i] + (1-a.cfg.Beta1)*grad[i]
			s.v[i] = a.cfg.Beta2*s.v[i] + (1-a.cfg.Beta2)*grad[i]*grad[i]
			if s.v[i] > s.vHat[i] {
				s.vHat[i] = s.v[i]
			}
			mHat := s.m[i] / c1
			vHat := s.vHat[i] / c2
			val[i] -= a.cfg.LearningRate * mHat / (math.Sqrt(vHat) + a.cfg.Epsilon)
		}
	}
	return nil
}
