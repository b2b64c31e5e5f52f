package optimizer

import (
	"math"
	"testing"

	"github.com/arbornlp/arbor/graph"
)

// quadParam builds a store with one parameter minimizing f(x) = sum(x^2).
func quadParam(t *testing.T) (*graph.Store, *graph.Param) {
	t.Helper()
	s := graph.NewStore()
	p, err := s.Create("Net/layer/W", 1, 3)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	p.Value.Set(0, 0, 1.5)
	p.Value.Set(0, 1, -2.0)
	p.Value.Set(0, 2, 0.5)
	return s, p
}

func quadGrad(p *graph.Param) {
	val := p.Value.RawMatrix().Data
	grad := p.Grad.RawMatrix().Data
	for i := range val {
		grad[i] = 2 * val[i]
	}
}

func norm(p *graph.Param) float64 {
	var sum float64
	for _, v := range p.Value.RawMatrix().Data {
		sum += v * v
	}
	return math.Sqrt(sum)
}

func TestConfigValidation(t *testing.T) {
	bad := []Config{
		{LearningRate: 0, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8},
		{LearningRate: 0.01, Beta1: 1.0, Beta2: 0.999, Epsilon: 1e-8},
		{LearningRate: 0.01, Beta1: 0.9, Beta2: -0.1, Epsilon: 1e-8},
		{LearningRate: 0.01, Beta1: 0.9, Beta2: 0.999, Epsilon: 0},
	}
	for i, cfg := range bad {
		if _, err := NewAdam(cfg); err == nil {
			t.Errorf("case %d: expected config validation to fail", i)
		}
	}
	if _, err := NewAdam(DefaultConfig()); err != nil {
		t.Errorf("expected default config to validate, got %v", err)
	}
}

func TestAdamConverges(t *testing.T) {
	_, p := quadParam(t)
	opt, err := NewAdam(Config{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8})
	if err != nil {
		t.Fatalf("NewAdam failed: %v", err)
	}

	start := norm(p)
	for i := 0; i < 200; i++ {
		p.ZeroGrad()
		quadGrad(p)
		if err := opt.Step([]*graph.Param{p}); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}
	if end := norm(p); end >= start/10 {
		t.Errorf("expected Adam to shrink the parameter norm, start %g, end %g", start, end)
	}
}

func TestAMSGradConverges(t *testing.T) {
	_, p := quadParam(t)
	opt, err := NewAMSGrad(Config{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8})
	if err != nil {
		t.Fatalf("NewAMSGrad failed: %v", err)
	}

	start := norm(p)
	for i := 0; i < 200; i++ {
		p.ZeroGrad()
		quadGrad(p)
		if err := opt.Step([]*graph.Param{p}); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}
	if end := norm(p); end >= start/10 {
		t.Errorf("expected AMSGrad to shrink the parameter norm, start %g, end %g", start, end)
	}
}

func TestAMSGradSecondMomentIsNonDecreasing(t *testing.T) {
	_, p := quadParam(t)
	opt, err := NewAMSGrad(DefaultConfig())
	if err != nil {
		t.Fatalf("NewAMSGrad failed: %v", err)
	}

	// Feed a large gradient, then tiny ones: the retained maximum must not
	// decay the way the raw second moment does.
	grad := p.Grad.RawMatrix().Data
	for i := range grad {
		grad[i] = 10
	}
	if err := opt.Step([]*graph.Param{p}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	s := opt.state[p.Name]
	after := append([]float64{}, s.vHat...)

	for step := 0; step < 5; step++ {
		for i := range grad {
			grad[i] = 1e-4
		}
		if err := opt.Step([]*graph.Param{p}); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		for i := range s.vHat {
			if s.vHat[i] < after[i] {
				t.Fatalf("second-moment maximum decreased at step %d: %g -> %g", step, after[i], s.vHat[i])
			}
			if s.vHat[i] < s.v[i] {
				t.Fatalf("retained maximum fell below the raw moment at step %d", step)
			}
			after[i] = s.vHat[i]
		}
	}
}

func TestFromAdamSharesHyperparameters(t *testing.T) {
	cfg := Config{LearningRate: 0.05, Beta1: 0.8, Beta2: 0.99, Epsilon: 1e-7}
	adam, err := NewAdam(cfg)
	if err != nil {
		t.Fatalf("NewAdam failed: %v", err)
	}

	// Burn in some Adam state, then switch.
	_, p := quadParam(t)
	quadGrad(p)
	if err := adam.Step([]*graph.Param{p}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	variant := FromAdam(adam)
	if variant.cfg != cfg {
		t.Errorf("expected variant to share hyperparameters, got %+v", variant.cfg)
	}
	if len(variant.state) != 0 {
		t.Error("expected variant to start with fresh state")
	}
	if variant.Name() == adam.Name() {
		t.Error("expected the two strategies to report distinct names")
	}
}
