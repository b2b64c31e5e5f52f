// Package optimizer implements the two interchangeable update strategies the
// training loop alternates between: Adam and its AMSGrad variant. Both
// operate over the same trainable parameter set and the same loss; exactly
// one strategy's update runs per training step.
package optimizer

import (
	"fmt"

	"github.com/arbornlp/arbor/config"
	"github.com/arbornlp/arbor/graph"
)

// Optimizer applies one update step to a set of trainable parameters using
// their accumulated gradients.
type Optimizer interface {
	Name() string
	Step(params []*graph.Param) error
}

// Config holds the shared hyperparameters of both strategies.
type Config struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
}

// DefaultConfig returns the standard Adam hyperparameters.
func DefaultConfig() Config {
	return Config{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// FromConfig reads the optimizer hyperparameters from a network's config
// section, keeping the defaults for absent keys.
func FromConfig(cfg *config.Config, network string) (Config, error) {
	c := DefaultConfig()
	var err error
	if cfg.Has(network, "learning_rate") {
		if c.LearningRate, err = cfg.GetFloat(network, "learning_rate"); err != nil {
			return c, err
		}
	}
	if cfg.Has(network, "beta1") {
		if c.Beta1, err = cfg.GetFloat(network, "beta1"); err != nil {
			return c, err
		}
	}
	if cfg.Has(network, "beta2") {
		if c.Beta2, err = cfg.GetFloat(network, "beta2"); err != nil {
			return c, err
		}
	}
	if cfg.Has(network, "epsilon") {
		if c.Epsilon, err = cfg.GetFloat(network, "epsilon"); err != nil {
			return c, err
		}
	}
	return c, c.validate()
}

func (c Config) validate() error {
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 {
		return fmt.Errorf("beta1 must be in [0, 1), got %g", c.Beta1)
	}
	if c.Beta2 < 0 || c.Beta2 >= 1 {
		return fmt.Errorf("beta2 must be in [0, 1), got %g", c.Beta2)
	}
	if c.Epsilon <= 0 {
		return fmt.Errorf("epsilon must be positive, got %g", c.Epsilon)
	}
	return nil
}

// moments holds one parameter's optimizer state, lazily allocated on the
// first step so parameter sets need not be declared up front.
type moments struct {
	m    []float64
	v    []float64
	vHat []float64
}

func newMoments(size int, withMax bool) *moments {
	s := &moments{m: make([]float64, size), v: make([]float64, size)}
	if withMax {
		s.vHat = make([]float64, size)
	}
	return s
}
