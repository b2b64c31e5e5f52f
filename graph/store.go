// Package graph holds the reference compute engine: one logical store of
// named trainable tensors shared by the train, dev and inference execution
// contexts, plus the dense per-token model the orchestrator drives. The
// contexts differ only in stochastic regularization and update behavior; the
// parameters themselves live in the store.
package graph

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Param is one named tensor in the store, with its gradient accumulator.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense

	// Trainable parameters receive optimizer updates. Non-trainable
	// parameters belong to frozen networks embedded in a composition.
	Trainable bool
	// NoSave excludes a parameter from checkpoints.
	NoSave bool
}

// Dims returns the parameter's row and column counts.
func (p *Param) Dims() (int, int) {
	return p.Value.Dims()
}

// ZeroGrad clears the gradient accumulator.
func (p *Param) ZeroGrad() {
	p.Grad.Zero()
}

// Store is the single parameter store backing every execution context of a
// run. Parameter names are scoped `<network>/<layer>/<tensor>`, so one store
// can hold a composed model and all of its frozen sub-models side by side.
type Store struct {
	params map[string]*Param
	order  []string
}

// NewStore creates an empty parameter store.
func NewStore() *Store {
	return &Store{params: map[string]*Param{}}
}

// Create allocates a zero-initialized parameter. Creating a name twice is an
// error: variable reuse goes through Get, never through re-creation.
func (s *Store) Create(name string, rows, cols int) (*Param, error) {
	if _, ok := s.params[name]; ok {
		return nil, fmt.Errorf("parameter %s already exists", name)
	}
	p := &Param{
		Name:      name,
		Value:     mat.NewDense(rows, cols, nil),
		Grad:      mat.NewDense(rows, cols, nil),
		Trainable: true,
	}
	s.params[name] = p
	s.order = append(s.order, name)
	return p, nil
}

// CreateInit allocates a parameter with Glorot-uniform initial values.
func (s *Store) CreateInit(name string, rows, cols int, rng *rand.Rand) (*Param, error) {
	p, err := s.Create(name, rows, cols)
	if err != nil {
		return nil, err
	}
	limit := math.Sqrt(6.0 / float64(rows+cols))
	data := p.Value.RawMatrix().Data
	for i := range data {
		data[i] = (2*rng.Float64() - 1) * limit
	}
	return p, nil
}

// Get returns a parameter by name, or nil if it does not exist.
func (s *Store) Get(name string) *Param {
	return s.params[name]
}

// scoped returns the parameters under a scope prefix, in creation order.
func (s *Store) scoped(scope string) []*Param {
	prefix := scope + "/"
	var out []*Param
	for _, name := range s.order {
		if strings.HasPrefix(name, prefix) {
			out = append(out, s.params[name])
		}
	}
	return out
}

// Trainables returns the scope's trainable parameters. Parameters of other
// scopes (frozen sub-models included) are never returned.
func (s *Store) Trainables(scope string) []*Param {
	var out []*Param
	for _, p := range s.scoped(scope) {
		if p.Trainable {
			out = append(out, p)
		}
	}
	return out
}

// Saveables returns the scope's checkpoint-worthy parameters: trainable and
// not marked NoSave.
func (s *Store) Saveables(scope string) []*Param {
	var out []*Param
	for _, p := range s.scoped(scope) {
		if p.Trainable && !p.NoSave {
			out = append(out, p)
		}
	}
	return out
}

// ZeroGrads clears every gradient accumulator under the scope.
func (s *Store) ZeroGrads(scope string) {
	for _, p := range s.scoped(scope) {
		p.ZeroGrad()
	}
}

// L2 returns the sum of squared values over the scope's trainables, the
// regularization term added to the loss.
func (s *Store) L2(scope string) float64 {
	var sum float64
	for _, p := range s.Trainables(scope) {
		data := p.Value.RawMatrix().Data
		for _, v := range data {
			sum += v * v
		}
	}
	return sum
}

// Names returns all parameter names in sorted order.
func (s *Store) Names() []string {
	names := append([]string{}, s.order...)
	sort.Strings(names)
	return names
}
