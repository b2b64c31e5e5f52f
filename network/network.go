// Package network assembles a trainable model from zero or more frozen
// sub-networks plus its own layers, resolving shared vocabularies through the
// run's registry. One Network serves the train, dev and inference execution
// contexts; they share parameters through the store.
package network

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/arbornlp/arbor/checkpoints"
	"github.com/arbornlp/arbor/config"
	"github.com/arbornlp/arbor/dataset"
	"github.com/arbornlp/arbor/graph"
	"github.com/arbornlp/arbor/optimizer"
	"github.com/arbornlp/arbor/vocab"
)

// ErrConfiguration reports a fatal construction-time configuration problem:
// declared and supplied sub-networks disagree, an unknown vocabulary class,
// or an unknown activation name.
var ErrConfiguration = errors.New("configuration error")

// Network is the composition layer: frozen input networks, shared
// vocabularies, and this network's own trainable model.
type Network struct {
	name    string
	cfg     *config.Config
	store   *graph.Store
	subs    []*Network
	saveDir string

	vocabs      map[vocab.Kind]vocab.Vocab
	inputs      []vocab.Vocab
	outputs     []vocab.Vocab
	throughputs []vocab.Vocab

	model *graph.Model
}

// New builds a network from its config section and the already-constructed
// frozen sub-networks. The declared input-network classes must exactly match
// the supplied instances; vocabularies held by sub-networks are reused, the
// rest are resolved (loaded or counted) through the registry.
func New(cfg *config.Config, name string, subs []*Network, store *graph.Store, reg *vocab.Registry) (*Network, error) {
	if err := checkDeclared(cfg, name, subs); err != nil {
		return nil, err
	}
	saveDir, err := cfg.GetStr(name, "save_dir")
	if err != nil {
		return nil, err
	}

	n := &Network{
		name:    name,
		cfg:     cfg,
		store:   store,
		subs:    subs,
		saveDir: saveDir,
		vocabs:  map[vocab.Kind]vocab.Vocab{},
	}

	// Vocabularies already owned by sub-networks are shared verbatim; a kind
	// held as two distinct instances is fatal.
	for _, sub := range subs {
		if err := vocab.Merge(n.vocabs, sub.vocabs); err != nil {
			return nil, err
		}
	}

	if n.inputs, err = n.resolve(reg, "input_vocab_classes", true); err != nil {
		return nil, err
	}
	if n.outputs, err = n.resolve(reg, "output_vocab_classes", true); err != nil {
		return nil, err
	}
	if n.throughputs, err = n.resolve(reg, "throughput_vocab_classes", false); err != nil {
		return nil, err
	}
	// The identifier vocabulary always exists and is shared run-wide.
	n.vocabs[vocab.KindIDIndex] = reg.ID()

	spec, err := n.buildSpec()
	if err != nil {
		return nil, err
	}
	if n.model, err = graph.NewModel(store, spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return n, nil
}

// Assemble recursively constructs the named network and its declared input
// networks, restoring and freezing each sub-network from its configured
// checkpoint directory.
func Assemble(cfg *config.Config, name string, store *graph.Store, reg *vocab.Registry) (*Network, error) {
	var subs []*Network
	declared, err := declaredSubs(cfg, name)
	if err != nil {
		return nil, err
	}
	for _, subName := range declared {
		sub, err := Assemble(cfg, subName, store, reg)
		if err != nil {
			return nil, err
		}
		dir, err := cfg.GetStr(name, subName+"_dir")
		if err != nil {
			return nil, fmt.Errorf("%w: no checkpoint dir for input network %s: %v", ErrConfiguration, subName, err)
		}
		if _, err := checkpoints.Restore(store, subName, dir); err != nil {
			return nil, err
		}
		sub.Freeze()
		subs = append(subs, sub)
	}
	return New(cfg, name, subs, store, reg)
}

// Restored assembles the named network and loads its newest checkpoint, the
// entry point for standalone inference. A missing checkpoint surfaces as the
// restore error.
func Restored(cfg *config.Config, name string, store *graph.Store, reg *vocab.Registry) (*Network, error) {
	n, err := Assemble(cfg, name, store, reg)
	if err != nil {
		return nil, err
	}
	if _, err := checkpoints.Restore(store, name, n.saveDir); err != nil {
		return nil, err
	}
	return n, nil
}

// Name returns the network's class name, which is also its config section
// and parameter scope.
func (n *Network) Name() string {
	return n.name
}

// SaveDir returns the run directory.
func (n *Network) SaveDir() string {
	return n.saveDir
}

// OutputVocabs returns the prediction-target vocabularies.
func (n *Network) OutputVocabs() []vocab.Vocab {
	return n.outputs
}

// Vocabs returns the network's shared vocabulary instances.
func (n *Network) Vocabs() map[vocab.Kind]vocab.Vocab {
	return n.vocabs
}

// Freeze marks every parameter in the network's scope non-trainable, the
// state of a restored sub-network embedded in a dependent model.
func (n *Network) Freeze() {
	for _, p := range n.store.Trainables(n.name) {
		p.Trainable = false
	}
}

// embeddable returns the input vocabularies that carry embeddings. The
// identifier vocabulary is positional bookkeeping, not an embedding input.
func (n *Network) embeddable() []vocab.Vocab {
	var out []vocab.Vocab
	for _, v := range n.inputs {
		if v.Kind() != vocab.KindIDIndex {
			out = append(out, v)
		}
	}
	return out
}

// materialize builds this network's batch plus the concatenated feature
// tensor produced by running each frozen sub-network once in reuse mode.
func (n *Network) materialize(ds *dataset.Dataset, rows []int, withTargets bool) (*graph.Batch, *mat.Dense, error) {
	outputs := n.outputs
	if !withTargets {
		outputs = nil
	}
	b, err := ds.Materialize(rows, n.embeddable(), outputs)
	if err != nil {
		return nil, nil, err
	}

	var features *mat.Dense
	col := 0
	for _, sub := range n.subs {
		subBatch, subFeats, err := sub.materialize(ds, rows, false)
		if err != nil {
			return nil, nil, err
		}
		pass, _, err := sub.model.Forward(graph.ModeDev, subBatch, subFeats)
		if err != nil {
			return nil, nil, fmt.Errorf("input network %s failed: %w", sub.name, err)
		}
		hidden := pass.Hidden()
		_, width := hidden.Dims()
		if features == nil {
			total := 0
			for _, s := range n.subs {
				total += s.model.FeatureDim()
			}
			features = mat.NewDense(b.N, total, nil)
		}
		for t := 0; t < b.N; t++ {
			for j := 0; j < width; j++ {
				features.Set(t, col+j, hidden.At(t, j))
			}
		}
		col += width
	}
	return b, features, nil
}

// TrainStep runs one parameter update over a batch of rows with the given
// strategy and returns the batch's scores.
func (n *Network) TrainStep(ds *dataset.Dataset, rows []int, opt optimizer.Optimizer) (*graph.Outputs, error) {
	b, features, err := n.materialize(ds, rows, true)
	if err != nil {
		return nil, err
	}
	n.store.ZeroGrads(n.name)
	pass, out, err := n.model.Forward(graph.ModeTrain, b, features)
	if err != nil {
		return nil, err
	}
	if err := n.model.Backward(pass); err != nil {
		return nil, err
	}
	if err := opt.Step(n.store.Trainables(n.name)); err != nil {
		return nil, err
	}
	return out, nil
}

// Evaluate scores a batch of rows without updating parameters.
func (n *Network) Evaluate(ds *dataset.Dataset, rows []int) (*graph.Outputs, error) {
	b, features, err := n.materialize(ds, rows, true)
	if err != nil {
		return nil, err
	}
	_, out, err := n.model.Forward(graph.ModeDev, b, features)
	return out, err
}

// Predict computes discrete predictions for a batch of rows in the inference
// context, returning the batch so callers can map token positions back to
// rows.
func (n *Network) Predict(ds *dataset.Dataset, rows []int) (*graph.Batch, map[vocab.Kind][]int, error) {
	b, features, err := n.materialize(ds, rows, false)
	if err != nil {
		return nil, nil, err
	}
	_, out, err := n.model.Forward(graph.ModeInfer, b, features)
	if err != nil {
		return nil, nil, err
	}
	return b, out.Predictions, nil
}

// SaveCheckpoint persists the network's own trainable parameters to its run
// directory. Frozen sub-network parameters are excluded by scope.
func (n *Network) SaveCheckpoint(state checkpoints.TrainingState) error {
	return checkpoints.Save(n.store, n.name, state, n.saveDir)
}

// resolve parses a vocabulary class list from the network's section and
// resolves it through the registry.
func (n *Network) resolve(reg *vocab.Registry, key string, required bool) ([]vocab.Vocab, error) {
	if !required && !n.cfg.Has(n.name, key) {
		return nil, nil
	}
	names, err := n.cfg.GetList(n.name, key)
	if err != nil {
		return nil, err
	}
	kinds, err := vocab.ParseKinds(names)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfiguration, key, err)
	}
	return reg.Resolve(n.cfg, n.name, n.vocabs, kinds)
}

func (n *Network) buildSpec() (graph.Spec, error) {
	spec := graph.Spec{
		Scope:   n.name,
		Inputs:  n.embeddable(),
		Outputs: n.outputs,
		Seed:    1,
	}
	var err error
	if spec.EmbedSize, err = n.cfg.GetInt(n.name, "embed_size"); err != nil {
		return spec, err
	}
	if spec.HiddenSize, err = n.cfg.GetInt(n.name, "hidden_size"); err != nil {
		return spec, err
	}
	if spec.HiddenFunc, err = n.cfg.GetStr(n.name, "hidden_func"); err != nil {
		return spec, err
	}
	if spec.L2, err = n.cfg.GetFloat(n.name, "l2_reg"); err != nil {
		return spec, err
	}
	if n.cfg.Has(n.name, "input_keep_prob") {
		if spec.InputKeepProb, err = n.cfg.GetFloat(n.name, "input_keep_prob"); err != nil {
			return spec, err
		}
	}
	if n.cfg.Has(n.name, "hidden_keep_prob") {
		if spec.HiddenKeepProb, err = n.cfg.GetFloat(n.name, "hidden_keep_prob"); err != nil {
			return spec, err
		}
	}
	if n.cfg.Has(n.name, "seed") {
		seed, err := n.cfg.GetInt(n.name, "seed")
		if err != nil {
			return spec, err
		}
		spec.Seed = int64(seed)
	}
	for _, sub := range n.subs {
		spec.FeatureDim += sub.model.FeatureDim()
	}
	return spec, nil
}

// declaredSubs reads the declared input-network classes, absent meaning none.
func declaredSubs(cfg *config.Config, name string) ([]string, error) {
	if !cfg.Has(name, "input_network_classes") {
		return nil, nil
	}
	return cfg.GetList(name, "input_network_classes")
}

// checkDeclared verifies that the declared and supplied input networks match
// exactly, before any graph work happens.
func checkDeclared(cfg *config.Config, name string, subs []*Network) error {
	declared, err := declaredSubs(cfg, name)
	if err != nil {
		return err
	}
	supplied := make([]string, len(subs))
	for i, sub := range subs {
		supplied[i] = sub.name
	}
	sort.Strings(declared)
	sort.Strings(supplied)
	if len(declared) != len(supplied) {
		return fmt.Errorf("%w: %s declares input networks %v but was supplied %v", ErrConfiguration, name, declared, supplied)
	}
	for i := range declared {
		if declared[i] != supplied[i] {
			return fmt.Errorf("%w: %s declares input networks %v but was supplied %v", ErrConfiguration, name, declared, supplied)
		}
	}
	return nil
}
