package graph

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/arbornlp/arbor/vocab"
)

// Mode selects an execution context over the shared parameter store.
type Mode int

const (
	// ModeTrain runs with dropout active and gradients tracked.
	ModeTrain Mode = iota
	// ModeDev runs deterministically for evaluation, parameters shared with
	// training.
	ModeDev
	// ModeInfer has ModeDev semantics; it is the context used after
	// restoring a persisted run for standalone prediction.
	ModeInfer
)

func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeDev:
		return "dev"
	case ModeInfer:
		return "infer"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Batch is a materialized batch: per-token categorical indices for every
// input and output vocabulary, flattened over the batch's syntactic words.
type Batch struct {
	// Rows are the dataset row indices the batch was drawn from.
	Rows []int
	// Lengths holds the number of syntactic words per row, in Rows order.
	Lengths []int
	// N is the total token count, the sum of Lengths.
	N int

	Inputs  map[vocab.Kind][]int
	Targets map[vocab.Kind][]int
}

// Outputs are the scores of one batch execution: the loss terms, per-field
// correctness counts and discrete predictions.
type Outputs struct {
	// Loss is the total loss including the regularization term.
	Loss float64
	// FieldLoss is the mean cross-entropy per output vocabulary.
	FieldLoss map[vocab.Kind]float64
	// Correct counts correctly predicted tokens per output vocabulary. For a
	// factorized field the count requires the head decision to be correct as
	// well.
	Correct map[vocab.Kind]int
	// Tokens is the number of scored tokens.
	Tokens int
	// Predictions holds the argmax class per token per output vocabulary.
	Predictions map[vocab.Kind][]int
}

// FieldAccuracy returns the fraction of correctly predicted tokens for one
// output vocabulary.
func (o *Outputs) FieldAccuracy(kind vocab.Kind) float64 {
	if o.Tokens == 0 {
		return 0
	}
	return float64(o.Correct[kind]) / float64(o.Tokens)
}

// Accuracy returns the mean per-field accuracy, the scalar the training loop
// smooths and compares.
func (o *Outputs) Accuracy() float64 {
	if len(o.Correct) == 0 {
		return 0
	}
	var sum float64
	for kind := range o.Correct {
		sum += o.FieldAccuracy(kind)
	}
	return sum / float64(len(o.Correct))
}

// Add accumulates another batch's counts into o, for full-sweep aggregation.
func (o *Outputs) Add(other *Outputs) {
	o.Loss += other.Loss
	o.Tokens += other.Tokens
	if o.FieldLoss == nil {
		o.FieldLoss = map[vocab.Kind]float64{}
		o.Correct = map[vocab.Kind]int{}
	}
	for kind, l := range other.FieldLoss {
		o.FieldLoss[kind] += l
	}
	for kind, c := range other.Correct {
		o.Correct[kind] += c
	}
}

// Spec describes one network's reference architecture: concatenated input
// embeddings (plus any frozen sub-model features) feed a dense hidden layer
// and per-output-vocabulary linear scorers.
type Spec struct {
	// Scope prefixes every parameter name, isolating this network's
	// parameters from its frozen sub-models in the shared store.
	Scope string

	Inputs  []vocab.Vocab
	Outputs []vocab.Vocab

	EmbedSize  int
	HiddenSize int
	HiddenFunc string

	InputKeepProb  float64
	HiddenKeepProb float64
	L2             float64

	// FeatureDim is the summed width of the frozen sub-model feature tensors
	// concatenated onto the embeddings.
	FeatureDim int

	Seed int64
}

// Model executes the reference architecture over the shared store. One Model
// serves all three execution contexts; Mode selects the behavior.
type Model struct {
	store *Store
	spec  Spec
	act   Activation
	rng   *rand.Rand
	inDim int

	embeds  []*Param
	hiddenW *Param
	hiddenB *Param
	scoreW  map[vocab.Kind]*Param
	scoreB  map[vocab.Kind]*Param
}

// NewModel validates the spec and allocates the network's parameters in the
// store. The activation name is checked eagerly; an unknown name fails here,
// before any training work.
func NewModel(store *Store, spec Spec) (*Model, error) {
	act, err := ActivationByName(spec.HiddenFunc)
	if err != nil {
		return nil, err
	}
	if spec.EmbedSize <= 0 || spec.HiddenSize <= 0 {
		return nil, fmt.Errorf("embed_size and hidden_size must be positive, got %d and %d", spec.EmbedSize, spec.HiddenSize)
	}
	if len(spec.Outputs) == 0 {
		return nil, fmt.Errorf("network %s has no output vocabularies", spec.Scope)
	}
	if spec.InputKeepProb <= 0 || spec.InputKeepProb > 1 {
		spec.InputKeepProb = 1
	}
	if spec.HiddenKeepProb <= 0 || spec.HiddenKeepProb > 1 {
		spec.HiddenKeepProb = 1
	}

	m := &Model{
		store:  store,
		spec:   spec,
		act:    act,
		rng:    rand.New(rand.NewSource(spec.Seed)),
		scoreW: map[vocab.Kind]*Param{},
		scoreB: map[vocab.Kind]*Param{},
	}

	for _, v := range spec.Inputs {
		if v.Size() == 0 {
			return nil, fmt.Errorf("input vocabulary %s is empty; load or count it first", v.Kind())
		}
		p, err := store.CreateInit(fmt.Sprintf("%s/embed/%s", spec.Scope, v.Field()), v.Size(), spec.EmbedSize, m.rng)
		if err != nil {
			return nil, err
		}
		m.embeds = append(m.embeds, p)
	}

	m.inDim = len(spec.Inputs)*spec.EmbedSize + spec.FeatureDim
	if m.inDim == 0 {
		return nil, fmt.Errorf("network %s has no inputs", spec.Scope)
	}
	if m.hiddenW, err = store.CreateInit(spec.Scope+"/hidden/W", m.inDim, spec.HiddenSize, m.rng); err != nil {
		return nil, err
	}
	if m.hiddenB, err = store.Create(spec.Scope+"/hidden/b", 1, spec.HiddenSize); err != nil {
		return nil, err
	}
	for _, v := range spec.Outputs {
		if v.Size() == 0 {
			return nil, fmt.Errorf("output vocabulary %s is empty; load or count it first", v.Kind())
		}
		w, err := store.CreateInit(fmt.Sprintf("%s/score/%s/W", spec.Scope, v.Field()), spec.HiddenSize, v.Size(), m.rng)
		if err != nil {
			return nil, err
		}
		b, err := store.Create(fmt.Sprintf("%s/score/%s/b", spec.Scope, v.Field()), 1, v.Size())
		if err != nil {
			return nil, err
		}
		m.scoreW[v.Kind()] = w
		m.scoreB[v.Kind()] = b
	}
	return m, nil
}

// FeatureDim is the width of the feature tensor this model supplies when
// embedded as a frozen sub-model: its hidden layer size.
func (m *Model) FeatureDim() int {
	return m.spec.HiddenSize
}

// Scope returns the model's parameter scope.
func (m *Model) Scope() string {
	return m.spec.Scope
}

// Pass caches one forward execution's intermediates for the backward pass.
type Pass struct {
	mode  Mode
	batch *Batch

	x          *mat.Dense
	inputMask  []float64
	preHidden  *mat.Dense
	hidden     *mat.Dense
	hiddenMask []float64
	probs      map[vocab.Kind]*mat.Dense
}

// Hidden returns the post-activation hidden matrix, the feature tensor a
// dependent model consumes when this model is frozen.
func (p *Pass) Hidden() *mat.Dense {
	return p.hidden
}

// Forward executes the model over a materialized batch. features, when
// non-nil, is the row-aligned concatenation of the frozen sub-models' hidden
// tensors. The returned Outputs carry losses and correctness only for fields
// present in the batch's targets; predictions are always produced.
func (m *Model) Forward(mode Mode, b *Batch, features *mat.Dense) (*Pass, *Outputs, error) {
	if b.N == 0 {
		return nil, nil, fmt.Errorf("empty batch")
	}
	if m.spec.FeatureDim > 0 {
		if features == nil {
			return nil, nil, fmt.Errorf("network %s expects %d feature columns, got none", m.spec.Scope, m.spec.FeatureDim)
		}
		fr, fc := features.Dims()
		if fr != b.N || fc != m.spec.FeatureDim {
			return nil, nil, fmt.Errorf("feature tensor is %dx%d, expected %dx%d", fr, fc, b.N, m.spec.FeatureDim)
		}
	}

	p := &Pass{mode: mode, batch: b, probs: map[vocab.Kind]*mat.Dense{}}

	// Input matrix: concatenated embedding rows plus frozen features.
	p.x = mat.NewDense(b.N, m.inDim, nil)
	for vi, v := range m.spec.Inputs {
		indices, ok := b.Inputs[v.Kind()]
		if !ok {
			return nil, nil, fmt.Errorf("batch is missing %s input indices", v.Kind())
		}
		if len(indices) != b.N {
			return nil, nil, fmt.Errorf("batch has %d %s indices, expected %d", len(indices), v.Kind(), b.N)
		}
		col := vi * m.spec.EmbedSize
		for t, idx := range indices {
			if idx < 0 || idx >= v.Size() {
				idx = vocab.UnkIndex
			}
			row := m.embeds[vi].Value.RawRowView(idx)
			for j, val := range row {
				p.x.Set(t, col+j, val)
			}
		}
	}
	if m.spec.FeatureDim > 0 {
		base := len(m.spec.Inputs) * m.spec.EmbedSize
		for t := 0; t < b.N; t++ {
			for j := 0; j < m.spec.FeatureDim; j++ {
				p.x.Set(t, base+j, features.At(t, j))
			}
		}
	}

	if mode == ModeTrain && m.spec.InputKeepProb < 1 {
		p.inputMask = m.dropout(p.x, m.spec.InputKeepProb)
	}

	// Hidden layer.
	p.preHidden = mat.NewDense(b.N, m.spec.HiddenSize, nil)
	p.preHidden.Mul(p.x, m.hiddenW.Value)
	addRowVector(p.preHidden, m.hiddenB.Value)
	p.hidden = mat.NewDense(b.N, m.spec.HiddenSize, nil)
	applyUnary(p.hidden, p.preHidden, m.act.F)
	if mode == ModeTrain && m.spec.HiddenKeepProb < 1 {
		p.hiddenMask = m.dropout(p.hidden, m.spec.HiddenKeepProb)
	}

	out := &Outputs{
		FieldLoss:   map[vocab.Kind]float64{},
		Correct:     map[vocab.Kind]int{},
		Tokens:      b.N,
		Predictions: map[vocab.Kind][]int{},
	}

	// Per-field scorers.
	match := map[vocab.Kind][]bool{}
	for _, v := range m.spec.Outputs {
		logits := mat.NewDense(b.N, v.Size(), nil)
		logits.Mul(p.hidden, m.scoreW[v.Kind()].Value)
		addRowVector(logits, m.scoreB[v.Kind()].Value)
		softmaxRows(logits)
		p.probs[v.Kind()] = logits

		preds := make([]int, b.N)
		for t := 0; t < b.N; t++ {
			preds[t] = argmaxRow(logits, t)
		}
		out.Predictions[v.Kind()] = preds

		targets, ok := b.Targets[v.Kind()]
		if !ok {
			continue
		}
		if len(targets) != b.N {
			return nil, nil, fmt.Errorf("batch has %d %s targets, expected %d", len(targets), v.Kind(), b.N)
		}
		var loss float64
		hits := make([]bool, b.N)
		for t, target := range targets {
			loss -= math.Log(math.Max(logits.At(t, target), 1e-12))
			hits[t] = preds[t] == target
		}
		out.FieldLoss[v.Kind()] = loss / float64(b.N)
		match[v.Kind()] = hits
	}

	// Correctness counts; factorized fields require the head decision too.
	headMatch := match[vocab.KindDephead]
	for _, v := range m.spec.Outputs {
		hits, ok := match[v.Kind()]
		if !ok {
			continue
		}
		count := 0
		for t, hit := range hits {
			if v.Factorized() && headMatch != nil {
				hit = hit && headMatch[t]
			}
			if hit {
				count++
			}
		}
		out.Correct[v.Kind()] = count
	}

	for _, l := range out.FieldLoss {
		out.Loss += l
	}
	if m.spec.L2 > 0 {
		out.Loss += m.spec.L2 * m.store.L2(m.spec.Scope)
	}
	return p, out, nil
}

// Backward accumulates gradients for a training-mode pass into the store.
// The feature columns' gradient is discarded: frozen sub-models do not learn.
func (m *Model) Backward(p *Pass) error {
	if p.mode != ModeTrain {
		return fmt.Errorf("backward pass requires train mode, got %s", p.mode)
	}
	b := p.batch
	scale := 1.0 / float64(b.N)

	dHidden := mat.NewDense(b.N, m.spec.HiddenSize, nil)
	for _, v := range m.spec.Outputs {
		targets, ok := b.Targets[v.Kind()]
		if !ok {
			return fmt.Errorf("cannot train on a batch without %s targets", v.Kind())
		}
		// Softmax cross-entropy gradient: (probs - onehot) / N.
		dLogits := mat.DenseCopyOf(p.probs[v.Kind()])
		for t, target := range targets {
			dLogits.Set(t, target, dLogits.At(t, target)-1)
		}
		dLogits.Scale(scale, dLogits)

		var dW mat.Dense
		dW.Mul(p.hidden.T(), dLogits)
		m.scoreW[v.Kind()].Grad.Add(m.scoreW[v.Kind()].Grad, &dW)
		addColSums(m.scoreB[v.Kind()].Grad, dLogits)

		var dH mat.Dense
		dH.Mul(dLogits, m.scoreW[v.Kind()].Value.T())
		dHidden.Add(dHidden, &dH)
	}

	if p.hiddenMask != nil {
		applyMask(dHidden, p.hiddenMask)
	}
	dPre := mat.NewDense(b.N, m.spec.HiddenSize, nil)
	for t := 0; t < b.N; t++ {
		for j := 0; j < m.spec.HiddenSize; j++ {
			dPre.Set(t, j, dHidden.At(t, j)*m.act.Deriv(p.preHidden.At(t, j)))
		}
	}

	var dW mat.Dense
	dW.Mul(p.x.T(), dPre)
	m.hiddenW.Grad.Add(m.hiddenW.Grad, &dW)
	addColSums(m.hiddenB.Grad, dPre)

	var dX mat.Dense
	dX.Mul(dPre, m.hiddenW.Value.T())
	if p.inputMask != nil {
		applyMask(&dX, p.inputMask)
	}
	for vi, v := range m.spec.Inputs {
		indices := b.Inputs[v.Kind()]
		col := vi * m.spec.EmbedSize
		grad := m.embeds[vi].Grad
		for t, idx := range indices {
			if idx < 0 || idx >= v.Size() {
				idx = vocab.UnkIndex
			}
			for j := 0; j < m.spec.EmbedSize; j++ {
				grad.Set(idx, j, grad.At(idx, j)+dX.At(t, col+j))
			}
		}
	}

	if m.spec.L2 > 0 {
		for _, param := range m.store.Trainables(m.spec.Scope) {
			val := param.Value.RawMatrix().Data
			g := param.Grad.RawMatrix().Data
			for i := range g {
				g[i] += 2 * m.spec.L2 * val[i]
			}
		}
	}
	return nil
}

// dropout applies inverted dropout in place and returns the mask so the
// backward pass can replay it.
func (m *Model) dropout(a *mat.Dense, keep float64) []float64 {
	data := a.RawMatrix().Data
	mask := make([]float64, len(data))
	inv := 1 / keep
	for i := range data {
		if m.rng.Float64() < keep {
			mask[i] = inv
		}
		data[i] *= mask[i]
	}
	return mask
}

func applyMask(a *mat.Dense, mask []float64) {
	data := a.RawMatrix().Data
	for i := range data {
		data[i] *= mask[i]
	}
}

func applyUnary(dst, src *mat.Dense, f func(float64) float64) {
	s := src.RawMatrix().Data
	d := dst.RawMatrix().Data
	for i := range s {
		d[i] = f(s[i])
	}
}

// addRowVector adds a 1xC bias row to every row of a.
func addRowVector(a *mat.Dense, bias *mat.Dense) {
	rows, cols := a.Dims()
	for t := 0; t < rows; t++ {
		for j := 0; j < cols; j++ {
			a.Set(t, j, a.At(t, j)+bias.At(0, j))
		}
	}
}

// addColSums accumulates the column sums of src into the 1xC accumulator.
func addColSums(acc *mat.Dense, src *mat.Dense) {
	rows, cols := src.Dims()
	for j := 0; j < cols; j++ {
		var sum float64
		for t := 0; t < rows; t++ {
			sum += src.At(t, j)
		}
		acc.Set(0, j, acc.At(0, j)+sum)
	}
}

func softmaxRows(a *mat.Dense) {
	rows, cols := a.Dims()
	for t := 0; t < rows; t++ {
		max := a.At(t, 0)
		for j := 1; j < cols; j++ {
			if a.At(t, j) > max {
				max = a.At(t, j)
			}
		}
		var sum float64
		for j := 0; j < cols; j++ {
			e := math.Exp(a.At(t, j) - max)
			a.Set(t, j, e)
			sum += e
		}
		for j := 0; j < cols; j++ {
			a.Set(t, j, a.At(t, j)/sum)
		}
	}
}

func argmaxRow(a *mat.Dense, row int) int {
	_, cols := a.Dims()
	best := 0
	bestVal := a.At(row, 0)
	for j := 1; j < cols; j++ {
		if a.At(row, j) > bestVal {
			bestVal = a.At(row, j)
			best = j
		}
	}
	return best
}
