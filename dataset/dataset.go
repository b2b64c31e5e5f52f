// Package dataset loads CoNLL-U corpora and serves them to the trainer and
// the inference pipeline as fixed-size batches of row indices.
package dataset

import (
	"fmt"
	"math/rand"

	"github.com/arbornlp/arbor/config"
	"github.com/arbornlp/arbor/conllu"
	"github.com/arbornlp/arbor/graph"
	"github.com/arbornlp/arbor/vocab"
)

// Dataset holds the sentences of one or more CoNLL-U files, remembering which
// row span each file contributed so per-file iteration stays possible.
type Dataset struct {
	files     []string
	sentences []conllu.Sentence
	spans     [][2]int
	batchSize int
}

// New reads the given CoNLL-U files into one dataset.
func New(batchSize int, paths ...string) (*Dataset, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no corpus files given")
	}
	d := &Dataset{batchSize: batchSize, files: paths}
	for _, path := range paths {
		sentences, err := conllu.Read(path)
		if err != nil {
			return nil, err
		}
		start := len(d.sentences)
		d.sentences = append(d.sentences, sentences...)
		d.spans = append(d.spans, [2]int{start, len(d.sentences)})
	}
	return d, nil
}

// fromConfig reads a file-list key from the network's config section.
func fromConfig(cfg *config.Config, network, key string) (*Dataset, error) {
	files, err := cfg.GetFiles(network, key)
	if err != nil {
		return nil, err
	}
	batchSize, err := cfg.GetInt(network, "batch_size")
	if err != nil {
		return nil, err
	}
	return New(batchSize, files...)
}

// NewTrainset loads the network's training corpora.
func NewTrainset(cfg *config.Config, network string) (*Dataset, error) {
	return fromConfig(cfg, network, "train_conllus")
}

// NewDevset loads the network's development corpora.
func NewDevset(cfg *config.Config, network string) (*Dataset, error) {
	return fromConfig(cfg, network, "dev_conllus")
}

// NewTestset loads the network's test corpora.
func NewTestset(cfg *config.Config, network string) (*Dataset, error) {
	return fromConfig(cfg, network, "test_conllus")
}

// Len returns the number of rows (sentences).
func (d *Dataset) Len() int {
	return len(d.sentences)
}

// Files returns the dataset's file paths in load order.
func (d *Dataset) Files() []string {
	return d.files
}

// BatchSize returns the configured batch size.
func (d *Dataset) BatchSize() int {
	return d.batchSize
}

// Sentence returns the sentence at a row index.
func (d *Dataset) Sentence(row int) *conllu.Sentence {
	return &d.sentences[row]
}

// Tokens recovers the original sentences for a batch of row indices, for
// merging predictions back into token form.
func (d *Dataset) Tokens(rows []int) []*conllu.Sentence {
	out := make([]*conllu.Sentence, len(rows))
	for i, row := range rows {
		out[i] = &d.sentences[row]
	}
	return out
}

// Loader iterates the dataset's rows in fixed-size batches. Reset starts a
// new pass, reshuffling when the loader was built with shuffle.
type Loader struct {
	dataset *Dataset
	indices []int
	shuffle bool
	rng     *rand.Rand
	pos     int
}

// Loader returns a batch iterator over the whole dataset. A shuffling loader
// needs its own rng so passes stay reproducible under a fixed seed.
func (d *Dataset) Loader(shuffle bool, rng *rand.Rand) *Loader {
	indices := make([]int, len(d.sentences))
	for i := range indices {
		indices[i] = i
	}
	l := &Loader{dataset: d, indices: indices, shuffle: shuffle, rng: rng}
	l.Reset()
	return l
}

// Batches returns the number of batches per pass.
func (l *Loader) Batches() int {
	return (len(l.indices) + l.dataset.batchSize - 1) / l.dataset.batchSize
}

// More reports whether the current pass still has batches left.
func (l *Loader) More() bool {
	return l.pos < len(l.indices)
}

// Reset starts a new pass over the dataset.
func (l *Loader) Reset() {
	l.pos = 0
	if l.shuffle {
		for i := len(l.indices) - 1; i > 0; i-- {
			j := l.rng.Intn(i + 1)
			l.indices[i], l.indices[j] = l.indices[j], l.indices[i]
		}
	}
}

// Next returns the next batch of row indices, or false when the pass is done.
func (l *Loader) Next() ([]int, bool) {
	if l.pos >= len(l.indices) {
		return nil, false
	}
	end := l.pos + l.dataset.batchSize
	if end > len(l.indices) {
		end = len(l.indices)
	}
	batch := append([]int{}, l.indices[l.pos:end]...)
	l.pos = end
	return batch, true
}

// FileBatches returns the deterministic in-order batches covering one input
// file's rows, for the inference pipeline.
func (d *Dataset) FileBatches(fileIndex int) ([][]int, error) {
	if fileIndex < 0 || fileIndex >= len(d.spans) {
		return nil, fmt.Errorf("file index %d out of range (%d files)", fileIndex, len(d.spans))
	}
	span := d.spans[fileIndex]
	var batches [][]int
	for start := span[0]; start < span[1]; start += d.batchSize {
		end := start + d.batchSize
		if end > span[1] {
			end = span[1]
		}
		batch := make([]int, 0, end-start)
		for row := start; row < end; row++ {
			batch = append(batch, row)
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

// Materialize builds the input and target index tensors for a batch of rows,
// flattened over the rows' syntactic words. Head pointers go through the
// position-aware encoding; every other vocabulary indexes its raw column
// value.
func (d *Dataset) Materialize(rows []int, inputs, outputs []vocab.Vocab) (*graph.Batch, error) {
	b := &graph.Batch{
		Rows:    append([]int{}, rows...),
		Inputs:  map[vocab.Kind][]int{},
		Targets: map[vocab.Kind][]int{},
	}
	for _, row := range rows {
		if row < 0 || row >= len(d.sentences) {
			return nil, fmt.Errorf("row %d out of range (%d rows)", row, len(d.sentences))
		}
		sent := &d.sentences[row]
		words := sent.Words()
		b.Lengths = append(b.Lengths, len(words))
		b.N += len(words)

		for pos, wi := range words {
			tok := &sent.Tokens[wi]
			for _, v := range inputs {
				idx, err := encode(v, tok, pos+1, len(words))
				if err != nil {
					return nil, err
				}
				b.Inputs[v.Kind()] = append(b.Inputs[v.Kind()], idx)
			}
			for _, v := range outputs {
				idx, err := encode(v, tok, pos+1, len(words))
				if err != nil {
					return nil, err
				}
				b.Targets[v.Kind()] = append(b.Targets[v.Kind()], idx)
			}
		}
	}
	if b.N == 0 {
		return nil, fmt.Errorf("batch of %d rows has no syntactic words", len(rows))
	}
	return b, nil
}

func encode(v vocab.Vocab, tok *conllu.Token, position, length int) (int, error) {
	value, err := vocab.FieldValue(tok, v.Kind())
	if err != nil {
		return 0, err
	}
	if pv, ok := v.(vocab.Positional); ok {
		return pv.IndexAt(value, position, length), nil
	}
	return v.Index(value), nil
}
