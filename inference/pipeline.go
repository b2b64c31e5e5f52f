// Package inference runs a trained or restored model over one or more
// CoNLL-U files in fixed-size batches, merges the predictions back into the
// token rows, and serializes one output file per input file.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/arbornlp/arbor/conllu"
	"github.com/arbornlp/arbor/dataset"
	"github.com/arbornlp/arbor/graph"
	"github.com/arbornlp/arbor/vocab"
)

// ErrUsage reports an invalid invocation: an explicit output filename with
// more than one input file.
var ErrUsage = errors.New("usage error")

// Predictor is what the pipeline needs from a composed network.
type Predictor interface {
	Predict(ds *dataset.Dataset, rows []int) (*graph.Batch, map[vocab.Kind][]int, error)
	OutputVocabs() []vocab.Vocab
	SaveDir() string
}

// Options control where the per-file outputs land.
type Options struct {
	// OutputDir overrides the default `<save_dir>/parsed/<input-dir>`
	// destination.
	OutputDir string
	// OutputFile overrides the output filename; valid only with exactly one
	// input file.
	OutputFile string
}

// Pipeline iterates input files batch by batch and writes their predictions.
type Pipeline struct {
	model  Predictor
	logger *log.Logger
}

// NewPipeline creates a pipeline. The logger receives per-file timing
// reports; nil discards them.
func NewPipeline(model Predictor, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.New(os.Stderr, "", 0)
	}
	return &Pipeline{model: model, logger: logger}
}

// ParseFiles processes every file of the dataset: per file, predictions are
// computed in deterministic fixed-size batches, cached by row index, merged
// into the tokens, and serialized once the file's batches are done. The
// output-filename restriction is checked before any processing or filesystem
// work begins.
func (p *Pipeline) ParseFiles(ctx context.Context, ds *dataset.Dataset, opts Options) error {
	files := ds.Files()
	if opts.OutputFile != "" && len(files) != 1 {
		return fmt.Errorf("%w: an explicit output filename requires exactly one input file, got %d", ErrUsage, len(files))
	}

	start := time.Now()
	for i, file := range files {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		fileStart := time.Now()
		if err := p.parseFile(ds, i, opts); err != nil {
			return fmt.Errorf("failed to parse %s: %w", file, err)
		}
		p.logger.Printf("parsed %s in %s", file, time.Since(fileStart).Round(time.Millisecond))
	}
	p.logger.Printf("parsed %d file(s) in %s", len(files), time.Since(start).Round(time.Millisecond))
	return nil
}

// parseFile runs one file's batches and writes its output.
func (p *Pipeline) parseFile(ds *dataset.Dataset, fileIndex int, opts Options) error {
	batches, err := ds.FileBatches(fileIndex)
	if err != nil {
		return err
	}

	// Prediction cache, keyed by row index, scoped to this file.
	cache := map[int]map[vocab.Kind][]int{}
	for _, rows := range batches {
		batch, preds, err := p.model.Predict(ds, rows)
		if err != nil {
			return err
		}
		offset := 0
		for i, row := range batch.Rows {
			n := batch.Lengths[i]
			rowPreds := map[vocab.Kind][]int{}
			for kind, classes := range preds {
				rowPreds[kind] = classes[offset : offset+n]
			}
			cache[row] = rowPreds
			offset += n
		}
	}

	// Merge cached predictions into the tokens and serialize.
	outPath, err := p.outputPath(ds.Files()[fileIndex], opts)
	if err != nil {
		return err
	}
	var sentences []conllu.Sentence
	allRows := make([]int, 0)
	for _, rows := range batches {
		allRows = append(allRows, rows...)
	}
	for _, row := range allRows {
		sent := p.merge(ds.Sentence(row), cache[row])
		sentences = append(sentences, *sent)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	return conllu.WriteFile(outPath, sentences)
}

// merge writes the predicted field values into a copy of the sentence.
func (p *Pipeline) merge(src *conllu.Sentence, preds map[vocab.Kind][]int) *conllu.Sentence {
	sent := &conllu.Sentence{
		Comments: append([]string{}, src.Comments...),
		Tokens:   append([]conllu.Token{}, src.Tokens...),
	}
	words := sent.Words()
	for _, v := range p.model.OutputVocabs() {
		classes, ok := preds[v.Kind()]
		if !ok {
			continue
		}
		for pos, wi := range words {
			var value string
			if pv, positional := v.(vocab.Positional); positional {
				value = pv.ValueAt(classes[pos], pos+1, len(words))
			} else {
				value = v.Value(classes[pos])
			}
			// Set cannot fail for a known vocabulary field.
			_ = sent.Tokens[wi].Set(v.Field(), value)
		}
	}
	return sent
}

// outputPath derives the destination for one input file: the explicit
// filename, or the input's basename under the output dir, defaulting to
// `<save_dir>/parsed/<input-file-dir>/`.
func (p *Pipeline) outputPath(inputPath string, opts Options) (string, error) {
	if opts.OutputFile != "" {
		return opts.OutputFile, nil
	}
	dir := opts.OutputDir
	if dir == "" {
		rel := filepath.Dir(inputPath)
		if filepath.IsAbs(rel) {
			rel = rel[1:]
		}
		dir = filepath.Join(p.model.SaveDir(), "parsed", rel)
	}
	return filepath.Join(dir, filepath.Base(inputPath)), nil
}
