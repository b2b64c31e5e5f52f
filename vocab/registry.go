package vocab

import (
	"errors"
	"fmt"

	"github.com/arbornlp/arbor/config"
)

// ErrConsistency reports that two composed networks hold distinct instances of
// a vocabulary that must be shared.
var ErrConsistency = errors.New("inconsistent shared vocabulary")

// Registry deduplicates vocabulary instances across a run. Every network in a
// composition resolves its vocabularies through the same registry, so each
// kind maps to exactly one shared instance. The identifier vocabulary exists
// from the start and is reused by every model.
type Registry struct {
	id Vocab
}

// NewRegistry creates a registry with the run-wide identifier vocabulary
// already bound.
func NewRegistry() *Registry {
	return &Registry{id: New(KindIDIndex, Options{})}
}

// ID returns the run-wide identifier vocabulary.
func (r *Registry) ID() Vocab {
	return r.id
}

// Merge folds src's vocabularies into dst, requiring that any kind present in
// both maps to the same instance. Two sub-models holding different instances
// of a shared vocabulary is a fatal construction error.
func Merge(dst, src map[Kind]Vocab) error {
	for kind, v := range src {
		if held, ok := dst[kind]; ok {
			if held != v {
				return fmt.Errorf("%w: two instances of %s", ErrConsistency, kind)
			}
			continue
		}
		dst[kind] = v
	}
	return nil
}

// Resolve returns one vocabulary per requested kind for the named network.
// Kinds already present among extant (the composed sub-models' vocabularies)
// are reused verbatim; missing kinds are constructed, then populated from
// their on-disk cache if one exists, otherwise by counting the network's
// training corpora. Newly resolved vocabularies are recorded in extant so
// later resolutions share them.
func (r *Registry) Resolve(cfg *config.Config, network string, extant map[Kind]Vocab, kinds []Kind) ([]Vocab, error) {
	out := make([]Vocab, 0, len(kinds))
	for _, kind := range kinds {
		if kind == KindIDIndex {
			extant[kind] = r.id
			out = append(out, r.id)
			continue
		}
		if v, ok := extant[kind]; ok {
			out = append(out, v)
			continue
		}
		v, err := r.construct(cfg, network, kind)
		if err != nil {
			return nil, err
		}
		loaded, err := v.Load()
		if err != nil {
			return nil, err
		}
		if !loaded {
			files, err := cfg.GetFiles(network, "train_conllus")
			if err != nil {
				return nil, fmt.Errorf("cannot count %s vocabulary: %w", kind.Field(), err)
			}
			if err := v.Count(files); err != nil {
				return nil, err
			}
		}
		extant[kind] = v
		out = append(out, v)
	}
	return out, nil
}

// construct builds an empty vocabulary, reading its options from the
// vocabulary's own config section (with the usual default fallback).
func (r *Registry) construct(cfg *config.Config, network string, kind Kind) (Vocab, error) {
	saveDir, err := cfg.GetStr(network, "save_dir")
	if err != nil {
		return nil, err
	}
	opts := Options{SaveDir: saveDir}
	section := kind.String()
	if cfg.Has(section, "factorized") {
		opts.Factorized, err = cfg.GetBool(section, "factorized")
		if err != nil {
			return nil, err
		}
	}
	if cfg.Has(section, "max_head_offset") {
		opts.MaxHeadOffset, err = cfg.GetInt(section, "max_head_offset")
		if err != nil {
			return nil, err
		}
	}
	return New(kind, opts), nil
}
