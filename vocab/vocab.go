package vocab

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/arbornlp/arbor/conllu"
)

// Reserved indices shared by all token vocabularies.
const (
	PadIndex  = 0
	RootIndex = 1
	UnkIndex  = 2
)

var specials = []string{"<PAD>", "<ROOT>", "<UNK>"}

// Vocab is a categorical feature space over one CoNLL-U column. An instance
// is populated exactly once — from its on-disk cache if present, otherwise by
// counting the training corpora — and is immutable afterward.
type Vocab interface {
	Kind() Kind
	Field() string

	// Factorized reports whether the vocabulary's output space decomposes
	// into independent sub-decisions: a labeled attachment scored as
	// separate head and relation decisions.
	Factorized() bool

	// Load populates the vocabulary from its persisted cache. It returns
	// false when no cache exists yet.
	Load() (bool, error)

	// Count populates the vocabulary by scanning training corpora and writes
	// the cache for the next run.
	Count(files []string) error

	Size() int
	Index(value string) int
	Value(index int) string
}

// Positional is implemented by vocabularies whose encoding depends on the
// token's position in its sentence (head pointers stored as clamped relative
// offsets). Consumers should prefer IndexAt/ValueAt when available.
type Positional interface {
	IndexAt(value string, position, length int) int
	ValueAt(index int, position, length int) string
}

// FieldValue extracts the categorical value a vocabulary kind reads from a
// token. For most kinds this is the raw column; the semantic-relation kind
// reduces the DEPS column to its first relation label.
func FieldValue(t *conllu.Token, k Kind) (string, error) {
	raw, err := t.Get(k.Field())
	if err != nil {
		return "", err
	}
	if k != KindSemrel {
		return raw, nil
	}
	if raw == "" || raw == "_" {
		return "_", nil
	}
	first := raw
	if i := strings.IndexByte(first, '|'); i >= 0 {
		first = first[:i]
	}
	if i := strings.IndexByte(first, ':'); i >= 0 {
		return first[i+1:], nil
	}
	return first, nil
}

// Options configure vocabulary construction. They are read from the
// vocabulary's own config section.
type Options struct {
	// SaveDir is the run directory; caches live under SaveDir/vocabs.
	SaveDir string
	// Factorized marks tree/graph label vocabularies whose decisions are
	// scored separately from head selection.
	Factorized bool
	// MaxHeadOffset clamps relative head offsets for the dephead vocabulary.
	MaxHeadOffset int
}

// New constructs an empty vocabulary of the given kind. Token vocabularies
// still need Load or Count before use.
func New(kind Kind, opts Options) Vocab {
	switch kind {
	case KindIDIndex:
		return &IndexVocab{kind: kind}
	case KindDephead:
		max := opts.MaxHeadOffset
		if max <= 0 {
			max = 10
		}
		return &OffsetVocab{kind: kind, maxOffset: max}
	default:
		return &TokenVocab{kind: kind, opts: opts}
	}
}

// TokenVocab maps string-valued column entries to dense indices, with PAD,
// ROOT and UNK reserved. Entries are ordered by descending corpus frequency.
type TokenVocab struct {
	kind    Kind
	opts    Options
	values  []string
	counts  []int
	indices map[string]int
}

func (v *TokenVocab) Kind() Kind       { return v.kind }
func (v *TokenVocab) Field() string    { return v.kind.Field() }
func (v *TokenVocab) Factorized() bool { return v.opts.Factorized }
func (v *TokenVocab) Size() int        { return len(v.values) }

// Index returns the index for a value, or UnkIndex for unseen values.
func (v *TokenVocab) Index(value string) int {
	if i, ok := v.indices[value]; ok {
		return i
	}
	return UnkIndex
}

// Value returns the string at an index, or the UNK marker out of range.
func (v *TokenVocab) Value(index int) string {
	if index < 0 || index >= len(v.values) {
		return specials[UnkIndex]
	}
	return v.values[index]
}

func (v *TokenVocab) cachePath() string {
	return filepath.Join(v.opts.SaveDir, "vocabs", v.Field()+".lst")
}

// Load reads the persisted token counts written by a previous Count.
func (v *TokenVocab) Load() (bool, error) {
	f, err := os.Open(v.cachePath())
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to open vocabulary cache: %w", err)
	}
	defer f.Close()

	counts := map[string]int{}
	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" {
			continue
		}
		tab := strings.LastIndexByte(line, '\t')
		if tab < 0 {
			return false, fmt.Errorf("%s:%d: malformed vocabulary line", v.cachePath(), lineno)
		}
		n, err := strconv.Atoi(line[tab+1:])
		if err != nil {
			return false, fmt.Errorf("%s:%d: bad count: %w", v.cachePath(), lineno, err)
		}
		counts[line[:tab]] = n
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("failed to read vocabulary cache: %w", err)
	}
	v.build(counts)
	return true, nil
}

// Count scans the training corpora, builds the index and writes the cache.
func (v *TokenVocab) Count(files []string) error {
	counts := map[string]int{}
	for _, path := range files {
		sentences, err := conllu.Read(path)
		if err != nil {
			return fmt.Errorf("failed to count %s vocabulary: %w", v.Field(), err)
		}
		for si := range sentences {
			sent := &sentences[si]
			for _, wi := range sent.Words() {
				value, err := FieldValue(&sent.Tokens[wi], v.kind)
				if err != nil {
					return err
				}
				counts[value]++
			}
		}
	}
	v.build(counts)
	return v.writeCache()
}

// build assembles the value table: specials first, then tokens by descending
// count with alphabetical ties, so the layout is deterministic.
func (v *TokenVocab) build(counts map[string]int) {
	tokens := make([]string, 0, len(counts))
	for tok := range counts {
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if counts[tokens[i]] != counts[tokens[j]] {
			return counts[tokens[i]] > counts[tokens[j]]
		}
		return tokens[i] < tokens[j]
	})

	v.values = append([]string{}, specials...)
	v.counts = make([]int, len(specials))
	v.indices = make(map[string]int, len(tokens)+len(specials))
	for i, s := range specials {
		v.indices[s] = i
	}
	for _, tok := range tokens {
		if _, reserved := v.indices[tok]; reserved {
			continue
		}
		v.indices[tok] = len(v.values)
		v.values = append(v.values, tok)
		v.counts = append(v.counts, counts[tok])
	}
}

func (v *TokenVocab) writeCache() error {
	dir := filepath.Dir(v.cachePath())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create vocabulary cache dir: %w", err)
	}
	f, err := os.Create(v.cachePath())
	if err != nil {
		return fmt.Errorf("failed to create vocabulary cache: %w", err)
	}
	w := bufio.NewWriter(f)
	for i := len(specials); i < len(v.values); i++ {
		fmt.Fprintf(w, "%s\t%d\n", v.values[i], v.counts[i])
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write vocabulary cache: %w", err)
	}
	return f.Close()
}

// IndexVocab is the identifier vocabulary over the row/token index column.
// It is closed-form: nothing to load or count.
type IndexVocab struct {
	kind Kind
}

func (v *IndexVocab) Kind() Kind                 { return v.kind }
func (v *IndexVocab) Field() string              { return v.kind.Field() }
func (v *IndexVocab) Factorized() bool           { return false }
func (v *IndexVocab) Load() (bool, error)        { return true, nil }
func (v *IndexVocab) Count(files []string) error { return nil }
func (v *IndexVocab) Size() int                  { return 0 }

func (v *IndexVocab) Index(value string) int {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return n
}

func (v *IndexVocab) Value(index int) string {
	return strconv.Itoa(index)
}

// OffsetVocab encodes head pointers as clamped relative offsets: class 0 is
// the root attachment, the remaining classes are offsets -max..-1 and +1..+max
// from the dependent's position. Closed-form, nothing to load or count.
type OffsetVocab struct {
	kind      Kind
	maxOffset int
}

func (v *OffsetVocab) Kind() Kind                 { return v.kind }
func (v *OffsetVocab) Field() string              { return v.kind.Field() }
func (v *OffsetVocab) Factorized() bool           { return false }
func (v *OffsetVocab) Load() (bool, error)        { return true, nil }
func (v *OffsetVocab) Count(files []string) error { return nil }

func (v *OffsetVocab) Size() int { return 2*v.maxOffset + 1 }

// Index without position context treats the value as an offset already; use
// IndexAt wherever the token position is known.
func (v *OffsetVocab) Index(value string) int {
	d, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return v.offsetClass(d)
}

func (v *OffsetVocab) Value(index int) string {
	return strconv.Itoa(v.classOffset(index))
}

// IndexAt encodes an absolute head id for the word at 1-based position.
func (v *OffsetVocab) IndexAt(value string, position, length int) int {
	head, err := strconv.Atoi(value)
	if err != nil || head <= 0 {
		return 0 // root
	}
	return v.offsetClass(head - position)
}

// ValueAt decodes a class back to an absolute head id for the word at
// 1-based position in a sentence of the given length.
func (v *OffsetVocab) ValueAt(index int, position, length int) string {
	d := v.classOffset(index)
	if d == 0 {
		return "0"
	}
	head := position + d
	if head < 1 {
		return "0"
	}
	if head > length {
		head = length
	}
	if head == position {
		// Clamping collapsed the offset onto the dependent itself; fall back
		// to the root attachment rather than emit a self-loop.
		return "0"
	}
	return strconv.Itoa(head)
}

func (v *OffsetVocab) offsetClass(d int) int {
	if d == 0 {
		return 0
	}
	if d < -v.maxOffset {
		d = -v.maxOffset
	}
	if d > v.maxOffset {
		d = v.maxOffset
	}
	if d < 0 {
		return d + v.maxOffset + 1 // -max..-1 -> 1..max
	}
	return d + v.maxOffset // 1..max -> max+1..2*max
}

func (v *OffsetVocab) classOffset(index int) int {
	if index <= 0 || index > 2*v.maxOffset {
		return 0
	}
	if index <= v.maxOffset {
		return index - v.maxOffset - 1
	}
	return index - v.maxOffset
}
