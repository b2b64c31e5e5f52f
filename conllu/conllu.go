package conllu

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Token is one row of a CoNLL-U sentence: the ten standard columns, with "_"
// for unset values. Multiword ranges ("1-2") and empty nodes ("1.1") are kept
// as ordinary rows so files round-trip unchanged.
type Token struct {
	ID     string
	Form   string
	Lemma  string
	UPOS   string
	XPOS   string
	Feats  string
	Head   string
	Deprel string
	Deps   string
	Misc   string
}

// IsSyntactic reports whether the token is a regular syntactic word, i.e. not
// a multiword range and not an empty node. Only syntactic words carry
// predictions.
func (t *Token) IsSyntactic() bool {
	return !strings.ContainsAny(t.ID, "-.")
}

// Get returns the column addressed by a vocabulary field name.
func (t *Token) Get(field string) (string, error) {
	switch field {
	case "id":
		return t.ID, nil
	case "form":
		return t.Form, nil
	case "lemma":
		return t.Lemma, nil
	case "upos":
		return t.UPOS, nil
	case "xpos":
		return t.XPOS, nil
	case "feats":
		return t.Feats, nil
	case "dephead":
		return t.Head, nil
	case "deprel":
		return t.Deprel, nil
	case "semrel":
		return t.Deps, nil
	case "misc":
		return t.Misc, nil
	}
	return "", fmt.Errorf("unknown token field %q", field)
}

// Set writes the column addressed by a vocabulary field name.
func (t *Token) Set(field, value string) error {
	switch field {
	case "id":
		t.ID = value
	case "form":
		t.Form = value
	case "lemma":
		t.Lemma = value
	case "upos":
		t.UPOS = value
	case "xpos":
		t.XPOS = value
	case "feats":
		t.Feats = value
	case "dephead":
		t.Head = value
	case "deprel":
		t.Deprel = value
	case "semrel":
		t.Deps = value
	case "misc":
		t.Misc = value
	default:
		return fmt.Errorf("unknown token field %q", field)
	}
	return nil
}

// Sentence is a block of tokens with its preceding comment lines.
type Sentence struct {
	Comments []string
	Tokens   []Token
}

// Words returns the indices of the sentence's syntactic words, in order.
func (s *Sentence) Words() []int {
	var words []int
	for i := range s.Tokens {
		if s.Tokens[i].IsSyntactic() {
			words = append(words, i)
		}
	}
	return words
}

// Write serializes the sentence in CoNLL-U form, including the trailing blank
// line.
func (s *Sentence) Write(w io.Writer) error {
	for _, comment := range s.Comments {
		if _, err := fmt.Fprintln(w, comment); err != nil {
			return err
		}
	}
	for i := range s.Tokens {
		t := &s.Tokens[i]
		_, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Form, t.Lemma, t.UPOS, t.XPOS, t.Feats, t.Head, t.Deprel, t.Deps, t.Misc)
		if err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}

// Parse reads CoNLL-U sentences from r. The name is used for error messages.
func Parse(r io.Reader, name string) ([]Sentence, error) {
	var sentences []Sentence
	var current Sentence

	flush := func() {
		if len(current.Tokens) > 0 || len(current.Comments) > 0 {
			sentences = append(sentences, current)
		}
		current = Sentence{}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		switch {
		case strings.TrimSpace(line) == "":
			flush()
		case strings.HasPrefix(line, "#"):
			current.Comments = append(current.Comments, line)
		default:
			cols := strings.Split(line, "\t")
			if len(cols) != 10 {
				return nil, fmt.Errorf("%s:%d: expected 10 columns, got %d", name, lineno, len(cols))
			}
			current.Tokens = append(current.Tokens, Token{
				ID: cols[0], Form: cols[1], Lemma: cols[2], UPOS: cols[3], XPOS: cols[4],
				Feats: cols[5], Head: cols[6], Deprel: cols[7], Deps: cols[8], Misc: cols[9],
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	flush()
	return sentences, nil
}

// Read loads all sentences from a CoNLL-U file.
func Read(path string) ([]Sentence, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus file: %w", err)
	}
	defer f.Close()
	return Parse(f, path)
}

// WriteFile serializes sentences to path, creating parent directories as
// needed by the caller.
func WriteFile(path string, sentences []Sentence) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	w := bufio.NewWriter(f)
	for i := range sentences {
		if err := sentences[i].Write(w); err != nil {
			f.Close()
			return fmt.Errorf("failed to write sentence: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush output file: %w", err)
	}
	return f.Close()
}
