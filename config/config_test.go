package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const testYAML = `
default:
  save_dir: runs/test
  print_every: 100
  l2_reg: 3.0e-9
  switch_optimizers: true
  input_vocab_classes: [FormTokenVocab, UPOSTokenVocab]

ParserNetwork:
  print_every: 25
  output_vocab_classes: DeprelTokenVocab DepheadIndexVocab
`

func TestSectionFallback(t *testing.T) {
	cfg, err := Parse([]byte(testYAML), "test.yaml")
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	// Key present in the component section overrides the default.
	n, err := cfg.GetInt("ParserNetwork", "print_every")
	if err != nil {
		t.Fatalf("GetInt failed: %v", err)
	}
	if n != 25 {
		t.Errorf("expected 25, got %d", n)
	}

	// Key absent from the component section falls back to default.
	dir, err := cfg.GetStr("ParserNetwork", "save_dir")
	if err != nil {
		t.Fatalf("GetStr failed: %v", err)
	}
	if dir != "runs/test" {
		t.Errorf("expected runs/test, got %s", dir)
	}

	// Unknown section still resolves through default.
	if !cfg.Has("TaggerNetwork", "save_dir") {
		t.Errorf("expected fallback lookup to succeed for unknown section")
	}
}

func TestTypedAccessors(t *testing.T) {
	cfg, err := Parse([]byte(testYAML), "test.yaml")
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	f, err := cfg.GetFloat("default", "l2_reg")
	if err != nil {
		t.Fatalf("GetFloat failed: %v", err)
	}
	if f != 3.0e-9 {
		t.Errorf("expected 3.0e-9, got %g", f)
	}

	b, err := cfg.GetBool("default", "switch_optimizers")
	if err != nil {
		t.Fatalf("GetBool failed: %v", err)
	}
	if !b {
		t.Errorf("expected true, got false")
	}

	// Sequence-valued list.
	seq, err := cfg.GetList("default", "input_vocab_classes")
	if err != nil {
		t.Fatalf("GetList failed: %v", err)
	}
	if len(seq) != 2 || seq[0] != "FormTokenVocab" || seq[1] != "UPOSTokenVocab" {
		t.Errorf("unexpected list: %v", seq)
	}

	// Inline whitespace-separated list.
	inline, err := cfg.GetList("ParserNetwork", "output_vocab_classes")
	if err != nil {
		t.Fatalf("GetList failed: %v", err)
	}
	if len(inline) != 2 || inline[0] != "DeprelTokenVocab" {
		t.Errorf("unexpected inline list: %v", inline)
	}
}

func TestMissingKey(t *testing.T) {
	cfg, err := Parse([]byte(testYAML), "test.yaml")
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	if _, err := cfg.GetInt("ParserNetwork", "max_steps"); !errors.Is(err, ErrMissingKey) {
		t.Errorf("expected ErrMissingKey, got %v", err)
	}
	if _, err := cfg.GetInt("default", "save_dir"); !errors.Is(err, ErrBadValue) {
		t.Errorf("expected ErrBadValue for non-integer, got %v", err)
	}
}

func TestGetFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.conllu", "b.conllu"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("# empty\n"), 0o644); err != nil {
			t.Fatalf("failed to write fixture: %v", err)
		}
	}

	yml := "default:\n  train_conllus: [" + filepath.Join(dir, "*.conllu") + "]\n  dev_conllus: [" + filepath.Join(dir, "missing-*.conllu") + "]\n"
	cfg, err := Parse([]byte(yml), "files.yaml")
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	files, err := cfg.GetFiles("default", "train_conllus")
	if err != nil {
		t.Fatalf("GetFiles failed: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("expected 2 files, got %d: %v", len(files), files)
	}

	if _, err := cfg.GetFiles("default", "dev_conllus"); err == nil {
		t.Errorf("expected error for pattern with no matches")
	}
}
