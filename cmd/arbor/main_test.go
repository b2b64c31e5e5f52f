package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/arbornlp/arbor/inference"
)

func TestParseUsageErrorPrecedesSessionRestore(t *testing.T) {
	// The config path does not exist: the usage error must surface before the
	// command tries to load the config or restore a session.
	err := runParse(context.Background(), []string{
		"--config", filepath.Join(t.TempDir(), "absent.yaml"),
		"--output-file", "out.conllu",
		"a.conllu", "b.conllu",
	})
	if !errors.Is(err, inference.ErrUsage) {
		t.Fatalf("expected ErrUsage, got %v", err)
	}
}
