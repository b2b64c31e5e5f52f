package checkpoints

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arbornlp/arbor/graph"
)

func testStore(t *testing.T) *graph.Store {
	t.Helper()
	s := graph.NewStore()
	rng := rand.New(rand.NewSource(11))
	if _, err := s.CreateInit("Parser/hidden/W", 3, 4, rng); err != nil {
		t.Fatalf("CreateInit failed: %v", err)
	}
	if _, err := s.Create("Parser/hidden/b", 1, 4); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.CreateInit("Tagger/hidden/W", 2, 2, rng); err != nil {
		t.Fatalf("CreateInit failed: %v", err)
	}
	return s
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := testStore(t)
	state := TrainingState{Epoch: 3, Step: 120, Optimizer: "Adam", BestAccuracy: 0.91, SinceImprovement: 5}

	if err := Save(s, "Parser", state, dir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Restore into a second store with the same layout.
	fresh := testStore(t)
	restored, err := Restore(fresh, "Parser", dir)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if *restored != state {
		t.Errorf("expected training state %+v, got %+v", state, *restored)
	}

	want := s.Get("Parser/hidden/W").Value.RawMatrix().Data
	got := fresh.Get("Parser/hidden/W").Value.RawMatrix().Data
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("weight %d: expected %g, got %g", i, want[i], got[i])
		}
	}
}

func TestSaveExcludesOtherScopesAndNoSave(t *testing.T) {
	dir := t.TempDir()
	s := testStore(t)
	s.Get("Parser/hidden/b").NoSave = true

	if err := Save(s, "Parser", TrainingState{Epoch: 1}, dir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	path, err := Latest(dir)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	fresh := testStore(t)
	if _, err := Restore(fresh, "Parser", filepath.Dir(path)); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	// The checkpoint must not mention the frozen Tagger scope or the NoSave
	// bias.
	ckpts, err := list(dir)
	if err != nil || len(ckpts) != 1 {
		t.Fatalf("expected exactly one checkpoint, got %v (%v)", ckpts, err)
	}
	raw, err := readAll(ckpts[0])
	if err != nil {
		t.Fatalf("failed to read checkpoint: %v", err)
	}
	if strings.Contains(raw, "Tagger/") {
		t.Error("checkpoint leaked frozen sub-model parameters")
	}
	if strings.Contains(raw, "Parser/hidden/b") {
		t.Error("checkpoint included a NoSave parameter")
	}
}

func TestSaveRetainsOnlyLatest(t *testing.T) {
	dir := t.TempDir()
	s := testStore(t)

	for epoch := 1; epoch <= 3; epoch++ {
		if err := Save(s, "Parser", TrainingState{Epoch: epoch}, dir); err != nil {
			t.Fatalf("Save at epoch %d failed: %v", epoch, err)
		}
	}

	paths, err := list(dir)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected 1 retained checkpoint, got %d", len(paths))
	}
	if epochOf(paths[0]) != 3 {
		t.Errorf("expected the epoch-3 checkpoint, got %s", paths[0])
	}
}

func TestRestoreMissingCheckpoint(t *testing.T) {
	s := testStore(t)
	if _, err := Restore(s, "Parser", t.TempDir()); !errors.Is(err, ErrRestore) {
		t.Errorf("expected ErrRestore for empty dir, got %v", err)
	}
	if _, err := Restore(s, "Parser", filepath.Join(t.TempDir(), "missing")); !errors.Is(err, ErrRestore) {
		t.Errorf("expected ErrRestore for absent dir, got %v", err)
	}
}

func TestRestoreRejectsShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	s := testStore(t)
	if err := Save(s, "Parser", TrainingState{Epoch: 1}, dir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	other := graph.NewStore()
	if _, err := other.Create("Parser/hidden/W", 2, 2); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := other.Create("Parser/hidden/b", 1, 4); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := Restore(other, "Parser", dir); err == nil {
		t.Error("expected restore to reject a shape mismatch")
	}
}

func readAll(path string) (string, error) {
	buf, err := os.ReadFile(path)
	return string(buf), err
}
