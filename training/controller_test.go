package training

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arbornlp/arbor/checkpoints"
	"github.com/arbornlp/arbor/dataset"
	"github.com/arbornlp/arbor/graph"
	"github.com/arbornlp/arbor/optimizer"
	"github.com/arbornlp/arbor/vocab"
)

// tenRows writes a corpus of 10 one-word sentences.
func tenRows(t *testing.T, dir string) string {
	t.Helper()
	var sb strings.Builder
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&sb, "1\tw%d\tw%d\tNOUN\tNN\t_\t0\troot\t_\t_\n\n", i, i)
	}
	path := filepath.Join(dir, "corpus.conllu")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatalf("failed to write corpus: %v", err)
	}
	return path
}

// fakeModel scripts the development accuracy per evaluation tick and records
// which optimizer each training step used.
type fakeModel struct {
	printEvery int
	devAccs    []float64
	steps      int
	optNames   []string
}

func (m *fakeModel) TrainStep(ds *dataset.Dataset, rows []int, opt optimizer.Optimizer) (*graph.Outputs, error) {
	m.optNames = append(m.optNames, opt.Name())
	m.steps++
	return &graph.Outputs{
		Tokens:    10,
		FieldLoss: map[vocab.Kind]float64{vocab.KindUPOS: 1},
		Correct:   map[vocab.Kind]int{vocab.KindUPOS: 5},
	}, nil
}

func (m *fakeModel) Evaluate(ds *dataset.Dataset, rows []int) (*graph.Outputs, error) {
	tick := m.steps / m.printEvery
	if tick > len(m.devAccs) {
		tick = len(m.devAccs)
	}
	acc := m.devAccs[tick-1]
	return &graph.Outputs{
		Tokens:  100,
		Correct: map[vocab.Kind]int{vocab.KindUPOS: int(math.Round(acc * 100))},
	}, nil
}

type fixture struct {
	model      *fakeModel
	controller *Controller
	saveDir    string
	saves      []checkpoints.TrainingState
	events     []Event
}

func newFixture(t *testing.T, cfg Config, devAccs []float64) *fixture {
	t.Helper()
	dir := t.TempDir()
	corpus := tenRows(t, dir)
	ds, err := dataset.New(5, corpus)
	if err != nil {
		t.Fatalf("failed to load dataset: %v", err)
	}

	cfg.SaveDir = filepath.Join(dir, "save")
	model := &fakeModel{printEvery: cfg.PrintEvery, devAccs: devAccs}
	adam, err := optimizer.NewAdam(optimizer.DefaultConfig())
	if err != nil {
		t.Fatalf("NewAdam failed: %v", err)
	}
	ctrl, err := NewController(model, ds, ds, adam, cfg)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	f := &fixture{model: model, controller: ctrl, saveDir: cfg.SaveDir}
	ctrl.SetObserver(func(e Event) { f.events = append(f.events, e) })
	ctrl.OnCheckpoint(func(s checkpoints.TrainingState) error {
		f.saves = append(f.saves, s)
		return nil
	})
	return f
}

// evalEvents returns the improved/not-improved events in order.
func (f *fixture) evalEvents() []Event {
	var out []Event
	for _, e := range f.events {
		if e.State == StateImproved || e.State == StateNotImproved {
			out = append(out, e)
		}
	}
	return out
}

func TestSmoothedAccuracyRecurrence(t *testing.T) {
	accs := []float64{0.5, 0.4, 0.5, 0.4, 0.5, 0.4, 0.5, 0.4}
	f := newFixture(t, Config{
		PrintEvery:                 5,
		MaxSteps:                   40,
		MaxStepsWithoutImprovement: 1000,
		SaveModel:                  true,
	}, accs)

	if err := f.controller.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	ticks := f.evalEvents()
	if len(ticks) != 8 {
		t.Fatalf("expected 8 evaluation ticks, got %d", len(ticks))
	}
	s := 0.0
	for i, e := range ticks {
		s = 0.75*s + 0.25*accs[i]
		if math.Abs(e.Smoothed-s) > 1e-12 {
			t.Errorf("tick %d: expected smoothed %g, got %g", i+1, s, e.Smoothed)
		}
	}
	// s[0] = 0.25*a[0] from an initial best of zero.
	if math.Abs(ticks[0].Smoothed-0.25*accs[0]) > 1e-12 {
		t.Errorf("expected first smoothed value %g, got %g", 0.25*accs[0], ticks[0].Smoothed)
	}
}

func TestCheckpointGatingAndPatience(t *testing.T) {
	// One good tick, then flat: only the first tick checkpoints, and the
	// stall counter climbs by the evaluation interval until patience runs
	// out.
	accs := []float64{0.9, 0.1, 0.1, 0.1, 0.1, 0.1}
	f := newFixture(t, Config{
		PrintEvery:                 5,
		MaxSteps:                   100,
		MaxStepsWithoutImprovement: 20,
		SaveModel:                  true,
	}, accs)

	if err := f.controller.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(f.saves) != 1 {
		t.Fatalf("expected exactly 1 checkpoint, got %d", len(f.saves))
	}
	if f.saves[0].Step != 5 {
		t.Errorf("expected the checkpoint at step 5, got %d", f.saves[0].Step)
	}

	ticks := f.evalEvents()
	wantSince := []int{0, 5, 10, 15, 20}
	if len(ticks) != len(wantSince) {
		t.Fatalf("expected %d ticks, got %d", len(wantSince), len(ticks))
	}
	for i, e := range ticks {
		if e.SinceImprovement != wantSince[i] {
			t.Errorf("tick %d: expected since=%d, got %d", i+1, wantSince[i], e.SinceImprovement)
		}
	}

	// Patience exhausted at step 25, well under the step budget.
	if f.model.steps != 25 {
		t.Errorf("expected training to stop at step 25, got %d", f.model.steps)
	}
	if _, err := os.Stat(filepath.Join(f.saveDir, "SUCCESS")); err != nil {
		t.Errorf("expected the success sentinel: %v", err)
	}
	scores, err := os.ReadFile(filepath.Join(f.saveDir, "scores.txt"))
	if err != nil {
		t.Fatalf("expected a transcript: %v", err)
	}
	if got := strings.Count(string(scores), "\n"); got != len(wantSince) {
		t.Errorf("expected %d transcript lines, got %d", len(wantSince), got)
	}
}

func TestOptimizerSwitchesOnce(t *testing.T) {
	accs := []float64{0.9, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1}
	f := newFixture(t, Config{
		PrintEvery:                 5,
		MaxSteps:                   40,
		MaxStepsWithoutImprovement: 100,
		SwitchOptimizers:           true,
	}, accs)

	if err := f.controller.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Threshold is 10% of patience = 10 steps; the stall counter first
	// exceeds it at tick 4 (since=15), so steps 21+ run the variant.
	for i, name := range f.model.optNames {
		want := "Adam"
		if i >= 20 {
			want = "AMSGrad"
		}
		if name != want {
			t.Fatalf("step %d: expected %s, got %s", i+1, want, name)
		}
	}

	switches := 0
	for i := 1; i < len(f.model.optNames); i++ {
		if f.model.optNames[i] != f.model.optNames[i-1] {
			switches++
		}
	}
	if switches != 1 {
		t.Errorf("expected exactly one optimizer switch, got %d", switches)
	}
}

func TestOptimizerSwitchDisabled(t *testing.T) {
	accs := []float64{0.9, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1}
	f := newFixture(t, Config{
		PrintEvery:                 5,
		MaxSteps:                   40,
		MaxStepsWithoutImprovement: 100,
	}, accs)

	if err := f.controller.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for i, name := range f.model.optNames {
		if name != "Adam" {
			t.Fatalf("step %d: expected Adam with switching disabled, got %s", i+1, name)
		}
	}
}

func TestStepBudgetTermination(t *testing.T) {
	// Monotonically improving: patience never triggers, the step budget
	// does, and epochs advance once per full pass (2 batches of 5 rows).
	f := newFixture(t, Config{
		PrintEvery:                 5,
		MaxSteps:                   20,
		MaxStepsWithoutImprovement: 1000,
	}, []float64{0.9, 0.9, 0.9, 0.9})

	if err := f.controller.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if f.model.steps != 20 {
		t.Errorf("expected exactly 20 steps, got %d", f.model.steps)
	}
	final := f.events[len(f.events)-1]
	if final.State != StateStopped {
		t.Errorf("expected a final stopped event, got %s", final.State)
	}
	// 20 steps over 2 batches per pass: the run ends exactly on a pass
	// boundary, and the last pass still counts.
	if final.Epoch != 10 {
		t.Errorf("expected 10 completed passes, got %d", final.Epoch)
	}
	if _, err := os.Stat(filepath.Join(f.saveDir, "SUCCESS")); err != nil {
		t.Errorf("expected the success sentinel: %v", err)
	}
}

func TestInterruptIsACleanStop(t *testing.T) {
	f := newFixture(t, Config{
		PrintEvery:                 5,
		MaxSteps:                   1000,
		MaxStepsWithoutImprovement: 1000,
	}, []float64{0.9})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.controller.Run(ctx); err != nil {
		t.Fatalf("expected an interrupt to be a clean stop, got %v", err)
	}
	if f.model.steps != 0 {
		t.Errorf("expected no steps after immediate cancellation, got %d", f.model.steps)
	}
	if _, err := os.Stat(filepath.Join(f.saveDir, "SUCCESS")); err != nil {
		t.Errorf("expected the success sentinel on interrupt: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.saveDir, "scores.txt")); err != nil {
		t.Errorf("expected the transcript on interrupt: %v", err)
	}
}

func TestInterruptInsideImprovementHookIsACleanStop(t *testing.T) {
	f := newFixture(t, Config{
		PrintEvery:                 5,
		MaxSteps:                   1000,
		MaxStepsWithoutImprovement: 1000,
	}, []float64{0.9})

	// The hook cancels the run and surfaces the cancellation, the shape a
	// context-aware corpus parse produces when the interrupt lands mid-parse.
	ctx, cancel := context.WithCancel(context.Background())
	f.controller.OnImprovement(func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})

	if err := f.controller.Run(ctx); err != nil {
		t.Fatalf("expected an interrupt inside the hook to be a clean stop, got %v", err)
	}
	if f.model.steps != 5 {
		t.Errorf("expected the run to stop at the first evaluation, got %d steps", f.model.steps)
	}
	if _, err := os.Stat(filepath.Join(f.saveDir, "SUCCESS")); err != nil {
		t.Errorf("expected the success sentinel: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.saveDir, "scores.txt")); err != nil {
		t.Errorf("expected the transcript: %v", err)
	}
}

func TestHistoryWindow(t *testing.T) {
	h := NewHistory()
	for i := 0; i < defaultWindow+10; i++ {
		h.Add(&graph.Outputs{
			Loss:    1,
			Tokens:  10,
			Correct: map[vocab.Kind]int{vocab.KindUPOS: 10},
		})
	}
	if h.Len() != defaultWindow {
		t.Errorf("expected the history bounded at %d, got %d", defaultWindow, h.Len())
	}
	if h.MeanLoss() != 1 || h.MeanAccuracy() != 1 {
		t.Errorf("expected means of 1, got loss %g acc %g", h.MeanLoss(), h.MeanAccuracy())
	}
}
