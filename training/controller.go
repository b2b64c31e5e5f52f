// Package training drives the training loop: shuffled batch steps, periodic
// development sweeps, moving-average-gated checkpointing, optimizer
// switching, and budget-driven termination.
package training

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arbornlp/arbor/checkpoints"
	"github.com/arbornlp/arbor/config"
	"github.com/arbornlp/arbor/dataset"
	"github.com/arbornlp/arbor/graph"
	"github.com/arbornlp/arbor/optimizer"
)

// smoothingDecay is the exponential-moving-average decay for the epoch
// accuracy: new = decay*old + (1-decay)*latest.
const smoothingDecay = 0.75

// Model is what the controller needs from a composed network.
type Model interface {
	// TrainStep runs one parameter update over a batch of rows with the
	// given strategy.
	TrainStep(ds *dataset.Dataset, rows []int, opt optimizer.Optimizer) (*graph.Outputs, error)
	// Evaluate scores a batch of rows without updating parameters.
	Evaluate(ds *dataset.Dataset, rows []int) (*graph.Outputs, error)
}

// Config holds the loop's budgets and toggles.
type Config struct {
	SaveDir string

	// PrintEvery is the evaluation cadence in steps.
	PrintEvery int
	// MaxSteps is the total step budget.
	MaxSteps int
	// MaxStepsWithoutImprovement is the patience window.
	MaxStepsWithoutImprovement int

	// SwitchOptimizers enables the irrevocable switch to the variant
	// strategy once progress stalls past a tenth of the patience window.
	SwitchOptimizers bool
	// SaveModel enables checkpointing on improvement.
	SaveModel bool

	Seed int64
}

// ConfigFrom reads the loop configuration from a network's config section.
func ConfigFrom(cfg *config.Config, network string) (Config, error) {
	var c Config
	var err error
	if c.SaveDir, err = cfg.GetStr(network, "save_dir"); err != nil {
		return c, err
	}
	if c.PrintEvery, err = cfg.GetInt(network, "print_every"); err != nil {
		return c, err
	}
	if c.MaxSteps, err = cfg.GetInt(network, "max_steps"); err != nil {
		return c, err
	}
	if c.MaxStepsWithoutImprovement, err = cfg.GetInt(network, "max_steps_without_improvement"); err != nil {
		return c, err
	}
	if c.SwitchOptimizers, err = cfg.GetBool(network, "switch_optimizers"); err != nil {
		return c, err
	}
	if c.SaveModel, err = cfg.GetBool(network, "save_model"); err != nil {
		return c, err
	}
	if cfg.Has(network, "seed") {
		seed, err := cfg.GetInt(network, "seed")
		if err != nil {
			return c, err
		}
		c.Seed = int64(seed)
	}
	return c, nil
}

func (c Config) validate() error {
	if c.PrintEvery <= 0 {
		return fmt.Errorf("print_every must be positive, got %d", c.PrintEvery)
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be positive, got %d", c.MaxSteps)
	}
	if c.MaxStepsWithoutImprovement <= 0 {
		return fmt.Errorf("max_steps_without_improvement must be positive, got %d", c.MaxStepsWithoutImprovement)
	}
	return nil
}

// Controller runs the training state machine over a model and its datasets.
type Controller struct {
	cfg      Config
	model    Model
	trainset *dataset.Dataset
	devset   *dataset.Dataset
	primary  *optimizer.Adam

	observer  Observer
	logger    *log.Logger
	save      func(checkpoints.TrainingState) error
	onImprove func(context.Context) error

	history    *History
	transcript []string
}

// NewController creates a controller. The primary strategy is Adam; the
// variant is derived from it if and when the switch triggers.
func NewController(model Model, trainset, devset *dataset.Dataset, primary *optimizer.Adam, cfg Config) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Controller{
		cfg:      cfg,
		model:    model,
		trainset: trainset,
		devset:   devset,
		primary:  primary,
		history:  NewHistory(),
	}, nil
}

// SetObserver installs the progress event consumer.
func (c *Controller) SetObserver(fn Observer) {
	c.observer = fn
}

// SetLogger installs a logger for evaluation summaries.
func (c *Controller) SetLogger(l *log.Logger) {
	c.logger = l
}

// OnCheckpoint installs the checkpoint hook, called on verified improvement
// when saving is enabled.
func (c *Controller) OnCheckpoint(fn func(checkpoints.TrainingState) error) {
	c.save = fn
}

// OnImprovement installs an optional hook run after each checkpoint, used to
// parse the dev and test sets with the just-saved model.
func (c *Controller) OnImprovement(fn func(context.Context) error) {
	c.onImprove = fn
}

// runState is the mutable progress record, touched only by Run.
type runState struct {
	step     int
	epoch    int
	since    int
	smoothed float64
	best     float64
	switched bool
	active   optimizer.Optimizer
}

// Run executes the loop until the step budget or the patience window is
// exhausted, or ctx is canceled. Cancellation is a clean stop, not an error:
// the sentinel and transcript are written on every exit path, and the last
// successful checkpoint remains valid.
func (c *Controller) Run(ctx context.Context) error {
	rng := rand.New(rand.NewSource(c.cfg.Seed))
	loader := c.trainset.Loader(true, rng)
	st := &runState{active: c.primary}
	start := time.Now()

loop:
	for st.step < c.cfg.MaxSteps && st.since < c.cfg.MaxStepsWithoutImprovement {
		select {
		case <-ctx.Done():
			break loop
		default:
		}

		rows, ok := loader.Next()
		if !ok {
			break
		}
		out, err := c.model.TrainStep(c.trainset, rows, st.active)
		if err != nil {
			return fmt.Errorf("train step %d failed: %w", st.step, err)
		}
		c.history.Add(out)
		st.step++
		if !loader.More() {
			// One full pass over the shuffled training set is one epoch,
			// counted when the pass completes, independent of the evaluation
			// cadence.
			st.epoch++
			loader.Reset()
		}
		c.emit(StateRunning, st, 0, start)

		if st.step%c.cfg.PrintEvery == 0 {
			if err := c.evaluate(ctx, st, start); err != nil {
				// Cancellation surfacing mid-evaluation (the improvement hook
				// parses corpora under ctx) is still a clean stop: fall
				// through to the sentinel and transcript.
				if errors.Is(err, context.Canceled) {
					break loop
				}
				return err
			}
		}
	}

	c.emit(StateStopped, st, 0, start)
	if c.logger != nil {
		c.logger.Printf("stopped at step %d (epoch %d) after %s, best %.4f",
			st.step, st.epoch, time.Since(start).Round(time.Millisecond), st.best)
	}
	return c.finish()
}

// evaluate runs one full development sweep and applies the improvement test.
func (c *Controller) evaluate(ctx context.Context, st *runState, start time.Time) error {
	c.emit(StateEvaluating, st, 0, start)

	total := &graph.Outputs{}
	sweep := c.devset.Loader(false, nil)
	for {
		rows, ok := sweep.Next()
		if !ok {
			break
		}
		out, err := c.model.Evaluate(c.devset, rows)
		if err != nil {
			return fmt.Errorf("dev sweep at step %d failed: %w", st.step, err)
		}
		total.Add(out)
	}
	acc := total.Accuracy()
	st.smoothed = smoothingDecay*st.smoothed + (1-smoothingDecay)*acc

	// Ties count as improvement.
	if st.smoothed >= st.best {
		st.best = st.smoothed
		st.since = 0
		if c.cfg.SaveModel && c.save != nil {
			if err := c.save(checkpoints.TrainingState{
				Epoch:            st.epoch,
				Step:             st.step,
				Optimizer:        st.active.Name(),
				BestAccuracy:     st.best,
				SinceImprovement: st.since,
			}); err != nil {
				return fmt.Errorf("checkpoint at step %d failed: %w", st.step, err)
			}
		}
		if c.onImprove != nil {
			if err := c.onImprove(ctx); err != nil {
				return err
			}
		}
		c.emit(StateImproved, st, acc, start)
	} else {
		st.since += c.cfg.PrintEvery
		c.emit(StateNotImproved, st, acc, start)
	}

	// The switch to the variant strategy is irrevocable and resets nothing.
	if c.cfg.SwitchOptimizers && !st.switched &&
		float64(st.since) > 0.1*float64(c.cfg.MaxStepsWithoutImprovement) {
		st.active = optimizer.FromAdam(c.primary)
		st.switched = true
		if c.logger != nil {
			c.logger.Printf("switching to %s at step %d", st.active.Name(), st.step)
		}
	}

	line := fmt.Sprintf("step=%d epoch=%d optimizer=%s train_loss=%.4f dev_acc=%.4f smoothed=%.4f best=%.4f since=%d",
		st.step, st.epoch, st.active.Name(), c.history.MeanLoss(), acc, st.smoothed, st.best, st.since)
	c.transcript = append(c.transcript, line)
	if c.logger != nil {
		c.logger.Print(line)
	}
	return nil
}

// finish writes the sentinel success marker and the textual transcript. Both
// are written for normal and interrupted stops alike.
func (c *Controller) finish() error {
	if err := os.MkdirAll(c.cfg.SaveDir, 0o755); err != nil {
		return fmt.Errorf("failed to create save dir: %w", err)
	}
	scores := strings.Join(c.transcript, "\n")
	if scores != "" {
		scores += "\n"
	}
	if err := os.WriteFile(filepath.Join(c.cfg.SaveDir, "scores.txt"), []byte(scores), 0o644); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.cfg.SaveDir, "SUCCESS"), nil, 0o644); err != nil {
		return fmt.Errorf("failed to write sentinel: %w", err)
	}
	return nil
}

func (c *Controller) emit(state State, st *runState, devAcc float64, start time.Time) {
	if c.observer == nil {
		return
	}
	c.observer(Event{
		State:            state,
		Step:             st.step,
		Epoch:            st.epoch,
		Optimizer:        st.active.Name(),
		TrainLoss:        c.history.MeanLoss(),
		TrainAccuracy:    c.history.MeanAccuracy(),
		DevAccuracy:      devAcc,
		Smoothed:         st.smoothed,
		Best:             st.best,
		SinceImprovement: st.since,
		Elapsed:          time.Since(start),
	})
}
