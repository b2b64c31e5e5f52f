// Package checkpoints persists a network's trainable parameters and training
// progress as JSON, retaining only the most recent checkpoint per directory.
// Frozen sub-models are saved and restored from their own directories; a
// composed model's checkpoint never contains sub-model parameters.
package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/arbornlp/arbor/graph"
)

// ErrRestore reports that a checkpoint directory holds no checkpoint.
var ErrRestore = errors.New("no checkpoint found")

const (
	checkpointPrefix = "ckpt-"
	checkpointSuffix = ".json"
	framework        = "arbor"
	formatVersion    = "1.0.0"
)

// WeightTensor is one persisted parameter.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// TrainingState captures the training progress stored alongside the weights,
// so a restored run reports where it stopped.
type TrainingState struct {
	Epoch            int     `json:"epoch"`
	Step             int     `json:"step"`
	Optimizer        string  `json:"optimizer"`
	BestAccuracy     float64 `json:"best_accuracy"`
	SinceImprovement int     `json:"since_improvement"`
}

// Metadata identifies the writer of a checkpoint file.
type Metadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint is the on-disk document.
type Checkpoint struct {
	Weights       []WeightTensor `json:"weights"`
	TrainingState TrainingState  `json:"training_state"`
	Metadata      Metadata       `json:"metadata"`
}

// Save persists the scope's saveable parameters to dir, overwriting any
// previous checkpoint there. Parameters marked NoSave and parameters of other
// scopes (frozen sub-models included) are excluded. Only the new checkpoint
// survives the call.
func Save(store *graph.Store, scope string, state TrainingState, dir string) error {
	params := store.Saveables(scope)
	if len(params) == 0 {
		return fmt.Errorf("scope %s has no saveable parameters", scope)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %w", err)
	}

	ckpt := &Checkpoint{
		TrainingState: state,
		Metadata: Metadata{
			Version:   formatVersion,
			Framework: framework,
			CreatedAt: time.Now(),
		},
	}
	for _, p := range params {
		rows, cols := p.Dims()
		data := append([]float64{}, p.Value.RawMatrix().Data...)
		ckpt.Weights = append(ckpt.Weights, WeightTensor{
			Name:  p.Name,
			Shape: []int{rows, cols},
			Data:  data,
		})
	}

	path := filepath.Join(dir, fmt.Sprintf("%s%d%s", checkpointPrefix, state.Epoch, checkpointSuffix))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(ckpt); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	// Retain only the checkpoint just written.
	others, err := list(dir)
	if err != nil {
		return err
	}
	for _, other := range others {
		if other == path {
			continue
		}
		if err := os.Remove(other); err != nil {
			return fmt.Errorf("failed to prune old checkpoint: %w", err)
		}
	}
	return nil
}

// Latest returns the path of the most recent checkpoint under dir, or
// ErrRestore when the directory holds none.
func Latest(dir string) (string, error) {
	paths, err := list(dir)
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("%w under %s", ErrRestore, dir)
	}
	sort.Slice(paths, func(i, j int) bool {
		return epochOf(paths[i]) < epochOf(paths[j])
	})
	return paths[len(paths)-1], nil
}

// Restore loads the most recent checkpoint under dir into the scope's
// parameters, verifying names and shapes against the store.
func Restore(store *graph.Store, scope string, dir string) (*TrainingState, error) {
	path, err := Latest(dir)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer f.Close()

	var ckpt Checkpoint
	if err := json.NewDecoder(f).Decode(&ckpt); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}

	for _, w := range ckpt.Weights {
		if !strings.HasPrefix(w.Name, scope+"/") {
			return nil, fmt.Errorf("checkpoint %s holds parameter %s outside scope %s", path, w.Name, scope)
		}
		p := store.Get(w.Name)
		if p == nil {
			return nil, fmt.Errorf("checkpoint %s holds unknown parameter %s", path, w.Name)
		}
		rows, cols := p.Dims()
		if len(w.Shape) != 2 || w.Shape[0] != rows || w.Shape[1] != cols {
			return nil, fmt.Errorf("parameter %s is %dx%d, checkpoint has %v", w.Name, rows, cols, w.Shape)
		}
		if len(w.Data) != rows*cols {
			return nil, fmt.Errorf("parameter %s expects %d values, checkpoint has %d", w.Name, rows*cols, len(w.Data))
		}
		copy(p.Value.RawMatrix().Data, w.Data)
	}
	return &ckpt.TrainingState, nil
}

// list returns the checkpoint files under dir. A missing directory is simply
// an empty result; restoring from it fails with ErrRestore in Latest.
func list(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, checkpointPrefix) && strings.HasSuffix(name, checkpointSuffix) {
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	return paths, nil
}

func epochOf(path string) int {
	name := filepath.Base(path)
	name = strings.TrimPrefix(name, checkpointPrefix)
	name = strings.TrimSuffix(name, checkpointSuffix)
	n, err := strconv.Atoi(name)
	if err != nil {
		return -1
	}
	return n
}
