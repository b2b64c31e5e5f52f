package training

import (
	"fmt"
	"time"
)

// State is the training loop's position in its state machine.
type State int

const (
	// StateRunning is the steady state between evaluation ticks.
	StateRunning State = iota
	// StateEvaluating marks the start of a development sweep.
	StateEvaluating
	// StateImproved follows an evaluation whose smoothed accuracy met or
	// beat the best seen.
	StateImproved
	// StateNotImproved follows an evaluation that fell short.
	StateNotImproved
	// StateStopped is terminal: budget exhausted, patience exhausted, or an
	// external interrupt.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateEvaluating:
		return "evaluating"
	case StateImproved:
		return "improved"
	case StateNotImproved:
		return "not improved"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event is the structured progress record the controller emits. Any renderer
// (text log, terminal bar, metrics sink) can consume it; the controller never
// depends on one existing.
type Event struct {
	State State

	Step  int
	Epoch int
	// Optimizer names the currently active update strategy.
	Optimizer string

	// TrainLoss and TrainAccuracy summarize the rolling training history.
	TrainLoss     float64
	TrainAccuracy float64

	// DevAccuracy, Smoothed and Best are meaningful on evaluation events.
	DevAccuracy float64
	Smoothed    float64
	Best        float64

	SinceImprovement int
	Elapsed          time.Duration
}

// Observer receives progress events. Observers must not block; the loop is
// synchronous.
type Observer func(Event)
