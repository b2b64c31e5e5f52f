package training

import "github.com/arbornlp/arbor/graph"

// defaultWindow bounds the rolling training history.
const defaultWindow = 100

// History keeps a bounded window of recent training-batch scores, feeding the
// progress events and the run transcript.
type History struct {
	window int
	losses []float64
	accs   []float64
}

// NewHistory creates a history with the default window.
func NewHistory() *History {
	return &History{window: defaultWindow}
}

// Add appends one batch's scores, dropping the oldest past the window.
func (h *History) Add(out *graph.Outputs) {
	h.losses = append(h.losses, out.Loss)
	h.accs = append(h.accs, out.Accuracy())
	if len(h.losses) > h.window {
		h.losses = h.losses[1:]
		h.accs = h.accs[1:]
	}
}

// Len returns the number of retained entries.
func (h *History) Len() int {
	return len(h.losses)
}

// MeanLoss returns the mean loss over the window.
func (h *History) MeanLoss() float64 {
	return mean(h.losses)
}

// MeanAccuracy returns the mean accuracy over the window.
func (h *History) MeanAccuracy() float64 {
	return mean(h.accs)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
