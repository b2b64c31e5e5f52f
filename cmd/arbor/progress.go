package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/arbornlp/arbor/training"
)

// progressRenderer draws a single-line training progress bar from the
// controller's events. It is a pure observer; the controller never knows it
// exists.
type progressRenderer struct {
	out      io.Writer
	maxSteps int
	width    int
}

func newProgressRenderer(out io.Writer, maxSteps int) *progressRenderer {
	return &progressRenderer{out: out, maxSteps: maxSteps, width: 40}
}

// Observe renders one event. Running events refresh the bar in place;
// evaluation results and the final stop get their own lines.
func (r *progressRenderer) Observe(e training.Event) {
	switch e.State {
	case training.StateRunning:
		r.renderBar(e)
	case training.StateImproved, training.StateNotImproved:
		marker := " "
		if e.State == training.StateImproved {
			marker = "*"
		}
		fmt.Fprintf(r.out, "\r%s\rstep %d epoch %d [%s]%s dev=%.4f smoothed=%.4f best=%.4f since=%d\n",
			strings.Repeat(" ", r.lineWidth()), e.Step, e.Epoch, e.Optimizer, marker,
			e.DevAccuracy, e.Smoothed, e.Best, e.SinceImprovement)
	case training.StateStopped:
		fmt.Fprintf(r.out, "\r%s\rdone: %d steps, %d epochs, best %.4f in %s\n",
			strings.Repeat(" ", r.lineWidth()), e.Step, e.Epoch, e.Best,
			e.Elapsed.Round(time.Second))
	}
}

func (r *progressRenderer) renderBar(e training.Event) {
	ratio := float64(e.Step) / float64(r.maxSteps)
	if ratio > 1 {
		ratio = 1
	}
	filled := int(ratio * float64(r.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", r.width-filled)
	fmt.Fprintf(r.out, "\r%3.0f%%|%s| %d/%d [%s] loss=%.3f acc=%.2f%%",
		ratio*100, bar, e.Step, r.maxSteps, e.Optimizer,
		e.TrainLoss, e.TrainAccuracy*100)
}

func (r *progressRenderer) lineWidth() int {
	return r.width + 60
}
