// Package enginetest provides an in-memory Engine for tests.
package enginetest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/face-service/internal/engine"
	"github.com/example/face-service/internal/tensor"
)

// ScoreFunc computes the output tensor from the bound input.
type ScoreFunc func(input []float32, out tensor.Shape) []float32

// Constant returns a ScoreFunc that fills every output slot with v.
func Constant(v float32) ScoreFunc {
	return func(_ []float32, out tensor.Shape) []float32 {
		scores := make([]float32, out.Count())
		for i := range scores {
			scores[i] = v
		}
		return scores
	}
}

// Engine records every call and flags overlapping use.
type Engine struct {
	Score      ScoreFunc
	ForwardErr error
	// ForwardDelay widens the window in which overlapping calls would be seen.
	ForwardDelay time.Duration
	// PanicOnForward makes Forward panic, simulating a runtime crash.
	PanicOnForward bool
	// ReshapeOutputErr is returned by ReshapeOutput while set; the output
	// shape is left unchanged.
	ReshapeOutputErr error

	mu            sync.Mutex
	in            tensor.Shape
	out           tensor.Shape
	input         []float32
	output        []float32
	reshapeInput  int
	reshapeOutput int
	setInput      int
	forward       int
	closed        bool

	active  int32
	overlap int32
}

var _ engine.Engine = (*Engine)(nil)

// New builds a fake network with the given input and output shapes.
func New(in, out tensor.Shape, score ScoreFunc) *Engine {
	if score == nil {
		score = Constant(0)
	}
	return &Engine{Score: score, in: in, out: out}
}

func (e *Engine) enter() func() {
	if atomic.AddInt32(&e.active, 1) > 1 {
		atomic.StoreInt32(&e.overlap, 1)
	}
	return func() { atomic.AddInt32(&e.active, -1) }
}

// InputShape implements engine.Engine.
func (e *Engine) InputShape() tensor.Shape {
	defer e.enter()()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.in
}

// OutputShape implements engine.Engine.
func (e *Engine) OutputShape() tensor.Shape {
	defer e.enter()()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.out
}

// ReshapeInput implements engine.Engine.
func (e *Engine) ReshapeInput(shape tensor.Shape) error {
	defer e.enter()()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reshapeInput++
	e.in = shape
	return nil
}

// ReshapeOutput implements engine.Engine.
func (e *Engine) ReshapeOutput(shape tensor.Shape) error {
	defer e.enter()()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reshapeOutput++
	if e.ReshapeOutputErr != nil {
		return e.ReshapeOutputErr
	}
	e.out = shape
	return nil
}

// SetInput implements engine.Engine.
func (e *Engine) SetInput(data []float32) error {
	defer e.enter()()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setInput++
	if len(data) != e.in.Count() {
		return fmt.Errorf("%w: input holds %d elements, got %d", engine.ErrForward, e.in.Count(), len(data))
	}
	e.input = append(e.input[:0], data...)
	return nil
}

// Forward implements engine.Engine.
func (e *Engine) Forward() error {
	defer e.enter()()
	if e.ForwardDelay > 0 {
		time.Sleep(e.ForwardDelay)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forward++
	if e.PanicOnForward {
		panic("enginetest: forward crashed")
	}
	if e.ForwardErr != nil {
		return e.ForwardErr
	}
	e.output = e.Score(e.input, e.out)
	return nil
}

// Output implements engine.Engine.
func (e *Engine) Output() []float32 {
	defer e.enter()()
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]float32(nil), e.output...)
}

// Close implements engine.Engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("enginetest: closed twice")
	}
	e.closed = true
	return nil
}

// Stats is a snapshot of the recorded calls.
type Stats struct {
	ReshapeInput  int
	ReshapeOutput int
	SetInput      int
	Forward       int
	Closed        bool
	Overlapped    bool
}

// Stats returns the calls recorded so far.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		ReshapeInput:  e.reshapeInput,
		ReshapeOutput: e.reshapeOutput,
		SetInput:      e.setInput,
		Forward:       e.forward,
		Closed:        e.closed,
		Overlapped:    atomic.LoadInt32(&e.overlap) == 1,
	}
}
