// Package engine wraps the stateful inference runtime that owns the network
// topology, its weights and the live input/output tensors.
package engine

import (
	"errors"
	"fmt"

	"github.com/example/face-service/internal/tensor"
)

// ErrForward wraps failures raised by the runtime while binding input or
// running a forward pass.
var ErrForward = errors.New("forward pass failed")

// Engine is a single network instance. Implementations keep mutable tensor
// buffers and are not safe for concurrent use; callers confine every method
// call to one goroutine.
type Engine interface {
	// InputShape reports the current shape of the input tensor.
	InputShape() tensor.Shape
	// OutputShape reports the current shape of the output tensor.
	OutputShape() tensor.Shape
	// ReshapeInput reallocates the input tensor.
	ReshapeInput(shape tensor.Shape) error
	// ReshapeOutput reallocates the output tensor.
	ReshapeOutput(shape tensor.Shape) error
	// SetInput copies data into the input tensor; len(data) must match its shape.
	SetInput(data []float32) error
	// Forward runs one forward pass over the bound input.
	Forward() error
	// Output returns a copy of the output tensor.
	Output() []float32
	// Close releases the runtime resources.
	Close() error
}

// ErrShapeMismatch matches every ShapeMismatchError with errors.Is.
var ErrShapeMismatch = errors.New("tensor shape mismatch")

// ShapeMismatchError reports an element count that cannot be laid out as
// whole samples of the network's channel x height x width geometry.
type ShapeMismatchError struct {
	Elements int
	Sample   tensor.Shape
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("%d elements do not form whole samples of %dx%dx%d",
		e.Elements, e.Sample.C, e.Sample.H, e.Sample.W)
}

// Is reports whether target is ErrShapeMismatch.
func (e *ShapeMismatchError) Is(target error) bool { return target == ErrShapeMismatch }

// Reshape resizes only the batch dimension of the engine's input and output
// tensors so the input holds exactly total elements. It reports whether a
// reallocation happened; a matching batch is a no-op. The engine is left
// untouched when total is not a positive multiple of the sample size, and
// its input is restored when the output cannot follow.
func Reshape(e Engine, total int) (bool, error) {
	in := e.InputShape()
	per := in.SampleCount()
	if per <= 0 || total <= 0 || total%per != 0 {
		return false, &ShapeMismatchError{Elements: total, Sample: in}
	}

	batch := total / per
	out := e.OutputShape()
	if batch == in.N && batch == out.N {
		return false, nil
	}

	if batch != in.N {
		if err := e.ReshapeInput(in.WithBatch(batch)); err != nil {
			return false, fmt.Errorf("reshape input to batch %d: %w", batch, err)
		}
	}
	if err := e.ReshapeOutput(out.WithBatch(batch)); err != nil {
		// Input and output batches must never disagree.
		if rerr := e.ReshapeInput(in); rerr != nil {
			return true, fmt.Errorf("reshape output to batch %d: %w (restore input: %v)", batch, err, rerr)
		}
		return false, fmt.Errorf("reshape output to batch %d: %w", batch, err)
	}
	return true, nil
}
