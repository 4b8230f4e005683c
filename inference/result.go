package inference

import (
	"github.com/pkg/errors"
)

// ErrInference marks a failure of the model forward pass. It is fatal for the
// image being analyzed only.
var ErrInference = errors.New("inference failure")

// Error wraps a runtime failure so callers can match ErrInference while
// keeping the cause.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "inference: " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the runtime error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches ErrInference.
func (e *Error) Is(target error) bool {
	return target == ErrInference
}

func failure(op string, err error) error {
	return &Error{Op: op, Err: err}
}

// Input is a preprocessed image ready for the forward pass.
type Input struct {
	// Size is the square side length in pixels.
	Size int
	// Tensor is the normalized image, [3][Size][Size].
	Tensor []float32
}

// Result is the output of one forward pass.
type Result struct {
	// Logits per class.
	Logits []float32
	// Activations is the peak similarity of every prototype.
	Activations []float32
	// Patterns holds the per-prototype activation maps.
	Patterns *Patterns
	// Offsets holds the deformation offsets shared by all prototypes.
	Offsets *Offsets
}

// PredictedClass returns the class with the largest logit, first on ties.
func (r *Result) PredictedClass() int {
	best := 0
	for i, v := range r.Logits {
		if v > r.Logits[best] {
			best = i
		}
	}
	return best
}

// Validate checks that the outputs agree with each other.
func (r *Result) Validate() error {
	if len(r.Logits) == 0 {
		return errors.New("no logits")
	}
	if r.Patterns == nil || r.Offsets == nil {
		return errors.New("missing activation patterns or offsets")
	}
	n, rows, cols := r.Patterns.Shape()
	if len(r.Activations) != n {
		return errors.Errorf("%d activations for %d activation maps", len(r.Activations), n)
	}
	_, orows, ocols := r.Offsets.Shape()
	if orows != rows || ocols != cols {
		return errors.Errorf("offsets grid %dx%d differs from activation grid %dx%d", orows, ocols, rows, cols)
	}
	return nil
}
