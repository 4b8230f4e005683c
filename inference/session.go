// Package inference - Inference sessions.
package inference

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// Session represents a model session from the onnxruntime together with
// the preallocated tensors it is bound to.
type Session struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Outputs []*ort.Tensor[float32]
}

// Close releases the resources associated with the Session.
//
// Returns:
//   - error: If the native session cannot be destroyed.
func (s *Session) Close() error {
	if s.Input != nil {
		s.Input.Destroy()
		s.Input = nil
	}
	for _, o := range s.Outputs {
		if o != nil {
			o.Destroy()
		}
	}
	s.Outputs = nil
	if s.Session != nil {
		err := s.Session.Destroy()
		s.Session = nil
		if err != nil {
			return fmt.Errorf("error destroying ORT session: %w", err)
		}
	}
	return nil
}

// tensorShape converts a model dimension list to a concrete shape. A
// dynamic leading batch dimension becomes 1; any other dynamic dimension is
// an error since outputs are preallocated.
func tensorShape(name string, dims ort.Shape) (ort.Shape, error) {
	shape := make(ort.Shape, len(dims))
	for i, d := range dims {
		switch {
		case d > 0:
			shape[i] = d
		case i == 0:
			shape[i] = 1
		default:
			return nil, fmt.Errorf("output %q has dynamic dimension %d: %v", name, i, dims)
		}
	}
	return shape, nil
}

// squeeze drops a leading batch dimension of 1.
func squeeze(shape ort.Shape) []int {
	dims := []int64(shape)
	if len(dims) > 1 && dims[0] == 1 {
		dims = dims[1:]
	}
	out := make([]int, len(dims))
	for i, d := range dims {
		out[i] = int(d)
	}
	return out
}
