package utils

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

var (
	// ErrShapeMismatch is returned when a tensor does not have the rank or dimensions an operation requires.
	ErrShapeMismatch = errors.New("tensor shape mismatch")
	// ErrDtype is returned when a tensor is not Float32.
	ErrDtype = errors.New("tensor dtype must be float32")
)

// Any matches any size for that axis in CheckShape.
const Any = -1

// CheckShape verifies the rank of t and every axis size that is not Any.
func CheckShape(t *tensor.Dense, name string, dims ...int) error {
	if t == nil {
		return errors.Wrapf(ErrShapeMismatch, "%s: tensor is nil", name)
	}
	if t.Dtype() != tensor.Float32 {
		return errors.Wrapf(ErrDtype, "%s: got %v", name, t.Dtype())
	}
	shape := t.Shape()
	if len(shape) != len(dims) {
		return errors.Wrapf(ErrShapeMismatch, "%s: expected rank %d %s, got shape %v", name, len(dims), formatDims(dims), shape)
	}
	for i, d := range dims {
		if d != Any && shape[i] != d {
			return errors.Wrapf(ErrShapeMismatch, "%s: expected %s, got shape %v", name, formatDims(dims), shape)
		}
	}
	return nil
}

func formatDims(dims []int) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		if d == Any {
			parts[i] = "*"
		} else {
			parts[i] = fmt.Sprint(d)
		}
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// Float32Data returns the row-major backing data of t. Views and transposed
// tensors are materialized first so the returned slice always follows t's shape.
func Float32Data(t *tensor.Dense) ([]float32, error) {
	if t.Dtype() != tensor.Float32 {
		return nil, errors.Wrapf(ErrDtype, "got %v", t.Dtype())
	}
	if t.IsMaterializable() {
		m, ok := t.Materialize().(*tensor.Dense)
		if !ok {
			return nil, errors.New("unable to materialize tensor view")
		}
		t = m
	}
	data := t.Float32s()
	if len(data) < t.Shape().TotalSize() {
		return nil, errors.Wrapf(ErrShapeMismatch, "backing has %d values for shape %v", len(data), t.Shape())
	}
	return data[:t.Shape().TotalSize()], nil
}

// NewFloat32 allocates a zeroed Float32 tensor of the given shape.
func NewFloat32(shape ...int) *tensor.Dense {
	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(shape...),
	)
}

// FromFloat32s wraps data in a tensor of the given shape without copying.
func FromFloat32s(data []float32, shape ...int) *tensor.Dense {
	return tensor.New(
		tensor.WithShape(shape...),
		tensor.WithBacking(data),
	)
}

// ArgSortFloat32sDescending returns the indices of data ordered by decreasing
// value. Equal values keep their original index order.
func ArgSortFloat32sDescending(data []float32) []int {
	indices := make([]int, len(data))
	for i := range indices {
		indices[i] = i
	}

	sort.SliceStable(indices, func(i, j int) bool {
		return data[indices[i]] > data[indices[j]]
	})

	return indices
}

// ArgMax returns the index of the largest value, the first one on ties.
func ArgMax(data []float32) int {
	best := 0
	for i := 1; i < len(data); i++ {
		if data[i] > data[best] {
			best = i
		}
	}
	return best
}
