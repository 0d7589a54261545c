package inference

import (
	"fmt"

	"github.com/ivlev/animaldetect/internal/faults"
)

// Backend executes a loaded model graph. Implementations need not be
// re-entrant; Engine callers serialise access.
type Backend interface {
	Run(input []float32, shape []int64) (Output, error)
	Close() error
}

// Output is a raw float tensor returned by a Backend.
type Output struct {
	Data  []float32
	Shape []int64
}

// Rows presents a detect-head tensor of shape [1, 4+K, N] as N candidate rows
// [cx, cy, w, h, s0, ..., sK-1].
func (o Output) Rows() ([][]float32, error) {
	if len(o.Shape) != 3 || o.Shape[0] != 1 {
		return nil, fmt.Errorf("%w: output shape %v, want [1, 4+classes, candidates]", faults.ErrDecode, o.Shape)
	}
	features, count := o.Shape[1], o.Shape[2]
	if features < 5 || count < 0 {
		return nil, fmt.Errorf("%w: output shape %v has no class scores", faults.ErrDecode, o.Shape)
	}
	if int64(len(o.Data)) != features*count {
		return nil, fmt.Errorf("%w: output has %d values, shape %v needs %d", faults.ErrDecode, len(o.Data), o.Shape, features*count)
	}

	f, n := int(features), int(count)
	flat := make([]float32, f*n)
	rows := make([][]float32, n)
	for i := 0; i < n; i++ {
		row := flat[i*f : (i+1)*f : (i+1)*f]
		for j := 0; j < f; j++ {
			row[j] = o.Data[j*n+i]
		}
		rows[i] = row
	}
	return rows, nil
}
