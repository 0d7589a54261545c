package inference

import (
	"fmt"

	"github.com/ivlev/animaldetect/internal/bundle"
	"github.com/ivlev/animaldetect/internal/faults"
)

// LoadBundle imports a .bq file and builds an engine backed by onnxruntime.
// The engine owns the session; Close releases it.
func LoadBundle(path string, opts ONNXOptions) (*Engine, error) {
	meta, graph, err := bundle.Import(path)
	if err != nil {
		return nil, err
	}
	if meta.Task != bundle.TaskDetect {
		return nil, fmt.Errorf("%w: model %s has task %s", faults.ErrNotImplemented, meta.Name, meta.Task)
	}

	backend, err := NewONNXBackend(meta, graph, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrEngine, err)
	}

	engine, err := NewEngine(meta, backend)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return engine, nil
}
