package inference

import (
	"fmt"
	"slices"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"

	"github.com/ivlev/animaldetect/internal/bundle"
)

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

// InitRuntime loads the onnxruntime shared library once per process.
func InitRuntime(libPath string) error {
	runtimeOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		runtimeErr = ort.InitializeEnvironment()
	})
	return runtimeErr
}

// DestroyRuntime releases the onnxruntime environment at process exit.
func DestroyRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// Candidates is the number of anchor-free candidates a YOLO detect head emits
// for a w x h input: one per cell of the stride 8, 16 and 32 grids.
func Candidates(w, h int) int {
	n := 0
	for _, s := range []int{8, 16, 32} {
		n += (w / s) * (h / s)
	}
	return n
}

// ONNXBackend runs a detect graph with onnxruntime. Input and output tensors
// are allocated once and reused between runs.
type ONNXBackend struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	shape   []int64
}

type ONNXOptions struct {
	IntraOpThreads int
}

// NewONNXBackend builds a session from in-memory graph bytes. InitRuntime must
// have succeeded first.
func NewONNXBackend(meta bundle.Metadata, graph []byte, opts ONNXOptions) (*ONNXBackend, error) {
	w, h := int64(meta.InputWidth), int64(meta.InputHeight)
	inShape := ort.NewShape(1, 3, h, w)
	input, err := ort.NewTensor(inShape, make([]float32, 3*w*h))
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}

	outShape := ort.NewShape(1, 4+int64(meta.NumClasses), int64(Candidates(int(w), int(h))))
	output, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("output tensor: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer options.Destroy()

	if opts.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			input.Destroy()
			output.Destroy()
			return nil, fmt.Errorf("intra-op threads: %w", err)
		}
	}

	session, err := ort.NewAdvancedSessionWithONNXData(graph,
		[]string{"images"}, []string{"output0"},
		[]ort.Value{input}, []ort.Value{output}, options)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("session for %s: %w", meta.Name, err)
	}

	return &ONNXBackend{
		session: session,
		input:   input,
		output:  output,
		shape:   []int64(inShape),
	}, nil
}

func (b *ONNXBackend) Run(input []float32, shape []int64) (Output, error) {
	if !slices.Equal(shape, b.shape) {
		return Output{}, fmt.Errorf("input shape %v, session expects %v", shape, b.shape)
	}
	copy(b.input.GetData(), input)

	if err := b.session.Run(); err != nil {
		return Output{}, err
	}

	data := b.output.GetData()
	out := Output{
		Data:  make([]float32, len(data)),
		Shape: append([]int64(nil), b.output.GetShape()...),
	}
	copy(out.Data, data)
	return out, nil
}

func (b *ONNXBackend) Close() error {
	return multierr.Combine(
		b.session.Destroy(),
		b.input.Destroy(),
		b.output.Destroy(),
	)
}
