// Package inference turns images into detections with a loaded model graph:
// tensor preparation, backend execution and detect-head decoding.
package inference

import (
	"fmt"
	"image"
	"sync"

	"golang.org/x/image/draw"

	"github.com/ivlev/animaldetect/internal/bundle"
	"github.com/ivlev/animaldetect/internal/faults"
	"github.com/ivlev/animaldetect/internal/geometry"
)

// Tensor is a prepared model input with the source image size it came from.
type Tensor struct {
	Data       []float32
	Shape      []int64
	OrigWidth  int
	OrigHeight int
}

// Outputs is the result of one Run, tagged by task. Only Detections is ever
// populated.
type Outputs struct {
	Task       bundle.Task
	Detections []geometry.Classified
}

// Engine owns a backend for one model and applies that model's pre- and
// post-processing around it. It is not safe for concurrent Run calls.
type Engine struct {
	meta    bundle.Metadata
	backend Backend

	mu   sync.RWMutex
	conf float32
	nms  float32
}

func NewEngine(meta bundle.Metadata, backend Backend) (*Engine, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, fmt.Errorf("engine %s: nil backend", meta.Name)
	}
	return &Engine{
		meta:    meta,
		backend: backend,
		conf:    meta.ConfThreshold,
		nms:     meta.NMSThreshold,
	}, nil
}

func (e *Engine) Metadata() bundle.Metadata { return e.meta }

// Thresholds returns the confidence and NMS thresholds currently in effect.
func (e *Engine) Thresholds() (conf, nms float32) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.conf, e.nms
}

// SetThresholds overrides the bundle's default thresholds.
func (e *Engine) SetThresholds(conf, nms float32) error {
	if !(conf >= 0 && conf <= 1) || !(nms >= 0 && nms <= 1) {
		return fmt.Errorf("thresholds must be in [0,1], got conf=%v nms=%v", conf, nms)
	}
	e.mu.Lock()
	e.conf, e.nms = conf, nms
	e.mu.Unlock()
	return nil
}

// Prepare resizes img to the model input with nearest-neighbour sampling and
// lays it out as a [1, 3, H, W] tensor of RGB planes scaled to [0,1].
func (e *Engine) Prepare(img image.Image) Tensor {
	w, h := int(e.meta.InputWidth), int(e.meta.InputHeight)
	bounds := img.Bounds()

	resized := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.NearestNeighbor.Scale(resized, resized.Bounds(), img, bounds, draw.Src, nil)

	plane := w * h
	data := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < w; x++ {
			p := row[x*4:]
			i := y*w + x
			data[i] = float32(p[0]) / 255
			data[plane+i] = float32(p[1]) / 255
			data[2*plane+i] = float32(p[2]) / 255
		}
	}

	return Tensor{
		Data:       data,
		Shape:      []int64{1, 3, int64(h), int64(w)},
		OrigWidth:  bounds.Dx(),
		OrigHeight: bounds.Dy(),
	}
}

// Execute runs a prepared tensor through the backend.
func (e *Engine) Execute(t Tensor) (Output, error) {
	out, err := e.backend.Run(t.Data, t.Shape)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %s: %v", faults.ErrEngine, e.meta.Name, err)
	}
	return out, nil
}

// Postprocess decodes detect-head output into labelled boxes in source image
// pixels. Rows whose best class score is below conf are dropped, the rest are
// rescaled and suppressed per class with nms.
func (e *Engine) Postprocess(out Output, conf, nms float32, origWidth, origHeight int) ([]geometry.Classified, error) {
	rows, err := out.Rows()
	if err != nil {
		return nil, err
	}

	sx := float32(origWidth) / float32(e.meta.InputWidth)
	sy := float32(origHeight) / float32(e.meta.InputHeight)

	boxes := make([]geometry.XYXY, 0, 16)
	for _, row := range rows {
		classID, score := argmax(row[4:])
		if !(score >= conf) {
			continue
		}
		if classID >= int(e.meta.NumClasses) {
			return nil, fmt.Errorf("%w: class index %d but model %s declares %d classes",
				faults.ErrDecode, classID, e.meta.Name, e.meta.NumClasses)
		}

		b := geometry.FromCenter(row[0], row[1], row[2], row[3], score, uint16(classID)).Scale(sx, sy)
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("%w: candidate %v: %v", faults.ErrDecode, row[:4], err)
		}
		boxes = append(boxes, b)
	}

	kept := geometry.SuppressBoxes(boxes, nms)
	result := make([]geometry.Classified, 0, len(kept))
	for _, b := range kept {
		c, err := geometry.Classify(b, e.meta.Classes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", faults.ErrDecode, err)
		}
		result = append(result, c)
	}
	return result, nil
}

// Run executes the model's task on img.
func (e *Engine) Run(img image.Image) (Outputs, error) {
	switch e.meta.Task {
	case bundle.TaskDetect:
		dets, err := e.Detect(img)
		if err != nil {
			return Outputs{}, err
		}
		return Outputs{Task: bundle.TaskDetect, Detections: dets}, nil
	default:
		return Outputs{}, fmt.Errorf("%w: task %s", faults.ErrNotImplemented, e.meta.Task)
	}
}

// Detect is Prepare, Execute and Postprocess with the current thresholds.
func (e *Engine) Detect(img image.Image) ([]geometry.Classified, error) {
	if e.meta.Task != bundle.TaskDetect {
		return nil, fmt.Errorf("%w: task %s", faults.ErrNotImplemented, e.meta.Task)
	}
	t := e.Prepare(img)
	out, err := e.Execute(t)
	if err != nil {
		return nil, err
	}
	conf, nms := e.Thresholds()
	return e.Postprocess(out, conf, nms, t.OrigWidth, t.OrigHeight)
}

func (e *Engine) Close() error {
	return e.backend.Close()
}

// argmax returns the first index of the largest value. NaN never wins.
func argmax(scores []float32) (int, float32) {
	best, bestScore := 0, scores[0]
	for i, s := range scores[1:] {
		if s > bestScore || bestScore != bestScore {
			best, bestScore = i+1, s
		}
	}
	return best, bestScore
}
