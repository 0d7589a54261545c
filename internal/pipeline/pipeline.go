// Package pipeline annotates a stream of video frames with detections,
// re-running the detector only every RefreshInterval frames.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/ivlev/animaldetect/internal/geometry"
	"github.com/ivlev/animaldetect/internal/render"
	"github.com/ivlev/animaldetect/internal/video"
)

// FrameSource yields decoded frames in order; io.EOF ends the stream.
type FrameSource interface {
	Next(ctx context.Context) (video.Frame, error)
	FrameCount() (int64, bool)
	Close() error
}

// FrameSink encodes annotated frames.
type FrameSink interface {
	WriteFrame(img *image.RGBA, ts time.Duration) error
	Close() error
}

// Detector is the subset of detector.Detector the pipeline uses.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]geometry.Classified, error)
}

type State int32

const (
	StateInit State = iota
	StateStreaming
	StateDrained
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStreaming:
		return "streaming"
	case StateDrained:
		return "drained"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Options struct {
	// RefreshInterval N runs the detector on frames 1, N+1, 2N+1, ...; the
	// frames in between reuse the last result.
	RefreshInterval int
	Preview         bool
	PreviewWidth    int
	PreviewQuality  int
}

// FrameResult is reported after each frame has been encoded.
type FrameResult struct {
	Index      int64
	Timestamp  time.Duration
	Detections []geometry.Classified
	Fresh      bool // detector ran on this frame
	Preview    []byte
	Total      int64
	TotalKnown bool
}

type Summary struct {
	Frames        int64
	DetectorCalls int
	Elapsed       time.Duration
}

// Event is one item of Stream: a frame result, or the final Done/Err.
type Event struct {
	Frame   *FrameResult
	Done    bool
	Summary Summary
	Err     error
}

var ErrAlreadyStarted = errors.New("pipeline already started")

// Annotator owns a frame source and sink for one run.
type Annotator struct {
	src    FrameSource
	sink   FrameSink
	det    Detector
	opts   Options
	logger logrus.FieldLogger

	state     atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

func New(src FrameSource, sink FrameSink, det Detector, opts Options, logger logrus.FieldLogger) (*Annotator, error) {
	if opts.RefreshInterval < 1 {
		return nil, fmt.Errorf("refresh interval must be at least 1, got %d", opts.RefreshInterval)
	}
	if src == nil || sink == nil || det == nil {
		return nil, fmt.Errorf("pipeline needs a source, a sink and a detector")
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Annotator{
		src:    src,
		sink:   sink,
		det:    det,
		opts:   opts,
		logger: logger,
	}, nil
}

func (a *Annotator) State() State {
	return State(a.state.Load())
}

func (a *Annotator) setState(s State) {
	a.state.Store(int32(s))
	a.logger.WithField("state", s).Debug("pipeline state")
}

// refresh reports whether the 1-based frame index needs a fresh detection.
func refresh(index int64, interval int) bool {
	return (index-1)%int64(interval) == 0
}

// Run processes frames until the source is drained, an error occurs or ctx is
// cancelled. Cancellation is observed between frames: a frame that has
// started is detected, drawn and encoded in full. emit, when non-nil, is
// called after every frame; an error from it stops the run.
func (a *Annotator) Run(ctx context.Context, emit func(FrameResult) error) (Summary, error) {
	if !a.state.CompareAndSwap(int32(StateInit), int32(StateStreaming)) {
		return Summary{}, ErrAlreadyStarted
	}
	a.logger.WithField("state", StateStreaming).Debug("pipeline state")

	start := time.Now()
	var sum Summary

	total, known := a.src.FrameCount()
	var cache []geometry.Classified
	var index int64

	for {
		if err := ctx.Err(); err != nil {
			sum.Elapsed = time.Since(start)
			return sum, err
		}

		frame, err := a.src.Next(ctx)
		if errors.Is(err, io.EOF) {
			a.setState(StateDrained)
			break
		}
		if err != nil {
			sum.Elapsed = time.Since(start)
			return sum, err
		}
		index++

		result, err := a.process(context.WithoutCancel(ctx), &frame, index, &cache)
		frame.Release()
		if err != nil {
			sum.Elapsed = time.Since(start)
			return sum, err
		}
		sum.Frames++
		if result.Fresh {
			sum.DetectorCalls++
		}
		result.Total, result.TotalKnown = total, known

		if emit != nil {
			if err := emit(result); err != nil {
				sum.Elapsed = time.Since(start)
				return sum, err
			}
		}
	}

	sum.Elapsed = time.Since(start)
	a.logger.WithFields(logrus.Fields{
		"frames":         sum.Frames,
		"detector_calls": sum.DetectorCalls,
		"elapsed":        sum.Elapsed.Round(time.Millisecond),
	}).Info("video annotated")
	return sum, nil
}

// process runs one frame through detect, draw and encode.
func (a *Annotator) process(ctx context.Context, frame *video.Frame, index int64, cache *[]geometry.Classified) (FrameResult, error) {
	result := FrameResult{Index: index, Timestamp: frame.Timestamp}

	if refresh(index, a.opts.RefreshInterval) {
		dets, err := a.det.Detect(ctx, frame.Image)
		if err != nil {
			return result, fmt.Errorf("detect frame %d: %w", index, err)
		}
		*cache = dets
		result.Fresh = true
		a.logger.WithFields(logrus.Fields{"frame": index, "detections": len(dets)}).Debug("detector refreshed")
	}
	result.Detections = *cache

	render.Draw(frame.Image, *cache)
	if err := a.sink.WriteFrame(frame.Image, frame.Timestamp); err != nil {
		return result, err
	}

	if a.opts.Preview {
		preview, err := render.Preview(frame.Image, a.opts.PreviewWidth, a.opts.PreviewQuality)
		if err != nil {
			return result, fmt.Errorf("preview frame %d: %w", index, err)
		}
		result.Preview = preview
	}
	return result, nil
}

// Stream runs the pipeline in the background and reports every frame on the
// returned channel, followed by a final event carrying Done or Err. The
// annotator is closed before the final event is sent, so the output is
// complete once Done arrives. Callers must drain the channel until it closes.
func (a *Annotator) Stream(ctx context.Context) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)

		sum, err := a.Run(ctx, func(r FrameResult) error {
			select {
			case events <- Event{Frame: &r}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		err = multierr.Append(err, a.Close())

		events <- Event{Done: err == nil, Summary: sum, Err: err}
	}()
	return events
}

// Close releases the source and finalises the sink. It is safe to call more
// than once.
func (a *Annotator) Close() error {
	a.closeOnce.Do(func() {
		a.closeErr = multierr.Combine(a.src.Close(), a.sink.Close())
		a.setState(StateClosed)
	})
	return a.closeErr
}
