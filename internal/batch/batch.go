// Package batch runs a detector over every image of a source.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ivlev/animaldetect/internal/detector"
	"github.com/ivlev/animaldetect/internal/faults"
	"github.com/ivlev/animaldetect/internal/geometry"
	"github.com/ivlev/animaldetect/internal/report"
	"github.com/ivlev/animaldetect/internal/source"
)

type Options struct {
	// Workers bounds the number of images in flight; values below 1 mean one.
	Workers int
	// SourceName and Model are copied into the report.
	SourceName string
	Model      string
	Logger     logrus.FieldLogger
	// Progress, when set, is called after each image from the worker
	// goroutine that processed it.
	Progress func(done, total int)
}

// Run detects objects in every image of src. Failures of single images are
// recorded in the report; only cancellation aborts the run.
func Run(ctx context.Context, src source.Source, det detector.Detector, opts Options) (*report.Report, error) {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}

	r := &report.Report{
		JobID:   uuid.NewString(),
		Source:  opts.SourceName,
		Model:   opts.Model,
		Started: time.Now().UTC(),
		Entries: make([]report.Entry, src.Len()),
	}
	logger = logger.WithField("job_id", r.JobID)
	logger.WithFields(logrus.Fields{"images": src.Len(), "workers": workers}).Info("batch started")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var done atomic.Int64
	for i := 0; i < src.Len(); i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			entry := report.Entry{Index: i, Name: src.Name(i)}

			dets, err := detectOne(gctx, src, det, i)
			switch {
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			case err != nil:
				entry.Error = err.Error()
				entry.Kind = kind(err)
				logger.WithFields(logrus.Fields{"image": entry.Name, "kind": entry.Kind}).WithError(err).Warn("image failed")
			default:
				entry.Detections = dets
			}

			// each worker owns its slot
			r.Entries[i] = entry
			if opts.Progress != nil {
				opts.Progress(int(done.Add(1)), src.Len())
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("batch %s: %w", r.JobID, err)
	}

	r.Elapsed = time.Since(r.Started).Round(time.Millisecond).String()
	r.Summarize()
	logger.WithFields(logrus.Fields{
		"images":     r.Summary.Images,
		"failed":     r.Summary.Failed,
		"detections": r.Summary.Detections,
		"elapsed":    r.Elapsed,
	}).Info("batch finished")
	return r, nil
}

func detectOne(ctx context.Context, src source.Source, det detector.Detector, i int) ([]geometry.Classified, error) {
	img, err := src.Image(i)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", detector.ErrBadImage, err)
	}
	return det.Detect(ctx, img)
}

func kind(err error) string {
	if errors.Is(err, detector.ErrBadImage) {
		return "BadImage"
	}
	return faults.Kind(err)
}
