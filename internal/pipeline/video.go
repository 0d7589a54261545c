package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ivlev/animaldetect/internal/video"
)

type VideoOptions struct {
	Options
	Encoder video.EncoderOptions
}

// ProcessVideo decodes in, annotates every frame with detections refreshed
// every interval frames and encodes the result to out at the source
// resolution and frame rate. The returned channel follows the Stream contract.
func ProcessVideo(ctx context.Context, in, out string, interval int, det Detector, opts VideoOptions, logger logrus.FieldLogger) (<-chan Event, error) {
	opts.RefreshInterval = interval

	dec, err := video.NewDecoder(ctx, in)
	if err != nil {
		return nil, err
	}
	info := dec.Info()

	enc, err := video.NewEncoder(out, info.Width, info.Height, info.FPS, opts.Encoder)
	if err != nil {
		dec.Close()
		return nil, err
	}

	if logger != nil {
		logger = logger.WithFields(logrus.Fields{"input": in, "output": out})
		logInput(logger, info, opts.RefreshInterval)
	}

	a, err := New(dec, enc, det, opts.Options, logger)
	if err != nil {
		dec.Close()
		enc.Close()
		return nil, err
	}
	return a.Stream(ctx), nil
}

func logInput(logger logrus.FieldLogger, info video.Info, refresh int) {
	logger.WithFields(logrus.Fields{
		"size":    [2]int{info.Width, info.Height},
		"fps":     info.FPS,
		"frames":  info.Frames,
		"refresh": refresh,
	}).Info("annotating video")
	if info.VariableRate {
		logger.WithField("fps", info.FPS).Warn("variable frame rate input is resampled to a constant rate; frames may be duplicated or dropped")
	}
}
