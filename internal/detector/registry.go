package detector

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ivlev/animaldetect/internal/bundle"
	"github.com/ivlev/animaldetect/internal/inference"
	"github.com/ivlev/animaldetect/internal/system"
)

// Options selects and configures a detector variant.
type Options struct {
	ModelsDir string
	// Model is a bundle name; empty picks the newest bundle in ModelsDir.
	Model string
	// ConfThreshold and NMSThreshold override the bundle defaults when set.
	ConfThreshold *float32
	NMSThreshold  *float32
	PoolSize      int
	ONNX          inference.ONNXOptions

	RemoteURL   string
	Timeout     time.Duration
	JPEGQuality int

	Logger logrus.FieldLogger
}

// loadEngine is replaced in tests.
var loadEngine = func(path string, opts inference.ONNXOptions) (Engine, error) {
	return inference.LoadBundle(path, opts)
}

// New creates a detector based on the specified variant.
func New(variant string, opts Options) (Detector, error) {
	logger := opts.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}

	switch variant {
	case "local", "":
		return newLocal(opts, logger)
	case "remote":
		if opts.RemoteURL == "" {
			return nil, fmt.Errorf("remote detector needs a server URL")
		}
		return NewRemote(opts.RemoteURL, RemoteOptions{
			Timeout:     opts.Timeout,
			JPEGQuality: opts.JPEGQuality,
			Logger:      logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown detector variant: %s", variant)
	}
}

func newLocal(opts Options, logger logrus.FieldLogger) (Detector, error) {
	info, err := resolveModel(opts, logger)
	if err != nil {
		return nil, err
	}

	size := opts.PoolSize
	if size < 1 {
		size = 1
	}

	engines := make([]Engine, 0, size)
	closeAll := func() {
		for _, loaded := range engines {
			loaded.Close()
		}
	}
	for i := 0; i < size; i++ {
		e, err := loadEngine(info.Path, opts.ONNX)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("load %s: %w", info.Path, err)
		}
		engines = append(engines, e)

		if t, ok := e.(thresholdSetter); ok {
			if err := applyThresholds(t, info.Metadata, opts); err != nil {
				closeAll()
				return nil, err
			}
		}
	}

	logger.WithFields(logrus.Fields{
		"model": info.Metadata.Name,
		"path":  info.Path,
		"pool":  size,
	}).Info("model loaded")

	if size == 1 {
		return NewLocal(engines[0]), nil
	}
	return NewPool(engines), nil
}

func resolveModel(opts Options, logger logrus.FieldLogger) (bundle.Info, error) {
	if opts.Model != "" {
		return bundle.Find(opts.ModelsDir, opts.Model, logger)
	}
	path, err := system.FindLatest(opts.ModelsDir, bundle.Ext)
	if err != nil {
		return bundle.Info{}, err
	}
	meta, err := bundle.ReadMetadata(path)
	if err != nil {
		return bundle.Info{}, err
	}
	return bundle.Info{Path: path, Metadata: meta}, nil
}

type thresholdSetter interface {
	SetThresholds(conf, nms float32) error
}

func applyThresholds(t thresholdSetter, meta bundle.Metadata, opts Options) error {
	if opts.ConfThreshold == nil && opts.NMSThreshold == nil {
		return nil
	}
	conf, nms := meta.ConfThreshold, meta.NMSThreshold
	if opts.ConfThreshold != nil {
		conf = *opts.ConfThreshold
	}
	if opts.NMSThreshold != nil {
		nms = *opts.NMSThreshold
	}
	return t.SetThresholds(conf, nms)
}
