package detector

import (
	"context"
	"image"
	"sync"

	"go.uber.org/multierr"

	"github.com/ivlev/animaldetect/internal/bundle"
	"github.com/ivlev/animaldetect/internal/geometry"
)

// Engine is the in-process inference surface Local wraps; *inference.Engine
// satisfies it.
type Engine interface {
	Detect(img image.Image) ([]geometry.Classified, error)
	Metadata() bundle.Metadata
	Close() error
}

// Local runs detection on an owned engine, one call at a time.
type Local struct {
	mu     sync.Mutex
	engine Engine
}

func NewLocal(engine Engine) *Local {
	return &Local{engine: engine}
}

func (l *Local) Detect(ctx context.Context, img image.Image) ([]geometry.Classified, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engine.Detect(img)
}

func (l *Local) Metadata() bundle.Metadata {
	return l.engine.Metadata()
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engine.Close()
}

// Pool hands each concurrent caller its own Local detector.
type Pool struct {
	free chan *Local
	all  []*Local
}

func NewPool(engines []Engine) *Pool {
	p := &Pool{free: make(chan *Local, len(engines))}
	for _, e := range engines {
		l := NewLocal(e)
		p.all = append(p.all, l)
		p.free <- l
	}
	return p
}

func (p *Pool) Size() int { return len(p.all) }

// Detect blocks until a detector is free or ctx is done.
func (p *Pool) Detect(ctx context.Context, img image.Image) ([]geometry.Classified, error) {
	var l *Local
	select {
	case l = <-p.free:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { p.free <- l }()
	return l.Detect(ctx, img)
}

func (p *Pool) Metadata() bundle.Metadata {
	return p.all[0].Metadata()
}

func (p *Pool) Close() error {
	var err error
	for _, l := range p.all {
		err = multierr.Append(err, l.Close())
	}
	return err
}
