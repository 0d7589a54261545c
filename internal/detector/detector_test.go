package detector

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"image/png"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ivlev/animaldetect/internal/bundle"
	"github.com/ivlev/animaldetect/internal/geometry"
	"github.com/ivlev/animaldetect/internal/inference"
)

type fakeEngine struct {
	meta     bundle.Metadata
	dets     []geometry.Classified
	delay    time.Duration
	active   int32
	maxSeen  int32
	calls    int32
	closed   bool
	conf     float32
	nms      float32
	closeErr error
}

func (f *fakeEngine) Detect(img image.Image) ([]geometry.Classified, error) {
	n := atomic.AddInt32(&f.active, 1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, n) {
			break
		}
	}
	time.Sleep(f.delay)
	atomic.AddInt32(&f.active, -1)
	atomic.AddInt32(&f.calls, 1)
	return f.dets, nil
}

func (f *fakeEngine) Metadata() bundle.Metadata { return f.meta }

func (f *fakeEngine) SetThresholds(conf, nms float32) error {
	f.conf, f.nms = conf, nms
	return nil
}

func (f *fakeEngine) Close() error {
	f.closed = true
	return f.closeErr
}

func testMeta() bundle.Metadata {
	return bundle.Metadata{
		Name:          "boquilanet-gen",
		Version:       0.1,
		Classes:       []string{"animal"},
		InputWidth:    1024,
		InputHeight:   1024,
		ConfThreshold: 0.45,
		NMSThreshold:  0.5,
		NumClasses:    1,
	}
}

func TestLocalSerialisesCalls(t *testing.T) {
	engine := &fakeEngine{meta: testMeta(), delay: 5 * time.Millisecond}
	local := NewLocal(engine)
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := local.Detect(context.Background(), img); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if engine.maxSeen != 1 {
		t.Errorf("engine saw %d concurrent calls, want 1", engine.maxSeen)
	}
	if engine.calls != 8 {
		t.Errorf("engine ran %d times, want 8", engine.calls)
	}
}

func TestLocalHonoursCancelledContext(t *testing.T) {
	engine := &fakeEngine{meta: testMeta()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewLocal(engine).Detect(ctx, image.NewRGBA(image.Rect(0, 0, 1, 1))); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if engine.calls != 0 {
		t.Error("engine should not run for a cancelled context")
	}
}

func TestPoolRunsInParallel(t *testing.T) {
	engines := []Engine{
		&fakeEngine{meta: testMeta(), delay: 20 * time.Millisecond},
		&fakeEngine{meta: testMeta(), delay: 20 * time.Millisecond},
	}
	pool := NewPool(engines)
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pool.Detect(context.Background(), img); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	total := int32(0)
	for _, e := range engines {
		fe := e.(*fakeEngine)
		if fe.maxSeen > 1 {
			t.Errorf("one engine saw %d concurrent calls", fe.maxSeen)
		}
		total += fe.calls
	}
	if total != 6 {
		t.Errorf("pool ran %d detections, want 6", total)
	}

	if err := pool.Close(); err != nil {
		t.Fatal(err)
	}
	for _, e := range engines {
		if !e.(*fakeEngine).closed {
			t.Error("pool did not close every engine")
		}
	}
}

func TestPoolWaitObservesContext(t *testing.T) {
	engine := &fakeEngine{meta: testMeta(), delay: 200 * time.Millisecond}
	pool := NewPool([]Engine{engine})
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))

	go pool.Detect(context.Background(), img)
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := pool.Detect(ctx, img); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded while waiting, got %v", err)
	}
}

func TestDetectBytes(t *testing.T) {
	want := []geometry.Classified{{XYXY: geometry.XYXY{X2: 1, Y2: 1, Prob: 0.9}, Label: "animal"}}
	local := NewLocal(&fakeEngine{meta: testMeta(), dets: want})

	var buf bytes.Buffer
	png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8)))

	got, err := DetectBytes(context.Background(), local, buf.Bytes())
	if err != nil {
		t.Fatalf("DetectBytes failed: %v", err)
	}
	if len(got) != 1 || got[0].Label != "animal" {
		t.Errorf("unexpected detections %+v", got)
	}

	if _, err := DetectBytes(context.Background(), local, []byte("not an image")); !errors.Is(err, ErrBadImage) {
		t.Errorf("expected ErrBadImage, got %v", err)
	}
}

type boundsDetector struct{ seen image.Rectangle }

func (d *boundsDetector) Detect(ctx context.Context, img image.Image) ([]geometry.Classified, error) {
	d.seen = img.Bounds()
	return nil, nil
}

func (d *boundsDetector) Close() error { return nil }

// withOrientation splices an EXIF APP1 segment carrying orientation tag o
// right after the JPEG SOI marker.
func withOrientation(t *testing.T, jpg []byte, o byte) []byte {
	t.Helper()
	if len(jpg) < 2 || jpg[0] != 0xff || jpg[1] != 0xd8 {
		t.Fatal("not a jpeg")
	}
	app1 := []byte{
		0xff, 0xe1, 0x00, 0x22,
		'E', 'x', 'i', 'f', 0, 0,
		'M', 'M', 0x00, 0x2a, 0x00, 0x00, 0x00, 0x08,
		0x00, 0x01,
		0x01, 0x12, 0x00, 0x03, 0x00, 0x00, 0x00, 0x01, 0x00, o, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}
	out := append([]byte{0xff, 0xd8}, app1...)
	return append(out, jpg[2:]...)
}

func TestDetectBytesAppliesOrientation(t *testing.T) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 40, 20)), nil); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		orientation byte
		want        image.Rectangle
	}{
		{1, image.Rect(0, 0, 40, 20)},
		{3, image.Rect(0, 0, 40, 20)},
		{6, image.Rect(0, 0, 20, 40)},
		{8, image.Rect(0, 0, 20, 40)},
	}
	for _, tt := range tests {
		det := &boundsDetector{}
		if _, err := DetectBytes(context.Background(), det, withOrientation(t, buf.Bytes(), tt.orientation)); err != nil {
			t.Fatalf("orientation %d: %v", tt.orientation, err)
		}
		if det.seen != tt.want {
			t.Errorf("orientation %d: detector saw %v, want %v", tt.orientation, det.seen, tt.want)
		}
	}
}

func TestNewVariants(t *testing.T) {
	dir := t.TempDir()
	if err := bundle.WriteFile(filepath.Join(dir, "boquilanet-gen.bq"), testMeta(), []byte("graph")); err != nil {
		t.Fatal(err)
	}

	var loaded []*fakeEngine
	orig := loadEngine
	loadEngine = func(path string, opts inference.ONNXOptions) (Engine, error) {
		meta, _, err := bundle.Import(path)
		if err != nil {
			return nil, err
		}
		e := &fakeEngine{meta: meta}
		loaded = append(loaded, e)
		return e, nil
	}
	defer func() { loadEngine = orig }()

	tests := []struct {
		variant string
		opts    Options
		wantErr bool
		check   func(t *testing.T, d Detector)
	}{
		{"local", Options{ModelsDir: dir, Model: "boquilanet-gen"}, false, func(t *testing.T, d Detector) {
			if _, ok := d.(*Local); !ok {
				t.Errorf("expected *Local, got %T", d)
			}
		}},
		{"", Options{ModelsDir: dir, Model: "boquilanet-gen", PoolSize: 3}, false, func(t *testing.T, d Detector) {
			p, ok := d.(*Pool)
			if !ok || p.Size() != 3 {
				t.Errorf("expected pool of 3, got %T", d)
			}
		}},
		{"local", Options{ModelsDir: dir, Model: "missing"}, true, nil},
		{"local", Options{ModelsDir: dir}, false, func(t *testing.T, d Detector) {
			if l, ok := d.(*Local); !ok || l.Metadata().Name != testMeta().Name {
				t.Errorf("expected the newest bundle, got %T", d)
			}
		}},
		{"local", Options{ModelsDir: t.TempDir()}, true, nil},
		{"remote", Options{RemoteURL: "http://127.0.0.1:8791"}, false, func(t *testing.T, d Detector) {
			if _, ok := d.(*Remote); !ok {
				t.Errorf("expected *Remote, got %T", d)
			}
		}},
		{"remote", Options{}, true, nil},
		{"grpc", Options{}, true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.variant, func(t *testing.T) {
			d, err := New(tt.variant, tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New(%q) error = %v, wantErr %v", tt.variant, err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, d)
			}
			if d != nil {
				d.Close()
			}
		})
	}
}

func TestNewAppliesThresholdOverrides(t *testing.T) {
	dir := t.TempDir()
	bundle.WriteFile(filepath.Join(dir, "m.bq"), testMeta(), []byte("graph"))

	var engine *fakeEngine
	orig := loadEngine
	loadEngine = func(path string, opts inference.ONNXOptions) (Engine, error) {
		engine = &fakeEngine{meta: testMeta()}
		return engine, nil
	}
	defer func() { loadEngine = orig }()

	tests := []struct {
		name     string
		conf     *float32
		nms      *float32
		wantConf float32
		wantNMS  float32
	}{
		{"bundle values", nil, nil, 0, 0},
		{"conf only", threshold(0.2), nil, 0.2, 0.5},
		{"zero conf", threshold(0), nil, 0, 0.5},
		{"zero nms", nil, threshold(0), 0.45, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New("local", Options{ModelsDir: dir, Model: "m", ConfThreshold: tt.conf, NMSThreshold: tt.nms}); err != nil {
				t.Fatal(err)
			}
			if engine.conf != tt.wantConf || engine.nms != tt.wantNMS {
				t.Errorf("thresholds = (%v,%v), want (%v,%v)", engine.conf, engine.nms, tt.wantConf, tt.wantNMS)
			}
		})
	}
}

func threshold(v float32) *float32 { return &v }
