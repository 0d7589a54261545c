package system

import (
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
)

func touch(t *testing.T, path string, mod time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
}

func TestFindLatest(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	touch(t, filepath.Join(dir, "old.bq"), base)
	touch(t, filepath.Join(dir, "new.BQ"), base.Add(10*time.Minute))
	touch(t, filepath.Join(dir, "newest.txt"), base.Add(20*time.Minute))

	got, err := FindLatest(dir, ".bq")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "new.BQ"); got != want {
		t.Errorf("FindLatest = %q, want %q", got, want)
	}

	if _, err := FindLatest(dir, ".onnx"); err == nil {
		t.Error("expected an error when nothing matches")
	}
	if _, err := FindLatest(filepath.Join(dir, "missing"), ".bq"); err == nil {
		t.Error("expected an error for a missing directory")
	}
}

func TestFindLatestVideoSkipsOutputs(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	touch(t, filepath.Join(dir, "trail.mp4"), base)
	touch(t, filepath.Join(dir, "dusk.MOV"), base.Add(time.Minute))
	touch(t, filepath.Join(dir, "predict_dusk.MOV"), base.Add(2*time.Minute))

	got, err := FindLatestVideo(dir)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "dusk.MOV"); got != want {
		t.Errorf("FindLatestVideo = %q, want %q", got, want)
	}
}

func TestPickEncoder(t *testing.T) {
	tests := []struct {
		name    string
		listing string
		want    string
	}{
		{"mac", " V....D h264_videotoolbox    VideoToolbox H.264 Encoder (codec h264)\n V....D libx264 ...", "h264_videotoolbox"},
		{"nvidia", " V....D libx264              libx264 H.264\n V....D h264_nvenc           NVIDIA NVENC H.264 encoder", "h264_nvenc"},
		{"software", " V....D libx264              libx264 H.264", "libx264"},
		{"empty", "", "libx264"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pickEncoder(tt.listing); got != tt.want {
				t.Errorf("pickEncoder = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDefaultPoolSize(t *testing.T) {
	tests := []struct {
		name  string
		stats HostStats
		want  int
	}{
		{"plenty of memory", HostStats{LogicalCPUs: 8, MemAvailable: 16 << 30}, 4},
		{"memory bound", HostStats{LogicalCPUs: 16, MemAvailable: 1 << 30}, 2},
		{"single core", HostStats{LogicalCPUs: 1, MemAvailable: 4 << 30}, 1},
		{"unknown memory", HostStats{LogicalCPUs: 6}, 3},
		{"starved", HostStats{LogicalCPUs: 4, MemAvailable: 100 << 20}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultPoolSize(tt.stats); got != tt.want {
				t.Errorf("DefaultPoolSize = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestReadHostStats(t *testing.T) {
	s := ReadHostStats()
	if s.LogicalCPUs < 1 {
		t.Errorf("logical CPUs = %d", s.LogicalCPUs)
	}
	t.Logf("host: %+v", s)
}

func TestInitResourceLimits(t *testing.T) {
	logger, _ := test.NewNullLogger()
	InitResourceLimits(logger)
}

func TestFramePoolReuse(t *testing.T) {
	p := NewFramePool()
	rect := image.Rect(0, 0, 4, 2)

	img := p.Get(rect)
	if img.Rect != rect || len(img.Pix) != 32 {
		t.Fatalf("got %v with %d bytes", img.Rect, len(img.Pix))
	}
	p.Put(img)
	p.Put(image.NewRGBA(image.Rect(0, 0, 9, 9)))
	p.Put(nil)

	if other := p.Get(image.Rect(0, 0, 2, 2)); other.Rect.Dx() != 2 {
		t.Errorf("pool returned a frame of the wrong size: %v", other.Rect)
	}
}
