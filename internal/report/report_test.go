package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ivlev/animaldetect/internal/geometry"
)

func box(label string, classID uint16, prob float32) geometry.Classified {
	return geometry.Classified{
		XYXY:  geometry.XYXY{X1: 1, Y1: 2, X2: 30, Y2: 40, Prob: prob, ClassID: classID},
		Label: label,
	}
}

func TestSummarize(t *testing.T) {
	r := &Report{Entries: []Entry{
		{Index: 0, Name: "a.jpg", Detections: []geometry.Classified{box("deer", 0, 0.9), box("fox", 1, 0.8)}},
		{Index: 1, Name: "b.jpg", Error: "decode failed", Kind: "DecodeFailure"},
		{Index: 2, Name: "c.jpg", Detections: []geometry.Classified{box("deer", 0, 0.7)}},
		{Index: 3, Name: "d.jpg"},
	}}
	r.Summarize()

	want := Summary{Images: 4, Failed: 1, Detections: 3, PerLabel: map[string]int{"deer": 2, "fox": 1}}
	if diff := cmp.Diff(want, r.Summary); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"deer", "fox"}, r.Summary.Labels()); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteRead(t *testing.T) {
	note := "camera-7"
	det := box("boar", 2, 0.5)
	det.Extra1 = &note

	r := &Report{
		JobID:   "5b0c3d0e-8f5e-4c61-9a51-2f7a3b9d2c11",
		Source:  "traps/",
		Model:   "animals",
		Started: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Elapsed: "1.5s",
		Entries: []Entry{
			{Index: 0, Name: "a.jpg", Detections: []geometry.Classified{det}},
			{Index: 1, Name: "b.jpg", Error: "bad image", Kind: "DecodeFailure"},
		},
	}
	r.Summarize()

	path := filepath.Join(t.TempDir(), "report.yaml")
	if err := Write(r, path); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"job_id:", "images:", "confidence: 0.5", "label: boar", "extra1: camera-7"} {
		if !strings.Contains(string(raw), key) {
			t.Errorf("report is missing %q:\n%s", key, raw)
		}
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if diff := cmp.Diff(r, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestReadErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Read(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("images: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(bad); err == nil {
		t.Error("malformed yaml should fail")
	}
}
