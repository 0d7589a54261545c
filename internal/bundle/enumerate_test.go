package bundle

import (
	"bytes"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func nan() float64 { return math.NaN() }

func TestEnumerateSkipsCorruptBundles(t *testing.T) {
	dir := t.TempDir()

	a := testMetadata()
	a.Name = "alpha"
	b := testMetadata()
	b.Name = "beta"
	b.Classes = []string{"animal"}
	b.NumClasses = 1

	if err := WriteFile(filepath.Join(dir, "b.bq"), b, []byte("beta-graph")); err != nil {
		t.Fatal(err)
	}
	if err := WriteFile(filepath.Join(dir, "a.bq"), a, []byte("alpha-graph")); err != nil {
		t.Fatal(err)
	}
	good, _ := Export(a, []byte("graph"))
	if err := os.WriteFile(filepath.Join(dir, "broken.bq"), good[:len(good)-2], 0644); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a bundle"), 0644)
	os.Mkdir(filepath.Join(dir, "nested.bq"), 0755)

	logger, hook := test.NewNullLogger()
	infos, err := Enumerate(dir, logger)
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}

	if len(infos) != 2 {
		t.Fatalf("expected 2 bundles, got %d", len(infos))
	}
	if infos[0].Metadata.Name != "alpha" || infos[1].Metadata.Name != "beta" {
		t.Errorf("unexpected order: %s, %s", infos[0].Metadata.Name, infos[1].Metadata.Name)
	}
	if infos[0].Size == 0 {
		t.Error("size not recorded")
	}

	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings++
		}
	}
	if warnings != 1 {
		t.Errorf("expected one warning for the corrupt bundle, got %d", warnings)
	}
}

func TestEnumerateMissingDir(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	if _, err := Enumerate(filepath.Join(t.TempDir(), "missing"), logger); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	meta := testMetadata()
	if err := WriteFile(filepath.Join(dir, "v2.bq"), meta, []byte("g")); err != nil {
		t.Fatal(err)
	}
	logger, _ := test.NewNullLogger()

	for _, name := range []string{"wildlife", "v2"} {
		info, err := Find(dir, name, logger)
		if err != nil {
			t.Errorf("Find(%q) failed: %v", name, err)
			continue
		}
		if info.Metadata.Name != "wildlife" {
			t.Errorf("Find(%q) returned %q", name, info.Metadata.Name)
		}
	}

	if _, err := Find(dir, "other", logger); err == nil {
		t.Error("expected error for unknown model")
	}
}

func TestLoadManifestAndPack(t *testing.T) {
	dir := t.TempDir()
	graph := []byte("onnx-bytes")
	os.WriteFile(filepath.Join(dir, "animals.onnx"), graph, 0644)

	manifest := `name: animals
description: generic animal detector
version: 2
classes: [animal]
input_width: 320
input_height: 320
task: detect
graph: animals.onnx
`
	path := filepath.Join(dir, "animals.yaml")
	if err := os.WriteFile(path, []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest failed: %v", err)
	}
	if m.NumClasses != 1 || m.ConfThreshold != 0.45 || m.InputWidth != 320 {
		t.Errorf("unexpected manifest metadata: %+v", m.Metadata)
	}

	out := filepath.Join(dir, "animals.bq")
	if err := m.Pack(out); err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	meta, got, err := Import(out)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if meta.Name != "animals" || !bytes.Equal(got, graph) {
		t.Errorf("packed bundle mismatch: %+v %q", meta, got)
	}
}
