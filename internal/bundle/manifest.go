package bundle

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Manifest is the YAML description used to pack a graph file into a bundle.
//
//	name: wildlife
//	version: 1.2
//	classes: [deer, boar, fox]
//	input_width: 640
//	input_height: 640
//	graph: wildlife.onnx
type Manifest struct {
	Metadata `yaml:",inline"`
	Graph    string `yaml:"graph"`
}

// LoadManifest reads a manifest, fills defaults and resolves Graph relative to
// the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	m := Manifest{
		Metadata: Metadata{
			InputWidth:    640,
			InputHeight:   640,
			ConfThreshold: 0.45,
			NMSThreshold:  0.5,
			Task:          TaskDetect,
		},
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	if m.NumClasses == 0 {
		m.NumClasses = uint32(len(m.Classes))
	}
	if m.Graph == "" {
		return nil, fmt.Errorf("manifest %s: graph path is required", path)
	}
	if !filepath.IsAbs(m.Graph) {
		m.Graph = filepath.Join(filepath.Dir(path), m.Graph)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}

// Pack reads the manifest's graph file and writes the bundle to out.
func (m *Manifest) Pack(out string) error {
	graph, err := os.ReadFile(m.Graph)
	if err != nil {
		return fmt.Errorf("read graph: %w", err)
	}
	return WriteFile(out, m.Metadata, graph)
}
