// Package report stores batch detection results as YAML.
package report

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ivlev/animaldetect/internal/geometry"
)

type Report struct {
	JobID   string    `yaml:"job_id"`
	Source  string    `yaml:"source"`
	Model   string    `yaml:"model,omitempty"`
	Started time.Time `yaml:"started"`
	Elapsed string    `yaml:"elapsed"`
	Summary Summary   `yaml:"summary"`
	Entries []Entry   `yaml:"images"`
}

// Entry is the outcome for one image. Error is set instead of Detections
// when the image could not be processed.
type Entry struct {
	Index      int                   `yaml:"index"`
	Name       string                `yaml:"name"`
	Detections []geometry.Classified `yaml:"detections,omitempty"`
	Error      string                `yaml:"error,omitempty"`
	Kind       string                `yaml:"kind,omitempty"`
}

type Summary struct {
	Images     int            `yaml:"images"`
	Failed     int            `yaml:"failed"`
	Detections int            `yaml:"detections"`
	PerLabel   map[string]int `yaml:"per_label,omitempty"`
}

// Summarize recomputes the summary from the entries.
func (r *Report) Summarize() {
	s := Summary{Images: len(r.Entries)}
	for _, e := range r.Entries {
		if e.Error != "" {
			s.Failed++
			continue
		}
		for _, d := range e.Detections {
			if s.PerLabel == nil {
				s.PerLabel = make(map[string]int)
			}
			s.PerLabel[d.Label]++
			s.Detections++
		}
	}
	r.Summary = s
}

// Labels returns the detected labels ordered by count, then name.
func (s Summary) Labels() []string {
	labels := make([]string, 0, len(s.PerLabel))
	for l := range s.PerLabel {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		if s.PerLabel[labels[i]] != s.PerLabel[labels[j]] {
			return s.PerLabel[labels[i]] > s.PerLabel[labels[j]]
		}
		return labels[i] < labels[j]
	})
	return labels
}

// Write writes a report to a YAML file
func Write(r *Report, path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// Read reads a report from a YAML file
func Read(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var r Report
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse report %s: %w", path, err)
	}

	return &r, nil
}
