// Package bundle reads and writes .bq model bundles: a versioned, length-prefixed
// metadata header followed by the raw model graph.
package bundle

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// Task is the kind of output a model produces.
type Task uint8

const (
	TaskDetect Task = iota
	TaskClassify
	TaskSegment
)

var taskNames = map[Task]string{
	TaskDetect:   "detect",
	TaskClassify: "classify",
	TaskSegment:  "segment",
}

func (t Task) String() string {
	if name, ok := taskNames[t]; ok {
		return name
	}
	return fmt.Sprintf("task(%d)", uint8(t))
}

func (t Task) valid() bool {
	_, ok := taskNames[t]
	return ok
}

// ParseTask accepts the lowercase task names used in manifests and config.
func ParseTask(s string) (Task, error) {
	for t, name := range taskNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown task %q", s)
}

func (t Task) MarshalYAML() (interface{}, error) {
	return t.String(), nil
}

func (t *Task) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseTask(value.Value)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Task) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Task) UnmarshalText(b []byte) error {
	parsed, err := ParseTask(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Metadata describes one model: identity, class list, input geometry and
// default thresholds.
type Metadata struct {
	Name          string   `yaml:"name" json:"name"`
	Description   string   `yaml:"description" json:"description"`
	Version       float32  `yaml:"version" json:"version"`
	Classes       []string `yaml:"classes" json:"classes"`
	InputWidth    uint32   `yaml:"input_width" json:"input_width"`
	InputHeight   uint32   `yaml:"input_height" json:"input_height"`
	ConfThreshold float32  `yaml:"confidence_threshold" json:"confidence_threshold"`
	NMSThreshold  float32  `yaml:"nms_threshold" json:"nms_threshold"`
	NumClasses    uint32   `yaml:"num_classes" json:"num_classes"`
	NumMasks      uint32   `yaml:"num_masks" json:"num_masks"`
	Task          Task     `yaml:"task" json:"task"`
}

const maxInputSide = 16384

// Validate applies the sanity checks every decoded header must pass.
func (m Metadata) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("empty model name")
	}
	if !utf8.ValidString(m.Name) || !utf8.ValidString(m.Description) {
		return fmt.Errorf("name or description is not valid UTF-8")
	}
	if math.IsNaN(float64(m.Version)) || math.IsInf(float64(m.Version), 0) {
		return fmt.Errorf("invalid version %v", m.Version)
	}
	if m.NumClasses == 0 {
		return fmt.Errorf("model declares no classes")
	}
	if uint32(len(m.Classes)) != m.NumClasses {
		return fmt.Errorf("class list has %d labels, header declares %d", len(m.Classes), m.NumClasses)
	}
	for i, c := range m.Classes {
		if !utf8.ValidString(c) {
			return fmt.Errorf("class %d is not valid UTF-8", i)
		}
	}
	if m.InputWidth == 0 || m.InputHeight == 0 || m.InputWidth > maxInputSide || m.InputHeight > maxInputSide {
		return fmt.Errorf("input size %dx%d out of range", m.InputWidth, m.InputHeight)
	}
	if !unitInterval(m.ConfThreshold) {
		return fmt.Errorf("confidence threshold %v outside [0,1]", m.ConfThreshold)
	}
	if !unitInterval(m.NMSThreshold) {
		return fmt.Errorf("nms threshold %v outside [0,1]", m.NMSThreshold)
	}
	if !m.Task.valid() {
		return fmt.Errorf("unknown task kind %d", uint8(m.Task))
	}
	return nil
}

func unitInterval(v float32) bool {
	return v >= 0 && v <= 1
}
