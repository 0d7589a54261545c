// Package geometry holds the bounding box types shared by the detector, the
// renderer and the wire format, together with IoU and non-max suppression.
package geometry

import (
	"fmt"
	"image"
	"math"
)

// XYXY is a box in corner form with its confidence and class index.
type XYXY struct {
	X1      float32 `json:"x1" yaml:"x1"`
	Y1      float32 `json:"y1" yaml:"y1"`
	X2      float32 `json:"x2" yaml:"x2"`
	Y2      float32 `json:"y2" yaml:"y2"`
	Prob    float32 `json:"confidence" yaml:"confidence"`
	ClassID uint16  `json:"class_id" yaml:"class_id"`
}

// NewXYXY validates the corner ordering and the confidence range.
func NewXYXY(x1, y1, x2, y2, prob float32, classID uint16) (XYXY, error) {
	b := XYXY{X1: x1, Y1: y1, X2: x2, Y2: y2, Prob: prob, ClassID: classID}
	if err := b.Validate(); err != nil {
		return XYXY{}, err
	}
	return b, nil
}

// Validate reports whether the box satisfies x1 <= x2, y1 <= y2 and 0 <= prob <= 1.
func (b XYXY) Validate() error {
	for _, v := range []float32{b.X1, b.Y1, b.X2, b.Y2} {
		if isNaN(v) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("box has non-finite coordinate: %+v", b)
		}
	}
	if b.X1 > b.X2 || b.Y1 > b.Y2 {
		return fmt.Errorf("box corners out of order: (%.2f,%.2f)-(%.2f,%.2f)", b.X1, b.Y1, b.X2, b.Y2)
	}
	if isNaN(b.Prob) || b.Prob < 0 || b.Prob > 1 {
		return fmt.Errorf("box confidence %v outside [0,1]", b.Prob)
	}
	return nil
}

func (b XYXY) Width() float32  { return b.X2 - b.X1 }
func (b XYXY) Height() float32 { return b.Y2 - b.Y1 }

// Area is zero for degenerate boxes.
func (b XYXY) Area() float32 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Center returns the box midpoint.
func (b XYXY) Center() (float32, float32) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Scale multiplies the x coordinates by sx and the y coordinates by sy.
func (b XYXY) Scale(sx, sy float32) XYXY {
	b.X1 *= sx
	b.X2 *= sx
	b.Y1 *= sy
	b.Y2 *= sy
	return b
}

// Rect rounds the box to integer pixel coordinates.
func (b XYXY) Rect() image.Rectangle {
	return image.Rect(
		int(math.Round(float64(b.X1))),
		int(math.Round(float64(b.Y1))),
		int(math.Round(float64(b.X2))),
		int(math.Round(float64(b.Y2))),
	)
}

// FromCenter converts a center/size box into corner form.
func FromCenter(cx, cy, w, h, prob float32, classID uint16) XYXY {
	return XYXY{
		X1:      cx - w/2,
		Y1:      cy - h/2,
		X2:      cx + w/2,
		Y2:      cy + h/2,
		Prob:    prob,
		ClassID: classID,
	}
}

// Classified is a corner-form box with its resolved label. Extra1 and Extra2 are
// free annotation slots for callers (external identifiers and the like).
type Classified struct {
	XYXY   `yaml:",inline"`
	Label  string  `json:"label" yaml:"label"`
	Extra1 *string `json:"extra1,omitempty" yaml:"extra1,omitempty"`
	Extra2 *string `json:"extra2,omitempty" yaml:"extra2,omitempty"`
}

// Classify resolves the class index of b against classes. A box whose class
// cannot be resolved is rejected.
func Classify(b XYXY, classes []string) (Classified, error) {
	if int(b.ClassID) >= len(classes) {
		return Classified{}, fmt.Errorf("class id %d outside class list of %d", b.ClassID, len(classes))
	}
	return Classified{XYXY: b, Label: classes[b.ClassID]}, nil
}

func isNaN(v float32) bool {
	return v != v
}
