package geometry

import (
	"image"
	"testing"
)

func TestNewXYXYValidation(t *testing.T) {
	tests := []struct {
		name    string
		x1, y1  float32
		x2, y2  float32
		prob    float32
		wantErr bool
	}{
		{"valid", 0, 0, 10, 10, 0.5, false},
		{"degenerate allowed", 5, 5, 5, 5, 0, false},
		{"x reversed", 10, 0, 0, 10, 0.5, true},
		{"y reversed", 0, 10, 10, 0, 0.5, true},
		{"prob above one", 0, 0, 10, 10, 1.2, true},
		{"prob negative", 0, 0, 10, 10, -0.1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewXYXY(tt.x1, tt.y1, tt.x2, tt.y2, tt.prob, 0)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewXYXY error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	classes := []string{"animal", "person"}

	c, err := Classify(box(1, 2, 3, 4, 0.9, 1), classes)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if c.Label != "person" {
		t.Errorf("expected label person, got %q", c.Label)
	}
	if c.Extra1 != nil || c.Extra2 != nil {
		t.Error("annotation fields should be empty by default")
	}

	if _, err := Classify(box(1, 2, 3, 4, 0.9, 2), classes); err == nil {
		t.Error("expected error for class id outside class list")
	}
}

func TestFromCenterAndScale(t *testing.T) {
	b := FromCenter(512, 512, 100, 50, 0.9, 0)
	if b.X1 != 462 || b.X2 != 562 || b.Y1 != 487 || b.Y2 != 537 {
		t.Fatalf("unexpected corners: %+v", b)
	}

	s := b.Scale(0.5, 2)
	cx, cy := s.Center()
	if cx != 256 || cy != 1024 {
		t.Errorf("scaled center = (%v,%v), want (256,1024)", cx, cy)
	}
	if s.Rect() != image.Rect(231, 974, 281, 1074) {
		t.Errorf("unexpected rect %v", s.Rect())
	}
}
