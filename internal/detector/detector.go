package detector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/ivlev/animaldetect/internal/geometry"
)

// Detector finds labelled boxes in an image. Callers never know whether the
// work happens in-process or on a remote server.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]geometry.Classified, error)
	Close() error
}

// ErrBadImage is returned when request bytes are not a decodable picture.
var ErrBadImage = errors.New("unsupported or corrupt image")

// DetectBytes decodes an encoded image (jpeg, png, gif, bmp, webp) and runs d
// on it. EXIF orientation is applied, so boxes refer to the upright picture.
func DetectBytes(ctx context.Context, d Detector, data []byte) ([]geometry.Classified, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	return d.Detect(ctx, img)
}
