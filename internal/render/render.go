// Package render draws detections onto frames and produces JPEG previews.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"

	"github.com/ivlev/animaldetect/internal/geometry"
)

var labelFont *truetype.Font

func init() {
	var err error
	labelFont, err = truetype.Parse(gobold.TTF)
	if err != nil {
		panic(err)
	}
}

var palette = []color.RGBA{
	{R: 0, G: 200, B: 83, A: 255},
	{R: 255, G: 145, B: 0, A: 255},
	{R: 41, G: 121, B: 255, A: 255},
	{R: 213, G: 0, B: 249, A: 255},
	{R: 255, G: 23, B: 68, A: 255},
	{R: 0, G: 229, B: 255, A: 255},
}

// ClassColor returns the stroke colour used for a class id.
func ClassColor(classID uint16) color.RGBA {
	return palette[int(classID)%len(palette)]
}

// Draw paints boxes and "label 0.87" captions onto img in place.
func Draw(img *image.RGBA, dets []geometry.Classified) {
	if len(dets) == 0 {
		return
	}
	dc := gg.NewContextForRGBA(img)

	// line width and font scale with the frame so small and 4K sources look alike
	side := float64(min(img.Bounds().Dx(), img.Bounds().Dy()))
	lineWidth := max(2, side/300)
	fontSize := max(12, side/40)
	face := truetype.NewFace(labelFont, &truetype.Options{Size: fontSize, Hinting: font.HintingFull})
	defer face.Close()
	dc.SetFontFace(face)

	for _, d := range dets {
		c := ClassColor(d.ClassID)
		r := d.Rect()

		dc.SetColor(c)
		dc.SetLineWidth(lineWidth)
		dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
		dc.Stroke()

		caption := fmt.Sprintf("%s %.2f", d.Label, d.Prob)
		tw, th := dc.MeasureString(caption)
		pad := fontSize / 4
		x := float64(r.Min.X)
		y := float64(r.Min.Y) - th - 2*pad
		if y < 0 {
			y = float64(r.Min.Y)
		}

		dc.SetColor(c)
		dc.DrawRectangle(x, y, tw+2*pad, th+2*pad)
		dc.Fill()
		dc.SetColor(color.White)
		dc.DrawStringAnchored(caption, x+pad, y+pad, 0, 1)
	}
}

// Preview downsizes img to at most maxWidth pixels wide (0 keeps the size) and
// encodes it as JPEG.
func Preview(img image.Image, maxWidth, quality int) ([]byte, error) {
	if maxWidth > 0 && img.Bounds().Dx() > maxWidth {
		img = imaging.Resize(img, maxWidth, 0, imaging.Box)
	}
	if quality <= 0 || quality > 100 {
		quality = 80
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
