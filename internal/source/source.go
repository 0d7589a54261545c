// Package source enumerates still images for batch detection: single image
// files, folders of images and the pages of a PDF document.
package source

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"
)

// Source is an indexed collection of images. Image may be called from
// several goroutines at once.
type Source interface {
	Len() int
	Name(index int) string
	Image(index int) (image.Image, error)
	Close() error
}

// DefaultDPI is the PDF render resolution when none is given.
const DefaultDPI = 150

// Open picks a source for path: a PDF document, an image folder or a single
// image file.
func Open(path string, dpi int) (Source, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() && strings.EqualFold(filepath.Ext(path), ".pdf") {
		return NewFitzPDFSource(path, dpi)
	}
	return NewImageSource(path)
}

// FitzPDFSource renders PDF pages with MuPDF.
type FitzPDFSource struct {
	doc   *fitz.Document
	path  string
	dpi   float64
	pages int
}

func NewFitzPDFSource(path string, dpi int) (*FitzPDFSource, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf %s: %w", path, err)
	}
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	return &FitzPDFSource{doc: doc, path: path, dpi: float64(dpi), pages: doc.NumPage()}, nil
}

func (f *FitzPDFSource) Len() int { return f.pages }

func (f *FitzPDFSource) Name(index int) string {
	return fmt.Sprintf("%s#%d", filepath.Base(f.path), index+1)
}

// Image renders one page. fitz documents are not safe for concurrent use, so
// every call opens its own handle.
func (f *FitzPDFSource) Image(index int) (image.Image, error) {
	if index < 0 || index >= f.pages {
		return nil, fmt.Errorf("page %d out of range [0, %d)", index, f.pages)
	}
	workerDoc, err := fitz.New(f.path)
	if err != nil {
		return nil, err
	}
	defer workerDoc.Close()
	return workerDoc.ImageDPI(index, f.dpi)
}

func (f *FitzPDFSource) Close() error {
	return f.doc.Close()
}
