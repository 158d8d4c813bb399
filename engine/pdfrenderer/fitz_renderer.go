package pdfrenderer

import (
	"fmt"
	"image"

	"github.com/gen2brain/go-fitz"

	"github.com/drummonds/pdfsanitize/failure"
)

// FitzRenderer renders with go-fitz (MuPDF)
type FitzRenderer struct{}

// NewFitzRenderer creates a new Fitz-based PDF renderer
func NewFitzRenderer() *FitzRenderer {
	return &FitzRenderer{}
}

func (r *FitzRenderer) Name() string { return EngineFitz }

// Open parses the document from memory
func (r *FitzRenderer) Open(data []byte) (Document, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to open PDF document: %w", failure.ErrFatalRender, err)
	}
	return &fitzDocument{doc: doc}, nil
}

type fitzDocument struct {
	doc *fitz.Document
}

func (d *fitzDocument) NumPages() (int, error) {
	return d.doc.NumPage(), nil
}

func (d *fitzDocument) PageSize(index int) (Size, error) {
	bounds, err := d.doc.Bound(index)
	if err != nil {
		return Size{}, fmt.Errorf("%w: unable to read bounds of page %d: %w", failure.ErrRender, index+1, err)
	}
	return Size{Width: float64(bounds.Dx()), Height: float64(bounds.Dy())}, nil
}

func (d *fitzDocument) RenderPage(index int, dpi int) (image.Image, error) {
	img, err := d.doc.ImageDPI(index, float64(dpi))
	if err != nil {
		return nil, fmt.Errorf("%w: unable to render page %d: %w", failure.ErrRender, index+1, err)
	}
	return img, nil
}

func (d *fitzDocument) Close() error {
	return d.doc.Close()
}
