package pdfrenderer

import (
	"fmt"
	"image"
)

// Size is a page's physical size in PDF points (1/72 inch).
type Size struct {
	Width  float64
	Height float64
}

// Document is one opened PDF inside the rendering environment. Page indexes are
// 0-based. Implementations are used from a single goroutine.
type Document interface {
	// NumPages returns the number of pages in the document
	NumPages() (int, error)

	// PageSize returns the physical size of a page
	PageSize(index int) (Size, error)

	// RenderPage rasterizes one page at dpi samples per inch
	RenderPage(index int, dpi int) (image.Image, error)

	// Close releases the engine resources held for the document
	Close() error
}

// Renderer opens documents with a particular rendering engine
type Renderer interface {
	Name() string
	Open(data []byte) (Document, error)
}

const (
	EnginePDFium = "pdfium"
	EngineFitz   = "fitz"
)

// NewRenderer returns the named engine. PDFium (pure Go, WebAssembly) is the default.
func NewRenderer(name string) (Renderer, error) {
	switch name {
	case "", EnginePDFium:
		return NewPDFiumRenderer(), nil
	case EngineFitz:
		return NewFitzRenderer(), nil
	default:
		return nil, fmt.Errorf("unknown rendering engine %q", name)
	}
}
