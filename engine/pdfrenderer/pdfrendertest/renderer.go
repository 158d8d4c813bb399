// Package pdfrendertest provides a scripted pdfrenderer.Renderer for tests.
package pdfrendertest

import (
	"errors"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/drummonds/pdfsanitize/engine/pdfrenderer"
)

// Common page sizes in points.
var (
	Letter = pdfrenderer.Size{Width: 612, Height: 792}
	A4     = pdfrenderer.Size{Width: 595.44, Height: 841.68}
)

// Page scripts the behaviour of one page.
type Page struct {
	Size  pdfrenderer.Size
	Err   error
	Panic bool
	// Hang blocks the render until Release is called.
	Hang bool
}

// Renderer opens every input as the same scripted document.
type Renderer struct {
	Pages   []Page
	OpenErr error
	// FailReopen fails every Open after the first one.
	FailReopen bool

	mu      sync.Mutex
	opens   int
	closes  int
	release chan struct{}
	once    sync.Once
}

// New returns a Renderer serving pages.
func New(pages ...Page) *Renderer {
	return &Renderer{Pages: pages, release: make(chan struct{})}
}

// Pages returns n well-formed pages of the given size.
func Pages(n int, size pdfrenderer.Size) []Page {
	pages := make([]Page, n)
	for i := range pages {
		pages[i] = Page{Size: size}
	}
	return pages
}

func (r *Renderer) Name() string { return "fake" }

func (r *Renderer) Open(data []byte) (pdfrenderer.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opens++
	if r.OpenErr != nil {
		return nil, r.OpenErr
	}
	if r.FailReopen && r.opens > 1 {
		return nil, errors.New("engine could not be restarted")
	}
	return &document{r: r}, nil
}

// Opens reports how many documents were opened.
func (r *Renderer) Opens() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens
}

// Closes reports how many documents were closed.
func (r *Renderer) Closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

// Release unblocks every hung render.
func (r *Renderer) Release() {
	r.once.Do(func() { close(r.release) })
}

type document struct {
	r      *Renderer
	closed bool
}

func (d *document) NumPages() (int, error) {
	return len(d.r.Pages), nil
}

func (d *document) PageSize(index int) (pdfrenderer.Size, error) {
	return d.r.Pages[index].Size, nil
}

// RenderPage draws a transparent page with a single opaque black pixel in the
// top-left corner.
func (d *document) RenderPage(index int, dpi int) (image.Image, error) {
	p := d.r.Pages[index]
	switch {
	case p.Panic:
		panic("corrupt page tree")
	case p.Hang:
		<-d.r.release
		return nil, errors.New("render abandoned")
	case p.Err != nil:
		return nil, p.Err
	}

	img := image.NewNRGBA(image.Rect(0, 0, pixels(p.Size.Width, dpi), pixels(p.Size.Height, dpi)))
	img.SetNRGBA(0, 0, color.NRGBA{A: 255})
	return img, nil
}

func (d *document) Close() error {
	d.r.mu.Lock()
	defer d.r.mu.Unlock()
	if !d.closed {
		d.closed = true
		d.r.closes++
	}
	return nil
}

func pixels(points float64, dpi int) int {
	return int(math.Round(points / 72 * float64(dpi)))
}
