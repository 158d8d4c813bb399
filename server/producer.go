package server

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/drummonds/pdfsanitize/engine/pdfrenderer"
	"github.com/drummonds/pdfsanitize/failure"
	"github.com/drummonds/pdfsanitize/protocol"
)

var errEnginePanic = errors.New("engine panic")

type pageResult struct {
	index         uint32
	width, height uint32
	// flat is the page composited onto white.
	flat *image.NRGBA
	err  error
}

type rendered struct {
	img image.Image
	err error
}

// producer renders pages in order ahead of the writer. It owns the engine
// document and replaces it when a render has to be abandoned.
type producer struct {
	server *Server
	data   []byte
	doc    pdfrenderer.Document
	pages  int
}

func (p *producer) run(ctx context.Context, results chan<- pageResult) {
	defer close(results)
	defer func() {
		if p.doc != nil {
			p.doc.Close()
		}
	}()

	for i := 1; i <= p.pages; i++ {
		if ctx.Err() != nil {
			return
		}
		res := p.page(ctx, i)
		if ctx.Err() != nil {
			return
		}

		select {
		case results <- res:
		case <-ctx.Done():
			return
		}
		if res.err != nil && (errors.Is(res.err, failure.ErrFatalRender) || p.server.cfg.FailFast) {
			return
		}
	}
}

func (p *producer) page(ctx context.Context, index int) pageResult {
	res := pageResult{index: uint32(index)}

	img, err := p.render(ctx, index)
	if err != nil {
		res.err = err
		return res
	}

	b := img.Bounds()
	res.width, res.height = uint32(max(b.Dx(), 0)), uint32(max(b.Dy(), 0))
	if !p.server.limits.CheckDimensions(res.width, res.height) {
		res.err = fmt.Errorf("%w: page %d rendered at %dx%d, outside the page limits", failure.ErrRender, index, res.width, res.height)
		return res
	}
	res.flat = flatten(img)
	return res
}

// render runs one page under the page timeout. A timeout or an engine panic
// leaves the engine in an unknown state, so the document is abandoned and
// reopened before the next page.
func (p *producer) render(ctx context.Context, index int) (image.Image, error) {
	s := p.server
	doc := p.doc
	done := make(chan rendered, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- rendered{err: fmt.Errorf("%w: page %d: %w: %v", failure.ErrRender, index, errEnginePanic, r)}
			}
		}()
		done <- renderPage(doc, index, s.cfg.Resolution, s.limits)
	}()

	timer := time.NewTimer(s.cfg.PageTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if errors.Is(r.err, errEnginePanic) {
			if err := p.reopen(r.err, nil); err != nil {
				return nil, err
			}
		}
		return r.img, r.err
	case <-timer.C:
		err := fmt.Errorf("%w: page %d exceeded the %s render timeout", failure.ErrRender, index, s.cfg.PageTimeout)
		if rerr := p.reopen(err, done); rerr != nil {
			return nil, rerr
		}
		return nil, err
	case <-ctx.Done():
		p.abandon(done)
		return nil, ctx.Err()
	}
}

// abandon gives up the current document. It is closed once its pending
// render returns, if it ever does.
func (p *producer) abandon(pending <-chan rendered) {
	abandoned := p.doc
	p.doc = nil
	go func() {
		if pending != nil {
			<-pending
		}
		abandoned.Close()
	}()
}

// reopen abandons the current document and opens the input again on a fresh
// engine instance.
func (p *producer) reopen(cause error, pending <-chan rendered) error {
	p.abandon(pending)

	doc, err := p.server.renderer.Open(p.data)
	if err != nil {
		return fmt.Errorf("%w: reopening after %v: %w", failure.ErrFatalRender, cause, err)
	}
	p.doc = doc
	p.server.logger.Warn("Engine document reopened", "engine", p.server.renderer.Name(), "cause", cause)
	return nil
}

func renderPage(doc pdfrenderer.Document, index, dpi int, lim protocol.Limits) rendered {
	size, err := doc.PageSize(index - 1)
	if err != nil {
		return rendered{err: asRenderError(index, err)}
	}
	width, height := PixelDimensions(size, dpi)
	if !lim.CheckDimensions(width, height) {
		return rendered{err: fmt.Errorf("%w: page %d would be %dx%d pixels, outside the page limits", failure.ErrRender, index, width, height)}
	}

	img, err := doc.RenderPage(index-1, dpi)
	if err != nil {
		return rendered{err: asRenderError(index, err)}
	}
	if img == nil {
		return rendered{err: fmt.Errorf("%w: page %d: engine returned no image", failure.ErrRender, index)}
	}
	return rendered{img: img}
}

func asRenderError(index int, err error) error {
	if errors.Is(err, failure.ErrRender) || errors.Is(err, failure.ErrFatalRender) {
		return err
	}
	return fmt.Errorf("%w: page %d: %w", failure.ErrRender, index, err)
}
