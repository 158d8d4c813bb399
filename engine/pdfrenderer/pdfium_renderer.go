package pdfrenderer

import (
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	"github.com/klippa-app/go-pdfium"
	"github.com/klippa-app/go-pdfium/references"
	"github.com/klippa-app/go-pdfium/requests"
	"github.com/klippa-app/go-pdfium/webassembly"

	"github.com/drummonds/pdfsanitize/failure"
)

// PDFiumRenderer renders with go-pdfium on WebAssembly (pure Go, no CGo)
type PDFiumRenderer struct {
	instanceTimeout time.Duration
}

// NewPDFiumRenderer creates a new PDFium-based PDF renderer
func NewPDFiumRenderer() *PDFiumRenderer {
	return &PDFiumRenderer{instanceTimeout: 30 * time.Second}
}

func (r *PDFiumRenderer) Name() string { return EnginePDFium }

// Open starts a dedicated WebAssembly pool for the document, so that a hung
// render can be abandoned together with its runtime.
func (r *PDFiumRenderer) Open(data []byte) (Document, error) {
	pool, err := webassembly.Init(webassembly.Config{
		MinIdle:  1,
		MaxIdle:  1,
		MaxTotal: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize PDFium WebAssembly: %w", failure.ErrFatalRender, err)
	}

	instance, err := pool.GetInstance(r.instanceTimeout)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to get PDFium instance: %w", failure.ErrFatalRender, err)
	}

	doc, err := instance.OpenDocument(&requests.OpenDocument{
		File: &data,
	})
	if err != nil {
		instance.Close()
		pool.Close()
		return nil, fmt.Errorf("%w: unable to open PDF document: %w", failure.ErrFatalRender, err)
	}

	return &pdfiumDocument{
		pool:     pool,
		instance: instance,
		doc:      doc.Document,
	}, nil
}

type pdfiumDocument struct {
	pool     pdfium.Pool
	instance pdfium.Pdfium
	doc      references.FPDF_DOCUMENT
}

func (d *pdfiumDocument) NumPages() (int, error) {
	resp, err := d.instance.FPDF_GetPageCount(&requests.FPDF_GetPageCount{
		Document: d.doc,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: unable to get page count: %w", failure.ErrFatalRender, err)
	}
	return resp.PageCount, nil
}

func (d *pdfiumDocument) PageSize(index int) (Size, error) {
	resp, err := d.instance.FPDF_GetPageSizeByIndex(&requests.FPDF_GetPageSizeByIndex{
		Document: d.doc,
		Index:    index,
	})
	if err != nil {
		return Size{}, fmt.Errorf("%w: unable to get size of page %d: %w", failure.ErrRender, index+1, err)
	}
	return Size{Width: resp.Width, Height: resp.Height}, nil
}

func (d *pdfiumDocument) RenderPage(index int, dpi int) (image.Image, error) {
	pageRender, err := d.instance.RenderPageInDPI(&requests.RenderPageInDPI{
		DPI: dpi,
		Page: requests.Page{
			ByIndex: &requests.PageByIndex{
				Document: d.doc,
				Index:    index,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: unable to render page %d: %w", failure.ErrRender, index+1, err)
	}
	// The bitmap belongs to the engine until Cleanup, so take a copy first
	img := imaging.Clone(pageRender.Result.Image)
	pageRender.Cleanup()
	return img, nil
}

func (d *pdfiumDocument) Close() error {
	if d.instance != nil {
		d.instance.FPDF_CloseDocument(&requests.FPDF_CloseDocument{
			Document: d.doc,
		})
		d.instance.Close()
		d.instance = nil
	}
	if d.pool != nil {
		d.pool.Close()
		d.pool = nil
	}
	return nil
}
