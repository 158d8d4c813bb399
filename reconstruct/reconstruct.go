// Package reconstruct rebuilds a PDF from verified page rasters. Nothing but
// pixels from the rendering side ends up in the output.
package reconstruct

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/oklog/ulid/v2"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/drummonds/pdfsanitize/failure"
	"github.com/drummonds/pdfsanitize/protocol"
)

func init() {
	// pdfcpu otherwise installs a config directory under the user's home
	api.DisableConfigDir()
}

// Config for a Reconstructor.
type Config struct {
	// Resolution the pages were rendered at, in pixels per inch.
	Resolution int
	// WorkDir is where page images are staged. Empty means the system temp dir.
	WorkDir string
}

// Skip records a page that the rendering side could not produce.
type Skip struct {
	Index  uint32
	Reason string
}

// Result describes a reconstructed document.
type Result struct {
	OutputPath string
	// Pages is the number of pages in the output.
	Pages int
	// Announced is the page count the rendering side reported.
	Announced int
	Skipped   []Skip
}

// Reconstructor turns a page stream into an output PDF.
type Reconstructor struct {
	cfg    Config
	logger *slog.Logger
}

// New returns a Reconstructor.
func New(cfg Config, logger *slog.Logger) *Reconstructor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconstructor{cfg: cfg, logger: logger}
}

type pageFile struct {
	index         uint32
	width, height uint32
	path          string
}

// Run consumes msgs in arrival order until EndOfStream and writes the result
// to outputPath. Nothing is written to outputPath unless the whole document was
// assembled and validated.
func (r *Reconstructor) Run(ctx context.Context, msgs <-chan protocol.Message, outputPath string) (*Result, error) {
	work, err := os.MkdirTemp(r.cfg.WorkDir, "pdfsanitize-pages-*")
	if err != nil {
		return nil, fmt.Errorf("%w: create work directory: %w", failure.ErrReconstruction, err)
	}
	defer os.RemoveAll(work)

	res := &Result{OutputPath: outputPath}
	var pages []pageFile
	var current *partialPage

	for {
		var m protocol.Message
		var ok bool
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: reconstruction stopped: %w", failure.ErrCancelled, ctx.Err())
		case m, ok = <-msgs:
		}
		if !ok {
			return nil, fmt.Errorf("%w: page stream ended after %d of %d pages", failure.ErrIO, len(pages)+len(res.Skipped), res.Announced)
		}

		switch m.Type {
		case protocol.TypeDocumentInfo:
			res.Announced = int(m.Pages)

		case protocol.TypePageHeader:
			if current != nil {
				return nil, fmt.Errorf("%w: page %d started before page %d was complete", failure.ErrProtocol, m.Index, current.hdr.Index)
			}
			if m.Width == 0 || m.Height == 0 || m.Length != uint64(m.Width)*uint64(m.Height)*protocol.BytesPerPixel {
				return nil, fmt.Errorf("%w: page %d header %dx%d declares %d bytes", failure.ErrProtocol, m.Index, m.Width, m.Height, m.Length)
			}
			current = newPartialPage(m)

		case protocol.TypePageData:
			if current == nil || current.hdr.Index != m.Index {
				return nil, fmt.Errorf("%w: page data for %d without its header", failure.ErrProtocol, m.Index)
			}
			if err := current.add(m.Data); err != nil {
				return nil, err
			}
			if !current.complete() {
				continue
			}
			page, err := writePage(work, current.hdr, current.img)
			if err != nil {
				return nil, err
			}
			current = nil
			pages = append(pages, page)
			r.logger.Debug("Page staged", "page", m.Index, "of", res.Announced)

		case protocol.TypePageError:
			if m.Fatal {
				return nil, fmt.Errorf("%w: %s", failure.ErrFatalRender, m.Reason)
			}
			if current != nil {
				return nil, fmt.Errorf("%w: page %d error inside page %d", failure.ErrProtocol, m.Index, current.hdr.Index)
			}
			res.Skipped = append(res.Skipped, Skip{Index: m.Index, Reason: m.Reason})
			r.logger.Warn("Page skipped", "page", m.Index, "reason", m.Reason)

		case protocol.TypeEndOfStream:
			if current != nil {
				return nil, fmt.Errorf("%w: stream ended inside page %d", failure.ErrProtocol, current.hdr.Index)
			}
			if len(pages) == 0 {
				return nil, fmt.Errorf("%w: none of the %d pages could be rendered", failure.ErrReconstruction, res.Announced)
			}
			if err := r.assemble(ctx, pages, outputPath); err != nil {
				return nil, err
			}
			res.Pages = len(pages)
			return res, nil

		default:
			return nil, fmt.Errorf("%w: unexpected %s in page stream", failure.ErrProtocol, m.Type)
		}
	}
}

// partialPage collects the PageData chunks of one page.
type partialPage struct {
	hdr    protocol.Message
	img    *image.NRGBA
	filled uint64
}

func newPartialPage(hdr protocol.Message) *partialPage {
	img := image.NewNRGBA(image.Rect(0, 0, int(hdr.Width), int(hdr.Height)))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	return &partialPage{hdr: hdr, img: img}
}

// add copies one chunk of RGB samples into the image. Chunks may split a
// pixel.
func (p *partialPage) add(data []byte) error {
	if uint64(len(data)) > p.hdr.Length-p.filled {
		return fmt.Errorf("%w: page %d carries more than its declared %d bytes", failure.ErrProtocol, p.hdr.Index, p.hdr.Length)
	}
	px := int(p.filled/protocol.BytesPerPixel) * 4
	c := int(p.filled % protocol.BytesPerPixel)
	for _, b := range data {
		p.img.Pix[px+c] = b
		c++
		if c == protocol.BytesPerPixel {
			c = 0
			px += 4
		}
	}
	p.filled += uint64(len(data))
	return nil
}

func (p *partialPage) complete() bool {
	return p.filled == p.hdr.Length
}

// writePage stores one page raster as a PNG in dir.
func writePage(dir string, hdr protocol.Message, img *image.NRGBA) (pageFile, error) {
	path := filepath.Join(dir, fmt.Sprintf("page-%06d.png", hdr.Index))
	f, err := os.Create(path)
	if err != nil {
		return pageFile{}, fmt.Errorf("%w: %w", failure.ErrReconstruction, err)
	}
	bw := bufio.NewWriter(f)
	err = imaging.Encode(bw, img, imaging.PNG)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return pageFile{}, fmt.Errorf("%w: write page %d: %w", failure.ErrReconstruction, hdr.Index, err)
	}

	return pageFile{index: hdr.Index, width: hdr.Width, height: hdr.Height, path: path}, nil
}

// assemble imports the staged pages into a temporary file next to outputPath,
// validates it and renames it into place.
func (r *Reconstructor) assemble(ctx context.Context, pages []pageFile, outputPath string) (err error) {
	tmp := filepath.Join(filepath.Dir(outputPath), "."+filepath.Base(outputPath)+"."+ulid.Make().String()+".tmp")
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	for _, run := range groupBySize(pages) {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: reconstruction stopped: %w", failure.ErrCancelled, ctx.Err())
		}
		files := make([]string, len(run))
		for i, p := range run {
			files[i] = p.path
		}
		// Appends to tmp once the first run has created it.
		if err := api.ImportImagesFile(files, tmp, r.importConfig(run[0]), model.NewDefaultConfiguration()); err != nil {
			return fmt.Errorf("%w: import pages %d-%d: %w", failure.ErrReconstruction, run[0].index, run[len(run)-1].index, err)
		}
	}

	if err := api.ValidateFile(tmp, model.NewDefaultConfiguration()); err != nil {
		return fmt.Errorf("%w: output failed validation: %w", failure.ErrReconstruction, err)
	}
	count, err := api.PageCountFile(tmp)
	if err != nil {
		return fmt.Errorf("%w: count output pages: %w", failure.ErrReconstruction, err)
	}
	if count != len(pages) {
		return fmt.Errorf("%w: output has %d pages, want %d", failure.ErrReconstruction, count, len(pages))
	}

	if ctx.Err() != nil {
		return fmt.Errorf("%w: reconstruction stopped: %w", failure.ErrCancelled, ctx.Err())
	}
	if err := os.Rename(tmp, outputPath); err != nil {
		return fmt.Errorf("%w: %w", failure.ErrReconstruction, err)
	}
	r.logger.Info("Output written", "file", outputPath, "pages", count)
	return nil
}

// importConfig places a page image full-bleed on a page of its physical size.
func (r *Reconstructor) importConfig(p pageFile) *pdfcpu.Import {
	imp := pdfcpu.DefaultImportConfig()
	imp.PageDim = &types.Dim{
		Width:  pointsFor(p.width, r.cfg.Resolution),
		Height: pointsFor(p.height, r.cfg.Resolution),
	}
	imp.UserDim = true
	imp.DPI = r.cfg.Resolution
	imp.Pos = types.BottomLeft
	imp.Scale = 1
	imp.ScaleAbs = true
	return imp
}

func pointsFor(pixels uint32, dpi int) float64 {
	if dpi <= 0 {
		return float64(pixels)
	}
	return float64(pixels) * 72 / float64(dpi)
}

// groupBySize splits pages into runs of consecutive pages with equal
// dimensions.
func groupBySize(pages []pageFile) [][]pageFile {
	var runs [][]pageFile
	start := 0
	for i := 1; i <= len(pages); i++ {
		if i == len(pages) || pages[i].width != pages[start].width || pages[i].height != pages[start].height {
			runs = append(runs, pages[start:i])
			start = i
		}
	}
	return runs
}
