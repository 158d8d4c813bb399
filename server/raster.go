package server

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	"github.com/drummonds/pdfsanitize/engine/pdfrenderer"
	"github.com/drummonds/pdfsanitize/protocol"
)

const pointsPerInch = 72

// PixelDimensions converts a page size in points to pixels at dpi.
func PixelDimensions(size pdfrenderer.Size, dpi int) (width, height uint32) {
	return toPixels(size.Width, dpi), toPixels(size.Height, dpi)
}

func toPixels(points float64, dpi int) uint32 {
	px := math.Round(points / pointsPerInch * float64(dpi))
	if px <= 0 || math.IsNaN(px) {
		return 0
	}
	if px > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(px)
}

// flatten composites img onto an opaque white page.
func flatten(img image.Image) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil
	}
	return imaging.Overlay(imaging.New(b.Dx(), b.Dy(), color.White), img, image.Pt(0, 0), 1.0)
}

// writeRGB streams flat as row-major 8-bit RGB, handing emit chunks of at most
// chunkSize bytes. The chunk buffer is reused between calls.
func writeRGB(flat *image.NRGBA, chunkSize int, emit func([]byte) error) error {
	w, h := flat.Rect.Dx(), flat.Rect.Dy()
	chunk := make([]byte, 0, min(chunkSize, w*h*protocol.BytesPerPixel))
	for y := 0; y < h; y++ {
		row := flat.Pix[y*flat.Stride : y*flat.Stride+w*4]
		for x := 0; x < len(row); x += 4 {
			chunk = append(chunk, row[x], row[x+1], row[x+2])
			if len(chunk) == chunkSize {
				if err := emit(chunk); err != nil {
					return err
				}
				chunk = chunk[:0]
			}
		}
	}
	if len(chunk) > 0 {
		return emit(chunk)
	}
	return nil
}
