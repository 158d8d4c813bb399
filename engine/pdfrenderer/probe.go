package pdfrenderer

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// ProbePageCount parses the document structure with a second, independent PDF
// reader and returns its page count. It is only used inside the rendering
// environment to cross-check the engine; the reader panics on some malformed
// inputs, which is reported as an error.
func ProbePageCount(data []byte) (pages int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("failed to create PDF reader: %w", err)
	}
	return reader.NumPage(), nil
}
