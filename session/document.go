package session

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/drummonds/pdfsanitize/failure"
)

const (
	pdfContentType = "application/pdf"
	// OutputSuffix replaces the extension of an input to name its output.
	OutputSuffix   = ".trusted.pdf"
)

// Document is one untrusted input file.
type Document struct {
	Path       string `json:"path"`
	OutputPath string `json:"output_path"`
	// Size and ContentType are filled in by the pre-flight check.
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// NewDocument returns a Document for path. An empty output defaults to
// <stem>.trusted.pdf next to the input.
func NewDocument(path, output string) Document {
	if output == "" {
		output = DefaultOutputPath(path)
	}
	return Document{Path: path, OutputPath: output}
}

// DefaultOutputPath returns <dir>/<stem>.trusted.pdf for path.
func DefaultOutputPath(path string) string {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(path), stem+OutputSuffix)
}

// load checks that the file is a regular, readable PDF within maxSize and
// returns its contents.
func (d *Document) load(maxSize int64) ([]byte, error) {
	info, err := os.Stat(d.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", failure.ErrIO, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", failure.ErrIO, d.Path)
	}
	if maxSize > 0 && info.Size() > maxSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, over the %d byte limit", failure.ErrTypeMismatch, d.Path, info.Size(), maxSize)
	}

	f, err := os.Open(d.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", failure.ErrIO, err)
	}
	defer f.Close()

	// The file may grow between Stat and Read.
	limit := info.Size()
	if maxSize > 0 {
		limit = maxSize
	}
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", failure.ErrIO, d.Path, err)
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: %s grew past the %d byte limit", failure.ErrTypeMismatch, d.Path, maxSize)
	}

	d.Size = int64(len(data))
	d.ContentType = http.DetectContentType(data)
	if d.ContentType != pdfContentType {
		return nil, fmt.Errorf("%w: %s is %s, not %s", failure.ErrTypeMismatch, d.Path, d.ContentType, pdfContentType)
	}
	return data, nil
}
