// Package server is the rendering side of the sanitizer. It runs inside the
// disposable environment, converts exactly one document into page rasters and
// returns.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/drummonds/pdfsanitize/engine/pdfrenderer"
	"github.com/drummonds/pdfsanitize/failure"
	"github.com/drummonds/pdfsanitize/protocol"
)

const (
	DefaultResolution  = 300
	MinResolution      = 75
	MaxResolution      = 4800
	DefaultPageTimeout = 30 * time.Second
	DefaultRenderAhead = 2
	DefaultMaxPages    = 10000
	DefaultMaxDocument = 200 << 20

	pdfContentType  = "application/pdf"
	writeBufferSize = 64 << 10
)

// Config governs one rendering run.
type Config struct {
	Resolution      int
	MaxDocumentSize int64
	MaxPages        int
	// MaxPageBytes bounds one page's RGB payload; zero derives it from the
	// resolution.
	MaxPageBytes int64
	PageTimeout  time.Duration
	// RenderAhead is how many finished pages may wait for the writer.
	RenderAhead int
	// FailFast escalates the first page failure to a terminal error instead of
	// skipping the page.
	FailFast bool
}

// Server renders a single document per Serve call.
type Server struct {
	cfg      Config
	renderer pdfrenderer.Renderer
	limits   protocol.Limits
	logger   *slog.Logger
}

// New returns a Server using renderer. Zero config fields take their defaults
// and a resolution outside [MinResolution, MaxResolution] is clamped.
func New(cfg Config, renderer pdfrenderer.Renderer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	switch {
	case cfg.Resolution == 0:
		cfg.Resolution = DefaultResolution
	case cfg.Resolution < MinResolution || cfg.Resolution > MaxResolution:
		clamped := min(max(cfg.Resolution, MinResolution), MaxResolution)
		logger.Warn("Resolution out of range, clamped", "requested", cfg.Resolution, "resolution", clamped)
		cfg.Resolution = clamped
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.MaxDocumentSize <= 0 {
		cfg.MaxDocumentSize = DefaultMaxDocument
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = DefaultPageTimeout
	}
	if cfg.RenderAhead <= 0 {
		cfg.RenderAhead = DefaultRenderAhead
	}
	return &Server{
		cfg:      cfg,
		renderer: renderer,
		limits:   protocol.NewLimits(cfg.Resolution, cfg.MaxPages, cfg.MaxDocumentSize).WithMaxPageBytes(cfg.MaxPageBytes),
		logger:   logger,
	}
}

// Serve reads one Document frame from r and writes the page stream to w. It
// returns nil once EndOfStream has been written, or the error that ended the
// conversion after reporting it to the peer where possible.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	out := bufio.NewWriterSize(w, writeBufferSize)

	msg, err := protocol.ReadMessage(r, s.limits)
	if err != nil {
		if errors.Is(err, failure.ErrProtocol) {
			s.reportFatal(out, 0, fmt.Sprintf("document rejected: %v", err))
		}
		return fmt.Errorf("receive document: %w", err)
	}
	if msg.Type != protocol.TypeDocument {
		err := fmt.Errorf("%w: expected Document, got %s", failure.ErrProtocol, msg.Type)
		s.reportFatal(out, 0, err.Error())
		return err
	}
	data := msg.Data
	s.logger.Info("Document received", "bytes", len(data))

	if contentType := http.DetectContentType(data); contentType != pdfContentType {
		err := fmt.Errorf("%w: expected %s, got %s", failure.ErrTypeMismatch, pdfContentType, contentType)
		s.logger.Error("Refusing to render document", "error", err)
		s.reportFatal(out, 0, err.Error())
		return err
	}

	doc, err := s.renderer.Open(data)
	if err != nil {
		s.logger.Error("Unable to open document", "engine", s.renderer.Name(), "error", err)
		s.reportFatal(out, 0, err.Error())
		return err
	}

	pages, err := doc.NumPages()
	if err == nil && (pages <= 0 || pages > s.cfg.MaxPages) {
		err = fmt.Errorf("%w: page count %d out of range [1, %d]", failure.ErrFatalRender, pages, s.cfg.MaxPages)
	}
	if err != nil {
		doc.Close()
		s.reportFatal(out, 0, err.Error())
		return err
	}
	s.crossCheckPageCount(data, pages)

	if err := s.send(out, protocol.DocumentInfo(uint32(pages))); err != nil {
		doc.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan pageResult, s.cfg.RenderAhead)
	p := &producer{server: s, data: data, doc: doc, pages: pages}
	go p.run(ctx, results)

	for res := range results {
		if res.err != nil {
			fatal := errors.Is(res.err, failure.ErrFatalRender) || s.cfg.FailFast
			s.logger.Warn("Page failed", "page", res.index, "fatal", fatal, "error", res.err)
			if err := s.send(out, protocol.PageError(res.index, fatal, clip(res.err.Error()))); err != nil {
				return err
			}
			if fatal {
				return res.err
			}
			continue
		}

		if err := s.sendPage(out, res); err != nil {
			return err
		}
		s.logger.Debug("Page sent", "page", res.index, "of", pages, "width", res.width, "height", res.height)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: rendering interrupted: %w", failure.ErrCancelled, err)
	}
	if err := s.send(out, protocol.EndOfStream()); err != nil {
		return err
	}
	s.logger.Info("Document rendered", "pages", pages)
	return nil
}

// send writes msgs and flushes so that each page leaves as soon as it is ready.
func (s *Server) send(out *bufio.Writer, msgs ...protocol.Message) error {
	for _, m := range msgs {
		if err := protocol.WriteMessage(out, m); err != nil {
			return err
		}
	}
	if err := out.Flush(); err != nil {
		return fmt.Errorf("%w: flush: %w", failure.ErrIO, err)
	}
	return nil
}

// sendPage writes a PageHeader and the page's pixels as PageData chunks, then
// flushes.
func (s *Server) sendPage(out *bufio.Writer, res pageResult) error {
	if err := protocol.WriteMessage(out, protocol.PageHeader(res.index, res.width, res.height)); err != nil {
		return err
	}
	err := writeRGB(res.flat, protocol.MaxChunkSize, func(chunk []byte) error {
		return protocol.WriteMessage(out, protocol.PageData(res.index, chunk))
	})
	if err != nil {
		return err
	}
	if err := out.Flush(); err != nil {
		return fmt.Errorf("%w: flush: %w", failure.ErrIO, err)
	}
	return nil
}

func (s *Server) reportFatal(out *bufio.Writer, index uint32, reason string) {
	if err := s.send(out, protocol.PageError(index, true, clip(reason))); err != nil {
		s.logger.Error("Unable to report failure to client", "error", err)
	}
}

func (s *Server) crossCheckPageCount(data []byte, pages int) {
	probed, err := pdfrenderer.ProbePageCount(data)
	if err != nil {
		s.logger.Debug("Structure probe could not parse document", "error", err)
		return
	}
	if probed != pages {
		s.logger.Warn("Page count disagreement between engine and probe", "engine", pages, "probe", probed)
	}
}

// clip bounds a reason string to what the peer accepts.
func clip(reason string) string {
	reason = strings.ToValidUTF8(reason, "?")
	if len(reason) <= protocol.DefaultMaxReason {
		return reason
	}
	cut := protocol.DefaultMaxReason
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
