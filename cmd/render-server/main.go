// Command render-server is the untrusted side of pdfsanitize. It reads one
// document from stdin and writes its pages as pixels to stdout. It is meant to
// run inside a disposable sandbox, one process per document.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/drummonds/pdfsanitize/config"
	"github.com/drummonds/pdfsanitize/engine/pdfrenderer"
	"github.com/drummonds/pdfsanitize/server"
)

func main() {
	// stdout is the page stream, so logs always go to stderr
	cfg, logger := config.LoadRenderServer()
	if err := cfg.ValidateRendering(); err != nil {
		logger.Error("Invalid rendering configuration", "error", err)
		os.Exit(2)
	}

	renderer, err := pdfrenderer.NewRenderer(cfg.Engine)
	if err != nil {
		logger.Error("Unable to start rendering engine", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(server.Config{
		Resolution:      cfg.Resolution,
		MaxDocumentSize: cfg.MaxDocumentSize,
		MaxPages:        cfg.MaxPages,
		MaxPageBytes:    cfg.MaxPageBytes,
		PageTimeout:     cfg.PageTimeout,
		FailFast:        cfg.FailFast,
	}, renderer, logger)
	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Error("Rendering failed", "engine", renderer.Name(), "error", err)
		os.Exit(1)
	}
}
