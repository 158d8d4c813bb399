package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/drummonds/pdfsanitize/batch"
	config "github.com/drummonds/pdfsanitize/config"
	database "github.com/drummonds/pdfsanitize/database"
	engine "github.com/drummonds/pdfsanitize/engine"
	"github.com/drummonds/pdfsanitize/sandbox"
	"github.com/drummonds/pdfsanitize/session"
)

// Logger is global since we will need it everywhere
var Logger *slog.Logger

// injectGlobals injects all of our globals into their packages
func injectGlobals(logger *slog.Logger) {
	Logger = logger
	database.Logger = Logger
	config.Logger = Logger
	engine.Logger = Logger
}

// provisionerFunc builds the sandbox provisioner once configuration is final
type provisionerFunc func(cfg config.Config, logger *slog.Logger) (sandbox.Provisioner, error)

func commandProvisioner(cfg config.Config, logger *slog.Logger) (sandbox.Provisioner, error) {
	return engine.NewProvisioner(cfg, logger)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newApp(commandProvisioner, os.Stdout).RunContext(ctx, os.Args)
	if err == nil {
		return
	}
	var exit cli.ExitCoder
	if errors.As(err, &exit) {
		if msg := exit.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(exit.ExitCode())
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(2)
}

func newApp(provision provisionerFunc, stdout io.Writer) *cli.App {
	return &cli.App{
		Name:      "pdfsanitize",
		Usage:     "convert untrusted PDFs into trusted ones by rendering them in a disposable sandbox",
		UsageText: "pdfsanitize [options] FILE...",
		Writer:    stdout,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "resolution",
				Aliases: []string{"r"},
				Usage:   "rendering resolution in samples per inch (75-4800)",
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Aliases: []string{"j"},
				Usage:   "maximum number of files sanitized at once",
			},
			&cli.StringFlag{
				Name:  "engine",
				Usage: "rendering engine inside the sandbox (pdfium or fitz)",
			},
			&cli.BoolFlag{
				Name:  "fail-fast",
				Usage: "fail a file on its first unrenderable page instead of skipping the page",
			},
			&cli.DurationFlag{
				Name:  "page-timeout",
				Usage: "time budget for rendering one page",
			},
			&cli.DurationFlag{
				Name:  "session-timeout",
				Usage: "time budget for one file, from sandbox start to output",
			},
			&cli.StringFlag{
				Name:  "sandbox",
				Usage: "command that starts the rendering server in a disposable environment",
			},
			&cli.StringFlag{
				Name:  "archive",
				Usage: "what happens to originals on success: archive, in-place or keep",
			},
			&cli.StringFlag{
				Name:  "archive-dir",
				Usage: "where originals are archived (default ~/UntrustedPDFs)",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "output path, only with a single input (default <name>.trusted.pdf)",
			},
			&cli.BoolFlag{
				Name:  "ledger",
				Usage: "record the batch in the configured database",
			},
		},
		HideHelpCommand: true,
		ExitErrHandler:  func(*cli.Context, error) {},
		Action: func(c *cli.Context) error {
			return sanitize(c, provision, stdout)
		},
	}
}

func sanitize(c *cli.Context, provision provisionerFunc, stdout io.Writer) error {
	cfg, logger := config.Load()
	injectGlobals(logger)
	applyFlags(c, &cfg)
	if err := cfg.Validate(); err != nil {
		return cli.Exit(err.Error(), 2)
	}

	files := c.Args().Slice()
	if err := validatePaths(files); err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if len(files) == 0 {
		fmt.Fprintln(stdout, "No files to sanitize.")
		return nil
	}
	output := c.String("output")
	if output != "" && len(files) != 1 {
		return cli.Exit("--output needs exactly one input file", 2)
	}

	prov, err := provision(cfg, logger)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	var opts []batch.Option
	if c.Bool("ledger") {
		repo, err := database.NewRepository(cfg)
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		defer repo.Close()
		opts = append(opts, batch.WithLedger(repo))
	}
	orch, err := engine.NewOrchestrator(cfg, prov, logger, opts...)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	docs := make([]session.Document, len(files))
	for i, f := range files {
		docs[i] = session.NewDocument(f, output)
	}

	fmt.Fprintf(stdout, "Sending %d file(s) to disposable environments...\n", len(docs))
	res := orch.Run(c.Context, docs)
	report(stdout, res)

	if c.Context.Err() != nil {
		Logger.Error("Original files untouched.", "unfinished", res.Failed)
	}
	if !res.OK() {
		return cli.Exit("", 1)
	}
	return nil
}

// applyFlags overrides configuration with the flags given on the command line
func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("resolution") {
		cfg.Resolution = c.Int("resolution")
	}
	if c.IsSet("concurrency") {
		cfg.MaxConcurrent = c.Int("concurrency")
	}
	if c.IsSet("engine") {
		cfg.Engine = c.String("engine")
	}
	if c.IsSet("fail-fast") {
		cfg.FailFast = c.Bool("fail-fast")
	}
	if c.IsSet("page-timeout") {
		cfg.PageTimeout = c.Duration("page-timeout")
	}
	if c.IsSet("session-timeout") {
		cfg.SessionTimeout = c.Duration("session-timeout")
	}
	if c.IsSet("sandbox") {
		cfg.SandboxCommand = c.String("sandbox")
	}
	if c.IsSet("archive") {
		cfg.ArchiveMode = c.String("archive")
	}
	if c.IsSet("archive-dir") {
		cfg.ArchivePath = c.String("archive-dir")
	}
}

// validatePaths checks every input exists, is a regular file and is readable
func validatePaths(paths []string) error {
	var errs []error
	for _, p := range paths {
		info, err := os.Stat(p)
		switch {
		case errors.Is(err, os.ErrNotExist):
			errs = append(errs, fmt.Errorf("%s: No such file or directory", p))
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		case !info.Mode().IsRegular():
			errs = append(errs, fmt.Errorf("%s: Not a regular file", p))
			continue
		}
		f, err := os.Open(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: Not readable", p))
			continue
		}
		f.Close()
	}
	return errors.Join(errs...)
}

// report prints one line per file and the totals
func report(w io.Writer, res *batch.Result) {
	for _, out := range res.Outcomes {
		name := filepath.Base(out.Document.Path)
		if !out.Succeeded() {
			fmt.Fprintf(w, "FAILED %s: [%s] %s\n", name, out.Kind, out.Reason)
			continue
		}
		line := fmt.Sprintf("OK     %s -> %s (%d pages", name, out.OutputPath, out.Pages)
		if n := len(out.Skipped); n > 0 {
			line += fmt.Sprintf(", %d skipped", n)
		}
		if out.ArchivedPath != "" {
			line += ", original archived to " + out.ArchivedPath
		}
		fmt.Fprintln(w, line+")")
	}
	fmt.Fprintf(w, "\nSanitized %d of %d file(s), %d failed.\n", res.Succeeded, len(res.Outcomes), res.Failed)
}
