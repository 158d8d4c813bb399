// Package archive decides what happens to an original once it has been
// sanitized.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/oklog/ulid/v2"

	"github.com/drummonds/pdfsanitize/session"
)

// Mode selects what happens to the original.
type Mode string

const (
	// ModeArchive moves the original into the archive directory.
	ModeArchive Mode = "archive"
	// ModeInPlace replaces the original with the sanitized file.
	ModeInPlace Mode = "in-place"
	// ModeKeep leaves the original where it is.
	ModeKeep Mode = "keep"

	DefaultDirName = "UntrustedPDFs"

	lockFile  = ".pdfsanitize.lock"
	lockRetry = 50 * time.Millisecond
)

// ParseMode validates s.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeArchive, ModeInPlace, ModeKeep:
		return m, nil
	case "":
		return ModeArchive, nil
	default:
		return "", fmt.Errorf("unknown archive mode %q (want archive, in-place or keep)", s)
	}
}

// DefaultDir returns ~/UntrustedPDFs.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDirName
	}
	return filepath.Join(home, DefaultDirName)
}

// Archiver applies a Mode to successful outcomes.
type Archiver struct {
	mode   Mode
	dir    string
	logger *slog.Logger
}

// New returns an Archiver. dir is only used in ModeArchive.
func New(mode Mode, dir string, logger *slog.Logger) *Archiver {
	if dir == "" {
		dir = DefaultDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{mode: mode, dir: dir, logger: logger}
}

// Mode returns the configured mode.
func (a *Archiver) Mode() Mode {
	return a.mode
}

// Finish applies the mode to a successful outcome.
func (a *Archiver) Finish(ctx context.Context, out *session.Outcome) error {
	switch a.mode {
	case ModeKeep:
		return nil
	case ModeInPlace:
		return a.replace(out)
	case ModeArchive, "":
		return a.archive(ctx, out)
	default:
		return fmt.Errorf("unknown archive mode %q", a.mode)
	}
}

func (a *Archiver) replace(out *session.Outcome) error {
	if err := os.Rename(out.OutputPath, out.Document.Path); err != nil {
		return fmt.Errorf("replace %s: %w", out.Document.Path, err)
	}
	a.logger.Info("Original replaced by sanitized file", "file", out.Document.Path)
	out.OutputPath = out.Document.Path
	return nil
}

func (a *Archiver) archive(ctx context.Context, out *session.Outcome) error {
	if err := os.MkdirAll(a.dir, 0o700); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	// Another process may be archiving a file of the same name.
	lock := flock.New(filepath.Join(a.dir, lockFile))
	locked, err := lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("lock archive directory: %w", err)
	}
	if !locked {
		return errors.New("lock archive directory: not acquired")
	}
	defer lock.Unlock()

	dest := filepath.Join(a.dir, filepath.Base(out.Document.Path))
	if _, err := os.Lstat(dest); err == nil {
		ext := filepath.Ext(dest)
		dest = strings.TrimSuffix(dest, ext) + "." + ulid.Make().String() + ext
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("inspect %s: %w", dest, err)
	}

	if err := move(out.Document.Path, dest); err != nil {
		return fmt.Errorf("archive %s: %w", out.Document.Path, err)
	}
	out.ArchivedPath = dest
	a.logger.Info("Original archived", "file", out.Document.Path, "archived", dest)
	return nil
}

// move renames src to dst, copying when they are on different filesystems.
func move(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".partial"
	outFile, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(outFile, in); err != nil {
		outFile.Close()
		os.Remove(tmp)
		return err
	}
	if err := outFile.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}
