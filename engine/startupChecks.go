package engine

import (
	"errors"
	"fmt"
	"os"

	"github.com/drummonds/pdfsanitize/archive"
)

// StartupChecks performs all the checks to make sure everything works
func (serverHandler *ServerHandler) StartupChecks() error {
	cfg := serverHandler.Config
	var errs []error
	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := cfg.CheckSandboxCommand(logger()); err != nil {
		errs = append(errs, fmt.Errorf("sandbox command: %w", err))
	}
	if err := directoryChecks("ingress", cfg.IngressPath); err != nil {
		errs = append(errs, err)
	}
	if cfg.ArchiveMode == string(archive.ModeArchive) {
		if err := directoryChecks("archive", cfg.ArchivePath); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// directoryChecks ensures a directory exists, creating it if needed
func directoryChecks(name, path string) error {
	if path == "" {
		logger().Warn("Path not configured", "directory", name)
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger().Info("Creating directory", "directory", name, "path", path)
			if err := os.MkdirAll(path, 0o755); err != nil {
				logger().Error("Failed to create directory", "directory", name, "path", path, "error", err)
				return err
			}
			return nil
		}
		logger().Error("Error checking directory", "directory", name, "path", path, "error", err)
		return err
	}

	if !info.IsDir() {
		logger().Error("Path exists but is not a directory", "directory", name, "path", path)
		return fmt.Errorf("%s path is not a directory: %s", name, path)
	}

	logger().Info("Directory exists", "directory", name, "path", path)
	return nil
}
