package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/drummonds/pdfsanitize/batch"
	"github.com/drummonds/pdfsanitize/session"
)

// ErrIngestRunning is returned when an ingress batch is already in progress
var ErrIngestRunning = errors.New("ingress batch already running")

// ingressJobFunc sanitizes everything waiting in the ingress folder as one
// batch. It returns nil when there was nothing to do.
func (serverHandler *ServerHandler) ingressJobFunc() (*batch.Result, error) {
	if !serverHandler.ingestMu.TryLock() {
		return nil, ErrIngestRunning
	}
	defer serverHandler.ingestMu.Unlock()
	return serverHandler.runIngress()
}

// runIngress is ingressJobFunc for a caller already holding ingestMu.
func (serverHandler *ServerHandler) runIngress() (res *batch.Result, err error) {
	// A panic here must not take the daemon down
	defer func() {
		if r := recover(); r != nil {
			logger().Error("Panic recovered in ingress job", "panic", r)
			err = fmt.Errorf("ingress job panicked: %v", r)
		}
	}()

	ingressPath := serverHandler.Config.IngressPath
	logger().Info("Starting Ingress Job on folder", "path", ingressPath)
	docs, err := ingressDocuments(ingressPath)
	if err != nil {
		logger().Error("Error reading files in from ingress", "error", err)
		return nil, err
	}
	if len(docs) == 0 {
		logger().Debug("No files to process in ingress folder")
		return nil, nil
	}

	docs = serverHandler.withoutSanitized(docs)
	if len(docs) == 0 {
		logger().Debug("Every file in the ingress folder is already sanitized")
		return nil, nil
	}

	logger().Info("Found files to process", "count", len(docs))
	return serverHandler.Orchestrator.Run(serverHandler.ctx, docs), nil
}

// Drain waits for a running batch to finish and stops any further one from
// starting. Call it before the ledger is closed.
func (serverHandler *ServerHandler) Drain() {
	serverHandler.ingestMu.Lock()
}

// withoutSanitized drops documents that were sanitized successfully and have
// not changed since. In in-place mode the output takes the input's name, so
// only the ledger tells them apart.
func (serverHandler *ServerHandler) withoutSanitized(docs []session.Document) []session.Document {
	kept := docs[:0]
	for _, doc := range docs {
		when, err := serverHandler.DB.LastSucceeded(serverHandler.ctx, doc.Path)
		if err != nil {
			logger().Warn("Unable to check ledger, processing anyway", "filePath", doc.Path, "error", err)
			kept = append(kept, doc)
			continue
		}
		if !when.IsZero() {
			info, err := os.Stat(doc.Path)
			if err == nil && !info.ModTime().After(when) {
				logger().Debug("Skipping file sanitized in an earlier batch", "filePath", doc.Path)
				continue
			}
		}
		kept = append(kept, doc)
	}
	return kept
}

// ingressDocuments lists the files under root that still need sanitizing.
// Outputs, hidden files and inputs whose output already exists are skipped.
func ingressDocuments(root string) ([]session.Document, error) {
	var docs []session.Document
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger().Warn("Unable to get information for file, won't process", "filePath", path, "error", err)
			return nil
		}
		name := d.Name()
		if path != root && strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if strings.HasSuffix(strings.ToLower(name), session.OutputSuffix) {
			return nil
		}
		doc := session.NewDocument(path, "")
		if _, err := os.Lstat(doc.OutputPath); err == nil {
			logger().Debug("Skipping already sanitized file", "filePath", path)
			return nil
		}
		docs = append(docs, doc)
		return nil
	})
	return docs, err
}
