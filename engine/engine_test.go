package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drummonds/pdfsanitize/config"
	"github.com/drummonds/pdfsanitize/database"
	"github.com/drummonds/pdfsanitize/engine/pdfrenderer/pdfrendertest"
	"github.com/drummonds/pdfsanitize/sandbox"
	"github.com/drummonds/pdfsanitize/server"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func init() {
	Logger = quiet
	database.Logger = quiet
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Resolution = 75
	cfg.WorkDir = t.TempDir()
	cfg.IngressPath = t.TempDir()
	cfg.ArchivePath = filepath.Join(t.TempDir(), "UntrustedPDFs")
	cfg.DatabaseDbname = filepath.Join(t.TempDir(), "ledger.sqlite")
	return cfg
}

// newTestHandler serves every document in-process with a fake two page engine.
func newTestHandler(t *testing.T, cfg config.Config) *ServerHandler {
	t.Helper()
	db, err := database.NewRepository(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	srv := server.New(server.Config{Resolution: cfg.Resolution}, pdfrendertest.New(pdfrendertest.Pages(2, pdfrendertest.Letter)...), quiet)
	prov := sandbox.NewLocalProvisioner(srv, quiet)

	h, err := NewServerHandler(context.Background(), cfg, db, prov, echo.New())
	require.NoError(t, err)
	h.RegisterRoutes()
	return h
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func get(t *testing.T, h *ServerHandler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestIngressDocuments(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.pdf"), "%PDF-1.4\n")
	writeFile(t, filepath.Join(root, "sub", "b.pdf"), "%PDF-1.4\n")
	writeFile(t, filepath.Join(root, "done.pdf"), "%PDF-1.4\n")
	writeFile(t, filepath.Join(root, "done.trusted.pdf"), "%PDF-1.4\n")
	writeFile(t, filepath.Join(root, ".partial.pdf"), "%PDF-1.4\n")
	writeFile(t, filepath.Join(root, ".cache", "c.pdf"), "%PDF-1.4\n")

	docs, err := ingressDocuments(root)
	require.NoError(t, err)

	var got []string
	for _, d := range docs {
		rel, err := filepath.Rel(root, d.Path)
		require.NoError(t, err)
		got = append(got, filepath.ToSlash(rel))
	}
	assert.ElementsMatch(t, []string{"a.pdf", "sub/b.pdf"}, got)
}

func TestIngressJobSanitizesAndArchives(t *testing.T) {
	cfg := testConfig(t)
	h := newTestHandler(t, cfg)
	good := filepath.Join(cfg.IngressPath, "letter.pdf")
	bad := filepath.Join(cfg.IngressPath, "notes.pdf")
	writeFile(t, good, "%PDF-1.4\n")
	writeFile(t, bad, "<html><body>not a pdf</body></html>")

	res, err := h.ingressJobFunc()
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	assert.FileExists(t, filepath.Join(cfg.IngressPath, "letter.trusted.pdf"))
	assert.NoFileExists(t, good)
	assert.FileExists(t, filepath.Join(cfg.ArchivePath, "letter.pdf"))
	assert.FileExists(t, bad, "failed originals stay put")

	stored, err := h.DB.GetBatch(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, database.BatchStatusFailed, stored.Status)
	assert.Len(t, stored.Outcomes, 2)

	// Only the failed file is left to try, and it fails again.
	res, err = h.ingressJobFunc()
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Len(t, res.Outcomes, 1)
	assert.Equal(t, "type_mismatch", res.Outcomes[0].Kind)
}

func TestIngressJobInPlaceSanitizesOnce(t *testing.T) {
	cfg := testConfig(t)
	cfg.ArchiveMode = "in-place"
	h := newTestHandler(t, cfg)
	letter := filepath.Join(cfg.IngressPath, "letter.pdf")
	writeFile(t, letter, "%PDF-1.4\n")

	res, err := h.ingressJobFunc()
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Succeeded)
	assert.FileExists(t, letter)
	assert.NoFileExists(t, filepath.Join(cfg.IngressPath, "letter.trusted.pdf"))

	// The sanitized file now carries the input's name.
	for range 2 {
		res, err = h.ingressJobFunc()
		assert.NoError(t, err)
		assert.Nil(t, res, "sanitized file was ingested again")
	}

	// A new document dropped under the same name is picked up.
	writeFile(t, letter, "%PDF-1.4\n")
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(letter, later, later))
	res, err = h.ingressJobFunc()
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Succeeded)
}

func TestIngressJobNothingToDo(t *testing.T) {
	h := newTestHandler(t, testConfig(t))
	res, err := h.ingressJobFunc()
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestIngressJobSkipsWhileRunning(t *testing.T) {
	h := newTestHandler(t, testConfig(t))
	h.ingestMu.Lock()
	defer h.ingestMu.Unlock()

	_, err := h.ingressJobFunc()
	assert.ErrorIs(t, err, ErrIngestRunning)

	rec := httptest.NewRecorder()
	h.Echo.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ingest", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDrainWaitsForRunningBatch(t *testing.T) {
	h := newTestHandler(t, testConfig(t))
	h.ingestMu.Lock()

	drained := make(chan struct{})
	go func() {
		h.Drain()
		close(drained)
	}()
	select {
	case <-drained:
		t.Fatal("drain returned while a batch was running")
	case <-time.After(50 * time.Millisecond):
	}

	h.ingestMu.Unlock()
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not return after the batch finished")
	}

	_, err := h.ingressJobFunc()
	assert.ErrorIs(t, err, ErrIngestRunning)
	rec := httptest.NewRecorder()
	h.Echo.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ingest", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRoutes(t *testing.T) {
	cfg := testConfig(t)
	cfg.ArchiveMode = "keep"
	h := newTestHandler(t, cfg)
	writeFile(t, filepath.Join(cfg.IngressPath, "scan.pdf"), "%PDF-1.4\n")

	rec := get(t, h, "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = get(t, h, "/api/batches")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = httptest.NewRecorder()
	h.Echo.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ingest", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var batches []database.Batch
	require.Eventually(t, func() bool {
		rec := get(t, h, "/api/batches")
		if json.Unmarshal(rec.Body.Bytes(), &batches) != nil || len(batches) != 1 {
			return false
		}
		return batches[0].Status != database.BatchStatusRunning
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, database.BatchStatusCompleted, batches[0].Status)

	rec = get(t, h, "/api/batches/"+batches[0].ID)
	require.Equal(t, http.StatusOK, rec.Code)
	var stored database.Batch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	require.Len(t, stored.Outcomes, 1)
	assert.Equal(t, 2, stored.Outcomes[0].Pages)

	rec = get(t, h, "/api/batches/01ARZ3NDEKTSV4RRFFQ69G5FAV")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, h, "/api/about")
	assert.Contains(t, rec.Body.String(), `"archiveMode":"keep"`)

	rec = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pdfsanitize_documents_total")
}

func TestRenderEnv(t *testing.T) {
	cfg := config.Default()
	cfg.Resolution = 150
	cfg.FailFast = true
	cfg.Engine = "fitz"
	cfg.MaxPageBytes = 1 << 30
	t.Setenv("DATABASE_PASSWORD", "secret")

	env := strings.Join(RenderEnv(cfg), "\n")
	assert.Contains(t, env, "SANITIZE_RESOLUTION=150")
	assert.Contains(t, env, "SANITIZE_FAIL_FAST=true")
	assert.Contains(t, env, "SANITIZE_ENGINE=fitz")
	assert.Contains(t, env, "SANITIZE_MAX_PAGE_BYTES=1073741824")
	assert.Contains(t, env, "LOG_OUTPUT=stderr")
	assert.NotContains(t, env, "secret")
}

func TestStartupChecks(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.SandboxCommand = exe + " -test.run=none"
	cfg.IngressPath = filepath.Join(t.TempDir(), "new", "ingress")
	h := newTestHandler(t, cfg)

	require.NoError(t, h.StartupChecks())
	assert.DirExists(t, cfg.IngressPath)
	assert.DirExists(t, cfg.ArchivePath)

	h.Config.SandboxCommand = "/nonexistent/render-server"
	assert.Error(t, h.StartupChecks())
}

func TestNewOrchestratorRejectsArchiveMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.ArchiveMode = "shred"
	_, err := NewOrchestrator(cfg, nil, quiet)
	assert.Error(t, err)
}
