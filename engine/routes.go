package engine

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/drummonds/pdfsanitize/database"
)

// RegisterRoutes adds the status API and the metrics endpoint to Echo
func (serverHandler *ServerHandler) RegisterRoutes() {
	e := serverHandler.Echo
	e.GET("/api/health", serverHandler.GetHealth)
	e.GET("/api/about", serverHandler.GetAboutInfo)
	e.GET("/api/batches", serverHandler.GetRecentBatches)
	e.GET("/api/batches/:id", serverHandler.GetBatch)
	e.POST("/api/ingest", serverHandler.RunIngestNow)
	e.GET("/metrics", echo.WrapHandler(serverHandler.Metrics.Handler()))
}

// GetHealth reports liveness and whether a batch is running
// @Summary Health check
// @Tags Health
// @Produce json
// @Success 200 {object} map[string]interface{} "Service is up"
// @Router /health [get]
func (serverHandler *ServerHandler) GetHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"inFlight": serverHandler.Orchestrator.InFlight(),
	})
}

// GetAboutInfo returns the effective configuration
// @Summary Get application information
// @Tags Admin
// @Produce json
// @Success 200 {object} map[string]interface{} "Application information"
// @Router /about [get]
func (serverHandler *ServerHandler) GetAboutInfo(c echo.Context) error {
	cfg := serverHandler.Config
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resolution":     cfg.Resolution,
		"engine":         cfg.Engine,
		"failFast":       cfg.FailFast,
		"concurrency":    cfg.MaxConcurrent,
		"sessionTimeout": cfg.SessionTimeout.String(),
		"pageTimeout":    cfg.PageTimeout.String(),
		"sandboxCommand": cfg.SandboxCommand,
		"archiveMode":    cfg.ArchiveMode,
		"archivePath":    cfg.ArchivePath,
		"databaseType":   cfg.DatabaseType,
		"ingressPath":    cfg.IngressPath,
		"ingressMinutes": cfg.IngressInterval,
	})
}

// RunIngestNow triggers the ingress batch manually
// @Summary Trigger ingress batch
// @Description Sanitize everything waiting in the ingress folder now
// @Tags Admin
// @Produce json
// @Success 202 {object} map[string]interface{} "Ingress started"
// @Failure 409 {object} map[string]interface{} "A batch is already running"
// @Router /ingest [post]
func (serverHandler *ServerHandler) RunIngestNow(c echo.Context) error {
	if !serverHandler.ingestMu.TryLock() {
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error": ErrIngestRunning.Error(),
		})
	}
	logger().Info("Manual ingestion triggered via API")

	// Run ingestion in a goroutine so we can return immediately
	go func() {
		defer serverHandler.ingestMu.Unlock()
		if _, err := serverHandler.runIngress(); err != nil {
			logger().Error("Manual ingestion failed", "error", err)
		}
	}()

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"message": "Ingestion started",
	})
}

// GetBatch retrieves a batch and its outcomes by ID
// @Summary Get batch by ID
// @Tags Batches
// @Produce json
// @Param id path string true "Batch ID (ULID)"
// @Success 200 {object} database.Batch "Batch details"
// @Failure 404 {object} map[string]interface{} "Batch not found"
// @Router /batches/{id} [get]
func (serverHandler *ServerHandler) GetBatch(c echo.Context) error {
	id := c.Param("id")
	b, err := serverHandler.DB.GetBatch(c.Request().Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"error": "Batch not found",
		})
	}
	if err != nil {
		logger().Error("Failed to get batch", "batch", id, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to retrieve batch",
		})
	}
	return c.JSON(http.StatusOK, b)
}

// GetRecentBatches retrieves recent batches with pagination
// @Summary Get recent batches
// @Tags Batches
// @Produce json
// @Param limit query int false "Number of batches to return (default: 20)"
// @Param offset query int false "Offset for pagination (default: 0)"
// @Success 200 {array} database.Batch "List of batches"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /batches [get]
func (serverHandler *ServerHandler) GetRecentBatches(c echo.Context) error {
	limit := 20
	offset := 0

	if limitStr := c.QueryParam("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := c.QueryParam("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	batches, err := serverHandler.DB.ListBatches(c.Request().Context(), limit, offset)
	if err != nil {
		logger().Error("Failed to get recent batches", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to retrieve batches",
		})
	}

	if batches == nil {
		batches = []database.Batch{}
	}

	return c.JSON(http.StatusOK, batches)
}
