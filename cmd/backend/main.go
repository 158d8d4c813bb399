package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	config "github.com/drummonds/pdfsanitize/config"
	database "github.com/drummonds/pdfsanitize/database"
	engine "github.com/drummonds/pdfsanitize/engine"
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

func main() {
	// Parse command-line flags
	port := flag.String("port", "", "Port to run backend server on (default SERVER_PORT or 8000)")
	flag.Parse()

	fmt.Println("\n" + strings.Repeat("=", 50))
	fmt.Println("pdfsanitize ingress daemon")
	fmt.Println(strings.Repeat("=", 50))

	serverConfig, logger := config.Load()
	injectGlobals(logger) //inject the logger into all of the packages
	if *port != "" {
		serverConfig.ListenAddrPort = *port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Setup batch ledger
	Logger.Info("Setting up database", "type", serverConfig.DatabaseType)
	repo, err := database.NewRepository(serverConfig)
	if err != nil {
		Logger.Error("Unable to open database", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	prov, err := engine.NewProvisioner(serverConfig, Logger)
	if err != nil {
		Logger.Error("Unable to configure sandbox", "error", err)
		os.Exit(1)
	}

	// Initialize Echo
	e := echo.New()
	e.HideBanner = true

	// Custom 404 handler for API endpoints
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		var he *echo.HTTPError
		if errors.As(err, &he) && he.Code == http.StatusNotFound {
			c.JSON(http.StatusNotFound, map[string]string{
				"error":   "Not Found",
				"message": "The requested API endpoint does not exist",
				"path":    c.Request().URL.Path,
			})
			return
		}
		e.DefaultHTTPErrorHandler(err, c)
	}

	serverHandler, err := engine.NewServerHandler(ctx, serverConfig, repo, prov, e)
	if err != nil {
		Logger.Error("Unable to initialize backend", "error", err)
		os.Exit(1)
	}
	if err := serverHandler.StartupChecks(); err != nil { //Run all the sanity checks
		Logger.Error("Startup checks failed", "error", err)
		os.Exit(1)
	}
	scheduler, err := serverHandler.InitializeSchedules() //initialize all the cron jobs
	if err != nil {
		Logger.Error("Unable to schedule ingress", "error", err)
		os.Exit(1)
	}

	// Request logging
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "method=${method}, uri=${uri}, status=${status}, latency=${latency_human}\n",
	}))
	e.Use(middleware.Recover())
	serverHandler.RegisterRoutes()

	addr := fmt.Sprintf("%s:%s", serverConfig.ListenAddrIP, serverConfig.ListenAddrPort)
	go func() {
		Logger.Info("Starting Backend API Server", "address", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Error("Server failed to start", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	Logger.Info("Shutting down")
	// Wait for a running batch to see the cancellation and finish its ledger entries.
	<-scheduler.Stop().Done()
	serverHandler.Drain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		Logger.Error("Server shutdown failed", "error", err)
	}
}
