package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/shlex"
	"github.com/joho/godotenv"

	"github.com/drummonds/pdfsanitize/protocol"
)

// Logger is global since we will need it everywhere
var Logger *slog.Logger

const (
	MinResolution = 75
	MaxResolution = 4800

	// a4Area is the largest common office page, in square inches. A page
	// memory bound must leave room for it.
	a4Area = 8.27 * 11.69
)

// Config contains all of the sanitizer settings
type Config struct {
	// Rendering
	Resolution      int
	PageTimeout     time.Duration
	MaxDocumentSize int64
	MaxPages        int
	// MaxPageBytes bounds the RGB payload of one page. Zero derives the bound
	// from the resolution alone.
	MaxPageBytes int64
	FailFast     bool
	Engine       string

	// Client side
	MaxConcurrent  int
	SessionTimeout time.Duration
	SandboxCommand string
	WorkDir        string
	ArchiveMode    string
	ArchivePath    string

	// Daemon
	ListenAddrIP     string
	ListenAddrPort   string
	DatabaseType     string
	DatabaseHost     string
	DatabasePort     string
	DatabaseUser     string
	DatabasePassword string `json:"-"`
	DatabaseDbname   string
	DatabaseSslmode  string
	IngressPath      string
	IngressInterval  int
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolVal, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return boolVal
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intVal
}

// getEnvInt64 gets a 64 bit integer environment variable with a default value
func getEnvInt64(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return defaultValue
	}
	return intVal
}

// getEnvDuration gets a duration such as "30s" or "10m" with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

// Default returns the built-in settings, before any environment is applied.
func Default() Config {
	return Config{
		Resolution:      300,
		PageTimeout:     30 * time.Second,
		MaxDocumentSize: 200 << 20,
		MaxPages:        10000,
		Engine:          "pdfium",
		MaxConcurrent:   4,
		SessionTimeout:  10 * time.Minute,
		SandboxCommand:  "render-server",
		ArchiveMode:     "archive",
		ArchivePath:     defaultArchivePath(),
		ListenAddrPort:  "8000",
		DatabaseType:    "sqlite",
		DatabaseHost:    "localhost",
		DatabasePort:    "5432",
		DatabaseUser:    "pdfsanitize",
		DatabaseDbname:  "databases/pdfsanitize.sqlite",
		IngressPath:     "ingress",
		IngressInterval: 10,
	}
}

func defaultArchivePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "UntrustedPDFs"
	}
	return filepath.Join(home, "UntrustedPDFs")
}

// Load reads .env files and the environment and returns the Config and Logger
func Load() (Config, *slog.Logger) {
	// Load .env file (silently ignore if doesn't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load("config.env")

	logger := setupLogging(getEnv("LOG_OUTPUT", "stderr"))
	Logger = logger

	return fromEnv(logger), logger
}

// LoadRenderServer is Load for the rendering side, where stdout carries the
// page stream and logs must go elsewhere.
func LoadRenderServer() (Config, *slog.Logger) {
	_ = godotenv.Load("render.env")

	output := getEnv("LOG_OUTPUT", "stderr")
	if output == "stdout" {
		output = "stderr"
	}
	logger := setupLogging(output)
	Logger = logger

	return fromEnv(logger), logger
}

func fromEnv(logger *slog.Logger) Config {
	c := Default()

	// Rendering configuration
	c.Resolution = getEnvInt("SANITIZE_RESOLUTION", c.Resolution)
	c.PageTimeout = getEnvDuration("SANITIZE_PAGE_TIMEOUT", c.PageTimeout)
	c.MaxDocumentSize = getEnvInt64("SANITIZE_MAX_DOCUMENT_SIZE", c.MaxDocumentSize)
	c.MaxPages = getEnvInt("SANITIZE_MAX_PAGES", c.MaxPages)
	c.MaxPageBytes = getEnvInt64("SANITIZE_MAX_PAGE_BYTES", c.MaxPageBytes)
	c.FailFast = getEnvBool("SANITIZE_FAIL_FAST", c.FailFast)
	c.Engine = getEnv("SANITIZE_ENGINE", c.Engine)

	// Session configuration
	c.MaxConcurrent = getEnvInt("SANITIZE_CONCURRENCY", c.MaxConcurrent)
	c.SessionTimeout = getEnvDuration("SANITIZE_SESSION_TIMEOUT", c.SessionTimeout)
	c.SandboxCommand = getEnv("SANITIZE_SANDBOX_COMMAND", c.SandboxCommand)
	c.WorkDir = getEnv("SANITIZE_WORK_DIR", c.WorkDir)
	c.ArchiveMode = getEnv("SANITIZE_ARCHIVE_MODE", c.ArchiveMode)
	c.ArchivePath = getEnv("SANITIZE_ARCHIVE_PATH", c.ArchivePath)

	// Server configuration
	c.ListenAddrPort = getEnv("SERVER_PORT", c.ListenAddrPort)
	c.ListenAddrIP = getEnv("SERVER_ADDR", c.ListenAddrIP)

	// Database configuration
	c.DatabaseType = getEnv("DATABASE_TYPE", c.DatabaseType)
	c.DatabaseHost = getEnv("DATABASE_HOST", c.DatabaseHost)
	c.DatabasePort = getEnv("DATABASE_PORT", c.DatabasePort)
	c.DatabaseUser = getEnv("DATABASE_USER", c.DatabaseUser)
	c.DatabasePassword = getEnv("DATABASE_PASSWORD", c.DatabasePassword)
	c.DatabaseDbname = getEnv("DATABASE_NAME", c.DatabaseDbname)
	c.DatabaseSslmode = getEnv("DATABASE_SSLMODE", c.DatabaseSslmode)

	// Ingress configuration
	ingressDir := filepath.ToSlash(getEnv("INGRESS_PATH", c.IngressPath))
	ingressDirAbs, err := filepath.Abs(ingressDir)
	if err != nil {
		logger.Error("Failed creating absolute path for ingress directory", "error", err)
		ingressDirAbs = ingressDir
	}
	c.IngressPath = ingressDirAbs
	c.IngressInterval = getEnvInt("INGRESS_INTERVAL", c.IngressInterval)

	logger.Debug("Configuration loaded",
		"resolution", c.Resolution,
		"engine", c.Engine,
		"concurrency", c.MaxConcurrent,
		"sandbox", c.SandboxCommand,
		"archiveMode", c.ArchiveMode)
	return c
}

// Validate checks every setting against its accepted range
func (c Config) Validate() error {
	errs := []error{c.ValidateRendering()}
	if c.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.MaxConcurrent))
	}
	if c.SessionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session timeout must be positive, got %s", c.SessionTimeout))
	}
	switch c.ArchiveMode {
	case "archive", "in-place", "keep":
	default:
		errs = append(errs, fmt.Errorf("unknown archive mode %q", c.ArchiveMode))
	}
	if c.SandboxCommand == "" {
		errs = append(errs, errors.New("sandbox command is empty"))
	}
	switch c.DatabaseType {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown database type %q", c.DatabaseType))
	}
	if c.IngressInterval < 1 {
		errs = append(errs, fmt.Errorf("ingress interval must be at least 1 minute, got %d", c.IngressInterval))
	}
	return errors.Join(errs...)
}

// ValidateRendering checks the settings the rendering server uses
func (c Config) ValidateRendering() error {
	var errs []error
	if c.Resolution < MinResolution || c.Resolution > MaxResolution {
		errs = append(errs, fmt.Errorf("resolution %d outside [%d, %d]", c.Resolution, MinResolution, MaxResolution))
	} else if c.MaxPageBytes > 0 {
		need := protocol.PagePixels(a4Area, c.Resolution) * protocol.BytesPerPixel
		if uint64(c.MaxPageBytes) < need {
			errs = append(errs, fmt.Errorf("max page bytes %d cannot hold an A4 page at %d dpi (%d bytes)", c.MaxPageBytes, c.Resolution, need))
		}
	}
	if c.MaxPageBytes < 0 {
		errs = append(errs, fmt.Errorf("max page bytes must not be negative, got %d", c.MaxPageBytes))
	}
	if c.PageTimeout <= 0 {
		errs = append(errs, fmt.Errorf("page timeout must be positive, got %s", c.PageTimeout))
	}
	if c.MaxDocumentSize <= 0 || c.MaxDocumentSize > 1<<32-1 {
		errs = append(errs, fmt.Errorf("max document size %d outside [1, 4GiB)", c.MaxDocumentSize))
	}
	if c.MaxPages < 1 {
		errs = append(errs, fmt.Errorf("max pages must be at least 1, got %d", c.MaxPages))
	}
	switch c.Engine {
	case "pdfium", "fitz":
	default:
		errs = append(errs, fmt.Errorf("unknown engine %q", c.Engine))
	}
	return errors.Join(errs...)
}

// setupLogging configures the application logger
func setupLogging(logOutput string) *slog.Logger {
	logLevel := getEnv("LOG_LEVEL", "info")
	var level slog.Level

	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlerOptions := &slog.HandlerOptions{Level: level}

	var logWriter io.Writer
	switch logOutput {
	case "stdout":
		logWriter = os.Stdout
	case "file":
		logPath, err := filepath.Abs(filepath.ToSlash(getEnv("LOG_FILE", "pdfsanitize.log")))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating log file path: %v\n", err)
			logWriter = os.Stderr
			break
		}
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			logWriter = os.Stderr
			break
		}
		logWriter = logFile
	default:
		logWriter = os.Stderr
	}

	handler := slog.NewTextHandler(logWriter, handlerOptions)
	return slog.New(handler)
}

// CheckSandboxCommand verifies that the program the sandbox command starts
// can be found
func (c Config) CheckSandboxCommand(logger *slog.Logger) error {
	args, err := shlex.Split(c.SandboxCommand)
	if err != nil {
		return fmt.Errorf("invalid sandbox command: %w", err)
	}
	if len(args) == 0 {
		return errors.New("sandbox command is empty")
	}
	return checkExecutables(args[0], logger)
}

// checkExecutables verifies that an executable exists at the given path or on PATH
func checkExecutables(program string, logger *slog.Logger) error {
	path, err := exec.LookPath(program)
	if err != nil {
		logger.Error("Cannot find sandbox executable", "program", program)
		return err
	}
	logger.Debug("Sandbox executable found", "path", path)
	return nil
}
