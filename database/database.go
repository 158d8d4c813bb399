package database

import (
	"errors"
	"log/slog"
	"time"
)

// Logger is global since we will need it everywhere
var Logger *slog.Logger

// ErrNotFound is returned when a batch does not exist
var ErrNotFound = errors.New("not found")

// BatchStatus represents the status of a batch
type BatchStatus string

const (
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed" // at least one document failed
)

// Batch is one sanitizer run as recorded in the ledger
type Batch struct {
	ID          string      `json:"id"`
	Status      BatchStatus `json:"status"`
	Files       int         `json:"files"`
	Succeeded   int         `json:"succeeded"`
	Failed      int         `json:"failed"`
	MaxInFlight int         `json:"maxInFlight"`
	StartedAt   time.Time   `json:"startedAt"`
	FinishedAt  *time.Time  `json:"finishedAt,omitempty"`
	Outcomes    []Outcome   `json:"outcomes,omitempty"`
}

// Outcome is the recorded result of one document
type Outcome struct {
	ID           string        `json:"id"`
	BatchID      string        `json:"batchId"`
	Session      string        `json:"session,omitempty"`
	Path         string        `json:"path"`
	Size         int64         `json:"size"`
	OutputPath   string        `json:"outputPath,omitempty"`
	ArchivedPath string        `json:"archivedPath,omitempty"`
	Status       string        `json:"status"`
	Pages        int           `json:"pages"`
	Skipped      []uint32      `json:"skipped,omitempty"`
	Kind         string        `json:"kind,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Duration     time.Duration `json:"duration"`
	CreatedAt    time.Time     `json:"createdAt"`
}

func logger() *slog.Logger {
	if Logger == nil {
		return slog.Default()
	}
	return Logger
}
