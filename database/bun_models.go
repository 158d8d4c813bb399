package database

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/drummonds/pdfsanitize/batch"
	"github.com/drummonds/pdfsanitize/session"
)

// BunBatch represents the batches table for Bun ORM
type BunBatch struct {
	bun.BaseModel `bun:"table:batches,alias:b"`

	ID          string     `bun:"id,pk"` // ULID as string
	Status      string     `bun:"status,notnull,default:'running'"`
	Files       int        `bun:"files,notnull,default:0"`
	Succeeded   int        `bun:"succeeded,notnull,default:0"`
	Failed      int        `bun:"failed,notnull,default:0"`
	MaxInFlight int        `bun:"max_in_flight,notnull,default:0"`
	StartedAt   time.Time  `bun:"started_at,notnull,default:current_timestamp"`
	FinishedAt  *time.Time `bun:"finished_at,nullzero"`

	Outcomes []BunOutcome `bun:"rel:has-many,join:id=batch_id"`
}

// BunOutcome represents the outcomes table for Bun ORM
type BunOutcome struct {
	bun.BaseModel `bun:"table:outcomes,alias:o"`

	ID           string    `bun:"id,pk"` // ULID as string
	BatchID      string    `bun:"batch_id,notnull"`
	Session      string    `bun:"session,nullzero"`
	Path         string    `bun:"path,notnull"`
	Size         int64     `bun:"size,notnull,default:0"`
	OutputPath   string    `bun:"output_path,nullzero"`
	ArchivedPath string    `bun:"archived_path,nullzero"`
	Status       string    `bun:"status,notnull"`
	Pages        int       `bun:"pages,notnull,default:0"`
	Skipped      []uint32  `bun:"skipped,type:text"` // stored as JSON
	Kind         string    `bun:"kind,nullzero"`
	Reason       string    `bun:"reason,nullzero"`
	DurationMS   int64     `bun:"duration_ms,notnull,default:0"`
	CreatedAt    time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// ToBatch converts BunBatch to Batch
func (bb *BunBatch) ToBatch() *Batch {
	b := &Batch{
		ID:          bb.ID,
		Status:      BatchStatus(bb.Status),
		Files:       bb.Files,
		Succeeded:   bb.Succeeded,
		Failed:      bb.Failed,
		MaxInFlight: bb.MaxInFlight,
		StartedAt:   bb.StartedAt,
		FinishedAt:  bb.FinishedAt,
	}
	for i := range bb.Outcomes {
		b.Outcomes = append(b.Outcomes, *bb.Outcomes[i].ToOutcome())
	}
	return b
}

// FromResult converts a batch result to BunBatch
func FromResult(res *batch.Result) *BunBatch {
	bb := &BunBatch{
		ID:          res.ID,
		Status:      string(BatchStatusRunning),
		Files:       len(res.Outcomes),
		Succeeded:   res.Succeeded,
		Failed:      res.Failed,
		MaxInFlight: res.MaxInFlight,
		StartedAt:   res.Started,
	}
	if !res.Finished.IsZero() {
		finished := res.Finished
		bb.FinishedAt = &finished
		bb.Status = string(BatchStatusCompleted)
		if !res.OK() {
			bb.Status = string(BatchStatusFailed)
		}
	}
	return bb
}

// ToOutcome converts BunOutcome to Outcome
func (bo *BunOutcome) ToOutcome() *Outcome {
	return &Outcome{
		ID:           bo.ID,
		BatchID:      bo.BatchID,
		Session:      bo.Session,
		Path:         bo.Path,
		Size:         bo.Size,
		OutputPath:   bo.OutputPath,
		ArchivedPath: bo.ArchivedPath,
		Status:       bo.Status,
		Pages:        bo.Pages,
		Skipped:      bo.Skipped,
		Kind:         bo.Kind,
		Reason:       bo.Reason,
		Duration:     time.Duration(bo.DurationMS) * time.Millisecond,
		CreatedAt:    bo.CreatedAt,
	}
}

// FromOutcome converts a session outcome to BunOutcome
func FromOutcome(id, batchID string, out session.Outcome) *BunOutcome {
	return &BunOutcome{
		ID:           id,
		BatchID:      batchID,
		Session:      out.Session,
		Path:         out.Document.Path,
		Size:         out.Document.Size,
		OutputPath:   out.OutputPath,
		ArchivedPath: out.ArchivedPath,
		Status:       out.Status.String(),
		Pages:        out.Pages,
		Skipped:      out.Skipped,
		Kind:         out.Kind,
		Reason:       out.Reason,
		DurationMS:   out.Duration.Milliseconds(),
		CreatedAt:    time.Now(),
	}
}
