// Package batch runs many sessions with bounded concurrency and collects their
// outcomes.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/drummonds/pdfsanitize/failure"
	"github.com/drummonds/pdfsanitize/sandbox"
	"github.com/drummonds/pdfsanitize/session"
)

const DefaultMaxConcurrent = 4

// Config for an Orchestrator.
type Config struct {
	MaxConcurrent int
	Session       session.Config
}

// Finisher runs after a document was sanitized, typically to archive the
// original. It may update the outcome's paths.
type Finisher interface {
	Finish(ctx context.Context, out *session.Outcome) error
}

// Ledger persists batches and their outcomes.
type Ledger interface {
	StartBatch(ctx context.Context, res *Result) error
	RecordOutcome(ctx context.Context, batchID string, out session.Outcome) error
	FinishBatch(ctx context.Context, res *Result) error
}

// Recorder receives metrics.
type Recorder interface {
	SetInFlight(n int)
	ObserveOutcome(out session.Outcome)
	ObserveState(s session.State)
}

// Result of one orchestrator run. Outcomes are in input order.
type Result struct {
	ID          string            `json:"id"`
	Outcomes    []session.Outcome `json:"outcomes"`
	Succeeded   int               `json:"succeeded"`
	Failed      int               `json:"failed"`
	MaxInFlight int               `json:"max_in_flight"`
	Started     time.Time         `json:"started"`
	Finished    time.Time         `json:"finished"`
}

// OK reports whether every document was sanitized.
func (r *Result) OK() bool {
	return r.Failed == 0
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFinisher runs f on every successful outcome.
func WithFinisher(f Finisher) Option {
	return func(o *Orchestrator) { o.finisher = f }
}

// WithLedger records every batch in l.
func WithLedger(l Ledger) Option {
	return func(o *Orchestrator) { o.ledger = l }
}

// WithRecorder reports metrics to r.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// Orchestrator runs batches. It is safe to call Run concurrently, but the
// concurrency limit applies per call.
type Orchestrator struct {
	cfg      Config
	prov     sandbox.Provisioner
	finisher Finisher
	ledger   Ledger
	recorder Recorder
	logger   *slog.Logger

	inFlight atomic.Int64
}

// New returns an Orchestrator provisioning environments from prov.
func New(cfg Config, prov sandbox.Provisioner, logger *slog.Logger, opts ...Option) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{cfg: cfg, prov: prov, logger: logger}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// InFlight returns the number of sessions currently running.
func (o *Orchestrator) InFlight() int {
	return int(o.inFlight.Load())
}

// Run sanitizes docs and returns once every document has an outcome.
// Cancelling ctx fails the running sessions and every document not yet
// started with kind cancelled.
func (o *Orchestrator) Run(ctx context.Context, docs []session.Document) *Result {
	res := &Result{
		ID:       ulid.Make().String(),
		Outcomes: make([]session.Outcome, len(docs)),
		Started:  time.Now(),
	}
	logger := o.logger.With("batch", res.ID)
	logger.Info("Batch started", "files", len(docs), "concurrency", o.cfg.MaxConcurrent)

	if o.ledger != nil {
		if err := o.ledger.StartBatch(ctx, res); err != nil {
			logger.Error("Unable to record batch start", "error", err)
		}
	}

	var maxInFlight atomic.Int64
	var g errgroup.Group
	g.SetLimit(o.cfg.MaxConcurrent)

	for i, doc := range docs {
		if ctx.Err() != nil {
			res.Outcomes[i] = o.finish(ctx, logger, res.ID, notStarted(ctx, doc))
			continue
		}
		// Blocks until a slot is free.
		g.Go(func() error {
			if ctx.Err() != nil {
				res.Outcomes[i] = o.finish(ctx, logger, res.ID, notStarted(ctx, doc))
				return nil
			}

			n := o.inFlight.Add(1)
			for {
				peak := maxInFlight.Load()
				if n <= peak || maxInFlight.CompareAndSwap(peak, n) {
					break
				}
			}
			o.reportInFlight()
			defer func() {
				o.inFlight.Add(-1)
				o.reportInFlight()
			}()

			s := session.New(doc, o.cfg.Session, o.prov, logger)
			if o.recorder != nil {
				s.OnState = func(_ string, st session.State) { o.recorder.ObserveState(st) }
			}
			out := s.Run(ctx)
			if out.Succeeded() && o.finisher != nil {
				if err := o.finisher.Finish(ctx, &out); err != nil {
					out.Fail(fmt.Errorf("%w: %w", failure.ErrArchive, err))
				}
			}
			res.Outcomes[i] = o.finish(ctx, logger, res.ID, out)
			return nil
		})
	}
	g.Wait()

	for _, out := range res.Outcomes {
		if out.Succeeded() {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	res.MaxInFlight = int(maxInFlight.Load())
	res.Finished = time.Now()

	if o.ledger != nil {
		// The batch must be closed in the ledger even when ctx was cancelled.
		if err := o.ledger.FinishBatch(context.WithoutCancel(ctx), res); err != nil {
			logger.Error("Unable to record batch result", "error", err)
		}
	}
	logger.Info("Batch finished", "succeeded", res.Succeeded, "failed", res.Failed, "duration", res.Finished.Sub(res.Started))
	return res
}

// finish records a final outcome.
func (o *Orchestrator) finish(ctx context.Context, logger *slog.Logger, batchID string, out session.Outcome) session.Outcome {
	if o.recorder != nil {
		o.recorder.ObserveOutcome(out)
	}
	if o.ledger != nil {
		if err := o.ledger.RecordOutcome(context.WithoutCancel(ctx), batchID, out); err != nil {
			logger.Error("Unable to record outcome", "file", out.Document.Path, "error", err)
		}
	}
	return out
}

func (o *Orchestrator) reportInFlight() {
	if o.recorder != nil {
		o.recorder.SetInFlight(o.InFlight())
	}
}

func notStarted(ctx context.Context, doc session.Document) session.Outcome {
	return session.FailedOutcome(doc, fmt.Errorf("%w: not started: %w", failure.ErrCancelled, context.Cause(ctx)))
}
