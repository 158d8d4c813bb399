// Package session sanitizes one document: it provisions a rendering
// environment, streams the document in, checks the page stream coming back
// and hands it to the reconstructor.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/drummonds/pdfsanitize/failure"
	"github.com/drummonds/pdfsanitize/protocol"
	"github.com/drummonds/pdfsanitize/reconstruct"
	"github.com/drummonds/pdfsanitize/sandbox"
)

const (
	DefaultSessionTimeout = 10 * time.Minute
	DefaultChannelDepth   = 4
)

// State of a session. Sessions only move forward.
type State int

const (
	Idle State = iota
	Provisioning
	Transmitting
	Receiving
	Reconstructing
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Provisioning:
		return "provisioning"
	case Transmitting:
		return "transmitting"
	case Receiving:
		return "receiving"
	case Reconstructing:
		return "reconstructing"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config governs a session.
type Config struct {
	Resolution      int
	MaxDocumentSize int64
	MaxPages        int
	// MaxPageBytes bounds one page's RGB payload; zero derives it from the
	// resolution.
	MaxPageBytes int64
	// SessionTimeout covers provisioning through reconstruction.
	SessionTimeout time.Duration
	// ChannelDepth is how many decoded pages may wait for the reconstructor.
	ChannelDepth int
	// WorkDir stages page images; empty means the system temp dir.
	WorkDir string
}

func (c Config) withDefaults() Config {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.ChannelDepth <= 0 {
		c.ChannelDepth = DefaultChannelDepth
	}
	return c
}

// Session runs one document through one disposable environment. A Session is
// single use.
type Session struct {
	ID string
	// OnState, if set, is called on every state transition.
	OnState func(id string, s State)

	doc    Document
	cfg    Config
	prov   sandbox.Provisioner
	logger *slog.Logger

	mu    sync.Mutex
	state State
}

// New returns an idle session for doc.
func New(doc Document, cfg Config, prov sandbox.Provisioner, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	id := ulid.Make().String()
	return &Session{
		ID:     id,
		doc:    doc,
		cfg:    cfg.withDefaults(),
		prov:   prov,
		logger: logger.With("session", id, "file", doc.Path),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.logger.Debug("Session state", "state", st)
	if s.OnState != nil {
		s.OnState(s.ID, st)
	}
}

// Run sanitizes the document and always returns an outcome. It never retries.
func (s *Session) Run(ctx context.Context) Outcome {
	start := time.Now()
	res, err := s.run(ctx)

	out := Outcome{
		Session:  s.ID,
		Document: s.doc,
		Duration: time.Since(start),
	}
	if err != nil {
		out.fail(err)
		s.setState(Failed)
		s.logger.Warn("Sanitization failed", "kind", out.Kind, "error", err)
		return out
	}

	out.Status = Succeeded
	out.OutputPath = res.OutputPath
	out.Pages = res.Pages
	for _, sk := range res.Skipped {
		out.Skipped = append(out.Skipped, sk.Index)
	}
	s.setState(Succeeded)
	s.logger.Info("Document sanitized", "output", out.OutputPath, "pages", out.Pages, "skipped", len(out.Skipped), "duration", out.Duration)
	return out
}

func (s *Session) run(parent context.Context) (*reconstruct.Result, error) {
	if err := parent.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", failure.ErrCancelled, err)
	}
	data, err := s.doc.load(s.cfg.MaxDocumentSize)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(parent, s.cfg.SessionTimeout)
	defer cancel()

	s.setState(Provisioning)
	ch, err := s.prov.Provision(ctx)
	if err != nil {
		if !errors.Is(err, failure.ErrProvision) {
			err = fmt.Errorf("%w: %w", failure.ErrProvision, err)
		}
		return nil, s.deadline(parent, ctx, err)
	}

	var teardownOnce sync.Once
	teardown := func() {
		teardownOnce.Do(func() {
			if err := s.prov.Teardown(ch); err != nil {
				s.logger.Warn("Teardown failed", "error", err)
			}
		})
	}
	defer teardown()
	// Expiry or cancellation destroys the environment, which unblocks every
	// read and write on the channel.
	stop := context.AfterFunc(ctx, teardown)
	defer stop()

	s.setState(Transmitting)
	sent := make(chan error, 1)
	go func() {
		sent <- protocol.WriteMessage(ch, protocol.Document(data))
	}()

	s.setState(Receiving)
	limits := protocol.NewLimits(s.cfg.Resolution, s.cfg.MaxPages, s.cfg.MaxDocumentSize).WithMaxPageBytes(s.cfg.MaxPageBytes)
	recvCtx, stopRecv := context.WithCancel(ctx)
	defer stopRecv()
	msgs := make(chan protocol.Message, s.cfg.ChannelDepth)
	var decodeErr error
	decoded := make(chan struct{})
	go func() {
		defer close(decoded)
		defer close(msgs)
		dec := protocol.NewDecoder(ch, limits)
		for {
			m, err := dec.Next()
			if err != nil {
				decodeErr = err
				return
			}
			if m.Type == protocol.TypeEndOfStream {
				s.setState(Reconstructing)
			}
			select {
			case msgs <- m:
			case <-recvCtx.Done():
				return
			}
			if m.Type == protocol.TypeEndOfStream || (m.Type == protocol.TypePageError && m.Fatal) {
				return
			}
		}
	}()

	rec := reconstruct.New(reconstruct.Config{Resolution: s.cfg.Resolution, WorkDir: s.cfg.WorkDir}, s.logger)
	res, recErr := rec.Run(ctx, msgs, s.doc.OutputPath)

	stopRecv()
	teardown()
	<-decoded
	sendErr := <-sent

	if recErr == nil {
		return res, nil
	}
	// The reconstructor only knows the stream ended; the decoder knows why.
	if errors.Is(recErr, failure.ErrIO) {
		switch {
		case decodeErr != nil:
			recErr = decodeErr
		case sendErr != nil:
			recErr = sendErr
		}
	}
	return nil, s.deadline(parent, ctx, recErr)
}

// deadline reclassifies err when the session context ended it.
func (s *Session) deadline(parent, ctx context.Context, err error) error {
	switch {
	case parent.Err() != nil:
		return fmt.Errorf("%w: %w", failure.ErrCancelled, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: session exceeded %s: %w", failure.ErrTimeout, s.cfg.SessionTimeout, err)
	default:
		return err
	}
}
