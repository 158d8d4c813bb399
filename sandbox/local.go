package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/drummonds/pdfsanitize/failure"
)

// Server handles the far end of one channel; *server.Server satisfies it.
type Server interface {
	Serve(ctx context.Context, r io.Reader, w io.Writer) error
}

// ServeFunc adapts a function to Server.
type ServeFunc func(ctx context.Context, r io.Reader, w io.Writer) error

func (f ServeFunc) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	return f(ctx, r, w)
}

// LocalProvisioner runs the rendering server in-process over a pair of pipes.
// It gives no isolation at all and exists for development and tests.
type LocalProvisioner struct {
	server Server
	logger *slog.Logger
}

// NewLocalProvisioner serves every channel with srv.
func NewLocalProvisioner(srv Server, logger *slog.Logger) *LocalProvisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalProvisioner{server: srv, logger: logger}
}

func (p *LocalProvisioner) Provision(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", failure.ErrProvision, err)
	}

	toServer, fromClient := io.Pipe()
	toClient, fromServer := io.Pipe()
	serveCtx, cancel := context.WithCancel(context.Background())

	ch := &localChannel{
		r:      toClient,
		w:      fromClient,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(ch.done)
		if err := p.server.Serve(serveCtx, toServer, fromServer); err != nil {
			p.logger.Debug("Local rendering server finished with error", "error", err)
		}
		// Behave like an exiting process: the client sees EOF and further
		// writes fail.
		fromServer.Close()
		toServer.CloseWithError(io.ErrClosedPipe)
	}()
	return ch, nil
}

func (p *LocalProvisioner) Teardown(ch Channel) error {
	lc, ok := ch.(*localChannel)
	if !ok {
		return fmt.Errorf("channel %T was not provisioned by this provisioner", ch)
	}
	lc.teardown()
	return nil
}

type localChannel struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (c *localChannel) Read(b []byte) (int, error)  { return c.r.Read(b) }
func (c *localChannel) Write(b []byte) (int, error) { return c.w.Write(b) }
func (c *localChannel) Close() error                { return c.w.Close() }

func (c *localChannel) teardown() {
	c.once.Do(func() {
		c.cancel()
		c.w.CloseWithError(io.ErrClosedPipe)
		c.r.CloseWithError(io.ErrClosedPipe)
		<-c.done
	})
}
