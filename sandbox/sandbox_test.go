package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drummonds/pdfsanitize/engine/pdfrenderer/pdfrendertest"
	"github.com/drummonds/pdfsanitize/failure"
	"github.com/drummonds/pdfsanitize/protocol"
	"github.com/drummonds/pdfsanitize/server"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestNewCommandProvisioner(t *testing.T) {
	p, err := NewCommandProvisioner(`docker run --rm -i --label "owner=pdf sanitize" render`, nil, quiet)
	require.NoError(t, err)
	assert.Equal(t, []string{"docker", "run", "--rm", "-i", "--label", "owner=pdf sanitize", "render"}, p.Args())

	_, err = NewCommandProvisioner("   ", nil, quiet)
	assert.Error(t, err)

	_, err = NewCommandProvisioner(`render-server "unterminated`, nil, quiet)
	assert.Error(t, err)
}

func TestCommandProvisionerRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	p, err := NewCommandProvisioner("cat", nil, quiet)
	require.NoError(t, err)

	ch, err := p.Provision(context.Background())
	require.NoError(t, err)

	_, err = ch.Write([]byte("echoed back"))
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	got, err := io.ReadAll(ch)
	require.NoError(t, err)
	assert.Equal(t, "echoed back", string(got))

	assert.NoError(t, p.Teardown(ch))
	assert.NoError(t, p.Teardown(ch), "teardown is idempotent")
}

func TestCommandTeardownReleasesReader(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	p, err := NewCommandProvisioner("sleep 60", nil, quiet)
	require.NoError(t, err)
	ch, err := p.Provision(context.Background())
	require.NoError(t, err)

	readErr := make(chan error, 1)
	go func() {
		_, err := ch.Read(make([]byte, 1))
		readErr <- err
	}()

	assert.NoError(t, p.Teardown(ch))
	select {
	case err := <-readErr:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("read still blocked after teardown")
	}

	_, err = ch.Read(make([]byte, 1))
	assert.True(t, errors.Is(err, os.ErrClosed), "got %v", err)
}

func TestCommandProvisionerFailures(t *testing.T) {
	p, err := NewCommandProvisioner("/nonexistent/render-server", nil, quiet)
	require.NoError(t, err)
	_, err = p.Provision(context.Background())
	assert.True(t, errors.Is(err, failure.ErrProvision), "got %v", err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Provision(ctx)
	assert.True(t, errors.Is(err, failure.ErrProvision), "got %v", err)
}

func newLocal(pages int) *LocalProvisioner {
	r := pdfrendertest.New(pdfrendertest.Pages(pages, pdfrendertest.Letter)...)
	return NewLocalProvisioner(server.New(server.Config{Resolution: 75}, r, quiet), quiet)
}

func TestLocalProvisionerServesOneDocument(t *testing.T) {
	p := newLocal(2)
	ch, err := p.Provision(context.Background())
	require.NoError(t, err)
	defer p.Teardown(ch)

	go func() {
		protocol.WriteMessage(ch, protocol.Document([]byte("%PDF-1.4\n%local\n")))
	}()

	dec := protocol.NewDecoder(ch, protocol.NewLimits(75, 100, 1<<20))
	var got []protocol.Type
	for {
		m, err := dec.Next()
		require.NoError(t, err)
		got = append(got, m.Type)
		if m.Type == protocol.TypeEndOfStream {
			break
		}
	}
	assert.Equal(t, []protocol.Type{
		protocol.TypeDocumentInfo,
		protocol.TypePageHeader, protocol.TypePageData,
		protocol.TypePageHeader, protocol.TypePageData,
		protocol.TypeEndOfStream,
	}, got)

	// The server exits after one document.
	_, err = ch.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestLocalProvisionerTeardownUnblocksPeer(t *testing.T) {
	p := newLocal(1)
	ch, err := p.Provision(context.Background())
	require.NoError(t, err)

	read := make(chan error, 1)
	go func() {
		_, err := ch.Read(make([]byte, 1))
		read <- err
	}()

	require.NoError(t, p.Teardown(ch))
	assert.Error(t, <-read)
	assert.NoError(t, p.Teardown(ch))

	_, err = ch.Write([]byte("late"))
	assert.Error(t, err)
}

func TestTeardownRejectsForeignChannel(t *testing.T) {
	p := newLocal(1)
	assert.Error(t, p.Teardown(struct{ io.ReadWriteCloser }{}))
}
