package batch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drummonds/pdfsanitize/engine/pdfrenderer/pdfrendertest"
	"github.com/drummonds/pdfsanitize/sandbox"
	"github.com/drummonds/pdfsanitize/sandbox/sandboxtest"
	"github.com/drummonds/pdfsanitize/server"
	"github.com/drummonds/pdfsanitize/session"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(t *testing.T, concurrency int) Config {
	return Config{
		MaxConcurrent: concurrency,
		Session: session.Config{
			Resolution:      75,
			MaxDocumentSize: 1 << 20,
			MaxPages:        100,
			SessionTimeout:  30 * time.Second,
			WorkDir:         t.TempDir(),
		},
	}
}

func inputs(t *testing.T, contents ...string) []session.Document {
	t.Helper()
	dir := t.TempDir()
	docs := make([]session.Document, len(contents))
	for i, c := range contents {
		path := filepath.Join(dir, string(rune('a'+i))+".pdf")
		require.NoError(t, os.WriteFile(path, []byte(c), 0o600))
		docs[i] = session.NewDocument(path, "")
	}
	return docs
}

func renderServer(pages int) *server.Server {
	return server.New(server.Config{Resolution: 75}, pdfrendertest.New(pdfrendertest.Pages(pages, pdfrendertest.Letter)...), quiet)
}

func TestRunIsolatesFailedDocument(t *testing.T) {
	docs := inputs(t, "%PDF-1.4\n%first\n", "%PDF-1.4\n%crash\n", "%PDF-1.4\n%third\n")
	prov := sandboxtest.NewCounting(sandbox.NewLocalProvisioner(
		sandboxtest.ByContent([]byte("crash"), sandboxtest.Truncating(3, 1), renderServer(3)), quiet))

	res := New(testConfig(t, 2), prov, quiet).Run(context.Background(), docs)

	require.Len(t, res.Outcomes, 3)
	first, second, third := res.Outcomes[0], res.Outcomes[1], res.Outcomes[2]

	assert.True(t, first.Succeeded(), "first: %+v", first)
	assert.Equal(t, 3, first.Pages)
	assert.Equal(t, docs[0].Path, first.Document.Path)

	assert.Equal(t, session.Failed, second.Status)
	assert.Equal(t, "io", second.Kind, "reason: %s", second.Reason)
	assert.NoFileExists(t, docs[1].OutputPath)

	assert.True(t, third.Succeeded(), "third: %+v", third)
	assert.Equal(t, 3, third.Pages)

	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.OK())
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, 3, prov.Provisioned())
	assert.Zero(t, prov.Active())
}

func TestRunBoundsConcurrency(t *testing.T) {
	const files, limit = 6, 2
	contents := make([]string, files)
	for i := range contents {
		contents[i] = "%PDF-1.4\n"
	}
	srv := renderServer(1)
	slow := sandbox.ServeFunc(func(ctx context.Context, r io.Reader, w io.Writer) error {
		time.Sleep(50 * time.Millisecond)
		return srv.Serve(ctx, r, w)
	})
	prov := sandboxtest.NewCounting(sandbox.NewLocalProvisioner(slow, quiet))

	res := New(testConfig(t, limit), prov, quiet).Run(context.Background(), inputs(t, contents...))

	assert.True(t, res.OK())
	assert.Equal(t, files, res.Succeeded)
	assert.LessOrEqual(t, prov.MaxActive(), limit)
	assert.LessOrEqual(t, res.MaxInFlight, limit)
	assert.Positive(t, res.MaxInFlight)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	prov := sandboxtest.NewCounting(sandbox.NewLocalProvisioner(renderServer(1), quiet))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := New(testConfig(t, 2), prov, quiet).Run(ctx, inputs(t, "%PDF-1.4\n", "%PDF-1.4\n"))

	assert.Equal(t, 2, res.Failed)
	for _, out := range res.Outcomes {
		assert.Equal(t, "cancelled", out.Kind)
	}
	assert.Zero(t, prov.Provisioned())
}

type recorder struct {
	mu       sync.Mutex
	inFlight []int
	outcomes []session.Outcome
	states   map[session.State]int
	onState  func(session.State)
}

func (r *recorder) SetInFlight(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight = append(r.inFlight, n)
}

func (r *recorder) ObserveOutcome(out session.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, out)
}

func (r *recorder) ObserveState(s session.State) {
	r.mu.Lock()
	if r.states == nil {
		r.states = make(map[session.State]int)
	}
	r.states[s]++
	hook := r.onState
	r.mu.Unlock()
	if hook != nil {
		hook(s)
	}
}

func TestRunCancelMidBatch(t *testing.T) {
	prov := sandboxtest.NewCounting(sandbox.NewLocalProvisioner(sandboxtest.Hanging(3), quiet))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{onState: func(s session.State) {
		if s == session.Receiving {
			cancel()
		}
	}}

	res := New(testConfig(t, 1), prov, quiet, WithRecorder(rec)).Run(ctx, inputs(t, "%PDF-1.4\n", "%PDF-1.4\n", "%PDF-1.4\n"))

	assert.Equal(t, 3, res.Failed)
	for _, out := range res.Outcomes {
		assert.Equal(t, "cancelled", out.Kind, "reason: %s", out.Reason)
	}
	assert.Equal(t, 1, prov.Provisioned())
	assert.Zero(t, prov.Active())
	assert.Len(t, rec.outcomes, 3)
}

type finisher struct {
	err error
}

func (f finisher) Finish(_ context.Context, out *session.Outcome) error {
	if f.err != nil {
		return f.err
	}
	out.ArchivedPath = "/archive/" + filepath.Base(out.Document.Path)
	return nil
}

func TestRunFinisher(t *testing.T) {
	prov := sandbox.NewLocalProvisioner(renderServer(1), quiet)

	res := New(testConfig(t, 1), prov, quiet, WithFinisher(finisher{})).Run(context.Background(), inputs(t, "%PDF-1.4\n"))
	require.True(t, res.OK())
	assert.Equal(t, "/archive/a.pdf", res.Outcomes[0].ArchivedPath)

	res = New(testConfig(t, 1), prov, quiet, WithFinisher(finisher{err: errors.New("disk full")})).Run(context.Background(), inputs(t, "%PDF-1.4\n"))
	require.False(t, res.OK())
	assert.Equal(t, "archive", res.Outcomes[0].Kind)
	assert.Contains(t, res.Outcomes[0].Reason, "disk full")
}

type ledger struct {
	mu       sync.Mutex
	started  []string
	finished []*Result
	outcomes map[string][]session.Outcome
}

func (l *ledger) StartBatch(_ context.Context, res *Result) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, res.ID)
	return nil
}

func (l *ledger) RecordOutcome(_ context.Context, batchID string, out session.Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.outcomes == nil {
		l.outcomes = make(map[string][]session.Outcome)
	}
	l.outcomes[batchID] = append(l.outcomes[batchID], out)
	return nil
}

func (l *ledger) FinishBatch(_ context.Context, res *Result) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = append(l.finished, res)
	return nil
}

func TestRunRecordsLedgerAndMetrics(t *testing.T) {
	prov := sandbox.NewLocalProvisioner(renderServer(2), quiet)
	led, rec := &ledger{}, &recorder{}

	res := New(testConfig(t, 2), prov, quiet, WithLedger(led), WithRecorder(rec)).
		Run(context.Background(), inputs(t, "%PDF-1.4\n", "not a pdf"))

	assert.Equal(t, []string{res.ID}, led.started)
	require.Len(t, led.finished, 1)
	assert.Equal(t, 1, led.finished[0].Succeeded)
	assert.Equal(t, 1, led.finished[0].Failed)
	assert.Len(t, led.outcomes[res.ID], 2)

	assert.Len(t, rec.outcomes, 2)
	assert.Equal(t, 1, rec.states[session.Succeeded])
	assert.Equal(t, 1, rec.states[session.Failed])
	assert.Contains(t, rec.inFlight, 0)
}
