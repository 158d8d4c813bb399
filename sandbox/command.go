package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/shlex"

	"github.com/drummonds/pdfsanitize/failure"
)

// CommandProvisioner starts one subprocess per document and talks to it over
// its stdin and stdout. The command may wrap render-server in whatever isolates
// it, for example:
//
//	docker run --rm -i --network none pdfsanitize/render-server
//	/usr/bin/qrexec-client-vm @dispvm pdfsanitize.Render
type CommandProvisioner struct {
	args   []string
	env    []string
	logger *slog.Logger
}

// NewCommandProvisioner splits command with shell quoting rules.
func NewCommandProvisioner(command string, env []string, logger *slog.Logger) (*CommandProvisioner, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid sandbox command %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil, errors.New("sandbox command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandProvisioner{args: args, env: env, logger: logger}, nil
}

// Args returns the split command line.
func (p *CommandProvisioner) Args() []string {
	return append([]string(nil), p.args...)
}

func (p *CommandProvisioner) Provision(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", failure.ErrProvision, err)
	}

	// Not exec.CommandContext: the process lifetime belongs to Teardown.
	cmd := exec.Command(p.args[0], p.args[1:]...)
	if p.env != nil {
		cmd.Env = p.env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", failure.ErrProvision, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", failure.ErrProvision, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", failure.ErrProvision, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %w", failure.ErrProvision, p.args[0], err)
	}
	p.logger.Debug("Rendering environment started", "command", p.args[0], "pid", cmd.Process.Pid)

	proc := &process{cmd: cmd, stdin: stdin, stdout: stdout, logged: make(chan struct{})}
	go proc.relayStderr(stderr, p.logger.With("pid", cmd.Process.Pid))
	return proc, nil
}

// Teardown kills the process and reaps it. It is safe to call more than once.
func (p *CommandProvisioner) Teardown(ch Channel) error {
	proc, ok := ch.(*process)
	if !ok {
		return fmt.Errorf("channel %T was not provisioned by this provisioner", ch)
	}
	return proc.teardown()
}

// stderrDrainTimeout bounds the wait for a killed process's stderr to close,
// which a surviving grandchild could hold open.
const stderrDrainTimeout = time.Second

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logged chan struct{}

	once sync.Once
	err  error
}

func (p *process) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *process) Write(b []byte) (int, error) { return p.stdin.Write(b) }
func (p *process) Close() error                { return p.stdin.Close() }

func (p *process) teardown() error {
	p.once.Do(func() {
		p.stdin.Close()
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.err = err
		}
		// Wait must not run while Read may still be in the pipe.
		p.stdout.Close()
		select {
		case <-p.logged:
		case <-time.After(stderrDrainTimeout):
		}
		// The exit status of a killed process carries no information.
		p.cmd.Wait()
	})
	return p.err
}

// relayStderr forwards the environment's diagnostics into our log.
func (p *process) relayStderr(r io.Reader, logger *slog.Logger) {
	defer close(p.logged)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debug("render-server: " + scanner.Text())
	}
}
