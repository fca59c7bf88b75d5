// Package subject owns the server process under test: it spawns it with a
// controlled environment, keeps its stderr drained, watches its liveness and
// guarantees teardown on every exit path.
package subject

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/putao520/warden-lab/internal/faults"
)

const (
	defaultBootstrapProbes   = 20
	defaultBootstrapInterval = time.Second
	defaultShutdownTimeout   = 5 * time.Second
	defaultStderrTailLines   = 64
)

// DefaultStripEnv removes nested-session markers so the subject does not
// believe it is running inside another agent session.
var DefaultStripEnv = []string{"CLAUDECODE", "CLAUDE_CODE_ENTRYPOINT"}

type Config struct {
	Command []string

	// ExtraEnv overrides or adds to the ambient environment.
	ExtraEnv map[string]string
	// StripEnv lists variables removed from the ambient environment.
	// Nil means DefaultStripEnv.
	StripEnv []string
	// PathPrepend is joined ahead of PATH so a stand-in executable
	// shadows the real one.
	PathPrepend string

	BootstrapProbes   int
	BootstrapInterval time.Duration
	ShutdownTimeout   time.Duration
	StderrTailLines   int
}

func (c Config) withDefaults() Config {
	if c.BootstrapProbes <= 0 {
		c.BootstrapProbes = defaultBootstrapProbes
	}
	if c.BootstrapInterval <= 0 {
		c.BootstrapInterval = defaultBootstrapInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.StderrTailLines <= 0 {
		c.StderrTailLines = defaultStderrTailLines
	}
	if c.StripEnv == nil {
		c.StripEnv = DefaultStripEnv
	}
	return c
}

// Process is a running subject. It is the only component permitted to
// terminate the underlying OS process.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	ring *lineRing
	bg   errgroup.Group

	shutdownTimeout time.Duration

	closing atomic.Bool

	waitMu  sync.Mutex
	waitErr error
	done    chan struct{}
}

// Start launches the subject and runs bootstrap liveness probes, one per
// BootstrapInterval up to BootstrapProbes of them. The first probe that finds
// the process alive makes it ready; an exit before that is a startup fault
// carrying the exit code and the stderr tail.
func Start(ctx context.Context, cfg Config) (*Process, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, faults.New(faults.KindStartup, "subject command is empty")
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Env = buildEnv(cfg)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, faults.Wrap(faults.KindStartup, "open subject stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, faults.Wrap(faults.KindStartup, "open subject stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, faults.Wrap(faults.KindStartup, "open subject stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, faults.Wrap(faults.KindStartup, "start subject process", err)
	}

	p := &Process{
		cmd:             cmd,
		stdin:           stdin,
		stdout:          stdout,
		ring:            newLineRing(cfg.StderrTailLines),
		shutdownTimeout: cfg.ShutdownTimeout,
		done:            make(chan struct{}),
	}

	// The drain must run before any stdout read happens: an unconsumed
	// stderr pipe can fill up and stall the subject.
	p.bg.Go(func() error {
		drainLines(stderr, p.ring)
		return nil
	})
	p.bg.Go(func() error {
		err := cmd.Wait()
		p.waitMu.Lock()
		p.waitErr = err
		p.waitMu.Unlock()
		close(p.done)
		return nil
	})

	if err := p.bootstrap(ctx, cfg); err != nil {
		_ = p.Close(context.Background())
		return nil, err
	}
	return p, nil
}

func (p *Process) bootstrap(ctx context.Context, cfg Config) error {
	ticker := time.NewTicker(cfg.BootstrapInterval)
	defer ticker.Stop()
	for probe := 0; probe < cfg.BootstrapProbes; probe++ {
		select {
		case <-ctx.Done():
			return faults.Wrap(faults.KindStartup, "bootstrap cancelled", ctx.Err())
		case <-p.done:
			// Let the drain finish so the tail is complete.
			_ = p.bg.Wait()
			code, _ := p.ExitCode()
			return &faults.Error{
				Code:       faults.CodeForKind(faults.KindStartup),
				Kind:       faults.KindStartup,
				Message:    fmt.Sprintf("subject exited during bootstrap (code %d)", code),
				ExitCode:   &code,
				StderrTail: p.StderrTail(),
			}
		case <-ticker.C:
			if !p.Alive() {
				// Let the next iteration report the exit.
				continue
			}
			// Alive at probe time. Readiness beyond that is the transport's
			// business: the first RPC has its own receive timeout.
			return nil
		}
	}
	return nil
}

// Stdin is the write side of the subject's standard input.
func (p *Process) Stdin() io.Writer { return p.stdin }

// Stdout is the read side of the subject's standard output.
func (p *Process) Stdout() io.Reader { return p.stdout }

// PID of the subject process.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Alive is a non-blocking liveness probe.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done is closed once the subject has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode reports the subject's exit status. ok is false while it still runs.
func (p *Process) ExitCode() (code int, ok bool) {
	select {
	case <-p.done:
	default:
		return 0, false
	}
	p.waitMu.Lock()
	err := p.waitErr
	p.waitMu.Unlock()
	if err == nil {
		return 0, true
	}
	if exitErr, isExit := err.(*exec.ExitError); isExit {
		return exitErr.ExitCode(), true
	}
	return -1, true
}

// StderrTail snapshots the rolling stderr buffer for diagnostics.
func (p *Process) StderrTail() []string { return p.ring.Snapshot() }

// Close tears the subject down: stdin close, SIGTERM, bounded wait, SIGKILL.
// It is idempotent and safe to defer alongside a failing scenario.
func (p *Process) Close(ctx context.Context) error {
	if p.closing.CompareAndSwap(false, true) {
		_ = p.stdin.Close()
	}

	var forced bool
	if p.Alive() {
		_ = p.cmd.Process.Signal(unix.SIGTERM)

		timeout := p.shutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
				timeout = remaining
			}
		}
		timer := time.NewTimer(timeout)
		select {
		case <-p.done:
			timer.Stop()
		case <-timer.C:
			forced = true
			_ = p.cmd.Process.Kill()
			<-p.done
		}
	}

	_ = p.bg.Wait()
	_ = p.stdout.Close()

	if forced {
		return faults.New(faults.KindTimeout, "forced subject teardown after shutdown timeout")
	}
	return nil
}

func buildEnv(cfg Config) []string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[k] = v
	}
	for _, k := range cfg.StripEnv {
		delete(env, k)
	}
	for k, v := range cfg.ExtraEnv {
		env[k] = v
	}
	if dir := strings.TrimSpace(cfg.PathPrepend); dir != "" {
		if path, ok := env["PATH"]; ok && path != "" {
			env["PATH"] = dir + string(os.PathListSeparator) + path
		} else {
			env["PATH"] = dir
		}
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
