package transport

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var errProcessExited = errors.New("subprocess exited")

type subprocessOptions struct {
	env   []string
	dir   string
	grace time.Duration
}

func defaultSubprocessOptions() subprocessOptions {
	return subprocessOptions{grace: 2 * time.Second}
}

// WithEnv sets the child's environment ("KEY=value" entries). A nil slice
// inherits the parent's environment.
func WithEnv(env []string) Option {
	return func(o *options) { o.subproc.env = env }
}

// WithDir sets the child's working directory.
func WithDir(dir string) Option {
	return func(o *options) { o.subproc.dir = dir }
}

// WithExitGrace sets how long Close waits for the child to exit after its
// stdin is closed before killing it.
func WithExitGrace(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.subproc.grace = d
		}
	}
}

// Subprocess is a transport to a spawned child process: frames go to the
// child's stdin, frames come from its stdout, and stderr lines are logged
// for diagnostics only. The child's exit closes the transport.
type Subprocess struct {
	*Stream
	cmd      *exec.Cmd
	grace    time.Duration
	logger   zerolog.Logger
	starting atomic.Bool
	started  atomic.Bool
	exited   chan struct{}
	exitOnce sync.Once

	mu      sync.Mutex
	waitErr error
}

// NewSubprocess prepares the command; the child is spawned by Start.
func NewSubprocess(name string, args []string, opts ...Option) (*Subprocess, error) {
	o := buildOptions(append([]Option{WithName(name)}, opts...))

	cmd := exec.Command(name, args...)
	cmd.Env = o.subproc.env
	cmd.Dir = o.subproc.dir
	cmd.Stderr = &stderrLogger{logger: o.logger}
	cmd.WaitDelay = o.subproc.grace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	p := &Subprocess{
		Stream: newStream(stdout, stdin, o),
		cmd:    cmd,
		grace:  o.subproc.grace,
		logger: o.logger,
		exited: make(chan struct{}),
	}
	p.Stream.OnClose(p.reap)
	return p, nil
}

// Start spawns the child and begins reading its stdout.
func (p *Subprocess) Start(recv Receiver) error {
	if recv == nil {
		return fmt.Errorf("transport: nil receiver")
	}
	if p.Stream.state.Load() == stateClosed {
		return ErrClosed
	}
	if !p.starting.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if err := p.cmd.Start(); err != nil {
		p.Stream.closeWith(fmt.Errorf("start %s: %w", p.cmd.Path, err))
		return fmt.Errorf("start %s: %w", p.cmd.Path, err)
	}
	p.started.Store(true)
	p.logger.Debug().Int("pid", p.cmd.Process.Pid).Msg("subprocess started")

	if err := p.Stream.Start(recv); err != nil {
		// Closed concurrently; nobody else will reap the child.
		_ = p.cmd.Process.Kill()
		go func() {
			p.setExit(p.cmd.Wait())
		}()
		return err
	}
	go p.wait()
	return nil
}

// Close closes the child's stdin, waits for it to exit (killing it after
// the grace period) and fails everything waiting on the transport.
func (p *Subprocess) Close() error {
	err := p.Stream.Close()
	if p.started.Load() {
		<-p.exited
	}
	return err
}

// Pid returns the child's process id, or 0 before Start.
func (p *Subprocess) Pid() int {
	if !p.started.Load() {
		return 0
	}
	return p.cmd.Process.Pid
}

// ExitErr returns the result of waiting on the child once it has exited.
func (p *Subprocess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Exited is closed once the child has been reaped.
func (p *Subprocess) Exited() <-chan struct{} { return p.exited }

// wait reaps the child once its stdout has been fully read.
func (p *Subprocess) wait() {
	<-p.Stream.readDone
	err := p.cmd.Wait()
	p.setExit(err)

	if err != nil {
		p.logger.Info().Err(err).Msg("subprocess exited")
		p.Stream.closeWith(fmt.Errorf("%w: %w", errProcessExited, err))
	} else {
		p.logger.Debug().Msg("subprocess exited")
		p.Stream.closeWith(errProcessExited)
	}
}

func (p *Subprocess) setExit(err error) {
	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
	p.exitOnce.Do(func() { close(p.exited) })
}

// reap runs when the stream closes for any reason; a child that ignores
// its closed stdin is killed after the grace period.
func (p *Subprocess) reap(error) {
	if !p.started.Load() {
		p.exitOnce.Do(func() { close(p.exited) })
		return
	}
	go func() {
		timer := time.NewTimer(p.grace)
		defer timer.Stop()
		select {
		case <-p.exited:
		case <-timer.C:
			p.logger.Warn().Dur("grace", p.grace).Msg("subprocess did not exit, killing")
			_ = p.cmd.Process.Kill()
		}
	}()
}

// stderrLogger forwards the child's stderr to the logger line by line.
type stderrLogger struct {
	logger zerolog.Logger
	buf    []byte
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(w.buf[:i], "\r")
		if len(line) > 0 {
			w.logger.Info().Str("stream", "stderr").Msg(string(line))
		}
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > 64*1024 {
		w.logger.Info().Str("stream", "stderr").Msg(string(w.buf))
		w.buf = w.buf[:0]
	}
	return len(p), nil
}
