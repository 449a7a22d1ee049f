// Package proc starts pipeline steps as child processes.
//
// Every child runs in its own process group so cancellation takes down the
// whole tree. Output is drained concurrently from both pipes and published
// line by line on the event bus.
package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/stagerun/internal/engine"
	"github.com/aristath/stagerun/internal/events"
)

// ErrNotStarted is returned when signalling a command that never started.
var ErrNotStarted = errors.New("process not started")

// DefaultWaitDelay bounds how long Wait keeps reading pipes after the
// process group has been killed.
const DefaultWaitDelay = 2 * time.Second

const maxLineSize = 1 << 20

// RunOptions are the per-step process settings.
type RunOptions struct {
	Dir string   // Working directory; empty means the current one
	Env []string // KEY=VALUE pairs appended to the inherited environment
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithLogger sets the diagnostic logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(lc *Launcher) {
		lc.log = l
	}
}

// WithPublisher sets where output lines are published.
func WithPublisher(p events.Publisher) Option {
	return func(lc *Launcher) {
		lc.bus = p
	}
}

// WithBreaker sets how many consecutive start failures open an executable's
// breaker and how long it stays open.
func WithBreaker(threshold int, timeout time.Duration) Option {
	return func(lc *Launcher) {
		if threshold > 0 {
			lc.threshold = uint32(threshold)
		}
		if timeout > 0 {
			lc.openTimeout = timeout
		}
	}
}

// WithTools maps command names to the executables that run them.
func WithTools(tools map[string]string) Option {
	return func(lc *Launcher) {
		for name, path := range tools {
			lc.tools[name] = path
		}
	}
}

// WithEnv adds KEY=VALUE pairs to the environment of every child.
func WithEnv(env []string) Option {
	return func(lc *Launcher) {
		lc.env = append(lc.env, env...)
	}
}

// WithWaitDelay overrides DefaultWaitDelay.
func WithWaitDelay(d time.Duration) Option {
	return func(lc *Launcher) {
		lc.waitDelay = d
	}
}

// Launcher turns argv lists into engine actions and tracks the children it
// starts so they can all be killed at once.
type Launcher struct {
	log         logrus.FieldLogger
	bus         events.Publisher
	waitDelay   time.Duration
	threshold   uint32
	openTimeout time.Duration
	breakers    *breakerRegistry
	tools       map[string]string
	env         []string

	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewLauncher creates a Launcher.
func NewLauncher(opts ...Option) *Launcher {
	l := &Launcher{
		log:         logrus.StandardLogger(),
		bus:         events.Discard,
		waitDelay:   DefaultWaitDelay,
		threshold:   DefaultBreakerThreshold,
		openTimeout: DefaultBreakerTimeout,
		tools:       make(map[string]string),
		procs:       make(map[int]*exec.Cmd),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.breakers = newBreakerRegistry(l.threshold, l.openTimeout, l.log)
	return l
}

// Command returns an action that runs argv to completion. name labels the
// output when the action runs outside the engine.
func (l *Launcher) Command(name string, argv []string, opts RunOptions) engine.Action {
	return func(ctx context.Context) error {
		if len(argv) == 0 {
			return fmt.Errorf("%s: empty command line", name)
		}

		scope, ok := engine.ScopeFrom(ctx)
		if !ok {
			scope = engine.Scope{Task: name}
		}
		return l.run(ctx, scope, argv, opts)
	}
}

func (l *Launcher) run(ctx context.Context, scope engine.Scope, argv []string, opts RunOptions) error {
	exe := argv[0]
	if path, ok := l.tools[exe]; ok {
		exe = path
	}

	cmd := newCommand(ctx, exe, argv[1:]...)
	cmd.Dir = opts.Dir
	if len(l.env) > 0 || len(opts.Env) > 0 {
		env := append(os.Environ(), l.env...)
		cmd.Env = append(env, opts.Env...)
	}
	cmd.WaitDelay = l.waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	// Only a failed start counts against the executable's breaker.
	_, err = l.breakers.get(exe).Execute(func() (interface{}, error) {
		return nil, cmd.Start()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%s: launches suspended after repeated start failures: %w", exe, err)
		}
		return fmt.Errorf("failed to start %s: %w", exe, err)
	}

	l.track(cmd)
	defer l.untrack(cmd)

	var lastErrLine string
	var g errgroup.Group
	g.Go(func() error {
		l.pump(stdout, scope, false, nil)
		return nil
	})
	g.Go(func() error {
		l.pump(stderr, scope, true, &lastErrLine)
		return nil
	})
	_ = g.Wait()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if lastErrLine != "" {
			return fmt.Errorf("%s exited with code %d: %w (stderr: %s)", argv[0], exitErr.ExitCode(), waitErr, lastErrLine)
		}
		return fmt.Errorf("%s exited with code %d: %w", argv[0], exitErr.ExitCode(), waitErr)
	}
	return fmt.Errorf("%s failed: %w", argv[0], waitErr)
}

// pump publishes r line by line until EOF. Overlong lines end scanning; the
// rest of the stream is discarded so the child never blocks on a full pipe.
func (l *Launcher) pump(r io.Reader, scope engine.Scope, isStderr bool, last *string) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for sc.Scan() {
		line := sc.Text()
		if last != nil && strings.TrimSpace(line) != "" {
			*last = line
		}
		l.bus.Publish(events.TaskOutputEvent{
			Run:       scope.Run,
			Name:      scope.Task,
			Line:      line,
			Stderr:    isStderr,
			Timestamp: time.Now(),
		})
	}
	if err := sc.Err(); err != nil {
		l.log.WithField("task", scope.Task).WithError(err).Debug("Output reader stopped, discarding the rest")
		_, _ = io.Copy(io.Discard, r)
	}
}

// newCommand creates an exec.Cmd in a new process group whose context
// cancellation kills the entire group.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	return cmd
}

// killProcessGroup sends SIGKILL to every process in cmd's group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return ErrNotStarted
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group %d: %w", cmd.Process.Pid, err)
	}
	return nil
}

func (l *Launcher) track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.procs[cmd.Process.Pid] = cmd
}

func (l *Launcher) untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.procs, cmd.Process.Pid)
}

// KillAll kills the process group of every running child.
func (l *Launcher) KillAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var result *multierror.Error
	for _, cmd := range l.procs {
		if err := killProcessGroup(cmd); err != nil && !errors.Is(err, syscall.ESRCH) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Count returns the number of running children.
func (l *Launcher) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}
