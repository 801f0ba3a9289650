package corelet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sdewitt/kiln/internal/model"
)

// DefaultGrace is the SIGTERM-to-SIGKILL window used when none is configured.
const DefaultGrace = 3 * time.Second

// stderrSnippet caps how much child stderr is carried into a failure result.
const stderrSnippet = 512

// Config configures the corelet manager.
type Config struct {
	// Command is the child command line. Empty means re-exec the current
	// binary with EnvMarker set, which requires the host binary to call
	// Main early in its own main.
	Command []string

	// Grace is how long a terminated corelet gets between SIGTERM and SIGKILL.
	Grace time.Duration
}

// handle tracks one live corelet subprocess.
type handle struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// Manager launches, supervises and forcibly terminates corelet
// subprocesses. One supervising goroutine blocks per corelet, so the
// number of live corelets is bounded by the caller's worker pool size.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*handle // message ID → handle
}

// NewManager creates a corelet manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		active: make(map[string]*handle),
	}
}

// Execute runs msg inside a fresh subprocess and returns its result.
// Every failure mode is converted into a failure result; Execute never
// panics the caller and never leaves the child process alive. Cancelling
// ctx triggers graceful-then-forced teardown of the process tree: a
// deadline yields a timeout result, any other cancellation a shutdown
// result.
func (m *Manager) Execute(ctx context.Context, msg *model.Message) *model.Result {
	argv, err := m.argv()
	if err != nil {
		return model.Failed(msg, model.KindProcess, fmt.Sprintf("resolve corelet command: %v", err))
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), EnvMarker+"=1")
	// Own process group so a kill reaches the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return model.Failed(msg, model.KindProcess, fmt.Sprintf("open stdin pipe: %v", err))
	}

	if err := cmd.Start(); err != nil {
		return model.Failed(msg, model.KindProcess, fmt.Sprintf("launch corelet: %v", err))
	}

	h := &handle{cmd: cmd, done: make(chan struct{})}
	m.track(msg.ID, h)
	defer m.untrack(msg.ID)

	activeCorelets.Inc()
	defer activeCorelets.Dec()

	// Reap the child on every path; h.done must close or a concurrent
	// Terminate on this id would block forever.
	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		close(h.done)
		waitErr <- err
	}()

	// Ship the message and close the stream; the child reads to EOF.
	writeErr := WriteMessage(stdin, msg)
	stdin.Close()
	if writeErr != nil {
		m.kill(msg.ID, h)
		<-h.done
		return model.Failed(msg, model.KindProcess, fmt.Sprintf("write message: %v", writeErr))
	}

	select {
	case err := <-waitErr:
		return m.finish(msg, err, &stdout, &stderr)

	case <-ctx.Done():
		m.terminate(msg.ID, h, m.cfg.Grace)
		<-waitErr
		coreletsTotal.WithLabelValues(msg.Type, outcomeKilled).Inc()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return model.Failed(msg, model.KindTimeout,
				fmt.Sprintf("corelet exceeded %ds budget, killed", msg.TimeoutS))
		}
		return model.Failed(msg, model.KindShutdown, "engine stopped, corelet killed")
	}
}

// finish converts a completed child process into a result.
func (m *Manager) finish(msg *model.Message, waitErr error, stdout, stderr *bytes.Buffer) *model.Result {
	if waitErr != nil {
		coreletsTotal.WithLabelValues(msg.Type, outcomeError).Inc()
		return model.Failed(msg, model.KindProcess,
			fmt.Sprintf("corelet exited: %v%s", waitErr, stderrTail(stderr)))
	}

	var res model.Result
	if err := ReadMessage(bytes.NewReader(stdout.Bytes()), &res); err != nil {
		coreletsTotal.WithLabelValues(msg.Type, outcomeError).Inc()
		return model.Failed(msg, model.KindProcess,
			fmt.Sprintf("decode corelet result: %v%s", err, stderrTail(stderr)))
	}

	// Restore the parent-side back-reference; the child only had a copy.
	res.Message = msg

	if res.Success {
		coreletsTotal.WithLabelValues(msg.Type, outcomeCompleted).Inc()
	} else {
		coreletsTotal.WithLabelValues(msg.Type, outcomeFailed).Inc()
	}
	return &res
}

// Terminate tears down the corelet running message id, if any. Used by
// Shutdown and exposed for operational kills.
func (m *Manager) Terminate(id string, grace time.Duration) {
	m.mu.Lock()
	h, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.terminate(id, h, grace)
}

// Shutdown forcibly terminates all live corelets after grace.
func (m *Manager) Shutdown(grace time.Duration) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	handles := make([]*handle, 0, len(m.active))
	for id, h := range m.active {
		ids = append(ids, id)
		handles = append(handles, h)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(id string, h *handle) {
			defer wg.Done()
			m.terminate(id, h, grace)
		}(ids[i], handles[i])
	}
	wg.Wait()
}

// Active returns the number of live corelets.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// terminate sends SIGTERM to the corelet's process group, waits up to
// grace, then SIGKILLs whatever is left.
func (m *Manager) terminate(id string, h *handle, grace time.Duration) {
	pid := h.cmd.Process.Pid
	m.logger.Debug("terminating corelet", "message_id", id, "pid", pid, "grace", grace)

	m.signal(pid, syscall.SIGTERM)

	select {
	case <-h.done:
		return
	case <-time.After(grace):
	}

	m.logger.Warn("corelet ignored SIGTERM, killing", "message_id", id, "pid", pid)
	m.signal(pid, syscall.SIGKILL)
	<-h.done
}

// kill immediately SIGKILLs the corelet's process group.
func (m *Manager) kill(id string, h *handle) {
	m.logger.Debug("killing corelet", "message_id", id, "pid", h.cmd.Process.Pid)
	m.signal(h.cmd.Process.Pid, syscall.SIGKILL)
}

// signal delivers sig to the process group rooted at pid, falling back to
// the single process if the group is already gone.
func (m *Manager) signal(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = syscall.Kill(pid, sig)
	}
}

func (m *Manager) track(id string, h *handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[id] = h
}

func (m *Manager) untrack(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
}

// argv resolves the child command line, defaulting to re-exec of the
// current binary.
func (m *Manager) argv() ([]string, error) {
	if len(m.cfg.Command) > 0 {
		return m.cfg.Command, nil
	}
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return []string{self}, nil
}

// stderrTail formats a trailing snippet of child stderr for diagnostics.
func stderrTail(stderr *bytes.Buffer) string {
	s := strings.TrimSpace(stderr.String())
	if s == "" {
		return ""
	}
	if len(s) > stderrSnippet {
		s = s[len(s)-stderrSnippet:]
	}
	return "; stderr: " + s
}
