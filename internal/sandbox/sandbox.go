// Package sandbox runs untrusted, model-generated code against a CSV
// projection of the data slice, with hard resource bounds. One session is
// created per analysis request and never reused across requests.
package sandbox

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PragmaticMachineLearning/probly/internal/logging"
)

// State is the sandbox session lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateReady         State = "ready"
	StateRunning       State = "running"
	StateDestroyed     State = "destroyed"
)

// Result holds one execution's captured output. Stdout and stderr are
// captured separately; on timeout both hold whatever arrived before the
// kill.
type Result struct {
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// Instance is one isolated runtime, exclusively owned by a single tool call.
type Instance interface {
	ID() string
	State() State
	Execute(ctx context.Context, code, csvData string, timeout time.Duration) (Result, error)
	Destroy() error
}

// Factory creates sandbox instances. The engine takes a Factory so tests can
// substitute a fake.
type Factory interface {
	Acquire(ctx context.Context) (Instance, error)
}

// Manager is the production Factory: each Acquire yields a fresh python
// session in its own scratch directory.
type Manager struct {
	baseDir    string
	logger     *slog.Logger
	resolve    sync.Once
	python     string
	resolveErr error
}

func NewManager(baseDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{baseDir: baseDir, logger: logger}
}

func (m *Manager) Acquire(ctx context.Context) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.resolve.Do(func() {
		m.python, m.resolveErr = resolvePython()
	})
	if m.resolveErr != nil {
		m.logger.Warn("sandbox.runtime_missing", "error", m.resolveErr.Error())
		return nil, ErrUnavailable
	}
	id := uuid.NewString()
	workdir := filepath.Join(m.baseDir, id)
	if err := os.MkdirAll(workdir, 0o700); err != nil {
		return nil, err
	}
	session := &Session{
		id:      id,
		python:  m.python,
		workdir: workdir,
		state:   StateUninitialized,
		created: time.Now().UTC(),
		logger:  m.logger,
	}
	if err := session.initialize(); err != nil {
		_ = session.Destroy()
		return nil, err
	}
	m.logger.Debug("sandbox.acquired", "session_id", id)
	return session, nil
}

// Session is a per-request runtime handle. Not safe for concurrent Execute
// calls; the dispatch layer runs at most one execution per session.
type Session struct {
	id      string
	python  string
	workdir string
	created time.Time
	logger  *slog.Logger

	mu    sync.Mutex
	state State
	init  sync.Once
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) CreatedAt() time.Time { return s.created }

// initialize writes the bootstrap into the session directory. Idempotent
// and memoized per session.
func (s *Session) initialize() error {
	var err error
	s.init.Do(func() {
		err = os.WriteFile(filepath.Join(s.workdir, "bootstrap.py"), []byte(bootstrapSource), 0o600)
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.state == StateUninitialized {
			s.state = StateReady
		}
		s.mu.Unlock()
	})
	return err
}

// Execute loads csvData into the runtime and runs code against it, racing
// the timeout. On timeout the process is killed and the partial output is
// returned with TimedOut set; that is a degraded result, not an error.
func (s *Session) Execute(ctx context.Context, code, csvData string, timeout time.Duration) (Result, error) {
	s.mu.Lock()
	switch s.state {
	case StateDestroyed:
		s.mu.Unlock()
		return Result{}, ErrDestroyed
	case StateRunning:
		s.mu.Unlock()
		return Result{}, ErrBusy
	}
	s.state = StateRunning
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.state == StateRunning {
			s.state = StateReady
		}
		s.mu.Unlock()
	}()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	codePath := filepath.Join(s.workdir, "analysis.py")
	csvPath := filepath.Join(s.workdir, "data.csv")
	if err := os.WriteFile(codePath, []byte(code), 0o600); err != nil {
		return Result{}, err
	}
	if err := os.WriteFile(csvPath, []byte(csvData), 0o600); err != nil {
		return Result{}, err
	}

	cmd := exec.Command(s.python, "-u", filepath.Join(s.workdir, "bootstrap.py"), codePath, csvPath)
	cmd.Dir = s.workdir
	cmd.Env = []string{"PYTHONUNBUFFERED=1", "PATH=" + os.Getenv("PATH")}

	var stdout, stderr lockedBuffer
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, err
	}
	start := time.Now()
	if err := cmd.Start(); err != nil {
		s.logger.Warn("sandbox.start_failed", "session_id", s.id, "error", err.Error())
		return Result{}, ErrUnavailable
	}
	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() { defer pipes.Done(); _, _ = io.Copy(&stdout, stdoutPipe) }()
	go func() { defer pipes.Done(); _, _ = io.Copy(&stderr, stderrPipe) }()

	done := make(chan error, 1)
	go func() {
		pipes.Wait()
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	result := func(timedOut bool) Result {
		return Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			TimedOut: timedOut,
			Duration: time.Since(start),
		}
	}
	select {
	case <-done:
		// Nonzero exit is normal completion with a traceback on stderr;
		// the dispatch layer decides how to surface it.
		s.logger.Debug("sandbox.executed", "session_id", s.id, "stdout_bytes", len(stdout.String()), "stderr_bytes", len(stderr.String()))
		return result(false), nil
	case <-timer.C:
		_ = cmd.Process.Kill()
		<-done
		s.logger.Warn("sandbox.execution_timeout", "session_id", s.id, "timeout", timeout.String())
		return result(true), nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return result(false), ctx.Err()
	}
}

// Destroy releases the runtime and scratch space. Idempotent; safe on every
// exit path including cancellation.
func (s *Session) Destroy() error {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateDestroyed
	s.mu.Unlock()
	err := os.RemoveAll(s.workdir)
	s.logger.Debug("sandbox.destroyed", "session_id", s.id)
	return err
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func resolvePython() (string, error) {
	if path, err := exec.LookPath("python3"); err == nil {
		return path, nil
	}
	if path, err := exec.LookPath("python"); err == nil {
		return path, nil
	}
	return "", ErrUnavailable
}
