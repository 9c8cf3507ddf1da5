package sandbox

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		if _, err := exec.LookPath("python"); err != nil {
			t.Skip("python not available")
		}
	}
}

func acquire(t *testing.T) Instance {
	t.Helper()
	requirePython(t)
	mgr := NewManager(t.TempDir(), nil)
	session, err := mgr.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(func() { _ = session.Destroy() })
	return session
}

func TestExecuteCapturesStdoutAndStderrSeparately(t *testing.T) {
	session := acquire(t)
	code := "import sys\nprint('out-line')\nprint('err-line', file=sys.stderr)\n"
	result, err := session.Execute(context.Background(), code, "a,b\n1,2\n", 10*time.Second)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.TimedOut {
		t.Fatal("unexpected timeout")
	}
	if !strings.Contains(result.Stdout, "out-line") {
		t.Fatalf("stdout = %q", result.Stdout)
	}
	if strings.Contains(result.Stdout, "err-line") {
		t.Fatalf("stderr leaked into stdout: %q", result.Stdout)
	}
	if !strings.Contains(result.Stderr, "err-line") {
		t.Fatalf("stderr = %q", result.Stderr)
	}
}

func TestExecuteLoadsCSVIntoDataVariable(t *testing.T) {
	session := acquire(t)
	code := "print(data[0][1])\nprint(data[1][0])\n"
	result, err := session.Execute(context.Background(), code, "name,total\nwidgets,12\n", 10*time.Second)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(result.Stdout, "total") || !strings.Contains(result.Stdout, "widgets") {
		t.Fatalf("stdout = %q", result.Stdout)
	}
}

func TestExecuteTimeoutReturnsPartialOutput(t *testing.T) {
	session := acquire(t)
	code := "import time\nprint('before-sleep', flush=True)\ntime.sleep(30)\nprint('after-sleep')\n"
	result, err := session.Execute(context.Background(), code, "a\n1\n", 1500*time.Millisecond)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.TimedOut {
		t.Fatal("expected timed-out result")
	}
	if !strings.Contains(result.Stdout, "before-sleep") {
		t.Fatalf("partial stdout lost: %q", result.Stdout)
	}
	if strings.Contains(result.Stdout, "after-sleep") {
		t.Fatalf("output past the kill: %q", result.Stdout)
	}
}

func TestExecuteSurfacesTracebackOnStderr(t *testing.T) {
	session := acquire(t)
	result, err := session.Execute(context.Background(), "raise ValueError('boom')\n", "a\n1\n", 10*time.Second)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(result.Stderr, "ValueError") {
		t.Fatalf("stderr = %q", result.Stderr)
	}
}

func TestExecuteObservesCancellation(t *testing.T) {
	session := acquire(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()
	_, err := session.Execute(ctx, "import time\ntime.sleep(30)\n", "a\n1\n", time.Minute)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestDestroyIsIdempotentAndBlocksExecute(t *testing.T) {
	session := acquire(t)
	if err := session.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := session.Destroy(); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
	if session.State() != StateDestroyed {
		t.Fatalf("state = %s", session.State())
	}
	if _, err := session.Execute(context.Background(), "print(1)", "a\n", time.Second); err != ErrDestroyed {
		t.Fatalf("err = %v, want ErrDestroyed", err)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	requirePython(t)
	mgr := NewManager(t.TempDir(), nil)
	first, err := mgr.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	second, err := mgr.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer second.Destroy()
	if first.ID() == second.ID() {
		t.Fatal("sessions share an id")
	}
	if err := first.Destroy(); err != nil {
		t.Fatalf("destroy first: %v", err)
	}
	result, err := second.Execute(context.Background(), "print('still-alive')\n", "a\n1\n", 10*time.Second)
	if err != nil {
		t.Fatalf("execute on surviving session: %v", err)
	}
	if !strings.Contains(result.Stdout, "still-alive") {
		t.Fatalf("stdout = %q", result.Stdout)
	}
}

func TestFakeRecordsLifecycle(t *testing.T) {
	fake := NewFake()
	instance, err := fake.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := instance.Execute(context.Background(), "code", "csv", time.Second); err != nil {
		t.Fatalf("execute: %v", err)
	}
	_ = instance.Destroy()
	_ = instance.Destroy()
	if fake.CreateCount != 1 || fake.DestroyCount != 1 || fake.ExecuteCount != 1 {
		t.Fatalf("create=%d destroy=%d execute=%d", fake.CreateCount, fake.DestroyCount, fake.ExecuteCount)
	}
	if fake.LastCode != "code" || fake.LastCSV != "csv" {
		t.Fatalf("recorded code=%q csv=%q", fake.LastCode, fake.LastCSV)
	}
}
