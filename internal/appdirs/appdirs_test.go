package appdirs

import (
	"path/filepath"
	"testing"
)

func TestDataDirOverride(t *testing.T) {
	t.Setenv("PROBLY_DATA_DIR", "/tmp/probly-test")
	dir, err := DataDir()
	if err != nil {
		t.Fatalf("data dir: %v", err)
	}
	if dir != "/tmp/probly-test" {
		t.Fatalf("expected override dir, got %q", dir)
	}
}

func TestSandboxDir(t *testing.T) {
	got := SandboxDir("/data")
	want := filepath.Join("/data", "sandbox")
	if got != want {
		t.Fatalf("sandbox dir = %q, want %q", got, want)
	}
}
