package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(filepath.Join(dir, "secrets.enc"), filepath.Join(dir, "master.key"))
}

func TestSetGetClearProviderKey(t *testing.T) {
	store := newTestStore(t)

	if key, err := store.GetProviderKey("openai"); err != nil || key != "" {
		t.Fatalf("expected empty key, got %q err %v", key, err)
	}
	if err := store.SetProviderKey("openai", "sk-test-1234"); err != nil {
		t.Fatalf("set: %v", err)
	}
	key, err := store.GetProviderKey("openai")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if key != "sk-test-1234" {
		t.Fatalf("got %q", key)
	}
	if err := store.ClearProviderKey("openai"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if key, _ := store.GetProviderKey("openai"); key != "" {
		t.Fatalf("expected cleared key, got %q", key)
	}
}

func TestSecretsEncryptedAtRest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.enc")
	store := NewStore(path, filepath.Join(dir, "master.key"))
	if err := store.SetProviderKey("anthropic", "sk-ant-secret"); err != nil {
		t.Fatalf("set: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(raw), "sk-ant-secret") {
		t.Fatal("plaintext key found on disk")
	}
}

func TestEmptyProviderIDRejected(t *testing.T) {
	store := newTestStore(t)
	if err := store.SetProviderKey("  ", "value"); err == nil {
		t.Fatal("expected error for blank provider id")
	}
	if _, err := store.GetProviderKey(""); err == nil {
		t.Fatal("expected error for blank provider id")
	}
}
