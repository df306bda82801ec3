package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("expected lock acquisition to succeed, got %v", err)
	}

	lockPath := filepath.Join(dir, LockFileName)
	data, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("expected lock file to exist, got %v", err)
	}
	want := fmt.Sprintf("pid=%d", os.Getpid())
	if !strings.Contains(string(data), want) {
		t.Errorf("expected lock file to contain %q, got %q", want, string(data))
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("expected release to succeed, got %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("expected lock file to be removed after release, got %v", err)
	}
	// Second release is a no-op.
	if err := lock.Release(); err != nil {
		t.Errorf("expected repeated release to succeed, got %v", err)
	}
}

func TestAcquireConflict(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("expected first lock acquisition to succeed, got %v", err)
	}
	defer first.Release()

	_, err = AcquireLock(dir)
	if err == nil {
		t.Fatal("expected second acquisition to fail while lock is held")
	}
	lockErr, ok := err.(*LockError)
	if !ok {
		t.Fatalf("expected *LockError, got %T: %v", err, err)
	}
	if !strings.Contains(lockErr.ExistingInfo, "running") {
		t.Errorf("expected existing lock info to mention the running process, got %q", lockErr.ExistingInfo)
	}
}

func TestExtractPIDFromLockInfo(t *testing.T) {
	cases := []struct {
		content string
		want    int
	}{
		{"pid=1234\n", 1234},
		{"pid=", 0},
		{"garbage", 0},
		{"prefix pid=42 suffix", 42},
	}
	for _, c := range cases {
		if got := extractPIDFromLockInfo(c.content); got != c.want {
			t.Errorf("extractPIDFromLockInfo(%q) = %d, want %d", c.content, got, c.want)
		}
	}
}
