package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	lockPath := PathFor(t.TempDir())

	lock, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}

	pid, err := ReadPID(lockPath)
	if err != nil {
		t.Fatalf("Failed to read PID: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("Expected PID %d, got %d", os.Getpid(), pid)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Failed to release lock: %v", err)
	}
	if _, err := os.Stat(lockPath); err != nil {
		t.Errorf("Lock file should persist after release: %v", err)
	}
}

func TestAcquireTwice_ReportsHolder(t *testing.T) {
	lockPath := PathFor(t.TempDir())

	lock, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	_, err = Acquire(lockPath)
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Expected ErrAlreadyRunning, got %v", err)
	}
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("Expected HeldError, got %T", err)
	}
	if held.PID != os.Getpid() || held.Path != lockPath {
		t.Errorf("Unexpected holder %+v", held)
	}
}

func TestAcquireAfterRelease(t *testing.T) {
	lockPath := PathFor(t.TempDir())

	first, err := Acquire(lockPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Release(); err != nil {
		t.Fatal(err)
	}

	second, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Expected reacquire to succeed, got %v", err)
	}
	second.Release()
}

func TestRelease_Idempotent(t *testing.T) {
	lock, err := Acquire(PathFor(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Second release should be a no-op, got %v", err)
	}
}

func TestAcquire_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "var", "lib", "tidemeter")
	lock, err := Acquire(PathFor(dir))
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, FileName) {
		t.Errorf("Unexpected path %s", lock.Path())
	}
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content *string
		want    int
		wantErr bool
	}{
		{"missing", nil, 0, false},
		{"empty", ptr(""), 0, true},
		{"whitespace", ptr("  \n"), 0, true},
		{"no newline", ptr("4242"), 4242, false},
		{"garbage", ptr("pid"), 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".lock")
			if tt.content != nil {
				if err := os.WriteFile(path, []byte(*tt.content), 0o644); err != nil {
					t.Fatal(err)
				}
			}
			got, err := ReadPID(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ReadPID error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ReadPID = %d, want %d", got, tt.want)
			}
		})
	}
}

func ptr(s string) *string {
	return &s
}
