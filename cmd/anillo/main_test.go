package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/anillo-os/anillo/internal/bootio"
	"github.com/anillo-os/anillo/internal/log"
)

// bytesBuf is a mutex-guarded bytes.Buffer, since the boot console and
// logger both write to it from goroutines spawned by the scheduler.
type bytesBuf struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *bytesBuf) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *bytesBuf) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

func TestPagesFromSystemMemoryFloorsAtMinimum(t *testing.T) {
	if got := pagesFromSystemMemory(0); got != 4096 {
		t.Errorf("pagesFromSystemMemory(0) = %d, want 4096", got)
	}
}

func TestPagesFromSystemMemoryScalesWithDetectedMemory(t *testing.T) {
	const oneGiB = 1 << 30

	got := pagesFromSystemMemory(oneGiB)
	want := (uint64(oneGiB) / 4) / 4096

	if got != want {
		t.Errorf("pagesFromSystemMemory(1GiB) = %d, want %d", got, want)
	}
}

func TestLoadConfigEmptyPathReturnsEmptyConfig(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig(\"\"): %v", err)
	}

	if got := cfg.String("cmdline", "default"); got != "default" {
		t.Errorf("String(cmdline) = %q, want default", got)
	}
}

func TestLoadConfigReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.cfg")

	if err := os.WriteFile(path, []byte("cmdline=quiet\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig(%q): %v", path, err)
	}

	if got := cfg.String("cmdline", ""); got != "quiet" {
		t.Errorf("String(cmdline) = %q, want quiet", got)
	}
}

func TestLoadConfigMissingFileIsError(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.cfg")); err == nil {
		t.Fatal("expected error for missing boot config file")
	}
}

func TestBootCompletesTheDemoRoundTrip(t *testing.T) {
	var out bytesBuf

	console := bootio.NewConsole(&out)
	logger := log.NewFormattedLogger(&out)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan int, 1)

	go func() { done <- boot(ctx, console, logger, 1, 4096) }()

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("boot() = %d, want 0; output:\n%s", code, out.String())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("boot() did not return; output so far:\n%s", out.String())
	}
}
