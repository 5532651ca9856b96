package bootio_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/anillo-os/anillo/internal/bootio"
)

func TestPrintfWritesThroughToUnderlyingWriter(t *testing.T) {
	var buf bytes.Buffer
	c := bootio.NewConsole(&buf)

	c.Printf("booting %s, %d pages\n", "anillo", 42)

	if got := buf.String(); got != "booting anillo, 42 pages\n" {
		t.Errorf("Printf output = %q", got)
	}
}

func TestWriteLineAppendsNewline(t *testing.T) {
	var buf bytes.Buffer
	c := bootio.NewConsole(&buf)

	c.WriteLine("ready")

	if got := buf.String(); got != "ready\n" {
		t.Errorf("WriteLine output = %q, want %q", got, "ready\n")
	}
}

func TestGeometryFalseForNonTerminalWriter(t *testing.T) {
	c := bootio.NewConsole(&bytes.Buffer{})

	if _, ok := c.Geometry(); ok {
		t.Error("Geometry ok = true for a plain bytes.Buffer, want false")
	}

	if c.IsTerminal() {
		t.Error("IsTerminal = true for a plain bytes.Buffer, want false")
	}
}

func TestConsoleSerializesConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	c := bootio.NewConsole(&buf)

	done := make(chan struct{})

	go func() {
		for i := 0; i < 100; i++ {
			c.WriteLine("a")
		}

		close(done)
	}()

	for i := 0; i < 100; i++ {
		c.WriteLine("b")
	}

	<-done

	if n := strings.Count(buf.String(), "\n"); n != 200 {
		t.Errorf("got %d lines, want 200", n)
	}
}
