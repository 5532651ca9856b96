// Package bootio is the console/framebuffer collaborator the boot
// sequence talks to before any subsystem it depends on is wired: a
// place to print boot progress and, if standard output is a real
// terminal, to report the framebuffer geometry the firmware would
// otherwise have handed the kernel in a boot config (§6).
//
// It is grounded on the teacher's cmd/internal/tty.Console -- the same
// terminal-size and raw-I/O concerns (golang.org/x/term,
// golang.org/x/sys) -- generalized from a full keyboard-driven
// teletype emulation down to the one-way boot console a kernel core
// actually needs: lines out, no keys in.
package bootio

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Geometry is a framebuffer's dimensions in character cells, the boot
// console's stand-in for a pixel framebuffer's mode.
type Geometry struct {
	Columns int
	Rows    int
}

// Console is an unbuffered, mutex-guarded writer wrapping whatever
// stream the boot sequence was given -- a real terminal when running
// interactively, any other io.Writer (a log file, a pipe, a test
// buffer) otherwise.
type Console struct {
	mu  sync.Mutex
	out io.Writer
	fd  int
	tty bool
}

// NewConsole wraps out. If out is backed by a file descriptor (an
// *os.File) and that descriptor is a terminal, Geometry reports the
// terminal's real size; otherwise it reports the zero value and ok is
// false.
func NewConsole(out io.Writer) *Console {
	c := &Console{out: out}

	if f, ok := out.(fdWriter); ok {
		c.fd = int(f.Fd())
		c.tty = term.IsTerminal(c.fd)
	}

	return c
}

type fdWriter interface {
	Fd() uintptr
}

// Geometry reports the console's framebuffer geometry, queried with the
// same TIOCGWINSZ ioctl the teacher's tty package uses for its terminal
// parameters (internal/sys.IoctlGetTermios's sibling call). ok is false
// if the console isn't backed by a real terminal or the query fails.
func (c *Console) Geometry() (g Geometry, ok bool) {
	if !c.tty {
		return Geometry{}, false
	}

	ws, err := unix.IoctlGetWinsize(c.fd, unix.TIOCGWINSZ)
	if err != nil {
		return Geometry{}, false
	}

	return Geometry{Columns: int(ws.Col), Rows: int(ws.Row)}, true
}

// Printf writes a formatted boot message, synchronized against
// concurrent writers (multiple CPU dispatch loops may log during
// boot).
func (c *Console) Printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, format, args...)
}

// WriteLine writes s followed by a newline.
func (c *Console) WriteLine(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(c.out, s)
}

// IsTerminal reports whether the console is backed by a real terminal.
func (c *Console) IsTerminal() bool { return c.tty }
