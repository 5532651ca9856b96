// Package bootcfg parses the boot configuration the firmware hands the
// kernel core before any subsystem is initialized (§6): a flat text file
// of key=value lines naming the ramdisk image, the kernel image, and a
// free-form command line, plus the small binary header prefixing a
// ramdisk image itself.
//
// The key=value grammar is intentionally unfussy, in the same register as
// the teacher's internal/encoding package: this is boot-time text parsed
// once, not a format that earns a third-party config library.
package bootcfg

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/anillo-os/anillo/internal/errs"
)

// Well-known keys the boot loader is expected to pass.
const (
	KeyRamdisk = "ramdisk"
	KeyKernel  = "kernel"
	KeyCmdline = "cmdline"
)

// Config is a parsed boot config: an ordered set of key=value pairs. Keys
// are case-sensitive and duplicates overwrite, last one wins, matching
// how a concatenated multiboot command line behaves.
type Config struct {
	values map[string]string
	order  []string
}

// Parse reads line-oriented key=value boot config text from r. Blank
// lines and lines beginning with '#' are ignored. A line with no '='
// is a syntax error.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{values: make(map[string]string)}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, errs.New(errs.InvalidArgument, "bootcfg.parse")
		}

		key = strings.TrimSpace(key)
		if key == "" {
			return nil, errs.New(errs.InvalidArgument, "bootcfg.parse")
		}

		if _, exists := cfg.values[key]; !exists {
			cfg.order = append(cfg.order, key)
		}

		cfg.values[key] = strings.TrimSpace(value)
	}

	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "bootcfg.parse", err)
	}

	return cfg, nil
}

// String returns the value for key, or def if key is absent.
func (c *Config) String(key, def string) string {
	if v, ok := c.values[key]; ok {
		return v
	}

	return def
}

// Uint64 parses the value for key as a decimal or 0x-prefixed integer.
// It returns def if key is absent, and an error if present but
// unparsable.
func (c *Config) Uint64(key string, def uint64) (uint64, error) {
	v, ok := c.values[key]
	if !ok {
		return def, nil
	}

	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return 0, errs.Wrap(errs.InvalidArgument, "bootcfg.uint64", err)
	}

	return n, nil
}

// Bool parses the value for key as "true"/"false"/"1"/"0". It returns
// def if key is absent.
func (c *Config) Bool(key string, def bool) (bool, error) {
	v, ok := c.values[key]
	if !ok {
		return def, nil
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errs.Wrap(errs.InvalidArgument, "bootcfg.bool", err)
	}

	return b, nil
}

// Keys returns every key in the order it was first seen.
func (c *Config) Keys() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)

	return out
}
