package bootcfg_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/anillo-os/anillo/internal/bootcfg"
	"github.com/anillo-os/anillo/internal/errs"
)

func TestParseKeyValuePairs(t *testing.T) {
	src := strings.NewReader(`
# comment line, ignored
ramdisk=/boot/initrd.img
kernel  =  /boot/anillo
cmdline=console=com1 loglevel=4
`)

	cfg, err := bootcfg.Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got := cfg.String(bootcfg.KeyRamdisk, ""); got != "/boot/initrd.img" {
		t.Errorf("ramdisk = %q, want /boot/initrd.img", got)
	}

	if got := cfg.String(bootcfg.KeyKernel, ""); got != "/boot/anillo" {
		t.Errorf("kernel = %q, want /boot/anillo", got)
	}

	if got := cfg.String(bootcfg.KeyCmdline, ""); got != "console=com1 loglevel=4" {
		t.Errorf("cmdline = %q, want %q", got, "console=com1 loglevel=4")
	}
}

func TestParseMissingEqualsIsError(t *testing.T) {
	_, err := bootcfg.Parse(strings.NewReader("not-a-pair\n"))
	if errs.KindOf(err) != errs.InvalidArgument {
		t.Fatalf("KindOf(err) = %v, want InvalidArgument", errs.KindOf(err))
	}
}

func TestStringDefaultWhenAbsent(t *testing.T) {
	cfg, err := bootcfg.Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got := cfg.String("missing", "fallback"); got != "fallback" {
		t.Errorf("String(missing) = %q, want fallback", got)
	}
}

func TestUint64AndBool(t *testing.T) {
	cfg, err := bootcfg.Parse(strings.NewReader("pages=0x1000\nquiet=true\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	pages, err := cfg.Uint64("pages", 0)
	if err != nil {
		t.Fatalf("Uint64: %v", err)
	}

	if pages != 0x1000 {
		t.Errorf("pages = %d, want 4096", pages)
	}

	quiet, err := cfg.Bool("quiet", false)
	if err != nil {
		t.Fatalf("Bool: %v", err)
	}

	if !quiet {
		t.Error("quiet = false, want true")
	}
}

func TestKeysPreservesFirstSeenOrder(t *testing.T) {
	cfg, err := bootcfg.Parse(strings.NewReader("b=2\na=1\nb=3\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := []string{"b", "a"}
	got := cfg.Keys()

	if len(got) != len(want) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Keys() = %v, want %v", got, want)
		}
	}
}

func TestRamdiskHeaderRoundTrip(t *testing.T) {
	in := &bootcfg.RamdiskHeader{EntryPoint: 0x10000, PageCount: 42}

	var buf bytes.Buffer
	if err := bootcfg.EncodeRamdiskHeader(&buf, in); err != nil {
		t.Fatalf("EncodeRamdiskHeader: %v", err)
	}

	out, err := bootcfg.DecodeRamdiskHeader(&buf)
	if err != nil {
		t.Fatalf("DecodeRamdiskHeader: %v", err)
	}

	if out.EntryPoint != in.EntryPoint || out.PageCount != in.PageCount {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}

	if out.Version != bootcfg.RamdiskVersion {
		t.Errorf("Version = %d, want %d", out.Version, bootcfg.RamdiskVersion)
	}
}

func TestRamdiskHeaderRejectsBadMagic(t *testing.T) {
	_, err := bootcfg.DecodeRamdiskHeader(bytes.NewReader(make([]byte, 24)))
	if errs.KindOf(err) != errs.InvalidArgument {
		t.Fatalf("KindOf(err) = %v, want InvalidArgument", errs.KindOf(err))
	}
}

func TestRamdiskHeaderTruncatedIsError(t *testing.T) {
	_, err := bootcfg.DecodeRamdiskHeader(bytes.NewReader([]byte{1, 2, 3}))
	if err == nil {
		t.Fatal("expected error for truncated header")
	}
}
