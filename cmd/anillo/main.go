// Command anillo boots the kernel core: it sizes the simulated machine
// to its environment, parses the boot config named on the command
// line, brings up the frame allocator, the scheduler, an initial
// address space, and an initial process, then demonstrates a
// channel round trip between two scheduler threads before shutting down.
//
// It replaces cmd/elsie, the teacher's LC-3 simulator CLI; this
// module's domain is a kernel core, not a machine simulator, so the
// entry point's job changed from "assemble and run a program" to
// "boot a kernel".
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pbnjay/memory"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/anillo-os/anillo/internal/bootcfg"
	"github.com/anillo-os/anillo/internal/bootio"
	"github.com/anillo-os/anillo/internal/channel"
	"github.com/anillo-os/anillo/internal/frame"
	"github.com/anillo-os/anillo/internal/log"
	"github.com/anillo-os/anillo/internal/proc"
	"github.com/anillo-os/anillo/internal/sched"
	"github.com/anillo-os/anillo/internal/vmm"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	fs := flag.NewFlagSet("anillo", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the boot config (key=value text); empty boots with defaults")
	numCPU := fs.Int("cpus", 1, "number of simulated CPUs")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := log.NewFormattedLogger(stderr)
	console := bootio.NewConsole(stdout)

	// Size the simulated machine to its environment, before any
	// subsystem below is initialized -- the boot-path "init() called
	// once" global state the core's design notes call for.
	undoMaxProcs, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		logger.Info(fmt.Sprintf(format, a...))
	}))
	defer undoMaxProcs()
	if err != nil {
		logger.Warn("maxprocs.Set", "error", err)
	}

	if _, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.FromSystem),
	); err != nil {
		logger.Warn("memlimit.SetGoMemLimitWithOpts", "error", err)
	}

	totalMem := memory.TotalMemory()
	console.Printf("anillo: %d bytes of system memory detected\n", totalMem)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "anillo: boot config: %v\n", err)
		return 1
	}

	cmdline := cfg.String(bootcfg.KeyCmdline, "")
	console.Printf("anillo: cmdline=%q\n", cmdline)

	regionPages, err := cfg.Uint64("pages", pagesFromSystemMemory(totalMem))
	if err != nil {
		fmt.Fprintf(stderr, "anillo: boot config: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return boot(ctx, console, logger, *numCPU, regionPages)
}

// loadConfig parses the boot config at path, or returns an empty
// config if path is unset -- the same fallback a boot loader that
// found no config partition would hit.
func loadConfig(path string) (*bootcfg.Config, error) {
	if path == "" {
		return bootcfg.Parse(strings.NewReader(""))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return bootcfg.Parse(f)
}

// pagesFromSystemMemory sizes the bootstrap frame region to a quarter
// of detected system memory, falling back to a fixed minimum if the
// host reports zero (e.g. running inside a restrictive sandbox).
func pagesFromSystemMemory(totalBytes uint64) uint64 {
	const minPages = 4096 // 16 MiB at a 4 KiB page size

	pages := (totalBytes / 4) / frame.PageSize
	if pages < minPages {
		pages = minPages
	}

	return pages
}

// boot brings up the kernel core subsystems in dependency order --
// region, scheduler, address space, process -- then demonstrates a
// channel round trip between two scheduler threads before tearing
// everything down.
func boot(ctx context.Context, console *bootio.Console, logger *log.Logger, numCPU int, regionPages uint64) int {
	region := frame.NewRegion(0, regionPages, logger)
	backingMemory := frame.NewMemory(region)

	bootPage, err := region.Allocate(1, 0)
	if err != nil {
		console.Printf("anillo: boot failed: %v\n", err)
		return 1
	}

	if err := backingMemory.WriteAt(bootPage, []byte("anillo\x00")); err != nil {
		console.Printf("anillo: boot failed: %v\n", err)
		return 1
	}

	scheduler := sched.New(numCPU, logger)
	scheduler.Run(ctx)
	defer func() {
		scheduler.Shutdown()
		_ = scheduler.Wait()
	}()

	console.Printf("anillo: booted %d CPU(s), %d frame pages\n", numCPU, regionPages)

	space := vmm.NewAddressSpace(0, regionPages, vmm.NullPageTableOps{}, logger)

	initThread := scheduler.NewThread()
	kernelProc, err := proc.New(1, nil, initThread, proc.NullBinaryLoader{}, space, scheduler, logger)
	if err != nil {
		console.Printf("anillo: boot failed: %v\n", err)
		return 1
	}
	defer kernelProc.Release()

	if err := demoChannelRoundTrip(ctx, scheduler, console, logger); err != nil {
		console.Printf("anillo: demo failed: %v\n", err)
		return 1
	}

	console.WriteLine("anillo: shutting down")

	return 0
}

// demoChannelRoundTrip spawns two scheduler threads that exchange one
// message over a channel pair -- the boot-time proof that the
// scheduler, wait queues, and channel endpoints are wired together
// correctly, the same role the teacher's "demo" CLI command plays for
// the LC-3 simulator.
func demoChannelRoundTrip(ctx context.Context, scheduler *sched.Scheduler, console *bootio.Console, logger *log.Logger) error {
	pair := channel.NewPair(scheduler, logger)

	senderDone := scheduler.Spawn(ctx, scheduler.NewThread(), func(ctx context.Context) error {
		msg := channel.NewMessage([]byte("hello from anillo boot"))
		return pair.A.Send(ctx, 0, msg)
	})

	var received *channel.Message

	receiverDone := scheduler.Spawn(ctx, scheduler.NewThread(), func(ctx context.Context) error {
		m, err := pair.B.Receive(ctx, 0)
		if err != nil {
			return err
		}

		received = m

		return nil
	})

	if err := <-senderDone; err != nil {
		return err
	}

	if err := <-receiverDone; err != nil {
		return err
	}

	if received != nil {
		console.Printf("anillo: demo channel delivered %q\n", string(received.Body))
	}

	return nil
}
