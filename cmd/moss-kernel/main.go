// Command moss-kernel is the hosted developer harness: it boots the core
// against a simulated physical address space and bootloader-supplied memory
// map, without any real hardware, hypervisor, or ELF-loaded userspace
// program behind it. It exists so the arch HAL, memory managers,
// scheduler, and syscall dispatch can be iterated on and replayed locally,
// the same role internal/cmd/kernel/main.go plays for the teacher's own
// kernel-image tooling.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
	"github.com/hexagonal-sun/moss-kernel/internal/archhal/amd64"
	"github.com/hexagonal-sun/moss-kernel/internal/archhal/arm64"
	"github.com/hexagonal-sun/moss-kernel/internal/bootcore"
	"github.com/hexagonal-sun/moss-kernel/internal/sched"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	archName := fs.String("arch", string(archhal.ArchitectureNative), "target architecture (x86_64 or arm64)")
	numCPUs := fs.Int("cpus", 2, "number of CPUs to boot")
	cmdline := fs.String("cmdline", "--init=/bin/init --rootfs=tmpfs", "boot command line (spec.md §6 grammar)")
	memMiB := fs.Uint64("mem-mib", 64, "usable RAM reported in the simulated boot memory map, in MiB")
	tunablesPath := fs.String("tunables", "", "optional YAML file overriding scheduler tunables")
	selfTest := fs.Bool("self-test", true, "replay the literal end-to-end scenarios (spec.md §8) instead of idling the init task")
	listScenarios := fs.Bool("list-scenarios", false, "print the self-test scenario names and exit")
	rawConsole := fs.Bool("raw-console", false, "put the controlling terminal into raw mode for the duration of the run, as a real serial console would present")
	verbose := fs.Bool("v", false, "enable debug-level structured logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *listScenarios {
		for _, s := range bootcore.AllScenarios {
			fmt.Println(s)
		}
		return
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *rawConsole && term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			log.Warn("failed to enter raw console mode", "err", err)
		} else {
			defer term.Restore(int(os.Stdin.Fd()), oldState)
		}
	}

	arch, err := archForName(*archName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	tun := sched.DefaultTunables()
	if *tunablesPath != "" {
		tun, err = sched.LoadTunables(*tunablesPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "moss-kernel: loading tunables: %v\n", err)
			os.Exit(1)
		}
	}

	info := bootcore.BootInfo{
		Cmdline: *cmdline,
		Memory: []bootcore.MemoryRange{
			{Base: 0, Size: *memMiB * 1024 * 1024, Usable: true},
		},
	}

	k, err := bootcore.Boot(arch, info, *numCPUs, tun, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "moss-kernel: boot failed: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	if !*selfTest {
		// No ELF loader or VFS is wired into this harness (both are
		// external collaborators per spec.md §1), so there is nothing for
		// the init task to execute; idle the scheduler until the process
		// is interrupted.
		log.Info("booted with no self-test; init task idle with no ELF loader wired")
		<-ctx.Done()
		return
	}

	bar := progressbar.Default(int64(len(bootcore.AllScenarios)), "self-test")
	failed, err := bootcore.RunSelfTest(ctx, k, bar)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nmoss-kernel: scenario %q failed: %v\n", failed, err)
		os.Exit(1)
	}

	fmt.Printf("\nmoss-kernel: all %d scenarios passed\n", len(bootcore.AllScenarios))
	if code, ok := k.ExitCode(); ok {
		os.Exit(code)
	}
}

func archForName(name string) (archhal.Arch, error) {
	switch archhal.CpuArchitecture(name) {
	case archhal.ArchitectureX86_64:
		return amd64.New(), nil
	case archhal.ArchitectureARM64:
		return arm64.New(), nil
	default:
		return nil, archhal.NewUnsupportedArch(archhal.CpuArchitecture(name))
	}
}
