package bootcore

import (
	"context"
	"testing"
	"time"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
	"github.com/hexagonal-sun/moss-kernel/internal/archhal/amd64"
	"github.com/hexagonal-sun/moss-kernel/internal/linux/defs"
	"github.com/hexagonal-sun/moss-kernel/internal/sched"
)

func TestParseCmdlineDefaults(t *testing.T) {
	cfg, err := ParseCmdline("")
	if err != nil {
		t.Fatalf("ParseCmdline: %v", err)
	}
	if cfg.InitPath != defaultInitPath {
		t.Fatalf("InitPath = %q, want %q", cfg.InitPath, defaultInitPath)
	}
	if cfg.Rootfs != "" {
		t.Fatalf("Rootfs = %q, want empty default", cfg.Rootfs)
	}
}

func TestParseCmdlineRecognizesAllFlags(t *testing.T) {
	cfg, err := ParseCmdline("--init=/sbin/init --init-arg=-v --init-arg=single --rootfs=tmpfs --automount=/proc,procfs")
	if err != nil {
		t.Fatalf("ParseCmdline: %v", err)
	}
	if cfg.InitPath != "/sbin/init" {
		t.Fatalf("InitPath = %q", cfg.InitPath)
	}
	if len(cfg.InitArgs) != 2 || cfg.InitArgs[0] != "-v" || cfg.InitArgs[1] != "single" {
		t.Fatalf("InitArgs = %v", cfg.InitArgs)
	}
	if cfg.Rootfs != RootfsTmpfs {
		t.Fatalf("Rootfs = %q, want tmpfs", cfg.Rootfs)
	}
	if len(cfg.Automounts) != 1 || cfg.Automounts[0] != (Automount{Mountpoint: "/proc", Fstype: "procfs"}) {
		t.Fatalf("Automounts = %v", cfg.Automounts)
	}
}

func TestParseCmdlineRejectsMalformedToken(t *testing.T) {
	if _, err := ParseCmdline("init=/bin/init"); err == nil {
		t.Fatal("expected error for token missing -- prefix")
	}
}

func TestParseCmdlineRejectsUnknownFlag(t *testing.T) {
	if _, err := ParseCmdline("--bogus=1"); err == nil {
		t.Fatal("expected error for unrecognized flag")
	}
}

func TestParseCmdlineRejectsUnknownRootfs(t *testing.T) {
	if _, err := ParseCmdline("--rootfs=btrfs"); err == nil {
		t.Fatal("expected error for unknown rootfs")
	}
}

func testMemory() []MemoryRange {
	return []MemoryRange{
		{Base: 0, Size: 64 * 1024 * 1024, Usable: true},
	}
}

func TestBootBringsUpInitProcessWithConsoleFDs(t *testing.T) {
	k, err := Boot(amd64.New(), BootInfo{Cmdline: "--rootfs=tmpfs", Memory: testMemory()}, 1, sched.DefaultTunables(), nil)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if k.Init == nil {
		t.Fatal("expected init process to be constructed")
	}
	if k.Config.Rootfs != RootfsTmpfs {
		t.Fatalf("Config.Rootfs = %q, want tmpfs", k.Config.Rootfs)
	}
}

func TestBootRejectsMemoryMapWithNoUsableRange(t *testing.T) {
	_, err := Boot(amd64.New(), BootInfo{Memory: []MemoryRange{{Base: 0, Size: 4096, Usable: false}}}, 1, sched.DefaultTunables(), nil)
	if err == nil {
		t.Fatal("expected error when no usable memory range is present")
	}
}

func TestRunSelfTestPassesEveryScenario(t *testing.T) {
	k, err := Boot(amd64.New(), BootInfo{Memory: testMemory()}, 1, sched.DefaultTunables(), nil)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	failed, err := RunSelfTest(ctx, k, nil)
	if err != nil {
		t.Fatalf("RunSelfTest: scenario %q failed: %v", failed, err)
	}
	if failed != "" {
		t.Fatalf("RunSelfTest reported failed scenario %q with nil error", failed)
	}
}

func TestExitCodeUnsetUntilZombie(t *testing.T) {
	k, err := Boot(amd64.New(), BootInfo{Memory: testMemory()}, 1, sched.DefaultTunables(), nil)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if _, ok := k.ExitCode(); ok {
		t.Fatal("ExitCode should report !ok before init exits")
	}

	cpu := k.CPUs[0]
	state, err := syscallState(archhal.ArchitectureX86_64, defs.SYS_EXIT_GROUP, 5)
	if err != nil {
		t.Fatalf("syscallState: %v", err)
	}
	if err := k.Syscall(cpu, state); err != nil {
		t.Fatalf("Syscall: %v", err)
	}
	status, ok := k.ExitCode()
	if !ok {
		t.Fatal("ExitCode should report ok once init is a zombie")
	}
	if status != 5 {
		t.Fatalf("ExitCode = %d, want 5", status)
	}
}
