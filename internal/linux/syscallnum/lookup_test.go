package syscallnum

import (
	"testing"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
	"github.com/hexagonal-sun/moss-kernel/internal/linux/defs"
)

func TestNumber(t *testing.T) {
	tests := []struct {
		name string
		arch archhal.CpuArchitecture
		sc   defs.Syscall
		want int
	}{
		{name: "amd64_exit", arch: archhal.ArchitectureX86_64, sc: defs.SYS_EXIT, want: 60},
		{name: "arm64_exit", arch: archhal.ArchitectureARM64, sc: defs.SYS_EXIT, want: 93},
		{name: "amd64_read", arch: archhal.ArchitectureX86_64, sc: defs.SYS_READ, want: 0},
		{name: "arm64_read", arch: archhal.ArchitectureARM64, sc: defs.SYS_READ, want: 63},
		{name: "amd64_mmap", arch: archhal.ArchitectureX86_64, sc: defs.SYS_MMAP, want: 9},
		{name: "arm64_mmap", arch: archhal.ArchitectureARM64, sc: defs.SYS_MMAP, want: 222},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Number(tt.arch, tt.sc)
			if err != nil {
				t.Fatalf("Number returned error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Number(%v, %v)=%d, want %d", tt.arch, tt.sc, got, tt.want)
			}
		})
	}
}

func TestNumberUnsupportedArch(t *testing.T) {
	if _, err := Number(archhal.ArchitectureInvalid, defs.SYS_READ); err == nil {
		t.Fatal("expected error for unsupported architecture")
	}
}
