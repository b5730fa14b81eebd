package amd64

import (
	"testing"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
)

func TestBootReturnsOneCPUPerCore(t *testing.T) {
	a := New()
	cpus, err := a.Boot(4)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if len(cpus) != 4 {
		t.Fatalf("expected 4 CPUs, got %d", len(cpus))
	}
	for i, cpu := range cpus {
		if cpu.ID != i {
			t.Errorf("cpu %d: ID = %d", i, cpu.ID)
		}
		if cpu.Arch != archhal.ArchitectureX86_64 {
			t.Errorf("cpu %d: Arch = %v", i, cpu.Arch)
		}
	}
}

func TestTrapDispatchesToRegisteredVector(t *testing.T) {
	a := New()
	cpus, err := a.Boot(1)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}

	var gotState *archhal.ExceptionState
	a.InstallTrapVector(14, func(state *archhal.ExceptionState) error {
		gotState = state
		return nil
	})

	st := &archhal.ExceptionState{VectorNumber: 14, ErrorCode: 0x2}
	if err := a.Trap(cpus[0], st); err != nil {
		t.Fatalf("Trap: %v", err)
	}
	if gotState != st {
		t.Errorf("handler did not receive the state passed to Trap")
	}
}

func TestTrapUnknownVectorErrors(t *testing.T) {
	a := New()
	cpus, _ := a.Boot(1)
	st := &archhal.ExceptionState{VectorNumber: 99}
	if err := a.Trap(cpus[0], st); err == nil {
		t.Fatal("expected error for unregistered vector")
	}
}

func TestFastSyscallRoundTrip(t *testing.T) {
	a := New()
	cpus, _ := a.Boot(1)

	a.InstallFastSyscallEntry(func(state *archhal.ExceptionState) error {
		state.Regs[RegRax] = state.Regs[RegRdi] + state.Regs[RegRsi]
		return nil
	})

	st := &archhal.ExceptionState{}
	st.Regs[RegRdi] = 2
	st.Regs[RegRsi] = 3
	if err := a.FastSyscall(cpus[0], st); err != nil {
		t.Fatalf("FastSyscall: %v", err)
	}
	if st.Regs[RegRax] != 5 {
		t.Errorf("Regs[RegRax] = %d, want 5", st.Regs[RegRax])
	}
}

func TestTimerFiresAfterArmedTicks(t *testing.T) {
	a := New()
	cpus, _ := a.Boot(1)
	cpu := cpus[0]

	fired := 0
	cpu.InstallTimerHandler(func(int) { fired++ })
	cpu.ArmTimer(3)

	for i := 0; i < 2; i++ {
		a.Tick(0)
	}
	if fired != 0 {
		t.Fatalf("timer fired early: %d", fired)
	}
	a.Tick(0)
	if fired != 1 {
		t.Fatalf("timer did not fire after deadline: fired=%d", fired)
	}
}

func TestSendIPIDeliversToTarget(t *testing.T) {
	a := New()
	cpus, _ := a.Boot(2)

	var senderSeen int = -1
	cpus[1].InstallIPIHandler(func(sender int) { senderSeen = sender })

	cpus[0].SendIPI(cpus[1])
	if senderSeen != 0 {
		t.Fatalf("senderSeen = %d, want 0", senderSeen)
	}
}
