package archhal

import "testing"

type noopImpl struct {
	armed   uint64
	flushed bool
}

func (n *noopImpl) ArmTimer(ticks uint64)                    { n.armed = ticks }
func (n *noopImpl) SendIPI(target *CPU)                      { target.DeliverIPI(0) }
func (n *noopImpl) FlushTLBEntry(asid uint32, addr VirtAddr) { n.flushed = true }
func (n *noopImpl) FlushTLBAll(asid uint32)                  { n.flushed = true }

func TestArchitectureNativeIsRecognized(t *testing.T) {
	switch ArchitectureNative {
	case ArchitectureX86_64, ArchitectureARM64, ArchitectureInvalid:
	default:
		t.Fatalf("unexpected ArchitectureNative %q", ArchitectureNative)
	}
}

func TestNewUnsupportedArchError(t *testing.T) {
	err := NewUnsupportedArch(CpuArchitecture("riscv64"))
	if err == nil {
		t.Fatal("expected non-nil error")
	}
	if got := err.Error(); got == "" {
		t.Fatal("expected non-empty error message")
	}
}

func TestCPUDeliverTimerInvokesInstalledHandler(t *testing.T) {
	impl := &noopImpl{}
	cpu := NewCPU(3, ArchitectureX86_64, impl)

	fired := false
	cpu.InstallTimerHandler(func(id int) {
		fired = true
		if id != 3 {
			t.Errorf("handler saw id %d, want 3", id)
		}
	})
	cpu.DeliverTimer()
	if !fired {
		t.Fatal("timer handler was not invoked")
	}
}

func TestCPUDeliverTimerWithNoHandlerIsNoop(t *testing.T) {
	cpu := NewCPU(0, ArchitectureX86_64, &noopImpl{})
	cpu.DeliverTimer() // must not panic
}

func TestCPUDeliverIPIInvokesInstalledHandler(t *testing.T) {
	cpu := NewCPU(1, ArchitectureARM64, &noopImpl{})
	var sender = -1
	cpu.InstallIPIHandler(func(s int) { sender = s })
	cpu.DeliverIPI(7)
	if sender != 7 {
		t.Fatalf("sender = %d, want 7", sender)
	}
}

func TestCPUArmTimerDelegatesToImpl(t *testing.T) {
	impl := &noopImpl{}
	cpu := NewCPU(0, ArchitectureX86_64, impl)
	cpu.ArmTimer(42)
	if impl.armed != 42 {
		t.Fatalf("impl.armed = %d, want 42", impl.armed)
	}
}

func TestCPUFlushTLBDelegatesToImpl(t *testing.T) {
	impl := &noopImpl{}
	cpu := NewCPU(0, ArchitectureX86_64, impl)
	cpu.FlushTLBAll(1)
	if !impl.flushed {
		t.Fatal("expected FlushTLBAll to delegate to impl")
	}
}
