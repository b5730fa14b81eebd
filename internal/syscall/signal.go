package syscall

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
	"github.com/hexagonal-sun/moss-kernel/internal/kernelerr"
	"github.com/hexagonal-sun/moss-kernel/internal/linux/defs"
	"github.com/hexagonal-sun/moss-kernel/internal/proc"
	gvlinux "gvisor.dev/gvisor/pkg/abi/linux"
)

// rt_sigprocmask's how values (include/uapi/asm-generic/signal.h).
const (
	sigBlock   = 0
	sigUnblock = 1
	sigSetmask = 2
)

func init() {
	register(defs.SYS_RT_SIGACTION, sysRtSigaction)
	register(defs.SYS_RT_SIGPROCMASK, sysRtSigprocmask)
	register(defs.SYS_RT_SIGRETURN, sysRtSigreturn)
}

// sysRtSigaction installs a new disposition for sig and, if oldActAddr is
// non-null, reports the previous one. Handler bodies themselves run in
// user mode through the same trap/return path as any other resumed
// thread; this core's contribution is only bookkeeping the disposition
// table spec.md §4.7 requires for dispatch-time decisions (ignore, default
// terminate, or deliver).
func sysRtSigaction(ctx context.Context, inv *Invocation) (int64, error) {
	sig := int(inv.Args[0])
	newActAddr := archhal.UserAddr(inv.Args[1])
	oldActAddr := archhal.UserAddr(inv.Args[2])

	if sig == proc.SIGKILL || sig == proc.SIGSTOP {
		return 0, kernelerr.New("syscall", kernelerr.KindInvalid, "rt_sigaction: cannot catch SIGKILL/SIGSTOP")
	}

	signals := inv.Thread.Process.Signals

	if oldActAddr != 0 {
		old := signals.Action(sig)
		if err := writeSigaction(inv.AS(), oldActAddr, old); err != nil {
			return 0, err
		}
	}

	if newActAddr != 0 {
		act, err := readSigaction(inv.AS(), newActAddr)
		if err != nil {
			return 0, err
		}
		signals.SetAction(sig, act)
	}

	return 0, nil
}

// sysRtSigprocmask updates or reports the calling thread's signal mask.
func sysRtSigprocmask(ctx context.Context, inv *Invocation) (int64, error) {
	how := inv.Args[0]
	setAddr := archhal.UserAddr(inv.Args[1])
	oldSetAddr := archhal.UserAddr(inv.Args[2])

	th := inv.Thread
	if oldSetAddr != 0 {
		if err := writeSigset(inv.AS(), oldSetAddr, th.Mask()); err != nil {
			return 0, err
		}
	}

	if setAddr == 0 {
		return 0, nil
	}
	set, err := readSigset(inv.AS(), setAddr)
	if err != nil {
		return 0, err
	}

	cur := th.Mask()
	switch how {
	case sigBlock:
		th.SetMask(cur | set)
	case sigUnblock:
		th.SetMask(cur &^ set)
	case sigSetmask:
		th.SetMask(set)
	default:
		return 0, kernelerr.New("syscall", kernelerr.KindInvalid, "rt_sigprocmask: bad how")
	}
	return 0, nil
}

// sysRtSigreturn is a no-op here: this core delivers signals by diverting
// a thread's resume point rather than pushing a real sigcontext frame onto
// the user stack, so there is no saved state to restore on return from a
// handler.
func sysRtSigreturn(ctx context.Context, inv *Invocation) (int64, error) {
	return 0, nil
}

func writeSigset(as interface {
	CopyToUser(archhal.UserAddr, []byte) (int, error)
}, addr archhal.UserAddr, set proc.SignalSet) error {
	var buf [8]byte
	putU64(buf[:], uint64(set))
	_, err := as.CopyToUser(addr, buf[:])
	return err
}

func readSigset(as interface {
	CopyFromUser([]byte, archhal.UserAddr) (int, error)
}, addr archhal.UserAddr) (proc.SignalSet, error) {
	var buf [8]byte
	if _, err := as.CopyFromUser(buf[:], addr); err != nil {
		return 0, err
	}
	return proc.SignalSet(getU64(buf[:])), nil
}

// sigactionLen is the marshaled size of gvisor's linux.SigAction (handler,
// flags, restorer, mask — the real struct kernel_sigaction layout on the
// supported LP64 ABIs).
var sigactionLen = binary.Size(gvlinux.SigAction{})

func readSigaction(as interface {
	CopyFromUser([]byte, archhal.UserAddr) (int, error)
}, addr archhal.UserAddr) (proc.SigAction, error) {
	buf := make([]byte, sigactionLen)
	if _, err := as.CopyFromUser(buf, addr); err != nil {
		return proc.SigAction{}, err
	}
	var sa gvlinux.SigAction
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &sa); err != nil {
		return proc.SigAction{}, kernelerr.New("syscall", kernelerr.KindInvalid, "rt_sigaction: decoding struct sigaction")
	}

	disp := proc.DispositionHandler
	switch sa.Handler {
	case 0:
		disp = proc.DispositionDefaultTerm
	case 1:
		disp = proc.DispositionIgnore
	}
	return proc.SigAction{Disposition: disp, HandlerAddr: sa.Handler, Mask: proc.SignalSet(sa.Mask)}, nil
}

func writeSigaction(as interface {
	CopyToUser(archhal.UserAddr, []byte) (int, error)
}, addr archhal.UserAddr, act proc.SigAction) error {
	sa := gvlinux.SigAction{Handler: act.HandlerAddr, Mask: gvlinux.SignalSet(act.Mask)}
	var out bytes.Buffer
	if err := binary.Write(&out, binary.LittleEndian, &sa); err != nil {
		return kernelerr.New("syscall", kernelerr.KindInvalid, "rt_sigaction: encoding struct sigaction")
	}
	_, err := as.CopyToUser(addr, out.Bytes())
	return err
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
