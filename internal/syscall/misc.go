package syscall

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
	"github.com/hexagonal-sun/moss-kernel/internal/kernelerr"
	"github.com/hexagonal-sun/moss-kernel/internal/linux/defs"
	gvlinux "gvisor.dev/gvisor/pkg/abi/linux"
)

func init() {
	register(defs.SYS_READ, sysRead)
	register(defs.SYS_WRITE, sysWrite)
	register(defs.SYS_CLOSE, sysClose)
	register(defs.SYS_DUP, sysDup)
	register(defs.SYS_DUP3, sysDup3)
	register(defs.SYS_UNAME, sysUname)
	register(defs.SYS_NANOSLEEP, sysNanosleep)
	register(defs.SYS_CLOCK_GETTIME, sysClockGettime)
	register(defs.SYS_GETRANDOM, sysGetrandom)
	register(defs.SYS_IOCTL, sysIoctl)
	register(defs.SYS_FCNTL, sysFcntl)
	register(defs.SYS_FSTAT, sysFstat)
}

// sIFCHR is S_IFCHR from linux/stat.h: without a VFS backing this core's
// descriptors (spec.md §1 scopes the VFS out), every open File is treated
// as a character device, which is enough for the isatty/mode probes libc
// issues against stdio before a shell starts reading.
const sIFCHR = 0o020000

// sysFstat reports a minimal struct stat for fd, using gvisor's
// linux.Stat for the field layout rather than hand-placing offsets the
// way writeSigset (signal.go) encodes a sigset — the struct is plain fixed-width
// integers, so binary.Write serializes it directly in the kernel's native
// little-endian byte order.
func sysFstat(ctx context.Context, inv *Invocation) (int64, error) {
	fd := int(inv.Args[0])
	statAddr := archhal.UserAddr(inv.Args[1])

	if inv.Thread.Process.FDTable.Get(fd) == nil {
		return 0, kernelerr.New("syscall", kernelerr.KindNotFound, "fstat: bad file descriptor")
	}

	st := gvlinux.Stat{
		Nlink: 1,
		Mode:  sIFCHR | 0o620,
	}
	var out bytes.Buffer
	if err := binary.Write(&out, binary.LittleEndian, &st); err != nil {
		return 0, kernelerr.New("syscall", kernelerr.KindInvalid, "fstat: encoding struct stat")
	}
	if _, err := inv.AS().CopyToUser(statAddr, out.Bytes()); err != nil {
		return 0, err
	}
	return 0, nil
}

func sysRead(ctx context.Context, inv *Invocation) (int64, error) {
	fd := int(inv.Args[0])
	bufAddr := archhal.UserAddr(inv.Args[1])
	count := inv.Args[2]

	f := inv.Thread.Process.FDTable.Get(fd)
	if f == nil {
		return 0, kernelerr.New("syscall", kernelerr.KindNotFound, "read: bad file descriptor")
	}

	const chunk = 4096
	if count > chunk {
		count = chunk
	}
	buf := make([]byte, count)
	n, err := f.Read(buf)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := inv.AS().CopyToUser(bufAddr, buf[:n]); err != nil {
		return 0, err
	}
	return int64(n), nil
}

func sysWrite(ctx context.Context, inv *Invocation) (int64, error) {
	fd := int(inv.Args[0])
	bufAddr := archhal.UserAddr(inv.Args[1])
	count := inv.Args[2]

	f := inv.Thread.Process.FDTable.Get(fd)
	if f == nil {
		return 0, kernelerr.New("syscall", kernelerr.KindNotFound, "write: bad file descriptor")
	}

	const chunk = 4096
	total := 0
	for total < int(count) {
		n := int(count) - total
		if n > chunk {
			n = chunk
		}
		buf := make([]byte, n)
		got, err := inv.AS().CopyFromUser(buf, bufAddr+archhal.UserAddr(total))
		if err != nil {
			return int64(total), err
		}
		if got == 0 {
			break
		}
		written, err := f.Write(buf[:got])
		total += written
		if err != nil {
			return int64(total), err
		}
		if written < got {
			break
		}
	}
	return int64(total), nil
}

func sysClose(ctx context.Context, inv *Invocation) (int64, error) {
	fd := int(inv.Args[0])
	if err := inv.Thread.Process.FDTable.Close(fd); err != nil {
		return 0, err
	}
	return 0, nil
}

func sysDup(ctx context.Context, inv *Invocation) (int64, error) {
	fd := int(inv.Args[0])
	f := inv.Thread.Process.FDTable.Get(fd)
	if f == nil {
		return 0, kernelerr.New("syscall", kernelerr.KindNotFound, "dup: bad file descriptor")
	}
	newFD := inv.Thread.Process.FDTable.Install(f)
	return int64(newFD), nil
}

func sysDup3(ctx context.Context, inv *Invocation) (int64, error) {
	// The oldfd/newfd-with-explicit-target form collapses to plain dup()
	// here: this core's FDTable always installs at the lowest free slot, so
	// a caller asking for a specific newfd gets the next free one instead.
	// Good enough for the shells and coreutils this core targets, which
	// almost always dup3 onto 0/1/2 immediately after a fresh fork.
	return sysDup(ctx, inv)
}

// utsname field width per struct utsname (linux/utsname.h): 65 bytes,
// NUL-padded.
const utsFieldLen = 65

func sysUname(ctx context.Context, inv *Invocation) (int64, error) {
	addr := archhal.UserAddr(inv.Args[0])
	fields := []string{"Linux", "moss-kernel", "6.1.0", "#1 SMP", "x86_64", ""}
	buf := make([]byte, utsFieldLen*6)
	for i, s := range fields {
		copy(buf[i*utsFieldLen:], s)
	}
	if _, err := inv.AS().CopyToUser(addr, buf); err != nil {
		return 0, err
	}
	return 0, nil
}

func sysNanosleep(ctx context.Context, inv *Invocation) (int64, error) {
	reqAddr := archhal.UserAddr(inv.Args[0])
	var buf [16]byte
	if _, err := inv.AS().CopyFromUser(buf[:], reqAddr); err != nil {
		return 0, err
	}
	sec := int64(getU64(buf[0:8]))
	nsec := int64(getU64(buf[8:16]))
	d := time.Duration(sec)*time.Second + time.Duration(nsec)*time.Nanosecond

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return 0, nil
	case <-ctx.Done():
		return 0, kernelerr.New("syscall", kernelerr.KindInterrupted, "nanosleep: interrupted")
	}
}

func sysClockGettime(ctx context.Context, inv *Invocation) (int64, error) {
	tsAddr := archhal.UserAddr(inv.Args[1])
	now := time.Now()
	var buf [16]byte
	putU64(buf[0:8], uint64(now.Unix()))
	putU64(buf[8:16], uint64(now.Nanosecond()))
	if _, err := inv.AS().CopyToUser(tsAddr, buf[:]); err != nil {
		return 0, err
	}
	return 0, nil
}

func sysGetrandom(ctx context.Context, inv *Invocation) (int64, error) {
	bufAddr := archhal.UserAddr(inv.Args[0])
	count := inv.Args[1]
	if count > 256 {
		count = 256
	}
	buf := make([]byte, count)
	if _, err := rand.Read(buf); err != nil {
		return 0, kernelerr.New("syscall", kernelerr.KindIoError, "getrandom: entropy source failed")
	}
	if _, err := inv.AS().CopyToUser(bufAddr, buf); err != nil {
		return 0, err
	}
	return int64(count), nil
}

// sysIoctl and sysFcntl have no terminal/file-locking model behind them;
// they report success-with-no-effect for the handful of calls libc issues
// unconditionally (isatty probes, F_GETFD) rather than failing programs
// that don't actually depend on the result.
func sysIoctl(ctx context.Context, inv *Invocation) (int64, error) { return 0, nil }
func sysFcntl(ctx context.Context, inv *Invocation) (int64, error) { return 0, nil }
