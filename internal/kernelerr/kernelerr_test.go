package kernelerr

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestErrnoMapsKnownKinds(t *testing.T) {
	cases := []struct {
		kind Kind
		want unix.Errno
	}{
		{KindNoMemory, unix.ENOMEM},
		{KindInvalid, unix.EINVAL},
		{KindNotFound, unix.ENOENT},
		{KindExists, unix.EEXIST},
		{KindPermissionDenied, unix.EPERM},
		{KindBusy, unix.EBUSY},
		{KindWouldBlock, unix.EAGAIN},
		{KindInterrupted, unix.EINTR},
		{KindNotSupported, unix.ENOSYS},
		{KindFault, unix.EFAULT},
		{KindIoError, unix.EIO},
		{KindRange, unix.ERANGE},
	}
	for _, c := range cases {
		err := New("test", c.kind, "boom")
		if got := err.Errno(); got != -int(c.want) {
			t.Errorf("Kind %v: Errno() = %d, want %d", c.kind, got, -int(c.want))
		}
	}
}

func TestErrnoOfNilIsZero(t *testing.T) {
	if got := Errno(nil); got != 0 {
		t.Fatalf("Errno(nil) = %d, want 0", got)
	}
}

func TestErrnoOfNonKernelErrorIsEIO(t *testing.T) {
	if got := Errno(errors.New("plain")); got != -int(unix.EIO) {
		t.Fatalf("Errno(plain) = %d, want -EIO", got)
	}
}

func TestIsMatchesWrappedKind(t *testing.T) {
	base := New("vmm", KindFault, "bad user address")
	wrapped := Wrap("syscall", KindFault, "copy_from_user", base)
	if !Is(wrapped, KindFault) {
		t.Fatal("expected Is(wrapped, KindFault) to be true")
	}
	if Is(wrapped, KindBusy) {
		t.Fatal("expected Is(wrapped, KindBusy) to be false")
	}
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap("pmm", KindNoMemory, "alloc failed", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
}

func TestKindStringCoversAllKinds(t *testing.T) {
	kinds := []Kind{
		KindNone, KindNoMemory, KindInvalid, KindNotFound, KindExists,
		KindPermissionDenied, KindBusy, KindWouldBlock, KindInterrupted,
		KindNotSupported, KindFault, KindIoError, KindRange,
	}
	seen := map[string]bool{}
	for _, k := range kinds {
		s := k.String()
		if s == "" {
			t.Errorf("Kind %d: empty String()", k)
		}
		seen[s] = true
	}
	if len(seen) != len(kinds) {
		t.Errorf("Kind.String() produced %d distinct strings for %d kinds", len(seen), len(kinds))
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("page fault")
	err := Wrap("vmm", KindFault, "copy_to_user", cause)
	msg := err.Error()
	if !strings.Contains(msg, "page fault") {
		t.Fatalf("message %q does not include the cause", msg)
	}
}
