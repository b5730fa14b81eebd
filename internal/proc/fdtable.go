package proc

import (
	"sync"

	"github.com/hexagonal-sun/moss-kernel/internal/kernelerr"
)

// File is the minimal per-open-file state an FDTable entry refers to. The
// actual I/O backing it (a VFS, a pipe, a socket) is an external
// collaborator outside this core's scope; File tracks the refcount that
// decides when Closer finally runs, plus the optional read/write callbacks
// the VFS backing-store contract (spec.md §6) supplies for the handful of
// descriptors the core itself needs to drive directly (console fds wired
// up by bootcore before /bin/init execs).
type File struct {
	mu       sync.Mutex
	refcount int
	closer   func() error
	readFn   func([]byte) (int, error)
	writeFn  func([]byte) (int, error)
}

// NewFile wraps closer (called once the last reference is dropped) in a
// File with an initial refcount of one.
func NewFile(closer func() error) *File {
	return &File{refcount: 1, closer: closer}
}

// NewFileWithIO is NewFile plus read/write callbacks, either of which may
// be nil (a write-only or read-only descriptor).
func NewFileWithIO(readFn, writeFn func([]byte) (int, error), closer func() error) *File {
	return &File{refcount: 1, closer: closer, readFn: readFn, writeFn: writeFn}
}

// Read invokes the descriptor's read callback, or reports NotSupported if
// none was wired (a descriptor backed by something other than a byte
// stream, e.g. a directory).
func (f *File) Read(buf []byte) (int, error) {
	f.mu.Lock()
	fn := f.readFn
	f.mu.Unlock()
	if fn == nil {
		return 0, kernelerr.New("proc", kernelerr.KindNotSupported, "read: no backing reader")
	}
	return fn(buf)
}

// Write invokes the descriptor's write callback, or reports NotSupported
// if none was wired.
func (f *File) Write(buf []byte) (int, error) {
	f.mu.Lock()
	fn := f.writeFn
	f.mu.Unlock()
	if fn == nil {
		return 0, kernelerr.New("proc", kernelerr.KindNotSupported, "write: no backing writer")
	}
	return fn(buf)
}

func (f *File) incref() {
	f.mu.Lock()
	f.refcount++
	f.mu.Unlock()
}

func (f *File) decref() error {
	f.mu.Lock()
	f.refcount--
	n := f.refcount
	f.mu.Unlock()
	if n > 0 || f.closer == nil {
		return nil
	}
	return f.closer()
}

// FDTable maps small integer file descriptors to open Files. Threads of
// one process share an FDTable by pointer; Process.Fork gives the child
// process a private copy (FDTable.Fork) whose Files start with their
// refcount bumped rather than duplicated.
type FDTable struct {
	mu    sync.Mutex
	files map[int]*File
	next  int
}

// NewFDTable constructs an empty descriptor table.
func NewFDTable() *FDTable {
	return &FDTable{files: make(map[int]*File)}
}

// Install adds f at the lowest unused descriptor number and returns it.
func (t *FDTable) Install(f *File) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := 0
	for {
		if _, used := t.files[fd]; !used {
			break
		}
		fd++
	}
	t.files[fd] = f
	t.next = fd + 1
	return fd
}

// Get returns the File open at fd, or nil if fd is not open.
func (t *FDTable) Get(fd int) *File {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.files[fd]
}

// Close removes fd from the table and decrefs its File, running its
// closer once every reference (including ones in forked tables) is gone.
func (t *FDTable) Close(fd int) error {
	t.mu.Lock()
	f, ok := t.files[fd]
	if ok {
		delete(t.files, fd)
	}
	t.mu.Unlock()
	if !ok {
		return kernelerr.New("proc", kernelerr.KindNotFound, "close: bad file descriptor")
	}
	return f.decref()
}

// Fork returns a copy of the table sharing every currently open File,
// each with its refcount incremented — the fork()/clone() default when
// CLONE_FILES is absent.
func (t *FDTable) Fork() *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := &FDTable{files: make(map[int]*File, len(t.files)), next: t.next}
	for fd, f := range t.files {
		f.incref()
		n.files[fd] = f
	}
	return n
}

// CloseAll closes every open descriptor, used by exit/exit_group.
func (t *FDTable) CloseAll() {
	t.mu.Lock()
	files := t.files
	t.files = make(map[int]*File)
	t.mu.Unlock()
	for _, f := range files {
		f.decref()
	}
}
