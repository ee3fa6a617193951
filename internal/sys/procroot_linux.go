package sys

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/nsattach/nsattach/internal/linux"
)

// VerifyInodeFunc is the callback passed to [VerifyInode] to check if the
// inode is the expected type (and on the correct filesystem type, in the case
// of filesystem-specific inodes).
type VerifyInodeFunc func(stat *unix.Stat_t, statfs *unix.Statfs_t) error

// VerifyInode verifies that the underlying inode for the given file matches an
// expected inode type (possibly on a particular kind of filesystem).
func VerifyInode(file *os.File, checkFunc VerifyInodeFunc) error {
	var stat unix.Stat_t
	if err := unix.Fstat(int(file.Fd()), &stat); err != nil {
		return fmt.Errorf("fstat %q: %w", file.Name(), err)
	}
	var statfs unix.Statfs_t
	if err := unix.Fstatfs(int(file.Fd()), &statfs); err != nil {
		return fmt.Errorf("fstatfs %q: %w", file.Name(), err)
	}
	runtime.KeepAlive(file)
	return checkFunc(&stat, &statfs)
}

func isProcfs(_ *unix.Stat_t, statfs *unix.Statfs_t) error {
	if statfs.Type != unix.PROC_SUPER_MAGIC {
		return fmt.Errorf("not on procfs (f_type 0x%x)", statfs.Type)
	}
	return nil
}

// ProcRoot is a handle to the root of a procfs mount. A ProcRoot opened
// before a mount namespace change keeps resolving paths against the original
// procfs afterwards, which is how an attached process reads the state of
// host pids it can no longer see through its own /proc.
type ProcRoot struct {
	dir *os.File
}

// OpenProcRoot opens /proc of the current mount namespace.
func OpenProcRoot() (*ProcRoot, error) {
	dir, err := os.OpenFile("/proc", unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	root, err := NewProcRoot(dir)
	if err != nil {
		dir.Close()
		return nil, err
	}
	return root, nil
}

// NewProcRoot wraps an already open procfs root directory. The ProcRoot takes
// ownership of dir.
func NewProcRoot(dir *os.File) (*ProcRoot, error) {
	if err := VerifyInode(dir, isProcfs); err != nil {
		return nil, fmt.Errorf("proc root %s: %w", dir.Name(), err)
	}
	return &ProcRoot{dir: dir}, nil
}

// File returns the underlying directory, for passing to a child process.
func (p *ProcRoot) File() *os.File {
	return p.dir
}

// Open opens subpath (for example "1234/status" or "thread-self/attr/exec")
// relative to the procfs root.
func (p *ProcRoot) Open(subpath string, flags int) (*os.File, error) {
	fd, err := linux.Openat(int(p.dir.Fd()), subpath, flags|unix.O_CLOEXEC|unix.O_NOCTTY, 0)
	runtime.KeepAlive(p.dir)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(fd), "/proc/"+subpath)
	if err := VerifyInode(f, isProcfs); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// ReadFile returns the contents of subpath.
func (p *ProcRoot) ReadFile(subpath string) ([]byte, error) {
	f, err := p.Open(subpath, unix.O_RDONLY)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// WriteFile writes value to subpath in a single write, as required by most
// procfs control files.
func (p *ProcRoot) WriteFile(subpath, value string) error {
	f, err := p.Open(subpath, unix.O_WRONLY)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := f.WriteString(value)
	if n != len(value) && err == nil {
		err = fmt.Errorf("short write to %s (%d bytes != %d bytes)", f.Name(), n, len(value))
	}
	return err
}

func (p *ProcRoot) Close() error {
	return p.dir.Close()
}
