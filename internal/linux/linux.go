package linux

import (
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// queryPersonality is the magic argument that makes personality(2) return
// the current value without changing it.
const queryPersonality = 0xffffffff

// Dup3 wraps [unix.Dup3].
func Dup3(oldfd, newfd, flags int) error {
	err := retryOnEINTR(func() error {
		return unix.Dup3(oldfd, newfd, flags)
	})
	return os.NewSyscallError("dup3", err)
}

// Exec wraps [unix.Exec].
func Exec(cmd string, args []string, env []string) error {
	err := retryOnEINTR(func() error {
		return unix.Exec(cmd, args, env)
	})
	if err != nil {
		return &os.PathError{Op: "exec", Path: cmd, Err: err}
	}
	return nil
}

// Execveat executes the program open as fd, like fexecve(3). fd may be
// close-on-exec as long as it is not a script.
func Execveat(fd int, args []string, env []string) error {
	empty, err := unix.BytePtrFromString("")
	if err != nil {
		return err
	}
	argv, err := syscall.SlicePtrFromStrings(args)
	if err != nil {
		return err
	}
	envv, err := syscall.SlicePtrFromStrings(env)
	if err != nil {
		return err
	}
	err = retryOnEINTR(func() error {
		_, _, errno := unix.Syscall6(unix.SYS_EXECVEAT, uintptr(fd),
			uintptr(unsafe.Pointer(empty)),
			uintptr(unsafe.Pointer(&argv[0])),
			uintptr(unsafe.Pointer(&envv[0])),
			unix.AT_EMPTY_PATH, 0)
		if errno != 0 {
			return errno
		}
		return nil
	})
	return os.NewSyscallError("execveat", err)
}

// Getwd wraps [unix.Getwd].
func Getwd() (wd string, err error) {
	wd, err = retryOnEINTR2(unix.Getwd)
	return wd, os.NewSyscallError("getwd", err)
}

// Openat wraps [unix.Openat].
func Openat(dirfd int, path string, mode int, perm uint32) (fd int, err error) {
	fd, err = retryOnEINTR2(func() (int, error) {
		return unix.Openat(dirfd, path, mode, perm)
	})
	if err != nil {
		return -1, &os.PathError{Op: "openat", Path: path, Err: err}
	}
	return fd, nil
}

// Mount wraps [unix.Mount].
func Mount(source, target, fstype string, flags uintptr, data string) error {
	err := unix.Mount(source, target, fstype, flags, data)
	if err != nil {
		return &os.PathError{Op: "mount", Path: target, Err: err}
	}
	return nil
}

// Unmount wraps [unix.Unmount].
func Unmount(target string, flags int) error {
	err := retryOnEINTR(func() error {
		return unix.Unmount(target, flags)
	})
	if err != nil {
		return &os.PathError{Op: "umount", Path: target, Err: err}
	}
	return nil
}

// Personality sets the execution domain of the calling process.
func Personality(persona uint64) error {
	_, _, errno := unix.RawSyscall(unix.SYS_PERSONALITY, uintptr(persona), 0, 0)
	if errno != 0 {
		return os.NewSyscallError("personality", errno)
	}
	return nil
}

// GetPersonality returns the execution domain of the calling process.
func GetPersonality() (uint64, error) {
	r1, _, errno := unix.RawSyscall(unix.SYS_PERSONALITY, queryPersonality, 0, 0)
	if errno != 0 {
		return 0, os.NewSyscallError("personality", errno)
	}
	return uint64(uint32(r1)), nil
}
