package libcontainer

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Error kinds returned by Attach. Use [errors.Is] to test for them.
var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnsupported      = errors.New("not supported")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrIO               = errors.New("i/o error")
)

// ErrorKind is the wire representation of one of the error kinds above.
type ErrorKind string

const (
	KindNotFound         ErrorKind = "NotFound"
	KindPermissionDenied ErrorKind = "PermissionDenied"
	KindUnsupported      ErrorKind = "Unsupported"
	KindInvalidArgument  ErrorKind = "InvalidArgument"
	KindIO               ErrorKind = "IOError"
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindUnsupported:
		return ErrUnsupported
	case KindInvalidArgument:
		return ErrInvalidArgument
	default:
		return ErrIO
	}
}

// AttachError describes a failed attach step.
type AttachError struct {
	// Step is the attach step that failed, such as "join namespaces".
	Step string
	Kind ErrorKind
	Err  error
}

func (e *AttachError) Error() string {
	if e.Err == nil {
		return e.Step + ": " + e.Kind.sentinel().Error()
	}
	return e.Step + ": " + e.Err.Error()
}

func (e *AttachError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// newAttachError wraps err as a failure of step, classifying it by KindOf.
func newAttachError(step string, err error) error {
	return &AttachError{Step: step, Kind: KindOf(err), Err: err}
}

// KindOf classifies err into one of the attach error kinds. Errors that
// already carry a kind keep it; raw errnos are mapped the way the kernel
// reports them.
func KindOf(err error) ErrorKind {
	var aerr *AttachError
	switch {
	case errors.As(err, &aerr):
		return aerr.Kind
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrUnsupported), errors.Is(err, errors.ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return kindOfErrno(errno)
	}
	if errors.Is(err, os.ErrNotExist) {
		return KindNotFound
	}
	if errors.Is(err, os.ErrPermission) {
		return KindPermissionDenied
	}
	return KindIO
}

func kindOfErrno(errno unix.Errno) ErrorKind {
	switch errno {
	case unix.ENOENT, unix.ESRCH:
		return KindNotFound
	case unix.EPERM, unix.EACCES:
		return KindPermissionDenied
	case unix.EINVAL, unix.ENOSYS, unix.EOPNOTSUPP:
		return KindUnsupported
	default:
		return KindIO
	}
}

type ConfigError struct {
	details string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + e.details
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidArgument
}

func newConfigError(format string, args ...any) error {
	return &ConfigError{details: fmt.Sprintf(format, args...)}
}
