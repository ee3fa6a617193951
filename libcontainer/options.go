package libcontainer

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/nsattach/nsattach/libcontainer/namespaces"
)

// AttachFlags selects optional attach behaviors. The low 16 bits hold the
// behaviors that are on by default, the high 16 bits the ones that are off
// by default. The bit values are stable.
type AttachFlags uint32

const (
	MoveToCgroup     AttachFlags = 0x00000001
	DropCapabilities AttachFlags = 0x00000002
	SetPersonality   AttachFlags = 0x00000004
	ApplyMACProfile  AttachFlags = 0x00000008

	RemountProcSys AttachFlags = 0x00010000

	// DefaultFlags enables every on-by-default behavior, including ones
	// added later.
	DefaultFlags AttachFlags = 0x0000FFFF
)

func (f AttachFlags) has(flag AttachFlags) bool {
	return f&flag == flag
}

// EnvPolicy decides what the environment of the attached process starts from.
type EnvPolicy int

const (
	// KeepEnv starts from the caller's environment.
	KeepEnv EnvPolicy = iota
	// ClearEnv starts from an empty environment plus a minimal set derived
	// from the attached identity.
	ClearEnv
)

func (p EnvPolicy) String() string {
	switch p {
	case KeepEnv:
		return "keep"
	case ClearEnv:
		return "clear"
	default:
		return "unknown"
	}
}

const (
	// AutoPersonality uses the personality of the container's init.
	AutoPersonality int64 = -1
	// AutoID uses the identity of the container's init when it runs in a
	// user namespace, and 0 otherwise.
	AutoID = -1
)

// AttachOptions configures one attach.
type AttachOptions struct {
	Flags AttachFlags

	// Namespaces to join; [namespaces.Auto] joins every namespace the
	// container's init does not share with the caller.
	Namespaces namespaces.Mask

	Personality int64

	// Cwd is the initial working directory. An empty Cwd uses the caller's
	// working directory. Either falls back to / when missing in the
	// container.
	Cwd string

	UID int
	GID int

	EnvPolicy EnvPolicy
	// ExtraEnv holds NAME=VALUE entries set regardless of EnvPolicy.
	ExtraEnv []string
	// ExtraKeepEnv names variables of the caller kept under ClearEnv.
	ExtraKeepEnv []string

	// Stdin, Stdout and Stderr become file descriptors 0, 1 and 2 of the
	// attached process; nil means /dev/null. Attach takes ownership of
	// them and closes them before returning.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	// Exec is run in the attached process once its context is set up.
	// Its type must be registered with RegisterExecutor.
	Exec Executor
}

// DefaultOptions returns the options of a plain attach: every namespace the
// container does not share with the caller, the container's capabilities,
// personality, MAC profile and cgroups, and the identity of its init.
func DefaultOptions() *AttachOptions {
	return &AttachOptions{
		Flags:       DefaultFlags,
		Namespaces:  namespaces.Auto,
		Personality: AutoPersonality,
		UID:         AutoID,
		GID:         AutoID,
		EnvPolicy:   KeepEnv,
	}
}

func (o *AttachOptions) validate() error {
	if o.Exec == nil {
		return newConfigError("no executor")
	}
	if _, err := executorName(o.Exec); err != nil {
		return err
	}
	if o.Namespaces != namespaces.Auto && o.Namespaces&^namespaces.All != 0 {
		return newConfigError("unknown namespace bits %#x", uint64(o.Namespaces&^namespaces.All))
	}
	if o.Personality < AutoPersonality || o.Personality > 0xffffffff {
		return newConfigError("personality %d out of range", o.Personality)
	}
	if o.Personality != AutoPersonality && !o.Flags.has(SetPersonality) {
		return newConfigError("personality %#x requested without SetPersonality", o.Personality)
	}
	if o.UID < AutoID || o.GID < AutoID {
		return newConfigError("invalid identity %d:%d", o.UID, o.GID)
	}
	if o.EnvPolicy != KeepEnv && o.EnvPolicy != ClearEnv {
		return newConfigError("unknown environment policy %d", o.EnvPolicy)
	}
	if err := validateEnv(o.ExtraEnv); err != nil {
		return newConfigError("%v", err)
	}
	if err := validateEnvNames(o.ExtraKeepEnv); err != nil {
		return newConfigError("%v", err)
	}
	if o.Cwd != "" && !filepath.IsAbs(o.Cwd) {
		return newConfigError("cwd %q is not an absolute path", o.Cwd)
	}
	if strings.IndexByte(o.Cwd, 0) >= 0 {
		return newConfigError("cwd contains a nul byte")
	}
	return nil
}
