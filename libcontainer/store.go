package libcontainer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/opencontainers/runtime-spec/specs-go"

	"github.com/nsattach/nsattach/libcontainer/namespaces"
	"github.com/nsattach/nsattach/libcontainer/system"
)

const stateFilename = "state.json"

var idRegex = regexp.MustCompile(`^[\w+-\.]+$`)

// Target is a running container as far as attaching to it is concerned.
type Target struct {
	Name string
	// InitPid is the host pid of the container's init process.
	InitPid int
	// InitStart is the start time of InitPid, in clock ticks since boot,
	// used to detect pid reuse. Zero skips the check.
	InitStart uint64
	// CgroupPaths are the cgroup directories of the container keyed by
	// controller, if the store knows them.
	CgroupPaths map[string]string
	// Namespaces is the set of namespaces the container was created with,
	// or 0 when unknown.
	Namespaces namespaces.Mask
}

// Store resolves container names.
type Store interface {
	// Resolve returns the container called name. A container that does not
	// exist or is not running results in an error matching ErrNotFound.
	Resolve(name string) (*Target, error)
}

// State is the state file of a container: an OCI runtime state document
// plus the fields runc keeps next to it.
type State struct {
	specs.State

	InitProcessStart uint64                     `json:"init_process_start,omitempty"`
	CgroupPaths      map[string]string          `json:"cgroup_paths,omitempty"`
	Namespaces       []specs.LinuxNamespaceType `json:"namespaces,omitempty"`
}

// FileStore reads container state from <Root>/<name>/state.json.
type FileStore struct {
	Root string
}

func (s *FileStore) Resolve(name string) (*Target, error) {
	if !idRegex.MatchString(name) || name == "." || name == ".." {
		return nil, newConfigError("invalid container name %q", name)
	}
	dir, err := securejoin.SecureJoin(s.Root, name)
	if err != nil {
		return nil, err
	}
	st, err := loadState(filepath.Join(dir, stateFilename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("container %q does not exist: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("container %q: %w", name, err)
	}
	if st.Status != specs.StateRunning {
		return nil, fmt.Errorf("container %q is %s, not running: %w", name, st.Status, ErrNotFound)
	}
	if st.Pid <= 0 {
		return nil, fmt.Errorf("container %q has no init pid: %w", name, ErrNotFound)
	}

	stat, err := system.Stat(st.Pid)
	if err != nil || !stat.Alive() {
		return nil, fmt.Errorf("container %q: init %d is gone: %w", name, st.Pid, ErrNotFound)
	}
	if st.InitProcessStart != 0 && stat.StartTime != st.InitProcessStart {
		return nil, fmt.Errorf("container %q: pid %d was reused: %w", name, st.Pid, ErrNotFound)
	}

	nsMask, err := namespaceMask(st.Namespaces)
	if err != nil {
		return nil, fmt.Errorf("container %q: %w", name, err)
	}
	return &Target{
		Name:        name,
		InitPid:     st.Pid,
		InitStart:   st.InitProcessStart,
		CgroupPaths: st.CgroupPaths,
		Namespaces:  nsMask,
	}, nil
}

func loadState(path string) (*State, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var st State
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &st, nil
}

var specNamespaces = map[specs.LinuxNamespaceType]namespaces.Kind{
	specs.UserNamespace:    namespaces.User,
	specs.IPCNamespace:     namespaces.IPC,
	specs.UTSNamespace:     namespaces.UTS,
	specs.NetworkNamespace: namespaces.Net,
	specs.PIDNamespace:     namespaces.PID,
	specs.CgroupNamespace:  namespaces.Cgroup,
	specs.MountNamespace:   namespaces.Mount,
}

// namespaceMask converts OCI namespace types into a mask. Kinds that
// cannot be joined by an attach (time) are ignored.
func namespaceMask(types []specs.LinuxNamespaceType) (namespaces.Mask, error) {
	var m namespaces.Mask
	for _, t := range types {
		if t == specs.TimeNamespace {
			continue
		}
		k, ok := specNamespaces[t]
		if !ok {
			return 0, fmt.Errorf("unknown namespace type %q", t)
		}
		m |= k.Flag()
	}
	return m, nil
}

// storeFunc adapts a function to a Store.
type storeFunc func(name string) (*Target, error)

func (f storeFunc) Resolve(name string) (*Target, error) {
	return f(name)
}
