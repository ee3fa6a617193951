package libcontainer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/opencontainers/selinux/go-selinux"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/nsattach/nsattach/internal/pathrs"
	"github.com/nsattach/nsattach/internal/sys"
	"github.com/nsattach/nsattach/libcontainer/apparmor"
	"github.com/nsattach/nsattach/libcontainer/cgroups"
	"github.com/nsattach/nsattach/libcontainer/logs"
	"github.com/nsattach/nsattach/libcontainer/namespaces"
	"github.com/nsattach/nsattach/libcontainer/utils"
)

// Environment variables and file descriptors shared with the init process.
// The caller's stdio is passed as the first three extra files, followed by
// the init socket, the log pipe, the host procfs and the init binary.
const (
	childStdinFd = 3 + iota
	childStdoutFd
	childStderrFd
	childInitFd
	childLogFd
	childProcFd
	childExeFd
)

const (
	envInitPipe = "_ATTACH_INITPIPE"
	envLogPipe  = "_ATTACH_LOGPIPE"
	envLogLevel = "_ATTACH_LOGLEVEL"
	envProcFd   = "_ATTACH_PROCFD"
	envExeFd    = "_ATTACH_EXEFD"

	// Set instead of envInitPipe when the init re-executes itself to run
	// the executor, so that nsexec leaves the new image alone.
	envSyncPipe = "_ATTACH_SYNCPIPE"
	envExecutor = "_ATTACH_EXECUTOR"
)

// initConfig is sent from the parent to stage-2 over the init socket, right
// after the bootstrap data consumed by stage-1.
type initConfig struct {
	TargetPid    int             `json:"target_pid"`
	Flags        AttachFlags     `json:"flags"`
	Namespaces   namespaces.Mask `json:"namespaces"`
	Remount      bool            `json:"remount,omitempty"`
	Personality  int64           `json:"personality"`
	Cwd          string          `json:"cwd"`
	UID          int             `json:"uid"`
	GID          int             `json:"gid"`
	EnvPolicy    EnvPolicy       `json:"env_policy"`
	ExtraEnv     []string        `json:"extra_env,omitempty"`
	ExtraKeepEnv []string        `json:"extra_keep_env,omitempty"`
	CallerEnv    []string        `json:"caller_env,omitempty"`
	Exec         *executorConfig `json:"exec"`

	// Whether the LSMs are enabled, as seen by the parent. The child
	// cannot tell once it has joined the container's mount namespace.
	AppArmorEnabled bool `json:"apparmor_enabled,omitempty"`
	SELinuxEnabled  bool `json:"selinux_enabled,omitempty"`
}

// Attacher runs processes inside running containers.
type Attacher struct {
	// Root is the directory the default store reads container state from.
	Root string

	// InitPath is the binary started as the attach init, and InitArgs its
	// arguments (including argv[0]). The binary must call Init when started
	// this way and must import the nsenter package.
	InitPath string
	InitArgs []string

	store Store
}

// InitArgs returns an option that sets the arguments the attach init is
// started with. args[0] is looked up in PATH unless it contains a slash.
func InitArgs(args ...string) func(*Attacher) error {
	return func(a *Attacher) (err error) {
		if len(args) > 0 {
			// Resolve relative paths to ensure that its available
			// after directory changes.
			if args[0], err = exec.LookPath(args[0]); err != nil {
				return err
			}
		}
		a.InitArgs = args
		return nil
	}
}

// WithStore returns an option that resolves container names through s
// instead of the state files under the root directory.
func WithStore(s Store) func(*Attacher) error {
	return func(a *Attacher) error {
		a.store = s
		return nil
	}
}

// New returns an Attacher for the containers whose state lives under root.
// By default the attach init is the current binary re-executed with the
// "init" argument.
func New(root string, options ...func(*Attacher) error) (*Attacher, error) {
	a := &Attacher{
		Root:     root,
		InitPath: "/proc/self/exe",
		InitArgs: []string{os.Args[0], "init"},
	}
	for _, opt := range options {
		if opt == nil {
			continue
		}
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	if a.store == nil {
		if root == "" {
			return nil, newConfigError("no state root and no store")
		}
		a.store = &FileStore{Root: root}
	}
	return a, nil
}

// Attach starts a process inside the container called name, set up as
// described by opts, and returns once its setup has completed. The process
// then runs opts.Exec. A failed attach leaves no process behind; its error
// is an *AttachError.
//
// Attach takes ownership of the stdio files in opts.
func (a *Attacher) Attach(name string, opts *AttachOptions) (*Handle, error) {
	if opts == nil {
		return nil, &AttachError{Step: "validate options", Kind: KindInvalidArgument, Err: errors.New("no options")}
	}
	defer closeFiles(opts.Stdin, opts.Stdout, opts.Stderr)

	target, err := a.store.Resolve(name)
	if err != nil {
		return nil, newAttachError("resolve target", err)
	}
	if err := opts.validate(); err != nil {
		return nil, &AttachError{Step: "validate options", Kind: KindInvalidArgument, Err: err}
	}
	logrus.Debugf("attaching to %s (init %d)", target.Name, target.InitPid)

	nsMask := opts.Namespaces
	if nsMask == namespaces.Auto {
		nsMask = target.Namespaces
		if nsMask == 0 {
			if nsMask, err = namespaces.Detect(target.InitPid); err != nil {
				return nil, newAttachError("detect namespaces", err)
			}
		}
	}
	nsPaths, err := namespaces.Paths(target.InitPid, nsMask)
	if err != nil {
		return nil, newAttachError("resolve namespaces", err)
	}

	config, err := a.newInitConfig(target, opts, nsMask)
	if err != nil {
		return nil, newAttachError("prepare", err)
	}
	data, err := bootstrapData(nsPaths, config.Remount)
	if err != nil {
		return nil, newAttachError("prepare", err)
	}
	return a.start(target, opts, config, data)
}

func (a *Attacher) newInitConfig(target *Target, opts *AttachOptions, nsMask namespaces.Mask) (*initConfig, error) {
	exe, err := encodeExecutor(opts.Exec)
	if err != nil {
		return nil, err
	}
	cwd := pathrs.LexicallyCleanPath(opts.Cwd)
	if cwd == "" {
		// Joining a mount namespace resets the working directory, so the
		// caller's one is passed down by path.
		if cwd, err = os.Getwd(); err != nil {
			logrus.Debugf("unable to get current directory, using /: %v", err)
			cwd = "/"
		}
	}
	return &initConfig{
		TargetPid:       target.InitPid,
		Flags:           opts.Flags,
		Namespaces:      nsMask,
		Remount:         opts.Flags.has(RemountProcSys) && !nsMask.Contains(namespaces.Mount),
		Personality:     opts.Personality,
		Cwd:             cwd,
		UID:             opts.UID,
		GID:             opts.GID,
		EnvPolicy:       opts.EnvPolicy,
		ExtraEnv:        opts.ExtraEnv,
		ExtraKeepEnv:    opts.ExtraKeepEnv,
		CallerEnv:       os.Environ(),
		Exec:            exe,
		AppArmorEnabled: apparmor.IsEnabled(),
		SELinuxEnabled:  selinux.GetEnabled(),
	}, nil
}

// bootstrapData encodes the data nsexec needs in netlink binary format.
func bootstrapData(nsPaths []string, unshareMnt bool) (_ io.Reader, retErr error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(netlinkError); ok {
				retErr = e.error
			} else {
				panic(r)
			}
		}
	}()

	r := nl.NewNetlinkRequest(int(InitMsg), 0)
	r.AddData(&Int32msg{
		Type:  CloneFlagsAttr,
		Value: 0,
	})
	if len(nsPaths) > 0 {
		r.AddData(&Bytemsg{
			Type:  NsPathsAttr,
			Value: []byte(strings.Join(nsPaths, ",")),
		})
	}
	if unshareMnt {
		r.AddData(&Boolmsg{
			Type:  UnshareMntAttr,
			Value: true,
		})
	}
	return bytes.NewReader(r.Serialize()), nil
}

func (a *Attacher) start(target *Target, opts *AttachOptions, config *initConfig, data io.Reader) (_ *Handle, retErr error) {
	parentSock, childSock, err := utils.NewSockPair("init")
	if err != nil {
		return nil, newAttachError("spawn", err)
	}
	logR, logW, err := os.Pipe()
	if err != nil {
		closeFiles(parentSock, childSock)
		return nil, newAttachError("spawn", err)
	}
	childFiles, err := a.childFiles(opts, childSock, logW)
	if err != nil {
		closeFiles(parentSock, childSock, logR, logW)
		return nil, newAttachError("spawn", err)
	}

	cmd := &exec.Cmd{
		Path:       a.InitPath,
		Args:       a.InitArgs,
		ExtraFiles: childFiles,
		Env: []string{
			envInitPipe + "=" + strconv.Itoa(childInitFd),
			envLogPipe + "=" + strconv.Itoa(childLogFd),
			envLogLevel + "=" + strconv.Itoa(int(logrus.GetLevel())),
			envProcFd + "=" + strconv.Itoa(childProcFd),
			envExeFd + "=" + strconv.Itoa(childExeFd),
		},
	}
	err = cmd.Start()
	// The child has its own copies. Ours must go now: the log pipe only
	// reaches EOF once nothing but the lineage holds its write end.
	closeFiles(childFiles...)
	if err != nil {
		closeFiles(parentSock, logR)
		return nil, newAttachError("spawn", err)
	}
	logsDone := logs.ForwardLogs(logR)
	h := &Handle{cmd: cmd, logsDone: logsDone}

	defer func() {
		if retErr != nil {
			// Closing the socket makes any stage still waiting for input
			// fail, so nothing has to be signalled; the lineage exits by
			// itself and is reaped here.
			parentSock.Close()
			if _, err := h.Wait(); err != nil {
				logrus.Debugf("attach init: %v", err)
			}
		}
	}()

	if config.Flags.has(MoveToCgroup) {
		if err := enterCgroups(target, cmd.Process.Pid); err != nil {
			return nil, newAttachError("move to cgroup", err)
		}
	}
	if _, err := io.Copy(parentSock, data); err != nil {
		return nil, newAttachError("send bootstrap data", err)
	}
	if err := utils.WriteJSON(parentSock, config); err != nil {
		return nil, newAttachError("send config", err)
	}

	dec := json.NewDecoder(parentSock)
	sync, err := readSync(dec, procPid)
	if err != nil {
		return nil, syncError(err)
	}
	h.pid = sync.Stage2Pid
	logrus.Debugf("attach init stage-1 %d, stage-2 %d", sync.Stage1Pid, sync.Stage2Pid)
	if _, err := readSync(dec, procReady); err != nil {
		return nil, syncError(err)
	}
	parentSock.Close()
	return h, nil
}

// syncError converts a failed handshake read into an AttachError.
func syncError(err error) error {
	var ierr *initError
	switch {
	case errors.As(err, &ierr):
		return ierr.asAttachError()
	case errors.Is(err, io.EOF):
		return &AttachError{Step: "handshake", Kind: KindIO, Err: errors.New("attached process exited without reporting its state")}
	default:
		return newAttachError("handshake", err)
	}
}

// childFiles returns the extra files of the attach init, in the order of
// the child*Fd constants. All of them are private copies the caller closes.
func (a *Attacher) childFiles(opts *AttachOptions, initSock, logPipe *os.File) ([]*os.File, error) {
	stdio, err := stdioFiles(opts)
	if err != nil {
		return nil, err
	}
	proc, err := sys.OpenProcRoot()
	if err != nil {
		closeFiles(stdio...)
		return nil, err
	}
	// The init binary is executed a second time once the process is set
	// up, from inside the container, where its path means nothing.
	exe, err := os.Open(a.InitPath)
	if err != nil {
		closeFiles(stdio...)
		proc.Close()
		return nil, err
	}
	return append(stdio, initSock, logPipe, proc.File(), exe), nil
}

// enterCgroups moves pid into the cgroups of the target's init. When they
// are not reachable from here, the paths recorded by the store are used.
func enterCgroups(target *Target, pid int) error {
	err := cgroups.EnterPid(target.InitPid, pid)
	if err != nil && errors.Is(err, os.ErrNotExist) && len(target.CgroupPaths) > 0 {
		logrus.Debugf("using recorded cgroup paths: %v", err)
		err = cgroups.EnterPaths(target.CgroupPaths, pid)
	}
	return err
}

// stdioFiles returns private copies of the stdio files in opts, with
// /dev/null standing in for the missing ones. The caller closes them all.
func stdioFiles(opts *AttachOptions) ([]*os.File, error) {
	files := []*os.File{opts.Stdin, opts.Stdout, opts.Stderr}
	out := make([]*os.File, len(files))
	for i, f := range files {
		if f != nil {
			fd, err := unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, 0)
			if err != nil {
				closeFiles(out...)
				return nil, os.NewSyscallError("fcntl", err)
			}
			out[i] = os.NewFile(uintptr(fd), f.Name())
			continue
		}
		flag := os.O_RDONLY
		if i > 0 {
			flag = os.O_WRONLY
		}
		null, err := os.OpenFile(os.DevNull, flag, 0)
		if err != nil {
			closeFiles(out...)
			return nil, err
		}
		out[i] = null
	}
	return out, nil
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

// Handle is an attached process that completed its setup.
type Handle struct {
	cmd      *exec.Cmd
	pid      int
	logsDone chan error
}

// Pid returns the host pid of the attached process.
func (h *Handle) Pid() int {
	return h.pid
}

// Wait waits for the attached process to exit and returns its exit status,
// 128 plus the signal number when it was killed.
func (h *Handle) Wait() (int, error) {
	err := h.cmd.Wait()
	// The log pipe is closed once every stage is gone.
	if lerr := <-h.logsDone; lerr != nil {
		logrus.Debugf("forwarding init logs: %v", lerr)
	}
	if h.cmd.ProcessState == nil {
		return -1, err
	}
	ws, ok := h.cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		return -1, fmt.Errorf("unexpected wait status %T", h.cmd.ProcessState.Sys())
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return -1, err
	}
	return utils.ExitStatus(unix.WaitStatus(ws)), nil
}

// Signal sends sig to the attached process.
func (h *Handle) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal %v", sig)
	}
	if h.pid <= 0 {
		return errors.New("attached process has no pid")
	}
	return unix.Kill(h.pid, s)
}
