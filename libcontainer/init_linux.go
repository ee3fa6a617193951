package libcontainer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/moby/sys/user"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nsattach/nsattach/internal/linux"
	"github.com/nsattach/nsattach/internal/sys"
	"github.com/nsattach/nsattach/libcontainer/logs"
	"github.com/nsattach/nsattach/libcontainer/namespaces"
	"github.com/nsattach/nsattach/libcontainer/privilege"
	"github.com/nsattach/nsattach/libcontainer/probe"
	"github.com/nsattach/nsattach/libcontainer/system"
	"github.com/nsattach/nsattach/libcontainer/utils"
)

// Init is the attach init, run by the binary when it is started as
// "<argv0> init". When it gets control the nsenter constructor has already
// joined the target's namespaces and forked, so what runs here is the
// process that becomes the attached one. Once it is set up, the process
// executes the same binary again, and that image runs the executor.
// Init never returns.
func Init() {
	if os.Getenv(envSyncPipe) != "" {
		exe, err := finishInitialization()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		if exe == nil {
			os.Exit(255)
		}
		os.Exit(exe.Run())
	}

	runtime.GOMAXPROCS(1)
	runtime.LockOSThread()

	if err := startInitialization(); err != nil {
		// The error could not be sent to the parent, so print it to
		// stderr as a last resort.
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(255)
}

func envFd(name string) (int, error) {
	fd, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return -1, fmt.Errorf("unable to convert %s: %w", name, err)
	}
	return fd, nil
}

// startInitialization sets the process up and re-executes it, so it only
// returns on failure. The returned error is non-nil only when the failure
// could not be reported to the parent.
func startInitialization() (retErr error) {
	initFd, err := envFd(envInitPipe)
	if err != nil {
		return err
	}
	initPipe := os.NewFile(uintptr(initFd), "init")
	defer initPipe.Close()

	defer func() {
		if retErr == nil {
			return
		}
		if err := writeSyncError(initPipe, retErr); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return
		}
		// Reported, so it must not be printed again.
		retErr = nil
	}()

	level := logrus.InfoLevel
	if levelStr := os.Getenv(envLogLevel); levelStr != "" {
		l, err := strconv.Atoi(levelStr)
		if err != nil {
			return fmt.Errorf("unable to convert %s: %w", envLogLevel, err)
		}
		level = logrus.Level(l)
	}
	logFd, err := envFd(envLogPipe)
	if err != nil {
		return err
	}
	logs.ConfigureInitLogging(os.NewFile(uintptr(logFd), "logpipe"), level)
	logrus.Debug("stage-2 in init()")

	procFd, err := envFd(envProcFd)
	if err != nil {
		return err
	}
	proc, err := sys.NewProcRoot(os.NewFile(uintptr(procFd), "/proc"))
	if err != nil {
		return err
	}
	defer proc.Close()

	var config initConfig
	if err := json.NewDecoder(initPipe).Decode(&config); err != nil {
		return newAttachError("read config", err)
	}
	if config.Exec == nil {
		return &AttachError{Step: "read config", Kind: KindInvalidArgument, Err: errors.New("no executor")}
	}
	if _, err := config.Exec.decode(); err != nil {
		return &AttachError{Step: "read config", Kind: KindInvalidArgument, Err: err}
	}

	if err := attachInit(&config, proc); err != nil {
		return err
	}
	if err := reexec(config.Exec, initFd, logFd, level); err != nil {
		return newAttachError("reexec", err)
	}
	return nil
}

// reexec replaces the process with a new image of the init binary, handing
// it the init socket, the log pipe and the executor. Capabilities,
// personality and the exec-time MAC profile were set on this thread only;
// the exec makes them those of a process whose every thread starts from
// them.
func reexec(exe *executorConfig, initFd, logFd int, level logrus.Level) error {
	exeFd, err := envFd(envExeFd)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(exe)
	if err != nil {
		return err
	}
	// rewireStdio marked them close-on-exec with everything else.
	for _, fd := range []int{initFd, logFd} {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, 0); err != nil {
			return os.NewSyscallError("fcntl", err)
		}
	}
	env := append(withoutAttachEnv(os.Environ()),
		envSyncPipe+"="+strconv.Itoa(initFd),
		envLogPipe+"="+strconv.Itoa(logFd),
		envLogLevel+"="+strconv.Itoa(int(level)),
		envExecutor+"="+string(payload),
	)
	logrus.Debug("re-executing to run the executor")
	return linux.Execveat(exeFd, os.Args, env)
}

// withoutAttachEnv drops the variables used between the attach stages.
func withoutAttachEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if !strings.HasPrefix(kv, "_ATTACH_") {
			out = append(out, kv)
		}
	}
	return out
}

// finishInitialization runs in the image started by reexec. It reports the
// attach as complete and returns the executor to run, or nil when that
// failed; the returned error is non-nil only when the failure could not be
// reported to the parent.
func finishInitialization() (_ Executor, retErr error) {
	syncFd, err := envFd(envSyncPipe)
	if err != nil {
		return nil, err
	}
	syncPipe := os.NewFile(uintptr(syncFd), "init")
	defer syncPipe.Close()

	defer func() {
		if retErr == nil {
			return
		}
		if err := writeSyncError(syncPipe, retErr); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return
		}
		retErr = nil
	}()

	level := logrus.InfoLevel
	if l, err := strconv.Atoi(os.Getenv(envLogLevel)); err == nil {
		level = logrus.Level(l)
	}
	logFd, err := envFd(envLogPipe)
	if err != nil {
		return nil, err
	}
	// An executor that execs must not pass the log pipe on.
	if _, err := unix.FcntlInt(uintptr(logFd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		return nil, newAttachError("init", os.NewSyscallError("fcntl", err))
	}
	logs.ConfigureInitLogging(os.NewFile(uintptr(logFd), "logpipe"), level)

	var config executorConfig
	if err := json.Unmarshal([]byte(os.Getenv(envExecutor)), &config); err != nil {
		return nil, &AttachError{Step: "read config", Kind: KindInvalidArgument, Err: err}
	}
	exe, err := config.decode()
	if err != nil {
		return nil, &AttachError{Step: "read config", Kind: KindInvalidArgument, Err: err}
	}
	for _, name := range []string{envSyncPipe, envLogPipe, envLogLevel, envExecutor} {
		if err := os.Unsetenv(name); err != nil {
			return nil, newAttachError("build environment", err)
		}
	}

	if err := writeSync(syncPipe, syncT{Type: procReady}); err != nil {
		return nil, newAttachError("signal ready", err)
	}
	return exe, nil
}

// attachInit runs the setup steps of the attached process, in order.
func attachInit(config *initConfig, proc *sys.ProcRoot) error {
	if config.Remount {
		logrus.WithField("step", "remount").Debug("remounting /proc and /sys")
		if err := namespaces.RemountProcSys(config.Namespaces.Contains(namespaces.Net)); err != nil {
			return newAttachError("remount", err)
		}
	}

	prober := probe.New(proc)
	prober.AppArmorEnabled = config.AppArmorEnabled
	prober.SELinuxEnabled = config.SELinuxEnabled
	ctx, err := prober.Probe(config.TargetPid)
	if err != nil {
		return newAttachError("probe", err)
	}
	logrus.WithField("step", "probe").Debugf("context of %d: caps %s, personality %#x, %s profile %q",
		config.TargetPid, ctx.Capabilities, ctx.Personality, ctx.MACKind, ctx.MACProfile)

	dropped, err := privilege.Drop(ctx, privilege.Options{
		Capabilities:        config.Flags.has(DropCapabilities),
		Personality:         config.Flags.has(SetPersonality),
		MACProfile:          config.Flags.has(ApplyMACProfile),
		PersonalityOverride: config.Personality,
		Proc:                proc,
	})
	if err != nil {
		return newAttachError("drop privileges", err)
	}

	uid, gid := config.UID, config.GID
	if uid == AutoID || gid == AutoID {
		initUID, initGID := prober.InitIdentity(config.TargetPid)
		if uid == AutoID {
			uid = initUID
		}
		if gid == AutoID {
			gid = initGID
		}
	}
	execUser, id, err := lookupUser(uid, gid)
	if err != nil {
		return newAttachError("set identity", err)
	}

	env := BuildEnvironment(config.EnvPolicy, config.ExtraEnv, config.ExtraKeepEnv, config.CallerEnv, id)
	if _, err := prepareEnv(env); err != nil {
		return newAttachError("build environment", err)
	}

	// The identity switch clears the parent death signal set by nsexec.
	pdeath, err := system.GetParentDeathSignal()
	if err != nil {
		return newAttachError("set identity", err)
	}
	if err := setupUser(execUser, proc); err != nil {
		return newAttachError("set identity", err)
	}
	if err := pdeath.Restore(); err != nil {
		return newAttachError("set identity", err)
	}
	if err := dropped.Finalize(); err != nil {
		return newAttachError("set identity", err)
	}
	logrus.WithField("step", "set identity").Debugf("running as %d:%d", uid, gid)

	if err := chdir(config.Cwd); err != nil {
		return newAttachError("chdir", err)
	}

	if err := rewireStdio(proc); err != nil {
		return newAttachError("rewire stdio", err)
	}
	return nil
}

// lookupUser resolves uid and gid against the account database of the
// container. Ids without an entry are used as they are, with no
// supplementary groups.
func lookupUser(uid, gid int) (*user.ExecUser, Identity, error) {
	passwdPath, err := user.GetPasswdPath()
	if err != nil {
		return nil, Identity{}, err
	}
	groupPath, err := user.GetGroupPath()
	if err != nil {
		return nil, Identity{}, err
	}
	defaults := &user.ExecUser{Uid: uid, Gid: gid, Home: "/"}
	execUser, err := user.GetExecUserPath(strconv.Itoa(uid)+":"+strconv.Itoa(gid), defaults, passwdPath, groupPath)
	if err != nil {
		return nil, Identity{}, err
	}

	id := Identity{UID: uid, Home: execUser.Home}
	if u, err := user.LookupUid(uid); err == nil {
		id.Name = u.Name
		id.Shell = u.Shell
	} else {
		logrus.Debugf("no passwd entry for uid %d: %v", uid, err)
	}
	return execUser, id, nil
}

// setupUser switches to the identity in execUser. The caller must still
// hold CAP_SETUID and CAP_SETGID.
func setupUser(execUser *user.ExecUser, proc *sys.ProcRoot) error {
	// Before we change to the target user make sure that the stdio that
	// is about to become ours is owned by it.
	if err := fixStdioPermissions(execUser.Uid); err != nil {
		return err
	}

	// setgroups is a per-userns file, so reading it through self is fine.
	// The host procfs is used as the container's /proc may be masked.
	setgroups, err := proc.ReadFile("self/setgroups")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	// This isn't allowed in an unprivileged user namespace since Linux 3.19.
	// There's nothing we can do about /etc/group entries, so we silently
	// ignore setting groups here.
	if string(bytes.TrimSpace(setgroups)) != "deny" {
		sgids := execUser.Sgids
		if sgids == nil {
			sgids = []int{}
		}
		if err := unix.Setgroups(sgids); err != nil {
			return &os.SyscallError{Syscall: "setgroups", Err: err}
		}
	}

	if err := unix.Setgid(execUser.Gid); err != nil {
		if err == unix.EINVAL {
			return fmt.Errorf("cannot setgid to unmapped gid %d in user namespace: %w", execUser.Gid, err)
		}
		return &os.SyscallError{Syscall: "setgid", Err: err}
	}
	if err := unix.Setuid(execUser.Uid); err != nil {
		if err == unix.EINVAL {
			return fmt.Errorf("cannot setuid to unmapped uid %d in user namespace: %w", execUser.Uid, err)
		}
		return &os.SyscallError{Syscall: "setuid", Err: err}
	}
	return nil
}

// fixStdioPermissions changes the owner of the stdio passed in by the
// caller to uid, as it was opened outside of the container.
func fixStdioPermissions(uid int) error {
	for _, fd := range []int{childStdinFd, childStdoutFd, childStderrFd} {
		var s unix.Stat_t
		if err := unix.Fstat(fd, &s); err != nil {
			return &os.PathError{Op: "fstat", Path: "fd " + strconv.Itoa(fd), Err: err}
		}

		// Skip chown if uid is already the one we want, or if the fd is
		// opened to /dev/null.
		if int(s.Uid) == uid || isDevNull(&s) {
			continue
		}

		// Only the uid is changed, the file may well be owned by a group
		// the attached process should not get.
		if err := unix.Fchown(fd, uid, int(s.Gid)); err != nil {
			// EINVAL: s.Gid isn't mapped in the user namespace.
			// EPERM: the current owner isn't mapped in it.
			// EROFS: read-only /dev.
			// In any case, better to leave the stdio alone than to fail.
			if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.EPERM) || errors.Is(err, unix.EROFS) {
				continue
			}
			return &os.PathError{Op: "fchown", Path: "fd " + strconv.Itoa(fd), Err: err}
		}
	}
	return nil
}

func isDevNull(s *unix.Stat_t) bool {
	return s.Mode&unix.S_IFMT == unix.S_IFCHR && uint64(s.Rdev) == unix.Mkdev(1, 3)
}

// chdir changes to cwd, or to / when cwd does not exist in the container.
func chdir(cwd string) error {
	if cwd == "" {
		cwd = "/"
	}
	if err := unix.Chdir(cwd); err != nil {
		if !errors.Is(err, unix.ENOENT) {
			return &os.PathError{Op: "chdir", Path: cwd, Err: err}
		}
		logrus.Debugf("%s does not exist in the container, using /", cwd)
		if err := unix.Chdir("/"); err != nil {
			return &os.PathError{Op: "chdir", Path: "/", Err: err}
		}
	}
	return verifyCwd()
}

// verifyCwd checks that the current directory is inside the root of the
// current mount namespace.
func verifyCwd() error {
	// getcwd(2) prefixes "(unreachable)" to a cwd outside of the mount
	// namespace root, which unix.Getwd turns into ENOENT. os.Getwd is not
	// used as its $PWD shortcut stats ".", which may not be accessible.
	if wd, err := linux.Getwd(); errors.Is(err, unix.ENOENT) {
		return errors.New("current working directory is outside of the container mount namespace root")
	} else if err != nil {
		return fmt.Errorf("failed to verify if current working directory is safe: %w", err)
	} else if !filepath.IsAbs(wd) {
		return fmt.Errorf("current working directory is not absolute: %q", wd)
	}
	return nil
}

// rewireStdio moves the caller's stdio onto 0, 1 and 2 and marks every
// other descriptor close-on-exec.
func rewireStdio(proc *sys.ProcRoot) error {
	for i, fd := range []int{childStdinFd, childStdoutFd, childStderrFd} {
		// dup3 without O_CLOEXEC leaves the new descriptor inheritable.
		if err := linux.Dup3(fd, i, 0); err != nil {
			return err
		}
		if err := unix.Close(fd); err != nil {
			return &os.SyscallError{Syscall: "close", Err: err}
		}
	}
	return closeExecFrom(proc, childStdinFd)
}

func closeExecFrom(proc *sys.ProcRoot, minFd int) error {
	// The host procfs, as /proc of the container may show another pid
	// namespace or nothing at all.
	fdDir, err := proc.Open("self/fd", unix.O_RDONLY|unix.O_DIRECTORY)
	if err != nil {
		return err
	}
	defer fdDir.Close()
	return utils.CloseExecFrom(fdDir, minFd)
}
