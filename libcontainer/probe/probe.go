//go:build linux

// Package probe reads the security context of a running process: its
// capabilities, ABI personality and MAC profile.
package probe

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/moby/sys/user"
	"github.com/moby/sys/userns"
	"github.com/opencontainers/selinux/go-selinux"
	"github.com/sirupsen/logrus"

	"github.com/nsattach/nsattach/internal/sys"
	"github.com/nsattach/nsattach/libcontainer/apparmor"
	"github.com/nsattach/nsattach/libcontainer/capabilities"
)

// MACKind names the LSM a MAC profile belongs to.
type MACKind int

const (
	MACNone MACKind = iota
	MACAppArmor
	MACSELinux
)

func (k MACKind) String() string {
	switch k {
	case MACAppArmor:
		return "apparmor"
	case MACSELinux:
		return "selinux"
	default:
		return "none"
	}
}

// Context is a snapshot of the security context of a process.
type Context struct {
	// MACProfile is the active AppArmor profile or SELinux label, or empty
	// when the process is unconfined or no LSM is enabled.
	MACProfile string
	MACKind    MACKind

	Personality uint64

	// Capabilities is the effective capability set.
	Capabilities capabilities.Mask
	Bounding     capabilities.Mask
}

// Prober reads process state through a procfs handle.
type Prober struct {
	proc *sys.ProcRoot

	// Which LSMs to consult. They default to what the host reports, but a
	// process that has joined another mount namespace may not see the host's
	// /sys, so the caller can set them from values detected beforehand.
	AppArmorEnabled bool
	SELinuxEnabled  bool
}

// New returns a Prober reading from proc.
func New(proc *sys.ProcRoot) *Prober {
	return &Prober{
		proc:            proc,
		AppArmorEnabled: apparmor.IsEnabled(),
		SELinuxEnabled:  selinux.GetEnabled(),
	}
}

// Probe reads the security context of pid from /proc.
func Probe(pid int) (*Context, error) {
	proc, err := sys.OpenProcRoot()
	if err != nil {
		return nil, err
	}
	defer proc.Close()
	return New(proc).Probe(pid)
}

// Probe reads the security context of pid. A pid that no longer exists
// results in an error matching [os.ErrNotExist].
func (p *Prober) Probe(pid int) (*Context, error) {
	base := strconv.Itoa(pid)

	status, err := p.proc.Open(base+"/status", os.O_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("probe %d: %w", pid, err)
	}
	caps, err := capabilities.ParseStatus(status)
	status.Close()
	if err != nil {
		return nil, fmt.Errorf("probe %d: %w", pid, err)
	}

	persona, err := p.personality(base)
	if err != nil {
		return nil, fmt.Errorf("probe %d: %w", pid, err)
	}

	ctx := &Context{
		Personality:  persona,
		Capabilities: caps.Effective,
		Bounding:     caps.Bounding,
	}
	switch {
	case p.AppArmorEnabled:
		profile, err := apparmor.ProfileOf(p.proc, pid)
		if err != nil {
			return nil, fmt.Errorf("probe %d: apparmor profile: %w", pid, err)
		}
		if profile != "" {
			ctx.MACProfile, ctx.MACKind = profile, MACAppArmor
		}
	case p.SELinuxEnabled:
		data, err := p.proc.ReadFile(base + "/attr/current")
		if err != nil {
			return nil, fmt.Errorf("probe %d: selinux label: %w", pid, err)
		}
		if label := strings.TrimRight(string(data), "\x00\n"); label != "" {
			ctx.MACProfile, ctx.MACKind = label, MACSELinux
		}
	}
	return ctx, nil
}

func (p *Prober) personality(base string) (uint64, error) {
	data, err := p.proc.ReadFile(base + "/personality")
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("bad personality %q: %w", data, err)
	}
	return v, nil
}

// InitIdentity returns the real uid and gid of pid, the init process of the
// container being attached to. Outside a user namespace, or when the status
// file cannot be read, it returns 0/0: an unmapped container is attached to
// as root.
func (p *Prober) InitIdentity(pid int) (uid, gid int) {
	if !userns.RunningInUserNS() {
		return 0, 0
	}
	data, err := p.proc.ReadFile(strconv.Itoa(pid) + "/status")
	if err != nil {
		logrus.Warnf("unable to read identity of %d, falling back to 0/0: %v", pid, err)
		return 0, 0
	}
	uid, gid, err = parseIdentity(data)
	if err != nil {
		logrus.Warnf("unable to parse identity of %d, falling back to 0/0: %v", pid, err)
		return 0, 0
	}
	return uid, gid
}

// parseIdentity returns the real ids from the Uid and Gid lines of a
// /proc/<pid>/status file.
func parseIdentity(status []byte) (uid, gid int, err error) {
	uid, gid = -1, -1
	s := bufio.NewScanner(bytes.NewReader(status))
	for s.Scan() {
		k, v, ok := strings.Cut(s.Text(), ":")
		if !ok || (k != "Uid" && k != "Gid") {
			continue
		}
		fields := strings.Fields(v)
		if len(fields) == 0 {
			return 0, 0, fmt.Errorf("empty %s line", k)
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0, 0, fmt.Errorf("bad %s line: %w", k, err)
		}
		if k == "Uid" {
			uid = id
		} else {
			gid = id
		}
	}
	if err := s.Err(); err != nil {
		return 0, 0, err
	}
	if uid < 0 || gid < 0 {
		return 0, 0, errors.New("no Uid or Gid line")
	}
	return uid, gid, nil
}

// ShellFor returns the login shell of uid according to /etc/passwd of the
// current mount namespace. A uid without an entry, or with an empty shell,
// results in an error matching [os.ErrNotExist].
func ShellFor(uid int) (string, error) {
	path, err := user.GetPasswdPath()
	if err != nil {
		return "", err
	}
	return shellFromPasswd(path, uid)
}

func shellFromPasswd(path string, uid int) (string, error) {
	users, err := user.ParsePasswdFileFilter(path, func(u user.User) bool {
		return u.Uid == uid
	})
	if err != nil {
		return "", err
	}
	if len(users) == 0 {
		return "", fmt.Errorf("uid %d: %w", uid, os.ErrNotExist)
	}
	if users[0].Shell == "" {
		return "", fmt.Errorf("uid %d has no login shell: %w", uid, os.ErrNotExist)
	}
	return users[0].Shell, nil
}
