// Package namespaces names the kernel namespace kinds an attach can join and
// computes the order and paths in which they are joined.
package namespaces

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// Kind is a namespace kind, spelled the way it appears under /proc/<pid>/ns.
type Kind string

const (
	User   Kind = "user"
	IPC    Kind = "ipc"
	UTS    Kind = "uts"
	Net    Kind = "net"
	PID    Kind = "pid"
	Cgroup Kind = "cgroup"
	Mount  Kind = "mnt"
)

// order is the join order. The user namespace comes first so that the
// remaining joins are checked against the credentials it grants, and the
// mount namespace comes last so that it is entered with every other view
// already in place.
var order = []Kind{User, IPC, UTS, Net, PID, Cgroup, Mount}

var cloneFlags = map[Kind]Mask{
	User:   unix.CLONE_NEWUSER,
	IPC:    unix.CLONE_NEWIPC,
	UTS:    unix.CLONE_NEWUTS,
	Net:    unix.CLONE_NEWNET,
	PID:    unix.CLONE_NEWPID,
	Cgroup: unix.CLONE_NEWCGROUP,
	Mount:  unix.CLONE_NEWNS,
}

// Flag returns the CLONE_NEW* bit of k, or 0 for an unknown kind.
func (k Kind) Flag() Mask {
	return cloneFlags[k]
}

// Mask is a set of namespace kinds as CLONE_NEW* bits.
type Mask uint64

const (
	// All holds every kind this package knows about.
	All Mask = unix.CLONE_NEWUSER | unix.CLONE_NEWIPC | unix.CLONE_NEWUTS |
		unix.CLONE_NEWNET | unix.CLONE_NEWPID | unix.CLONE_NEWCGROUP | unix.CLONE_NEWNS

	// Auto asks for every kind in which the target differs from the caller.
	// It must be resolved with Detect before use.
	Auto Mask = ^Mask(0)
)

// Contains reports whether k is in m.
func (m Mask) Contains(k Kind) bool {
	f := k.Flag()
	return f != 0 && m&f == f
}

// Kinds returns the kinds in m in join order.
func (m Mask) Kinds() []Kind {
	return Order(m)
}

func (m Mask) String() string {
	if m == Auto {
		return "auto"
	}
	var names []string
	for _, k := range Order(m) {
		names = append(names, string(k))
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Order returns the kinds in m in the order they must be joined.
func Order(m Mask) []Kind {
	var kinds []Kind
	for _, k := range order {
		if m.Contains(k) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Aliases accepted by ParseMask, in addition to the Kind names.
var maskNames = map[string]Kind{
	"user":    User,
	"ipc":     IPC,
	"uts":     UTS,
	"utsname": UTS,
	"net":     Net,
	"network": Net,
	"pid":     PID,
	"cgroup":  Cgroup,
	"mnt":     Mount,
	"mount":   Mount,
}

// ParseMask parses a list of namespace names separated by '|' or ',', such
// as "MOUNT|PID|NETWORK". Names are case-insensitive.
func ParseMask(s string) (Mask, error) {
	var m Mask
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '|' || r == ','
	})
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		k, ok := maskNames[f]
		if !ok {
			return 0, fmt.Errorf("unknown namespace %q", f)
		}
		m |= k.Flag()
	}
	if m == 0 {
		return 0, fmt.Errorf("no namespaces in %q", s)
	}
	return m, nil
}
