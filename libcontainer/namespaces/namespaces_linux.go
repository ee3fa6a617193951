package namespaces

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	nsLock              sync.Mutex
	supportedNamespaces = make(map[Kind]bool)
)

// Supported returns whether the running kernel provides namespaces of kind
// k, judged by the presence of /proc/self/ns/<k>.
func Supported(k Kind) bool {
	nsLock.Lock()
	defer nsLock.Unlock()
	supported, ok := supportedNamespaces[k]
	if ok {
		return supported
	}
	// if the namespace type is unknown, just return false
	if k.Flag() == 0 {
		return false
	}
	_, err := os.Stat("/proc/self/ns/" + string(k))
	// a namespace is supported if it exists and we have permissions to read it
	supported = err == nil
	supportedNamespaces[k] = supported
	return supported
}

// Path returns the /proc path of the namespace of kind k owned by pid.
func Path(pid int, k Kind) string {
	return "/proc/" + strconv.Itoa(pid) + "/ns/" + string(k)
}

func nsInode(path string) (unix.Stat_t, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return st, &os.PathError{Op: "stat", Path: path, Err: err}
	}
	return st, nil
}

func sameNamespace(a, b unix.Stat_t) bool {
	return a.Dev == b.Dev && a.Ino == b.Ino
}

// Detect returns the kinds in which pid lives in a different namespace from
// the calling process. Kinds the kernel does not support are left out. A
// vanished pid yields an error wrapping [os.ErrNotExist].
func Detect(pid int) (Mask, error) {
	if _, err := os.Stat("/proc/" + strconv.Itoa(pid)); err != nil {
		return 0, fmt.Errorf("detect namespaces of pid %d: %w", pid, err)
	}
	var m Mask
	for _, k := range order {
		if !Supported(k) {
			continue
		}
		self, err := nsInode(Path(os.Getpid(), k))
		if err != nil {
			return 0, err
		}
		target, err := nsInode(Path(pid, k))
		if err != nil {
			return 0, fmt.Errorf("detect namespaces of pid %d: %w", pid, err)
		}
		if !sameNamespace(self, target) {
			m |= k.Flag()
		}
	}
	logrus.Debugf("pid %d differs in namespaces %s", pid, m)
	return m, nil
}

// Paths returns the "<kind>:<path>" entries to join for the namespaces in m
// owned by pid, in join order. A user namespace the caller already lives in
// is skipped, since the kernel refuses to re-enter it. Requesting a kind the
// kernel does not support yields an error wrapping [errors.ErrUnsupported].
func Paths(pid int, m Mask) ([]string, error) {
	if m == Auto {
		return nil, errors.New("namespace mask must be resolved before computing paths")
	}
	var paths []string
	for _, k := range Order(m) {
		if !Supported(k) {
			return nil, fmt.Errorf("namespace %s: %w", k, errors.ErrUnsupported)
		}
		p := Path(pid, k)
		target, err := nsInode(p)
		if err != nil {
			return nil, err
		}
		if k == User {
			self, err := nsInode(Path(os.Getpid(), k))
			if err == nil && sameNamespace(self, target) {
				logrus.Debugf("already in the user namespace of pid %d, not joining it", pid)
				continue
			}
		}
		// do not allow namespace path with comma as we use it to separate
		// the namespace paths
		if strings.ContainsRune(p, ',') {
			return nil, fmt.Errorf("invalid path %s", p)
		}
		paths = append(paths, string(k)+":"+p)
	}
	return paths, nil
}
