package namespaces

import (
	"fmt"

	"github.com/moby/sys/mountinfo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nsattach/nsattach/internal/linux"
	"github.com/nsattach/nsattach/internal/pathrs"
)

const virtfsFlags = unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC

// RemountProcSys replaces /proc, and /sys when netJoined is set, with fresh
// instances that reflect the namespaces the caller has joined. It must run
// in a mount namespace private to the caller: the root is first made a
// recursive slave so that nothing propagates back to the namespace it was
// copied from.
func RemountProcSys(netJoined bool) error {
	if err := linux.Mount("", "/", "", unix.MS_SLAVE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("make / rslave: %w", err)
	}
	if err := remountVirtfs("/proc", "proc"); err != nil {
		return err
	}
	if !netJoined {
		return nil
	}
	return remountVirtfs("/sys", "sysfs")
}

func remountVirtfs(target, fstype string) error {
	mounts, err := mountinfo.GetMounts(func(m *mountinfo.Info) (skip, stop bool) {
		return !pathrs.IsLexicallyInRoot(target, m.Mountpoint), false
	})
	if err != nil {
		return fmt.Errorf("list mounts under %s: %w", target, err)
	}
	if len(mounts) > 0 {
		logrus.Debugf("detaching %d mount(s) at or under %s", len(mounts), target)
		// A lazy unmount takes the submounts along.
		if err := linux.Unmount(target, unix.MNT_DETACH); err != nil {
			return err
		}
	}
	if err := linux.Mount(fstype, target, fstype, virtfsFlags, ""); err != nil {
		return err
	}
	return nil
}
