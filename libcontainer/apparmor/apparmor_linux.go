package apparmor

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/nsattach/nsattach/internal/sys"
)

var (
	appArmorEnabled bool
	checkAppArmor   sync.Once
)

// isEnabled returns true if apparmor is enabled for the host.
func isEnabled() bool {
	checkAppArmor.Do(func() {
		if _, err := os.Stat("/sys/kernel/security/apparmor"); err == nil {
			buf, err := os.ReadFile("/sys/module/apparmor/parameters/enabled")
			appArmorEnabled = err == nil && len(buf) > 1 && buf[0] == 'Y'
		}
	})
	return appArmorEnabled
}

// attrPath returns the path of an AppArmor attribute of base (a "<pid>" or
// "thread-self" directory), preferring the per-LSM interface when the
// kernel has it.
func attrPath(proc *sys.ProcRoot, base, attr string) string {
	p := base + "/attr/apparmor/" + attr
	if f, err := proc.Open(p, os.O_RDONLY); err == nil {
		f.Close()
		return p
	} else if !errors.Is(err, os.ErrNotExist) {
		// Present but unreadable (exec is write-only on some kernels).
		return p
	}
	// fall back to the old convention
	return base + "/attr/" + attr
}

func setProcAttr(proc *sys.ProcRoot, attr, value string) error {
	// Under AppArmor you can only change your own attr, so there's no reason
	// to not use thread-self.
	return proc.WriteFile(attrPath(proc, "thread-self", attr), value)
}

// ProfileOf returns the AppArmor profile confining pid, read through proc.
// An unconfined process yields an empty name.
func ProfileOf(proc *sys.ProcRoot, pid int) (string, error) {
	data, err := proc.ReadFile(attrPath(proc, strconv.Itoa(pid), "current"))
	if err != nil {
		return "", err
	}
	return ParseLabel(string(data)), nil
}

// ChangeProfile moves the calling thread into the named profile right away
// and arranges for the next exec to keep it there. The thread must not
// migrate between the two writes and the exec, so callers lock it first.
// Whether AppArmor is enabled is left to the caller, which may be looking at
// a /sys that is not the host's.
func ChangeProfile(proc *sys.ProcRoot, name string) error {
	if name == "" {
		return nil
	}
	if err := setProcAttr(proc, "exec", "exec "+name); err != nil {
		return fmt.Errorf("apparmor failed to set exec profile %q: %w", name, err)
	}
	if err := setProcAttr(proc, "current", "changeprofile "+name); err != nil {
		return fmt.Errorf("apparmor failed to change to profile %q: %w", name, err)
	}
	return nil
}
