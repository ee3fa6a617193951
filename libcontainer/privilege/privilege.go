//go:build linux

// Package privilege applies a probed security context to the current
// process.
package privilege

import (
	"errors"
	"fmt"

	"github.com/opencontainers/selinux/go-selinux"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/gocapability/capability"

	"github.com/nsattach/nsattach/internal/sys"
	"github.com/nsattach/nsattach/libcontainer/apparmor"
	"github.com/nsattach/nsattach/libcontainer/capabilities"
	"github.com/nsattach/nsattach/libcontainer/probe"
	"github.com/nsattach/nsattach/libcontainer/system"
)

// AutoPersonality leaves the probed personality in place.
const AutoPersonality int64 = -1

// Options selects the parts of the context Drop applies.
type Options struct {
	Capabilities bool
	Personality  bool
	MACProfile   bool

	// PersonalityOverride is used instead of the probed personality unless
	// it is AutoPersonality.
	PersonalityOverride int64

	// Proc is the procfs the AppArmor attributes are written through. It
	// must be the procfs of a pid namespace the calling thread is visible in.
	Proc *sys.ProcRoot
}

// Dropped is the result of a successful Drop. The identity switch that
// follows it still needs CAP_SETUID and CAP_SETGID, which Finalize removes
// once the switch is done.
type Dropped struct {
	caps *capabilities.Caps
}

// Finalize drops the capabilities Drop retained for the identity switch.
func (d *Dropped) Finalize() error {
	if d == nil || d.caps == nil {
		return nil
	}
	return d.caps.Finalize()
}

// Drop reduces the capabilities of the calling process to the ones ctx holds,
// sets its personality and moves it into the MAC profile of ctx, in that
// order. The caller must have locked the goroutine to its OS thread: the
// capability sets, personality and LSM attributes involved are per thread,
// and they reach the rest of the process only through the eventual exec.
func Drop(ctx *probe.Context, opts Options) (*Dropped, error) {
	d := &Dropped{}
	if opts.Capabilities {
		caps, err := capabilities.Reduce(ctx.Capabilities, capability.CAP_SETUID, capability.CAP_SETGID)
		if err != nil {
			return nil, fmt.Errorf("drop capabilities: %w", err)
		}
		d.caps = caps
	}

	if opts.Personality {
		persona := ctx.Personality
		if opts.PersonalityOverride != AutoPersonality {
			persona = uint64(opts.PersonalityOverride)
		}
		if err := system.SetLinuxPersonality(persona); err != nil {
			return nil, fmt.Errorf("set personality %#x: %w", persona, err)
		}
	}

	if opts.MACProfile && ctx.MACProfile != "" {
		if err := applyMAC(ctx, opts.Proc); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func applyMAC(ctx *probe.Context, proc *sys.ProcRoot) error {
	logrus.Debugf("applying %s profile %q", ctx.MACKind, ctx.MACProfile)
	switch ctx.MACKind {
	case probe.MACAppArmor:
		if proc == nil {
			return fmt.Errorf("apparmor profile %q: no procfs handle", ctx.MACProfile)
		}
		if err := apparmor.ChangeProfile(proc, ctx.MACProfile); err != nil {
			return fmt.Errorf("%w: %w", errors.ErrUnsupported, err)
		}
	case probe.MACSELinux:
		if err := selinux.SetExecLabel(ctx.MACProfile); err != nil {
			return fmt.Errorf("%w: selinux label %q: %w", errors.ErrUnsupported, ctx.MACProfile, err)
		}
	default:
		return fmt.Errorf("%w: MAC profile %q of unknown kind", errors.ErrUnsupported, ctx.MACProfile)
	}
	return nil
}
