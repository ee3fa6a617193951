//go:build linux

// Package capabilities reads capability sets from procfs and reduces the
// capability sets of the current process to a given mask.
package capabilities

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/syndtr/gocapability/capability"
)

const allCapabilityTypes = capability.CAPS | capability.BOUNDS | capability.AMBS

// Mask is a capability set in the kernel's bitmap layout: bit n is set when
// capability n is in the set.
type Mask uint64

// MaskOf returns the mask holding exactly caps.
func MaskOf(caps ...capability.Cap) Mask {
	var m Mask
	for _, c := range caps {
		m |= 1 << uint(c)
	}
	return m
}

// Has reports whether c is in the mask.
func (m Mask) Has(c capability.Cap) bool {
	return m&(1<<uint(c)) != 0
}

// Caps returns the capabilities in the mask that the running kernel knows
// about, in numeric order.
func (m Mask) Caps() []capability.Cap {
	var out []capability.Cap
	for c := capability.Cap(0); c <= capability.CAP_LAST_CAP; c++ {
		if m.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Names returns the "CAP_*" names of the capabilities in the mask.
func (m Mask) Names() []string {
	caps := m.Caps()
	names := make([]string, 0, len(caps))
	for _, c := range caps {
		names = append(names, "CAP_"+strings.ToUpper(c.String()))
	}
	return names
}

func (m Mask) String() string {
	return fmt.Sprintf("%016x", uint64(m))
}

// Caps reduces the capability sets of the current process. It is created by
// Reduce and completed by Finalize once the process identity has been set.
type Caps struct {
	pid      capability.Capabilities
	keep     Mask
	retained []capability.Cap
}

// Reduce removes every capability outside keep from the bounding,
// inheritable and ambient sets of the current process, and from the
// effective and permitted sets except for the ones listed in retain. Retained
// capabilities that the process does not already hold are not added. Call
// Finalize on the result to drop the retained capabilities as well.
func Reduce(keep Mask, retain ...capability.Cap) (*Caps, error) {
	pid, err := capability.NewPid2(0)
	if err != nil {
		return nil, err
	}
	if err := pid.Load(); err != nil {
		return nil, err
	}
	c := &Caps{pid: pid, keep: keep}
	for _, r := range retain {
		if !keep.Has(r) {
			c.retained = append(c.retained, r)
		}
	}

	for cp := capability.Cap(0); cp <= capability.CAP_LAST_CAP; cp++ {
		if keep.Has(cp) {
			continue
		}
		c.pid.Unset(capability.BOUNDING|capability.INHERITABLE|capability.AMBIENT, cp)
		if !c.isRetained(cp) {
			c.pid.Unset(capability.EFFECTIVE|capability.PERMITTED, cp)
		}
	}
	if err := c.pid.Apply(allCapabilityTypes); err != nil {
		return nil, fmt.Errorf("unable to reduce capabilities to %s: %w", keep, err)
	}
	logrus.Debugf("capabilities reduced to %v (temporarily retaining %d)", keep.Names(), len(c.retained))
	return c, nil
}

func (c *Caps) isRetained(cp capability.Cap) bool {
	for _, r := range c.retained {
		if r == cp {
			return true
		}
	}
	return false
}

// Finalize drops the capabilities retained by Reduce. The kernel may have
// already cleared them while switching to a non-root identity, so the sets
// are reloaded first.
func (c *Caps) Finalize() error {
	if len(c.retained) == 0 {
		return nil
	}
	if err := c.pid.Load(); err != nil {
		return err
	}
	c.pid.Unset(capability.EFFECTIVE|capability.PERMITTED, c.retained...)
	if err := c.pid.Apply(capability.CAPS); err != nil {
		return fmt.Errorf("unable to drop retained capabilities: %w", err)
	}
	c.retained = nil
	return nil
}
