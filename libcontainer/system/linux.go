//go:build linux

package system

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nsattach/nsattach/internal/linux"
)

type ParentDeathSignal int

func (p ParentDeathSignal) Restore() error {
	if p == 0 {
		return nil
	}
	current, err := GetParentDeathSignal()
	if err != nil {
		return err
	}
	if p == current {
		return nil
	}
	return p.Set()
}

func (p ParentDeathSignal) Set() error {
	return SetParentDeathSignal(uintptr(p))
}

func SetParentDeathSignal(sig uintptr) error {
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, sig, 0, 0, 0); err != nil {
		return err
	}
	return nil
}

func GetParentDeathSignal() (ParentDeathSignal, error) {
	var sig int
	if err := unix.Prctl(unix.PR_GET_PDEATHSIG, uintptr(unsafe.Pointer(&sig)), 0, 0, 0); err != nil {
		return -1, err
	}
	return ParentDeathSignal(sig), nil
}

// SetLinuxPersonality sets the execution domain of the current process.
func SetLinuxPersonality(personality uint64) error {
	return linux.Personality(personality)
}

// LinuxPersonality returns the execution domain of the current process.
func LinuxPersonality() (uint64, error) {
	return linux.GetPersonality()
}
