//go:build linux

// Package cgroups moves processes into the cgroups of another process. It
// never creates or configures cgroups.
package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// EnterPid moves pid into every cgroup that targetPid belongs to, in each
// hierarchy mounted in the caller's mount namespace. An unreadable or empty
// membership list yields an error wrapping [os.ErrNotExist]; a refused move
// keeps the errno reported by the kernel.
func EnterPid(targetPid, pid int) error {
	membership, err := ParseCgroupFile("/proc/" + strconv.Itoa(targetPid) + "/cgroup")
	if err != nil {
		return fmt.Errorf("read cgroups of pid %d: %w", targetPid, err)
	}
	membership = joinable(membership, IsCgroup2UnifiedMode())
	if len(membership) == 0 {
		return fmt.Errorf("pid %d has no cgroup membership: %w", targetPid, os.ErrNotExist)
	}
	mounts, err := Mounts()
	if err != nil {
		return err
	}

	dirs := Resolve(membership, mounts)
	if len(dirs) == 0 {
		return fmt.Errorf("no cgroup hierarchy of pid %d is mounted: %w", targetPid, os.ErrNotExist)
	}
	for _, dir := range dirs {
		if err := WriteCgroupProc(dir, pid); err != nil {
			return err
		}
		logrus.Debugf("moved pid %d into %s", pid, dir)
	}
	return nil
}

// joinable returns the part of membership EnterPid acts on. On a unified
// host that is the v2 entry alone; "name=" hierarchies mounted by other
// managers are left out.
func joinable(membership map[string]string, unified bool) map[string]string {
	if !unified {
		return membership
	}
	path, ok := membership[""]
	if !ok {
		return nil
	}
	return map[string]string{"": path}
}

// EnterPaths moves pid into each of the given cgroup directories, keyed by
// controller as runc records them in its state file. Directories shared by
// several controllers are written once.
func EnterPaths(paths map[string]string, pid int) error {
	if len(paths) == 0 {
		return fmt.Errorf("no cgroup paths: %w", os.ErrNotExist)
	}
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	seen := make(map[string]bool)
	for _, k := range keys {
		dir := paths[k]
		if seen[dir] {
			continue
		}
		seen[dir] = true
		if err := WriteCgroupProc(dir, pid); err != nil {
			return err
		}
	}
	return nil
}

// Resolve maps a membership list, as returned by ParseCgroupFile, onto
// cgroup directories under the given mounts. Each directory is returned once
// even when several controllers share it. Controllers whose hierarchy is not
// mounted, or whose cgroup lies outside the mounted part, are skipped.
func Resolve(membership map[string]string, mounts []Mount) []string {
	var dirs []string
	seen := make(map[string]bool)
	for _, m := range mounts {
		cgPath, ok := "", false
		for _, c := range m.Controllers {
			if cgPath, ok = membership[c]; ok {
				break
			}
		}
		if !ok {
			continue
		}
		rel, err := filepath.Rel(m.Root, cgPath)
		if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
			logrus.Debugf("cgroup %s is not visible under %s (root %s)", cgPath, m.Mountpoint, m.Root)
			continue
		}
		dir := filepath.Join(m.Mountpoint, rel)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}
	return dirs
}

// ErrNoHierarchy is returned by Mounts when no cgroup filesystem is mounted.
var ErrNoHierarchy = fmt.Errorf("no cgroup filesystem mounted: %w", os.ErrNotExist)
