package cgroups

import (
	"errors"
	"os"
	"os/exec"
	"reflect"
	"strconv"
	"strings"
	"testing"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

func TestParseCgroups(t *testing.T) {
	cgroups, err := ParseCgroupFile("/proc/self/cgroup")
	if err != nil {
		t.Fatal(err)
	}
	if IsCgroup2UnifiedMode() {
		if _, ok := cgroups[""]; !ok {
			t.Errorf("expected a unified hierarchy entry, got %v", cgroups)
		}
		return
	}
	if _, ok := cgroups["cpu"]; !ok {
		t.Fail()
	}
}

const hybridCgroups = `12:cpu,cpuacct:/docker/abc
11:memory:/docker/abc
1:name=systemd:/docker/abc
0::/docker/abc
`

func TestParseCgroupFromReader(t *testing.T) {
	got, err := parseCgroupFromReader(strings.NewReader(hybridCgroups))
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"cpu":          "/docker/abc",
		"cpuacct":      "/docker/abc",
		"memory":       "/docker/abc",
		"name=systemd": "/docker/abc",
		"":             "/docker/abc",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	if _, err := parseCgroupFromReader(strings.NewReader("garbage\n")); err == nil {
		t.Error("expected an error for an entry without colons")
	}
}

func TestJoinable(t *testing.T) {
	membership, err := parseCgroupFromReader(strings.NewReader(hybridCgroups))
	if err != nil {
		t.Fatal(err)
	}
	if got := joinable(membership, false); !reflect.DeepEqual(got, membership) {
		t.Errorf("hybrid host: expected %v, got %v", membership, got)
	}
	want := map[string]string{"": "/docker/abc"}
	if got := joinable(membership, true); !reflect.DeepEqual(got, want) {
		t.Errorf("unified host: expected %v, got %v", want, got)
	}
	v1Only := map[string]string{"memory": "/docker/abc"}
	if got := joinable(v1Only, true); len(got) != 0 {
		t.Errorf("unified host without a v2 entry: expected nothing, got %v", got)
	}
}

func TestResolve(t *testing.T) {
	membership, err := parseCgroupFromReader(strings.NewReader(hybridCgroups))
	if err != nil {
		t.Fatal(err)
	}
	mounts := mountsFromInfo([]*mountinfo.Info{
		{Mountpoint: "/sys/fs/cgroup/cpu,cpuacct", Root: "/", FSType: "cgroup", VFSOptions: "rw,cpu,cpuacct"},
		{Mountpoint: "/sys/fs/cgroup/cpu", Root: "/", FSType: "cgroup", VFSOptions: "rw,cpu,cpuacct"},
		{Mountpoint: "/sys/fs/cgroup/memory", Root: "/docker", FSType: "cgroup", VFSOptions: "rw,memory"},
		{Mountpoint: "/sys/fs/cgroup/systemd", Root: "/", FSType: "cgroup", VFSOptions: "rw,xattr,name=systemd"},
		{Mountpoint: "/sys/fs/cgroup/unified", Root: "/", FSType: "cgroup2", VFSOptions: "rw,nsdelegate"},
		// A controller the target is not a member of.
		{Mountpoint: "/sys/fs/cgroup/pids", Root: "/", FSType: "cgroup", VFSOptions: "rw,pids"},
		// A mount whose root hides the target's cgroup.
		{Mountpoint: "/mnt/other", Root: "/elsewhere", FSType: "cgroup2", VFSOptions: "rw"},
	})

	got := Resolve(membership, mounts)
	want := []string{
		"/sys/fs/cgroup/cpu,cpuacct/docker/abc",
		"/sys/fs/cgroup/cpu/docker/abc",
		"/sys/fs/cgroup/memory/abc",
		"/sys/fs/cgroup/systemd/docker/abc",
		"/sys/fs/cgroup/unified/docker/abc",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestEnterPidMissingTarget(t *testing.T) {
	err := EnterPid(4194305, os.Getpid())
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestEnterPid(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("test requires root")
	}
	cmd := exec.Command("sleep", "10")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	// The child starts in our cgroups, so moving it into our own cgroups
	// must succeed and leave its membership unchanged.
	if err := EnterPid(os.Getpid(), cmd.Process.Pid); err != nil {
		if errors.Is(err, unix.EROFS) {
			t.Skip("cgroup filesystem is read-only")
		}
		t.Fatal(err)
	}
	self, err := ParseCgroupFile("/proc/self/cgroup")
	if err != nil {
		t.Fatal(err)
	}
	child, err := ParseCgroupFile("/proc/" + strconv.Itoa(cmd.Process.Pid) + "/cgroup")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(self, child) {
		t.Errorf("expected membership %v, got %v", self, child)
	}
}

func TestEnterPathsEmpty(t *testing.T) {
	if err := EnterPaths(nil, os.Getpid()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestEnterPathsMissingDir(t *testing.T) {
	paths := map[string]string{"": t.TempDir() + "/gone"}
	if err := EnterPaths(paths, os.Getpid()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}
