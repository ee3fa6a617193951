package nsenter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/nsattach/nsattach/libcontainer"
)

type syncMsg struct {
	Type      string `json:"type"`
	Stage1Pid int    `json:"stage1_pid"`
	Stage2Pid int    `json:"stage2_pid"`
	Message   string `json:"message"`
	Errno     int    `json:"errno"`
}

// startNsexec starts this test binary as an attach init and sends it a
// bootstrap message joining namespaces.
func startNsexec(t *testing.T, namespaces []string, extraFiles []*os.File, env ...string) (*exec.Cmd, *os.File) {
	t.Helper()
	parent, child, err := newPipe()
	if err != nil {
		t.Fatalf("failed to create pipe %v", err)
	}
	cmd := &exec.Cmd{
		Path:       os.Args[0],
		Args:       []string{"nsenter-exec"},
		ExtraFiles: append([]*os.File{child}, extraFiles...),
		Env:        append([]string{"_ATTACH_INITPIPE=3"}, env...),
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("nsenter failed to start %v", err)
	}
	child.Close()

	r := nl.NewNetlinkRequest(int(libcontainer.InitMsg), 0)
	r.AddData(&libcontainer.Int32msg{
		Type:  libcontainer.CloneFlagsAttr,
		Value: uint32(unix.CLONE_NEWNET),
	})
	r.AddData(&libcontainer.Bytemsg{
		Type:  libcontainer.NsPathsAttr,
		Value: []byte(strings.Join(namespaces, ",")),
	})
	if _, err := io.Copy(parent, bytes.NewReader(r.Serialize())); err != nil {
		t.Fatal(err)
	}
	return cmd, parent
}

func TestNsenterValidPaths(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("joining a pid namespace requires root")
	}
	namespaces := []string{
		// join pid ns of the current process
		fmt.Sprintf("pid:/proc/%d/ns/pid", os.Getpid()),
	}
	cmd, parent := startNsexec(t, namespaces, nil)
	defer parent.Close()

	var msg syncMsg
	if err := json.NewDecoder(parent).Decode(&msg); err != nil {
		t.Fatalf("reading stage-2 pid: %v", err)
	}
	if err := cmd.Wait(); err != nil {
		t.Fatalf("nsenter error: %v", err)
	}
	if msg.Type != "procPid" {
		t.Fatalf("expected procPid, got %+v", msg)
	}
	if msg.Stage1Pid != cmd.Process.Pid {
		t.Errorf("expected stage-1 pid %d, got %d", cmd.Process.Pid, msg.Stage1Pid)
	}
	if msg.Stage2Pid <= 0 || msg.Stage2Pid == msg.Stage1Pid {
		t.Errorf("unexpected stage-2 pid %d", msg.Stage2Pid)
	}
}

func TestNsenterInvalidPaths(t *testing.T) {
	namespaces := []string{
		fmt.Sprintf("pid:/proc/%d/ns/pid", -1),
	}
	cmd, parent := startNsexec(t, namespaces, nil)
	defer parent.Close()

	var msg syncMsg
	if err := json.NewDecoder(parent).Decode(&msg); err != nil {
		t.Fatalf("reading error report: %v", err)
	}
	if err := cmd.Wait(); err == nil {
		t.Fatal("expected nsenter to fail")
	}
	if msg.Type != "procError" || unix.Errno(msg.Errno) != unix.ENOENT {
		t.Errorf("expected procError with ENOENT, got %+v", msg)
	}
}

func TestNsenterIncorrectPathType(t *testing.T) {
	namespaces := []string{
		fmt.Sprintf("net:/proc/%d/ns/pid", os.Getpid()),
	}
	cmd, parent := startNsexec(t, namespaces, nil)
	defer parent.Close()

	var msg syncMsg
	if err := json.NewDecoder(parent).Decode(&msg); err != nil {
		t.Fatalf("reading error report: %v", err)
	}
	if err := cmd.Wait(); err == nil {
		t.Fatal("expected nsenter to fail")
	}
	if msg.Type != "procError" || unix.Errno(msg.Errno) != unix.EINVAL {
		t.Errorf("expected procError with EINVAL, got %+v", msg)
	}
	if !strings.Contains(msg.Message, "net namespace") {
		t.Errorf("unexpected message %q", msg.Message)
	}
}

func TestNsenterChildLogging(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("joining a pid namespace requires root")
	}
	logread, logwrite, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create log pipe %v", err)
	}
	defer func() {
		_ = logwrite.Close()
		_ = logread.Close()
	}()

	namespaces := []string{
		// join pid ns of the current process
		fmt.Sprintf("pid:/proc/%d/ns/pid", os.Getpid()),
	}
	cmd, parent := startNsexec(t, namespaces, []*os.File{logwrite},
		"_ATTACH_LOGPIPE=4",
		"_ATTACH_LOGLEVEL=5", // DEBUG
	)
	defer parent.Close()
	logwrite.Close()

	logsDecoder := json.NewDecoder(logread)
	var logentry struct {
		Level string `json:"level"`
		Msg   string `json:"msg"`
		Stage string `json:"stage"`
	}

	n := 0
	for {
		err = logsDecoder.Decode(&logentry)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			t.Fatalf("child log: %v", err)
		}
		t.Logf("logentry: %+v", logentry)
		if logentry.Level == "" || logentry.Msg == "" || logentry.Stage == "" {
			t.Fatalf("child log: empty log entry: %+v", logentry)
		}
		n++
	}
	if n == 0 {
		t.Error("expected at least one log entry")
	}

	if err := cmd.Wait(); err != nil {
		t.Fatalf("nsenter error: %v", err)
	}
}

func init() {
	if strings.HasPrefix(os.Args[0], "nsenter-") {
		os.Exit(0)
	}
}

func newPipe() (parent *os.File, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_LOCAL, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, err
	}
	return os.NewFile(uintptr(fds[1]), "parent"), os.NewFile(uintptr(fds[0]), "child"), nil
}
