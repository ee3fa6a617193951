package libcontainer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestReadSync(t *testing.T) {
	var buf bytes.Buffer
	// Stage-1 writes its message without a trailing newline.
	buf.WriteString(`{"type":"procPid","stage1_pid":10,"stage2_pid":11}`)
	if err := writeSync(&buf, syncT{Type: procReady}); err != nil {
		t.Fatal(err)
	}
	dec := json.NewDecoder(&buf)

	sync, err := readSync(dec, procPid)
	if err != nil {
		t.Fatal(err)
	}
	if sync.Stage1Pid != 10 || sync.Stage2Pid != 11 {
		t.Errorf("unexpected pids %d, %d", sync.Stage1Pid, sync.Stage2Pid)
	}
	if _, err := readSync(dec, procReady); err != nil {
		t.Fatal(err)
	}
	if _, err := readSync(dec, procReady); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadSyncUnexpected(t *testing.T) {
	dec := json.NewDecoder(strings.NewReader(`{"type":"procReady"}`))
	_, err := readSync(dec, procPid)
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected an unexpected message error, got %v", err)
	}
	var ierr *initError
	if errors.As(err, &ierr) {
		t.Fatalf("unexpected initError %v", ierr)
	}
}

func TestSyncErrorFromStage1(t *testing.T) {
	dec := json.NewDecoder(strings.NewReader(`{"type":"procError","message":"failed to setns into mnt namespace","errno":1}`))
	_, err := readSync(dec, procPid)

	aerr := syncError(err)
	if !errors.Is(aerr, ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied, got %v", aerr)
	}
	if !errors.Is(aerr, unix.EPERM) {
		t.Errorf("expected the errno to be kept, got %v", aerr)
	}
	var e *AttachError
	if !errors.As(aerr, &e) || e.Step != "join namespaces" {
		t.Errorf("expected a join namespaces failure, got %#v", aerr)
	}
}

func TestSyncErrorRoundTrip(t *testing.T) {
	tests := []struct {
		err  error
		step string
		kind ErrorKind
	}{
		{
			err:  newAttachError("probe", fmt.Errorf("open 12/status: %w", os.ErrNotExist)),
			step: "probe",
			kind: KindNotFound,
		},
		{
			err:  newAttachError("set identity", &os.SyscallError{Syscall: "setuid", Err: unix.EPERM}),
			step: "set identity",
			kind: KindPermissionDenied,
		},
		{
			err:  &AttachError{Step: "read config", Kind: KindInvalidArgument, Err: errors.New("no executor")},
			step: "read config",
			kind: KindInvalidArgument,
		},
		{
			err:  newAttachError("drop privileges", fmt.Errorf("%w: apparmor", errors.ErrUnsupported)),
			step: "drop privileges",
			kind: KindUnsupported,
		},
		{
			err:  errors.New("unable to convert _ATTACH_LOGPIPE"),
			step: "init",
			kind: KindIO,
		},
	}
	for _, tc := range tests {
		var buf bytes.Buffer
		if err := writeSyncError(&buf, tc.err); err != nil {
			t.Fatal(err)
		}
		_, err := readSync(json.NewDecoder(&buf), procReady)
		var e *AttachError
		if !errors.As(syncError(err), &e) {
			t.Fatalf("%v: not an AttachError", tc.err)
		}
		if e.Step != tc.step || e.Kind != tc.kind {
			t.Errorf("%v: expected %s/%s, got %s/%s", tc.err, tc.step, tc.kind, e.Step, e.Kind)
		}
		// The step is not repeated in the message.
		if strings.Count(e.Error(), tc.step) != 1 {
			t.Errorf("unexpected message %q", e.Error())
		}
	}
}

func TestSyncErrorEOF(t *testing.T) {
	err := syncError(io.EOF)
	if !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
}
