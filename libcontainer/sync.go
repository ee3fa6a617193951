package libcontainer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"syscall"

	"github.com/nsattach/nsattach/libcontainer/utils"
)

type syncType string

// Messages sent from the attached process lineage to the parent over the
// init socket. Each stage writes at most one of them.
//
//	[ stage-1 ]                [ parent ]
//	procPid (or procError) -->
//	[ stage-2 ]
//	procError, or re-exec
//	[ stage-2, executor image ]
//	procReady (or procError) --> Attach returns
const (
	procError syncType = "procError"
	procPid   syncType = "procPid"
	procReady syncType = "procReady"
)

// syncT is one message. The procPid and procError fields are inline, which
// is what the C side of stage-1 writes.
type syncT struct {
	Type syncType `json:"type"`

	Stage1Pid int `json:"stage1_pid,omitempty"`
	Stage2Pid int `json:"stage2_pid,omitempty"`

	Message string    `json:"message,omitempty"`
	Step    string    `json:"step,omitempty"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Errno   int       `json:"errno,omitempty"`
}

// initError is a failure reported by the attached lineage. Stage-1 only
// knows the errno; stage-2 classifies its own errors.
type initError struct {
	Message string
	Step    string
	Kind    ErrorKind
	Errno   syscall.Errno
}

func (i *initError) Error() string {
	return i.Message
}

func (i *initError) Unwrap() error {
	if i.Errno == 0 {
		return nil
	}
	return i.Errno
}

// asAttachError turns a reported failure into an AttachError, classifying
// it by errno when the reporter did not.
func (i *initError) asAttachError() *AttachError {
	step := i.Step
	if step == "" {
		step = "join namespaces"
	}
	kind := i.Kind
	if kind == "" {
		kind = KindOf(i)
	}
	return &AttachError{Step: step, Kind: kind, Err: i}
}

func writeSync(w io.Writer, sync syncT) error {
	if err := utils.WriteJSON(w, sync); err != nil {
		return fmt.Errorf("writing sync %q: %w", sync.Type, err)
	}
	return nil
}

// writeSyncError reports err to the parent. The step and kind of an
// *AttachError are sent as they are; anything else is a failure of step
// "init", classified by KindOf.
func writeSyncError(w io.Writer, err error) error {
	sync := syncT{
		Type:    procError,
		Message: err.Error(),
		Step:    "init",
		Kind:    KindOf(err),
	}
	var aerr *AttachError
	if errors.As(err, &aerr) {
		sync.Step = aerr.Step
		if aerr.Err != nil {
			sync.Message = aerr.Err.Error()
		}
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		sync.Errno = int(errno)
	}
	return writeSync(w, sync)
}

// readSync decodes the next message. A procError message is returned as an
// *initError, and a closed socket as io.EOF.
func readSync(dec *json.Decoder, expected syncType) (syncT, error) {
	var sync syncT
	if err := dec.Decode(&sync); err != nil {
		if errors.Is(err, io.EOF) {
			return sync, io.EOF
		}
		return sync, fmt.Errorf("reading from attached process failed: %w", err)
	}
	if sync.Type == procError {
		return sync, &initError{
			Message: sync.Message,
			Step:    sync.Step,
			Kind:    sync.Kind,
			Errno:   syscall.Errno(sync.Errno),
		}
	}
	if sync.Type != expected {
		return sync, fmt.Errorf("unexpected synchronisation flag: got %q, expected %q", sync.Type, expected)
	}
	return sync, nil
}
