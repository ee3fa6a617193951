package system

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// State is the status of a process.
type State rune

const ( // Only values for Linux 3.14 and later are listed here
	Dead        State = 'X'
	DiskSleep   State = 'D'
	Running     State = 'R'
	Sleeping    State = 'S'
	Stopped     State = 'T'
	TracingStop State = 't'
	Zombie      State = 'Z'
	Parked      State = 'P'
	Idle        State = 'I'
)

// String forms of the state from proc(5)'s documentation for
// /proc/[pid]/status' "State" field.
func (s State) String() string {
	switch s {
	case Dead:
		return "dead"
	case DiskSleep:
		return "disk sleep"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Stopped:
		return "stopped"
	case TracingStop:
		return "tracing stop"
	case Zombie:
		return "zombie"
	case Parked:
		return "parked"
	case Idle:
		return "idle" // kernel thread
	default:
		return fmt.Sprintf("unknown (%c)", s)
	}
}

// Stat_t represents the information from /proc/[pid]/stat, as
// described in proc(5) with names based on the /proc/[pid]/status
// fields.
type Stat_t struct {
	// PID is the process ID.
	PID uint

	// Name is the command run by the process.
	Name string

	// State is the state of the process.
	State State

	// StartTime is the number of clock ticks after system boot (since
	// Linux 2.6).
	StartTime uint64
}

// Stat returns a Stat_t instance for the specified process.
func Stat(pid int) (stat Stat_t, err error) {
	bytes, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return stat, err
	}
	return parseStat(string(bytes))
}

// Alive reports whether pid exists and is not a zombie or dead task.
func (s Stat_t) Alive() bool {
	return s.State != Zombie && s.State != Dead
}

func parseStat(data string) (stat Stat_t, err error) {
	// Example:
	// 89653 (gunicorn: maste) S 89630 89653 89653 0 -1 4194560 29689 28896 0 3 146 32 76 19 20 0 1 0 2971844 52965376 3920 18446744073709551615 1 1 0 0 0 0 0 16781312 137447943 0 0 0 17 1 0 0 0 0 0 0 0 0 0 0 0 0 0
	// The fields are space-separated, see full description in proc(5).
	//
	// We are only interested in:
	//  * field 1: pid
	//  * field 2: (comm), which can contain spaces and parentheses
	//  * field 3: state
	//  * field 22: starttime
	i := strings.LastIndexByte(data, ')')
	if i <= 2 || i >= len(data)-1 {
		return stat, fmt.Errorf("invalid stat data (no comm or state): %q", data)
	}

	val, name, ok := strings.Cut(data[:i], " (")
	if !ok {
		return stat, fmt.Errorf("invalid stat data (no comm): %q", data)
	}
	stat.Name = name

	// Ignore error, as it will be caught by the caller anyway.
	pid, _ := strconv.ParseUint(val, 10, 0)
	stat.PID = uint(pid)

	// Skip ") " to get to the state.
	data = data[i+2:]
	stat.State = State(data[0])

	// The starttime is field 22, we've seen fields 1 to 3; skip to it.
	fields := strings.Fields(data)
	if len(fields) < 22-2 {
		return stat, fmt.Errorf("invalid stat data (too short): %q", data)
	}
	stat.StartTime, err = strconv.ParseUint(fields[22-3], 10, 64)
	if err != nil {
		return stat, fmt.Errorf("invalid stat data (bad start time): %w", err)
	}
	return stat, nil
}
