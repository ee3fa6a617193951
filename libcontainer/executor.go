package libcontainer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"reflect"
	"sync"

	"github.com/containerd/console"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nsattach/nsattach/internal/linux"
	"github.com/nsattach/nsattach/libcontainer/probe"
)

// Executor is the code run inside the container once the attached process
// is set up. Run returns the exit status of the attached process; executors
// that replace the process image only return on failure.
//
// Executors are created in the parent and run in a re-executed child, so
// they cross a process boundary as their registered name plus their JSON
// encoding. Register every executor type with RegisterExecutor from an init
// function of the binary, which must be the same binary on both sides.
type Executor interface {
	Run() int
}

var executors = struct {
	sync.RWMutex
	byName map[string]func() Executor
	byType map[reflect.Type]string
}{
	byName: map[string]func() Executor{},
	byType: map[reflect.Type]string{},
}

// RegisterExecutor makes the executor type returned by factory available
// under name. factory must return a new pointer that JSON can decode into.
func RegisterExecutor(name string, factory func() Executor) {
	executors.Lock()
	defer executors.Unlock()
	if _, ok := executors.byName[name]; ok {
		panic("executor " + name + " registered twice")
	}
	executors.byName[name] = factory
	executors.byType[reflect.TypeOf(factory())] = name
}

func init() {
	RegisterExecutor("command", func() Executor { return &RunCommand{} })
	RegisterExecutor("shell", func() Executor { return &RunShell{} })
}

func executorName(e Executor) (string, error) {
	executors.RLock()
	defer executors.RUnlock()
	name, ok := executors.byType[reflect.TypeOf(e)]
	if !ok {
		return "", newConfigError("executor type %T is not registered", e)
	}
	return name, nil
}

// executorConfig is an executor on the wire.
type executorConfig struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

func encodeExecutor(e Executor) (*executorConfig, error) {
	name, err := executorName(e)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding executor %s: %w", name, err)
	}
	return &executorConfig{Name: name, Payload: payload}, nil
}

func (c *executorConfig) decode() (Executor, error) {
	executors.RLock()
	factory, ok := executors.byName[c.Name]
	executors.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown executor %q", c.Name)
	}
	e := factory()
	if err := json.Unmarshal(c.Payload, e); err != nil {
		return nil, fmt.Errorf("decoding executor %s: %w", c.Name, err)
	}
	return e, nil
}

// Exit statuses of an executor that could not start its program, following
// the shell convention.
const (
	exitNotFound      = 127
	exitNotExecutable = 126
)

// RunCommand replaces the attached process with Args, looking Args[0] up in
// the PATH of the attached environment.
type RunCommand struct {
	Args []string `json:"args"`
}

func (r *RunCommand) Run() int {
	return execArgs(r.Args)
}

// RunShell replaces the attached process with the login shell of its
// identity as seen inside the container, or /bin/sh when there is none. The
// shell is made interactive when stdin is a terminal.
type RunShell struct{}

func (*RunShell) Run() int {
	shell, err := probe.ShellFor(unix.Getuid())
	if err != nil {
		logrus.Debugf("no login shell for uid %d, using %s: %v", unix.Getuid(), defaultShell, err)
		shell = defaultShell
	}
	args := []string{shell}
	if _, err := console.ConsoleFromFile(os.Stdin); err == nil {
		args = append(args, "-i")
	}
	return execArgs(args)
}

func execArgs(args []string) int {
	if len(args) == 0 {
		logrus.Error("no command to run")
		return exitNotFound
	}
	name, err := exec.LookPath(args[0])
	if err != nil {
		logrus.Errorf("%s: %v", args[0], err)
		return exitNotFound
	}
	err = linux.Exec(name, args, os.Environ())
	logrus.Errorf("%v", err)
	if errors.Is(err, os.ErrNotExist) {
		return exitNotFound
	}
	return exitNotExecutable
}
