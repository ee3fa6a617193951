package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"

	"github.com/nsattach/nsattach/libcontainer"
	"github.com/nsattach/nsattach/libcontainer/namespaces"
)

var attachFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "name, n",
		Usage: "name of the container to attach to",
	},
	cli.BoolFlag{
		Name:  "elevated-privileges, e",
		Usage: "keep the capabilities, cgroups and MAC profile of nsattach instead of taking the container's",
	},
	cli.StringFlag{
		Name:  "arch, a",
		Usage: "use the personality of architecture `ARCH` (e.g. x86, i686, x86_64, linux32)",
	},
	cli.StringFlag{
		Name:  "namespaces, s",
		Usage: "join only the given namespaces, separated by '|' (e.g. 'NETWORK|IPC'); implies -e",
	},
	cli.BoolFlag{
		Name:  "remount-sys-proc, R",
		Usage: "remount /proc and /sys in a private mount namespace; ignored when the mount namespace is joined",
	},
	cli.BoolFlag{
		Name:  "keep-env",
		Usage: "keep the environment of nsattach (default)",
	},
	cli.BoolFlag{
		Name:  "clear-env",
		Usage: "start from an empty environment, plus HOME, USER, LOGNAME, SHELL and PATH",
	},
	cli.StringSliceFlag{
		Name:  "set-var",
		Usage: "set an environment variable (`NAME=VALUE`), may be repeated",
	},
	cli.StringSliceFlag{
		Name:  "keep-var",
		Usage: "keep an environment variable with --clear-env, may be repeated",
	},
	cli.IntFlag{
		Name:  "uid, u",
		Value: libcontainer.AutoID,
		Usage: "run as `UID` (default: the uid of the container's init in a user namespace, 0 otherwise)",
	},
	cli.IntFlag{
		Name:  "gid, g",
		Value: libcontainer.AutoID,
		Usage: "run as `GID` (default: the gid of the container's init in a user namespace, 0 otherwise)",
	},
	cli.StringFlag{
		Name:  "cwd",
		Usage: "initial working directory in the container (default: the current one, or / if it does not exist)",
	},
}

func attachAction(context *cli.Context) error {
	name := context.String("name")
	if name == "" {
		return errors.New("a container name must be given with --name")
	}
	opts, err := attachOptions(context)
	if err != nil {
		return err
	}
	if err := setStdio(opts); err != nil {
		return err
	}

	a, err := libcontainer.New(context.GlobalString("root"))
	if err != nil {
		return err
	}
	h, err := a.Attach(name, opts)
	if err != nil {
		return fmt.Errorf("attach to %s failed: %w", name, err)
	}
	logrus.Debugf("attached process %d", h.Pid())
	status, err := h.Wait()
	if err != nil {
		return err
	}
	os.Exit(status)
	return nil
}

// attachOptions builds the attach options from the command line, the way
// lxc-attach interprets its flags.
func attachOptions(context *cli.Context) (*libcontainer.AttachOptions, error) {
	opts := libcontainer.DefaultOptions()

	elevated := context.Bool("elevated-privileges")
	if s := context.String("namespaces"); s != "" {
		mask, err := namespaces.ParseMask(s)
		if err != nil {
			return nil, err
		}
		opts.Namespaces = mask
		elevated = true
	}
	if elevated {
		opts.Flags &^= libcontainer.MoveToCgroup | libcontainer.DropCapabilities | libcontainer.ApplyMACProfile
	}
	if context.Bool("remount-sys-proc") {
		opts.Flags |= libcontainer.RemountProcSys
	}
	if arch := context.String("arch"); arch != "" {
		persona, err := parseArch(arch)
		if err != nil {
			return nil, err
		}
		opts.Personality = persona
	}

	switch {
	case context.Bool("clear-env") && context.Bool("keep-env"):
		return nil, errors.New("--clear-env and --keep-env are mutually exclusive")
	case context.Bool("clear-env"):
		opts.EnvPolicy = libcontainer.ClearEnv
	default:
		opts.EnvPolicy = libcontainer.KeepEnv
	}
	opts.ExtraEnv = context.StringSlice("set-var")
	opts.ExtraKeepEnv = context.StringSlice("keep-var")

	opts.UID = context.Int("uid")
	opts.GID = context.Int("gid")
	opts.Cwd = context.String("cwd")

	if args := context.Args(); len(args) > 0 {
		opts.Exec = &libcontainer.RunCommand{Args: []string(args)}
	} else {
		opts.Exec = &libcontainer.RunShell{}
	}
	return opts, nil
}

// setStdio hands copies of our stdio to the attached process.
func setStdio(opts *libcontainer.AttachOptions) error {
	files := make([]*os.File, 3)
	for i, f := range []*os.File{os.Stdin, os.Stdout, os.Stderr} {
		fd, err := unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			for _, f := range files[:i] {
				f.Close()
			}
			return os.NewSyscallError("fcntl", err)
		}
		files[i] = os.NewFile(uintptr(fd), f.Name())
	}
	opts.Stdin, opts.Stdout, opts.Stderr = files[0], files[1], files[2]
	return nil
}

// Personality values of the two execution domains a container can be
// configured with.
const (
	perLinux   = 0x0000
	perLinux32 = 0x0008
)

var archDomains = map[string]specs.LinuxPersonalityDomain{
	"linux32": specs.PerLinux32,
	"x86":     specs.PerLinux32,
	"i386":    specs.PerLinux32,
	"i486":    specs.PerLinux32,
	"i586":    specs.PerLinux32,
	"i686":    specs.PerLinux32,
	"arm":     specs.PerLinux32,
	"armel":   specs.PerLinux32,
	"armhf":   specs.PerLinux32,
	"armv7l":  specs.PerLinux32,
	"ppc":     specs.PerLinux32,
	"s390":    specs.PerLinux32,
	"sparc":   specs.PerLinux32,
	"mips":    specs.PerLinux32,

	"linux64": specs.PerLinux,
	"x86_64":  specs.PerLinux,
	"amd64":   specs.PerLinux,
	"aarch64": specs.PerLinux,
	"arm64":   specs.PerLinux,
	"ppc64":   specs.PerLinux,
	"ppc64le": specs.PerLinux,
	"s390x":   specs.PerLinux,
	"sparc64": specs.PerLinux,
	"mips64":  specs.PerLinux,
}

// parseArch converts an architecture name, or an OCI personality domain
// such as LINUX32, to a personality value.
func parseArch(arch string) (int64, error) {
	domain, ok := archDomains[strings.ToLower(arch)]
	if !ok {
		domain = specs.LinuxPersonalityDomain(strings.ToUpper(arch))
	}
	return personalityFromDomain(domain)
}

func personalityFromDomain(domain specs.LinuxPersonalityDomain) (int64, error) {
	switch domain {
	case specs.PerLinux32:
		return perLinux32, nil
	case specs.PerLinux:
		return perLinux, nil
	}
	return -1, fmt.Errorf("invalid architecture or personality domain %s", domain)
}
