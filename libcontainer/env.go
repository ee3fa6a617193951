package libcontainer

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
)

const (
	defaultPath  = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	defaultShell = "/bin/sh"
)

// Identity is the account the attached process runs as, as far as its
// environment is concerned.
type Identity struct {
	UID   int
	Name  string
	Home  string
	Shell string
}

// env returns the minimal environment of id, in a fixed order.
func (id Identity) env() []string {
	name := id.Name
	if name == "" {
		name = strconv.Itoa(id.UID)
	}
	home := id.Home
	if home == "" {
		home = "/"
	}
	shell := id.Shell
	if shell == "" {
		shell = defaultShell
	}
	return []string{
		"HOME=" + home,
		"USER=" + name,
		"LOGNAME=" + name,
		"SHELL=" + shell,
		"PATH=" + defaultPath,
	}
}

// BuildEnvironment computes the environment of the attached process.
//
// With KeepEnv the caller's environment is used as is. With ClearEnv only the
// variables named in extraKeep survive (in extraKeep order), followed by
// HOME, USER, LOGNAME, SHELL and PATH for id unless extraKeep already kept
// them. Finally every extraVars entry replaces the same-named variables in
// place, or is appended when there are none. extraVars must have been
// validated with validateEnv.
func BuildEnvironment(policy EnvPolicy, extraVars, extraKeep, callerEnv []string, id Identity) []string {
	var env []string
	switch policy {
	case ClearEnv:
		kept := make(map[string]bool, len(extraKeep))
		for _, name := range extraKeep {
			if kept[name] {
				continue
			}
			if v, ok := lookupEnv(callerEnv, name); ok {
				env = append(env, name+"="+v)
				kept[name] = true
			}
		}
		for _, kv := range id.env() {
			if !kept[envName(kv)] {
				env = append(env, kv)
			}
		}
	default:
		env = slices.Clone(callerEnv)
	}

	for _, kv := range extraVars {
		env = setEnv(env, kv)
	}
	return env
}

func envName(kv string) string {
	name, _, _ := strings.Cut(kv, "=")
	return name
}

// lookupEnv returns the value of the last name entry in env.
func lookupEnv(env []string, name string) (string, bool) {
	for i := len(env) - 1; i >= 0; i-- {
		if k, v, ok := strings.Cut(env[i], "="); ok && k == name {
			return v, true
		}
	}
	return "", false
}

func setEnv(env []string, kv string) []string {
	name := envName(kv)
	found := false
	for i := range env {
		if envName(env[i]) == name {
			env[i] = kv
			found = true
		}
	}
	if !found {
		env = append(env, kv)
	}
	return env
}

// validateEnv checks that every entry is in the NAME=VALUE format and
// contains no \0 (nil) bytes.
func validateEnv(env []string) error {
	for _, kv := range env {
		i := strings.IndexByte(kv, '=')
		if i == -1 {
			return fmt.Errorf("invalid environment variable %q: missing '='", kv)
		}
		if i == 0 {
			return errors.New("invalid environment variable: name cannot be empty")
		}
		if strings.IndexByte(kv, 0) >= 0 {
			return fmt.Errorf("invalid environment variable %q: contains nul byte (\\x00)", kv[:i])
		}
	}
	return nil
}

// validateEnvNames checks the names passed to be kept from the caller's
// environment.
func validateEnvNames(names []string) error {
	for _, name := range names {
		if name == "" || strings.ContainsAny(name, "=\x00") {
			return fmt.Errorf("invalid environment variable name %q", name)
		}
	}
	return nil
}

// prepareEnv removes any duplicates from env (keeping only the last value
// for each key) and makes the result the environment of the current process,
// so that both executables looked up in PATH and in-process executors see
// what the attached process will.
func prepareEnv(env []string) ([]string, error) {
	// Deduplication code based on dedupEnv from Go 1.22 os/exec.

	// Construct the output in reverse order, to preserve the
	// last occurrence of each key.
	out := make([]string, 0, len(env))
	saw := make(map[string]bool, len(env))
	for n := len(env); n > 0; n-- {
		kv := env[n-1]
		key := envName(kv)
		if saw[key] { // Duplicate.
			continue
		}
		saw[key] = true
		out = append(out, kv)
	}
	// Restore the original order.
	slices.Reverse(out)

	os.Clearenv()
	for _, kv := range out {
		k, v, _ := strings.Cut(kv, "=")
		if err := os.Setenv(k, v); err != nil {
			return nil, fmt.Errorf("setenv %s: %w", k, err)
		}
	}
	return out, nil
}
