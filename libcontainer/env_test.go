package libcontainer

import (
	"os"
	"slices"
	"strings"
	"testing"
)

var testIdentity = Identity{UID: 1000, Name: "alice", Home: "/home/alice", Shell: "/bin/zsh"}

func TestBuildEnvironmentKeep(t *testing.T) {
	caller := []string{"TERM=xterm", "HOME=/root", "FOO=bar", "LANG=C"}
	tests := []struct {
		extra []string
		want  []string
	}{
		{
			want: caller,
		},
		{
			extra: []string{"FOO=baz"},
			want:  []string{"TERM=xterm", "HOME=/root", "FOO=baz", "LANG=C"},
		},
		{
			extra: []string{"NEW=1", "TERM=vt100"},
			want:  []string{"TERM=vt100", "HOME=/root", "FOO=bar", "LANG=C", "NEW=1"},
		},
		{
			// Last write wins.
			extra: []string{"NEW=1", "NEW=2", "HOME=/tmp"},
			want:  []string{"TERM=xterm", "HOME=/tmp", "FOO=bar", "LANG=C", "NEW=2"},
		},
		{
			extra: []string{"EMPTY="},
			want:  []string{"TERM=xterm", "HOME=/root", "FOO=bar", "LANG=C", "EMPTY="},
		},
	}

	for _, tc := range tests {
		in := slices.Clone(caller)
		env := BuildEnvironment(KeepEnv, tc.extra, []string{"IGNORED"}, in, testIdentity)
		if !slices.Equal(env, tc.want) {
			t.Errorf("extra %v: want %v, got %v", tc.extra, tc.want, env)
		}
		if !slices.Equal(in, caller) {
			t.Errorf("extra %v: caller environment modified to %v", tc.extra, in)
		}
	}
}

func TestBuildEnvironmentClear(t *testing.T) {
	minimal := []string{
		"HOME=/home/alice",
		"USER=alice",
		"LOGNAME=alice",
		"SHELL=/bin/zsh",
		"PATH=" + defaultPath,
	}
	tests := []struct {
		name        string
		caller      []string
		extra, keep []string
		want        []string
	}{
		{
			name: "empty",
			want: minimal,
		},
		{
			name:   "nothing kept",
			caller: []string{"SECRET=x", "HOME=/root"},
			want:   minimal,
		},
		{
			name:   "keep",
			caller: []string{"LANG=en_US.UTF-8", "SECRET=x"},
			keep:   []string{"LANG", "MISSING"},
			want:   append([]string{"LANG=en_US.UTF-8"}, minimal...),
		},
		{
			name:   "keep overrides identity",
			caller: []string{"PATH=/opt/bin", "HOME=/root"},
			keep:   []string{"PATH"},
			want: []string{
				"PATH=/opt/bin",
				"HOME=/home/alice",
				"USER=alice",
				"LOGNAME=alice",
				"SHELL=/bin/zsh",
			},
		},
		{
			name:   "keep twice",
			caller: []string{"A=1", "A=2"},
			keep:   []string{"A", "A"},
			want:   append([]string{"A=2"}, minimal...),
		},
		{
			name:   "extra wins",
			caller: []string{"LANG=C"},
			keep:   []string{"LANG"},
			extra:  []string{"LANG=fr_FR", "SHELL=/bin/sh", "X=y"},
			want: []string{
				"LANG=fr_FR",
				"HOME=/home/alice",
				"USER=alice",
				"LOGNAME=alice",
				"SHELL=/bin/sh",
				"PATH=" + defaultPath,
				"X=y",
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := BuildEnvironment(ClearEnv, tc.extra, tc.keep, tc.caller, testIdentity)
			if !slices.Equal(env, tc.want) {
				t.Errorf("want %v, got %v", tc.want, env)
			}
		})
	}
}

func TestBuildEnvironmentClearUnknownIdentity(t *testing.T) {
	env := BuildEnvironment(ClearEnv, nil, nil, []string{"SECRET=x"}, Identity{UID: 4242})
	want := []string{
		"HOME=/",
		"USER=4242",
		"LOGNAME=4242",
		"SHELL=" + defaultShell,
		"PATH=" + defaultPath,
	}
	if !slices.Equal(env, want) {
		t.Errorf("want %v, got %v", want, env)
	}
}

func TestBuildEnvironmentDeterministic(t *testing.T) {
	caller := []string{"B=2", "A=1", "C=3"}
	first := BuildEnvironment(ClearEnv, []string{"Z=26"}, []string{"C", "A"}, caller, testIdentity)
	for i := 0; i < 10; i++ {
		env := BuildEnvironment(ClearEnv, []string{"Z=26"}, []string{"C", "A"}, caller, testIdentity)
		if !slices.Equal(env, first) {
			t.Fatalf("run %d: want %v, got %v", i, first, env)
		}
	}
}

func TestValidateEnv(t *testing.T) {
	for _, tc := range []struct {
		env  []string
		fail bool
	}{
		{env: nil},
		{env: []string{"A=1", "B=", "C=a=b"}},
		{env: []string{"NOEQUALS"}, fail: true},
		{env: []string{"=value"}, fail: true},
		{env: []string{"A=nul\x00byte"}, fail: true},
	} {
		err := validateEnv(tc.env)
		if tc.fail != (err != nil) {
			t.Errorf("%q: unexpected result %v", tc.env, err)
		}
	}

	for _, tc := range []struct {
		names []string
		fail  bool
	}{
		{names: []string{"LANG", "TERM"}},
		{names: []string{""}, fail: true},
		{names: []string{"A=B"}, fail: true},
	} {
		err := validateEnvNames(tc.names)
		if tc.fail != (err != nil) {
			t.Errorf("%q: unexpected result %v", tc.names, err)
		}
	}
}

func TestPrepareEnvDedup(t *testing.T) {
	saved := os.Environ()
	t.Cleanup(func() {
		os.Clearenv()
		for _, kv := range saved {
			k, v, _ := strings.Cut(kv, "=")
			os.Setenv(k, v)
		}
	})

	tests := []struct {
		env, wantEnv []string
	}{
		{
			env:     []string{},
			wantEnv: []string{},
		},
		{
			env:     []string{"HOME=/root", "FOO=bar"},
			wantEnv: []string{"HOME=/root", "FOO=bar"},
		},
		{
			env:     []string{"A=a", "A=b", "A=c"},
			wantEnv: []string{"A=c"},
		},
		{
			env:     []string{"TERM=vt100", "HOME=/home/one", "HOME=/home/two", "TERM=xterm", "HOME=/home/three", "FOO=bar"},
			wantEnv: []string{"TERM=xterm", "HOME=/home/three", "FOO=bar"},
		},
	}

	for _, tc := range tests {
		env, err := prepareEnv(tc.env)
		if err != nil {
			t.Error(err)
			continue
		}
		if !slices.Equal(env, tc.wantEnv) {
			t.Errorf("want %v, got %v", tc.wantEnv, env)
		}
		got := os.Environ()
		slices.Sort(got)
		want := slices.Clone(tc.wantEnv)
		slices.Sort(want)
		if !slices.Equal(got, want) {
			t.Errorf("process environment: want %v, got %v", want, got)
		}
	}
}
