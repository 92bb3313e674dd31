package provision

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/dontdude/goenact/internal/domain"
	"github.com/dontdude/goenact/internal/envcache"
)

type call struct {
	name string
	args []string
}

// fakeExec answers the version probe with version, fails pip with
// pipStderr when set, and records every call.
type fakeExec struct {
	mu        sync.Mutex
	version   string
	pipStderr string
	calls     []call
}

func (f *fakeExec) run(_ context.Context, name string, args ...string) (string, string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{name: name, args: args})

	switch {
	case len(args) > 0 && args[0] == "-c":
		return f.version + "\n", "", 0, nil
	case len(args) > 1 && args[1] == "venv":
		dir := args[2]
		if err := os.MkdirAll(filepath.Join(dir, "bin"), 0o755); err != nil {
			return "", err.Error(), 1, nil
		}
		return "", "", 0, os.WriteFile(filepath.Join(dir, "pyvenv.cfg"), []byte("home = /usr/bin\n"), 0o644)
	case len(args) > 1 && args[1] == "pip":
		if f.pipStderr != "" {
			return "", f.pipStderr, 1, nil
		}
		return "Successfully installed\n", "", 0, nil
	}
	return "", "unexpected command", 127, nil
}

func (f *fakeExec) count(sub string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c.args) > 1 && c.args[1] == sub {
			n++
		}
	}
	return n
}

func newFake(t *testing.T, f *fakeExec, opts ...Option) (*VenvProvisioner, *domain.EnvironmentRecord) {
	t.Helper()
	p := NewVenvProvisioner(opts...)
	p.exec = f.run
	loc := t.TempDir()
	if err := os.MkdirAll(filepath.Join(loc, "runtime"), 0o755); err != nil {
		t.Fatal(err)
	}
	return p, &domain.EnvironmentRecord{Identity: "abc123", Location: loc}
}

func pythonManifest(version string, pkgs ...domain.Package) domain.Manifest {
	return domain.Manifest{Python: &domain.PythonManifest{Version: version, Packages: pkgs}}
}

func TestProvisionInstallsInOneBatch(t *testing.T) {
	f := &fakeExec{version: "3.11.4"}
	p, env := newFake(t, f, WithIndexURL("https://pypi.internal/simple"))
	env.Manifest = pythonManifest(">=3.9",
		domain.Package{Name: "requests", Version: "==2.31.0"},
		domain.Package{Name: "numpy"},
	)

	if err := p.Provision(context.Background(), env); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if f.count("pip") != 1 {
		t.Fatalf("pip ran %d times, want 1", f.count("pip"))
	}
	want := filepath.Join(envcache.RuntimeDir(*env), "bin", "python")
	if env.Runtime != want {
		t.Errorf("Runtime = %q, want %q", env.Runtime, want)
	}
	if env.RuntimeVersion != "3.11.4" {
		t.Errorf("RuntimeVersion = %q", env.RuntimeVersion)
	}

	pip := f.calls[len(f.calls)-1]
	joined := strings.Join(pip.args, " ")
	for _, part := range []string{"--index-url https://pypi.internal/simple", "requests==2.31.0", "numpy"} {
		if !strings.Contains(joined, part) {
			t.Errorf("pip args %q missing %q", joined, part)
		}
	}
}

func TestProvisionVersionMismatchInstallsNothing(t *testing.T) {
	f := &fakeExec{version: "3.8.10"}
	p, env := newFake(t, f)
	env.Manifest = pythonManifest(">=3.10", domain.Package{Name: "requests"})

	err := p.Provision(context.Background(), env)
	if !errors.Is(err, domain.ErrVersionMismatch) {
		t.Fatalf("got %v, want version mismatch", err)
	}
	if f.count("venv") != 0 || f.count("pip") != 0 {
		t.Errorf("ran venv %d and pip %d times after mismatch", f.count("venv"), f.count("pip"))
	}
}

func TestProvisionInstallFailureCarriesStderr(t *testing.T) {
	stderr := "ERROR: Could not find a version that satisfies the requirement nosuchpkg\n"
	f := &fakeExec{version: "3.11.4", pipStderr: stderr}
	p, env := newFake(t, f)
	env.Manifest = pythonManifest("", domain.Package{Name: "nosuchpkg"})

	err := p.Provision(context.Background(), env)
	var ie *domain.InstallError
	if !errors.As(err, &ie) {
		t.Fatalf("got %v, want *InstallError", err)
	}
	if ie.Stderr != stderr {
		t.Errorf("stderr not verbatim: %q", ie.Stderr)
	}
	if !errors.Is(err, domain.ErrInstallFailure) {
		t.Error("InstallError does not match ErrInstallFailure")
	}
}

func TestProvisionEmptyManifestSkipsPip(t *testing.T) {
	f := &fakeExec{version: "3.12.0"}
	p, env := newFake(t, f)

	if err := p.Provision(context.Background(), env); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if f.count("pip") != 0 {
		t.Error("pip ran for an empty manifest")
	}
	if f.count("venv") != 1 {
		t.Errorf("venv ran %d times", f.count("venv"))
	}

	// A second attempt on the same location reuses the venv.
	if err := p.Provision(context.Background(), env); err != nil {
		t.Fatalf("second Provision: %v", err)
	}
	if f.count("venv") != 1 {
		t.Errorf("venv recreated on an existing location")
	}
}

func TestRuntimeVersionMemoized(t *testing.T) {
	f := &fakeExec{version: "3.12.3"}
	p, _ := newFake(t, f)
	for i := 0; i < 3; i++ {
		v, err := p.RuntimeVersion(context.Background())
		if err != nil || v != "3.12.3" {
			t.Fatalf("RuntimeVersion = %q, %v", v, err)
		}
	}
	probes := 0
	for _, c := range f.calls {
		if len(c.args) > 0 && c.args[0] == "-c" {
			probes++
		}
	}
	if probes != 1 {
		t.Errorf("probed %d times, want 1", probes)
	}
}

func TestVenvProvisionerRealInterpreter(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping venv creation in short mode")
	}
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}
	p := NewVenvProvisioner(WithPython(python))
	loc := t.TempDir()
	if err := os.MkdirAll(filepath.Join(loc, "runtime"), 0o755); err != nil {
		t.Fatal(err)
	}
	env := &domain.EnvironmentRecord{Identity: "real", Location: loc}

	if err := p.Provision(context.Background(), env); err != nil {
		t.Skipf("venv module unavailable: %v", err)
	}
	if _, err := os.Stat(env.Runtime); err != nil {
		t.Errorf("interpreter missing: %v", err)
	}
	if env.RuntimeVersion == "" {
		t.Error("runtime version not recorded")
	}
}
