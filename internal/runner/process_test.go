package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/dontdude/goenact/internal/domain"
)

func requirePython(t *testing.T) domain.EnvironmentRecord {
	t.Helper()
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}
	return domain.EnvironmentRecord{Identity: "test-env", Runtime: python, State: domain.EnvReady}
}

func newTestRunner(t *testing.T) (*ProcessRunner, string) {
	t.Helper()
	base := t.TempDir()
	return NewProcessRunner(ProcessConfig{TempDir: base}, nil), base
}

func script(body string) domain.Script {
	return domain.Script{TaskID: "t", PayloadID: "p", Body: body}
}

func assertNoRunDirs(t *testing.T, base string) {
	t.Helper()
	entries, err := os.ReadDir(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("temp dirs left behind: %v", entries)
	}
}

func TestRunStructuredResult(t *testing.T) {
	env := requirePython(t)
	r, base := newTestRunner(t)

	res, err := r.Run(context.Background(), env, script(`import json
import sys
sys.stderr.write("diagnostic noise\n")
print(json.dumps({"result": 42}))
`), 10*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := map[string]any{"result": float64(42)}
	if !reflect.DeepEqual(res.Value, want) {
		t.Errorf("Value = %#v, want %#v", res.Value, want)
	}
	if res.Stderr != "diagnostic noise\n" {
		t.Errorf("Stderr = %q", res.Stderr)
	}
	assertNoRunDirs(t, base)
}

func TestRunNonZeroExit(t *testing.T) {
	env := requirePython(t)
	r, base := newTestRunner(t)

	_, err := r.Run(context.Background(), env, script(`import sys
print("{not json")
sys.stderr.write("boom")
sys.exit(1)
`), 10*time.Second)

	var ee *domain.ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("got %v, want *ExecutionError", err)
	}
	if ee.ExitCode != 1 || ee.Stderr != "boom" {
		t.Errorf("ExecutionError = %+v", ee)
	}
	if errors.Is(err, domain.ErrOutputDecode) {
		t.Error("stdout was parsed for a failed run")
	}
	assertNoRunDirs(t, base)
}

func TestRunOutputDecodeError(t *testing.T) {
	env := requirePython(t)
	r, base := newTestRunner(t)

	_, err := r.Run(context.Background(), env, script(`print("hello world")`), 10*time.Second)
	var de *domain.OutputDecodeError
	if !errors.As(err, &de) {
		t.Fatalf("got %v, want *OutputDecodeError", err)
	}
	if de.Raw != "hello world\n" {
		t.Errorf("Raw = %q", de.Raw)
	}
	assertNoRunDirs(t, base)
}

func TestRunTruncatedOutputIsNotDecoded(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	base := t.TempDir()
	r := NewProcessRunner(ProcessConfig{TempDir: base, MaxOutputBytes: 4}, nil)
	env := domain.EnvironmentRecord{Identity: "test-env", Runtime: sh, State: domain.EnvReady}

	// The first four bytes are valid JSON on their own.
	res, err := r.Run(context.Background(), env, script(`printf 12345678`), 10*time.Second)
	if res != nil {
		t.Fatalf("got a result from truncated output: %+v", res)
	}
	var de *domain.OutputDecodeError
	if !errors.As(err, &de) || !errors.Is(err, ErrOutputTruncated) {
		t.Fatalf("got %v, want truncated output decode error", err)
	}
	if de.Raw != "1234" {
		t.Errorf("Raw = %q", de.Raw)
	}

	// A failing run still reports the exit status, not the truncation.
	_, err = r.Run(context.Background(), env, script("printf 12345678; exit 3"), 10*time.Second)
	var ee *domain.ExecutionError
	if !errors.As(err, &ee) || ee.ExitCode != 3 {
		t.Errorf("got %v, want exit 3", err)
	}
	assertNoRunDirs(t, base)
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	env := requirePython(t)
	r, base := newTestRunner(t)
	pidFile := filepath.Join(t.TempDir(), "pid")

	body := fmt.Sprintf(`import os, time
with open(%q, "w") as f:
    f.write(str(os.getpid()))
time.sleep(30)
print("{}")
`, pidFile)

	start := time.Now()
	res, err := r.Run(context.Background(), env, script(body), 2*time.Second)
	if res != nil {
		t.Fatalf("got a result after timeout: %+v", res)
	}
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("got %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Run returned after %v", elapsed)
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("script never started: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatal(err)
	}
	if err := syscall.Kill(pid, 0); !errors.Is(err, syscall.ESRCH) {
		t.Errorf("process %d still exists after timeout (kill -0: %v)", pid, err)
	}
	assertNoRunDirs(t, base)
}

func TestRunParentCancel(t *testing.T) {
	env := requirePython(t)
	r, base := newTestRunner(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)

	_, err := r.Run(ctx, env, script("import time\ntime.sleep(30)\n"), 20*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if errors.Is(err, domain.ErrTimeout) {
		t.Error("parent cancellation reported as timeout")
	}
	assertNoRunDirs(t, base)
}

func TestRunSanitizedEnvironment(t *testing.T) {
	env := requirePython(t)
	t.Setenv("GOENACT_TEST_SECRET", "hunter2")
	r := NewProcessRunner(ProcessConfig{
		TempDir: t.TempDir(),
		Env:     map[string]string{"TASK_MODE": "test"},
	}, nil)

	res, err := r.Run(context.Background(), env, script(`import json, os
print(json.dumps([os.environ.get("GOENACT_TEST_SECRET"), os.environ.get("TASK_MODE")]))
`), 10*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []any{nil, "test"}
	if !reflect.DeepEqual(res.Value, want) {
		t.Errorf("Value = %#v, want %#v", res.Value, want)
	}
}

func TestRunMissingInterpreter(t *testing.T) {
	r, base := newTestRunner(t)
	env := domain.EnvironmentRecord{Identity: "gone", Runtime: filepath.Join(t.TempDir(), "bin", "python")}

	_, err := r.Run(context.Background(), env, script("print(1)"), time.Second)
	if err == nil {
		t.Fatal("expected error for missing interpreter")
	}
	if domain.ErrorKind(err) != "internal" {
		t.Errorf("ErrorKind = %q", domain.ErrorKind(err))
	}
	assertNoRunDirs(t, base)
}

func TestDecode(t *testing.T) {
	res, err := Decode("  {\"a\": [1, \"x\"]}\n\n", "", 0, time.Second)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := map[string]any{"a": []any{float64(1), "x"}}
	if !reflect.DeepEqual(res.Value, want) {
		t.Errorf("Value = %#v", res.Value)
	}

	for _, out := range []string{"", "   \n", "{\"a\": 1} trailing", "not json"} {
		if _, err := Decode(out, "", 0, 0); !errors.Is(err, domain.ErrOutputDecode) {
			t.Errorf("Decode(%q) = %v, want decode error", out, err)
		}
	}

	_, err = Decode("{\"ok\": true}", "Traceback...", 2, 0)
	var ee *domain.ExecutionError
	if !errors.As(err, &ee) || ee.ExitCode != 2 || ee.Stderr != "Traceback..." {
		t.Errorf("Decode non-zero exit = %v", err)
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := CapWriter(&buf, 5)
	for _, chunk := range []string{"abc", "defg", "hij"} {
		n, err := lw.Write([]byte(chunk))
		if err != nil || n != len(chunk) {
			t.Fatalf("Write(%q) = %d, %v", chunk, n, err)
		}
	}
	if buf.String() != "abcde" {
		t.Errorf("captured %q", buf.String())
	}
	if !lw.Truncated() {
		t.Error("truncation not recorded")
	}
}
