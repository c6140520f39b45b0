package transport

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-model")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestCLI_TrimsOutputAndStripsTrailer(t *testing.T) {
	path := writeScript(t, `echo "The case needs a renewed certificate."
echo "[usage] input_tokens=120 output_tokens=9"
echo "[debug] session=abc"
`)
	cli := NewCLI(CLIConfig{Path: path, Model: "test-model"})

	out, err := cli.Invoke(context.Background(), Request{Prompt: "review case"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out != "The case needs a renewed certificate." {
		t.Fatalf("out = %q", out)
	}
}

func TestCLI_ArgvBelowThresholdStdinAbove(t *testing.T) {
	// Args are: -p --model <model> [prompt]. The script reports which
	// channel the prompt arrived on.
	path := writeScript(t, `if [ "$#" -ge 4 ]; then
  printf 'argv:%s' "$4"
else
  printf 'stdin:'
  cat
fi
`)
	cli := NewCLI(CLIConfig{Path: path, Model: "test-model", StdinThreshold: 16})

	out, err := cli.Invoke(context.Background(), Request{Prompt: "short"})
	if err != nil {
		t.Fatalf("invoke short: %v", err)
	}
	if out != "argv:short" {
		t.Fatalf("short prompt out = %q", out)
	}

	long := strings.Repeat("x", 64)
	out, err = cli.Invoke(context.Background(), Request{Prompt: long})
	if err != nil {
		t.Fatalf("invoke long: %v", err)
	}
	if out != "stdin:"+long {
		t.Fatalf("long prompt out = %q", out)
	}
}

func TestCLI_TimeoutTerminatesProcess(t *testing.T) {
	path := writeScript(t, `echo "partial reply"
sleep 30
`)
	cli := NewCLI(CLIConfig{Path: path, Model: "test-model"})

	started := time.Now()
	_, err := cli.Invoke(context.Background(), Request{Prompt: "hang", Timeout: 200 * time.Millisecond})
	elapsed := time.Since(started)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if !strings.Contains(err.Error(), "partial reply") {
		t.Fatalf("timeout error should carry partial output: %v", err)
	}
	// Bounded extra latency: termination plus wait delay, nowhere near the
	// script's sleep.
	if elapsed > 10*time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
}

func TestCLI_NonZeroExitCarriesExcerpts(t *testing.T) {
	path := writeScript(t, `echo "some stdout"
echo "quota exceeded" >&2
exit 3
`)
	cli := NewCLI(CLIConfig{Path: path, Model: "test-model"})

	_, err := cli.Invoke(context.Background(), Request{Prompt: "x"})
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrSpawn) {
		t.Fatalf("exit failure misclassified: %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "quota exceeded") || !strings.Contains(msg, "some stdout") {
		t.Fatalf("error should carry stderr and stdout excerpts: %v", err)
	}
}

func TestCLI_SpawnFailure(t *testing.T) {
	cli := NewCLI(CLIConfig{Path: filepath.Join(t.TempDir(), "does-not-exist"), Model: "test-model"})
	_, err := cli.Invoke(context.Background(), Request{Prompt: "x"})
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("err = %v, want ErrSpawn", err)
	}
}

func TestCLI_EnvironmentIsolation(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-should-not-leak")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "also-secret")

	path := writeScript(t, `printf 'key=%s aws=%s' "$ANTHROPIC_API_KEY" "$AWS_SECRET_ACCESS_KEY"`)
	cli := NewCLI(CLIConfig{Path: path, Model: "test-model"})

	out, err := cli.Invoke(context.Background(), Request{Prompt: "x"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out != "key= aws=" {
		t.Fatalf("inherited credentials leaked into subprocess: %q", out)
	}
}

func TestStripDiagnosticTrailer(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"reply\n[usage] tokens=1\n", "reply"},
		{"reply\n\n[debug] x\n[usage] y\n", "reply"},
		{"reply only\n", "reply only"},
		{"[usage] tokens=1\n", ""},
		{"line one\nline two\n", "line one\nline two"},
	}
	for _, tc := range cases {
		if got := stripDiagnosticTrailer(tc.in); got != tc.want {
			t.Fatalf("stripDiagnosticTrailer(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNewAPI_Validation(t *testing.T) {
	if _, err := NewAPI(APIConfig{Model: "m"}); !errors.Is(err, ErrSpawn) {
		t.Fatalf("missing key err = %v, want ErrSpawn", err)
	}
	if _, err := NewAPI(APIConfig{APIKey: "k"}); err == nil {
		t.Fatal("expected error for missing model")
	}
	api, err := NewAPI(APIConfig{APIKey: "k", Model: "m"})
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	if api.maxTokens != defaultMaxTokens {
		t.Fatalf("max tokens = %d", api.maxTokens)
	}
}
