package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const (
	// DefaultStdinThreshold is the prompt size above which the prompt is
	// streamed over stdin instead of passed as an argv entry, keeping well
	// clear of OS argument-length limits.
	DefaultStdinThreshold = 32 << 10

	// DefaultCallTimeout bounds a single model call when the request does
	// not override it.
	DefaultCallTimeout = 45 * time.Second

	// waitDelay is how long a terminated subprocess gets to exit before it
	// is killed outright.
	waitDelay = 5 * time.Second

	excerptLimit = 512
)

// CLIConfig configures the subprocess transport.
type CLIConfig struct {
	// Path to the model-service executable.
	Path  string
	Model string
	// StdinThreshold overrides DefaultStdinThreshold when positive.
	StdinThreshold int
	// WorkDir is the subprocess working directory. Empty means the OS temp
	// directory, so the external tool cannot pick up ambient project
	// configuration.
	WorkDir string
	Logger  *slog.Logger
}

// CLI invokes the model service as a spawned subprocess.
type CLI struct {
	path           string
	model          string
	stdinThreshold int
	workDir        string
	logger         *slog.Logger
}

var _ Invoker = (*CLI)(nil)

func NewCLI(cfg CLIConfig) *CLI {
	c := &CLI{
		path:           cfg.Path,
		model:          cfg.Model,
		stdinThreshold: cfg.StdinThreshold,
		workDir:        cfg.WorkDir,
		logger:         cfg.Logger,
	}
	if c.stdinThreshold <= 0 {
		c.stdinThreshold = DefaultStdinThreshold
	}
	if c.workDir == "" {
		c.workDir = os.TempDir()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// minimalEnv builds the explicit subprocess environment. Inherited
// credentials and session variables are deliberately not passed through.
func minimalEnv() []string {
	env := []string{}
	for _, key := range []string{"PATH", "HOME", "LANG", "TMPDIR"} {
		if v := os.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	return env
}

func (c *CLI) Invoke(ctx context.Context, req Request) (string, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-p", "--model", c.model}
	useStdin := len(req.Prompt) > c.stdinThreshold
	if !useStdin {
		args = append(args, req.Prompt)
	}

	cmd := exec.CommandContext(callCtx, c.path, args...)
	cmd.Env = minimalEnv()
	cmd.Dir = c.workDir
	if useStdin {
		cmd.Stdin = strings.NewReader(req.Prompt)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = waitDelay

	started := time.Now()
	err := cmd.Run()
	elapsed := time.Since(started)

	if callCtx.Err() == context.DeadlineExceeded {
		c.logger.Warn("model call timed out",
			"timeout", timeout.String(), "elapsed", elapsed.String(), "stdin", useStdin)
		return "", fmt.Errorf("%w after %s; partial output: %s",
			ErrTimeout, timeout, truncate(strings.TrimSpace(stdout.String()), excerptLimit))
	}
	if err != nil {
		if isSpawnFailure(err) {
			return "", fmt.Errorf("%w: spawn %s: %v", ErrSpawn, c.path, err)
		}
		return "", fmt.Errorf("model call failed (%v): stderr: %s; stdout: %s",
			err,
			truncate(strings.TrimSpace(stderr.String()), excerptLimit),
			truncate(strings.TrimSpace(stdout.String()), excerptLimit))
	}

	c.logger.Debug("model call completed",
		"elapsed", elapsed.String(), "stdin", useStdin, "output_bytes", stdout.Len())
	return stripDiagnosticTrailer(stdout.String()), nil
}

// isSpawnFailure distinguishes "could not start the process at all" from a
// process that ran and failed. An absolute path that does not exist
// surfaces as a PathError from fork/exec rather than an exec.Error.
func isSpawnFailure(err error) bool {
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return true
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return true
	}
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission)
}

// stripDiagnosticTrailer removes the usage/debug lines the model service
// appends after its reply, then trims surrounding whitespace.
func stripDiagnosticTrailer(out string) string {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	end := len(lines)
	for end > 0 {
		trimmed := strings.TrimSpace(lines[end-1])
		if strings.HasPrefix(trimmed, "[usage]") || strings.HasPrefix(trimmed, "[debug]") || trimmed == "" {
			end--
			continue
		}
		break
	}
	return strings.TrimSpace(strings.Join(lines[:end], "\n"))
}
