// Package transport delivers assembled prompts to the external
// language-model service and returns its raw text reply. Two
// implementations share the contract: a spawned CLI subprocess and the
// Anthropic Messages API.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when a model call exceeds its wall-clock budget.
// The wrapping error carries any partial output for diagnostics.
var ErrTimeout = errors.New("model call timed out")

// ErrSpawn is returned when the model service could not be started at all
// (executable missing, permission denied, client misconfigured).
var ErrSpawn = errors.New("model service unavailable")

// Request is one prompt delivery.
type Request struct {
	Prompt string
	// Timeout bounds the call. Zero falls back to the invoker's default.
	Timeout time.Duration
}

// Invoker delivers a prompt and returns the trimmed text reply.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (string, error)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...[truncated]"
}
