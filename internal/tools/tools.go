// Package tools binds the collaborator services to named registry
// capabilities. Executors catch nothing themselves; the loop turns their
// errors into {error} results.
package tools

import (
	"fmt"
	"log/slog"

	"github.com/meridian/caseagent/internal/collab"
	"github.com/meridian/caseagent/internal/registry"
	"github.com/meridian/caseagent/internal/store"
)

// Deps carries the collaborators the executors call. Launch, when set,
// starts a chained job in the background without waiting for it.
type Deps struct {
	Cases      collab.CaseDirectory
	Certs      collab.CertificateStore
	Compliance collab.ComplianceChecker
	Email      collab.EmailService
	Planner    collab.PlanAdvisor
	Timeline   collab.Timeline
	Actions    collab.CaseActions
	Store      *store.Store
	Launch     func(jobID string)
	Logger     *slog.Logger
}

// RegisterAll registers every built-in tool with the registry.
func RegisterAll(reg *registry.Registry, deps Deps) error {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	groups := [][]registry.Tool{
		caseTools(deps),
		certificateTools(deps),
		emailTools(deps),
		timelineTools(deps),
		orchestrationTools(deps),
	}
	for _, group := range groups {
		for _, tool := range group {
			if err := reg.Register(tool); err != nil {
				return fmt.Errorf("register tools: %w", err)
			}
		}
	}
	return nil
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", key)
	}
	return s, nil
}

func optionalString(args map[string]any, key string) string {
	if s, ok := args[key].(string); ok {
		return s
	}
	return ""
}

// intArg accepts float64 because JSON numbers decode that way.
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
