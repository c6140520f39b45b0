package specialist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	otelx "github.com/meridian/caseagent/internal/otel"
	"github.com/meridian/caseagent/internal/registry"
	"github.com/meridian/caseagent/internal/store"
	"github.com/meridian/caseagent/internal/transport"
)

// DefaultRunTimeout bounds the single model call of the plan strategy,
// which covers a whole specialist run.
const DefaultRunTimeout = 10 * time.Minute

// planSchemaJSON is the contract the model's reply must satisfy. The shape
// is consumed externally, so it stays stable.
const planSchemaJSON = `{
	"type": "object",
	"properties": {
		"actions": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"tool": {"type": "string"},
					"args": {"type": "object"},
					"reasoning": {"type": "string"},
					"autoExecute": {"type": "boolean"}
				},
				"required": ["tool"]
			}
		},
		"summary": {"type": "string"}
	},
	"required": ["actions", "summary"]
}`

type planDocument struct {
	Actions []planEntry `json:"actions"`
	Summary string      `json:"summary"`
}

type planEntry struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	Reasoning string         `json:"reasoning"`
	// AutoExecute defaults to true when the model omits it. Explicit false
	// flags the action for human review afterwards; it does not gate
	// execution.
	AutoExecute *bool `json:"autoExecute"`
}

// PlanRunner is the single-shot strategy: read-only context is gathered up
// front, one model call produces an ordered action plan, and the plan is
// executed as returned.
type PlanRunner struct {
	Invoker     transport.Invoker
	Store       *store.Store
	Logger      *slog.Logger
	Metrics     *otelx.Metrics
	CallTimeout time.Duration

	schema *jsonschema.Schema
}

var _ Runner = (*PlanRunner)(nil)

// NewPlanRunner compiles the plan schema and returns the runner.
func NewPlanRunner(invoker transport.Invoker, st *store.Store, logger *slog.Logger, metrics *otelx.Metrics, callTimeout time.Duration) (*PlanRunner, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("plan.json", doc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}
	schema, err := compiler.Compile("plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	if callTimeout <= 0 {
		callTimeout = DefaultRunTimeout
	}
	return &PlanRunner{
		Invoker:     invoker,
		Store:       st,
		Logger:      logger,
		Metrics:     metrics,
		CallTimeout: callTimeout,
		schema:      schema,
	}, nil
}

func (r *PlanRunner) Run(ctx context.Context, job *store.Job, task Task) (string, error) {
	logger := r.logger().With("job_id", job.ID, "specialist", job.Specialist)

	gathered := r.gatherContext(ctx, logger, job, registry.ReadOnly(task.Tools))
	writeTools := registry.Writable(task.Tools)
	descriptors, err := json.Marshal(registry.Descriptors(writeTools))
	if err != nil {
		return "", fmt.Errorf("marshal tool descriptors: %w", err)
	}

	prompt := r.buildPrompt(task.Description, gathered, string(descriptors))

	started := time.Now()
	reply, err := r.Invoker.Invoke(ctx, transport.Request{Prompt: prompt, Timeout: r.CallTimeout})
	if r.Metrics != nil {
		r.Metrics.ModelCallDuration.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(attribute.String("strategy", "plan")))
	}
	if err != nil {
		return "", fmt.Errorf("plan call: %w", err)
	}

	plan, ok := r.parsePlan(logger, reply)
	if !ok {
		// Degrade to a text-only summary rather than failing the job.
		return strings.TrimSpace(reply), nil
	}

	r.executePlan(ctx, logger, job, task.Tools, plan)
	return plan.Summary, nil
}

// gatherContext runs the read-only tools whose required arguments can be
// supplied from the job itself, in parallel. Failures become {error}
// entries in the gathered context, never a failed job.
func (r *PlanRunner) gatherContext(ctx context.Context, logger *slog.Logger, job *store.Job, readTools []registry.Tool) map[string]any {
	gathered := make(map[string]any)
	var mu sync.Mutex
	var g errgroup.Group

	for _, tool := range readTools {
		args, ok := defaultReadArgs(tool, job)
		if !ok {
			continue
		}
		tool := tool
		g.Go(func() error {
			result, err := tool.Run(ctx, args)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warn("context gathering tool failed", "tool", tool.Name, "error", err)
				gathered[tool.Name] = map[string]any{"error": err.Error()}
				return nil
			}
			gathered[tool.Name] = result
			return nil
		})
	}
	_ = g.Wait()
	return gathered
}

// defaultReadArgs builds a read tool's arguments from the job. Tools
// requiring anything the job cannot supply are left out of gathering.
func defaultReadArgs(tool registry.Tool, job *store.Job) (map[string]any, bool) {
	args := map[string]any{}
	for _, required := range tool.Input.Required {
		switch required {
		case "case_id":
			if job.CaseID == "" {
				return nil, false
			}
			args["case_id"] = job.CaseID
		case "org_id":
			args["org_id"] = job.OrgID
		default:
			return nil, false
		}
	}
	return args, true
}

func (r *PlanRunner) parsePlan(logger *slog.Logger, reply string) (planDocument, bool) {
	raw := extractJSON(reply)
	if raw == "" {
		logger.Warn("model reply contained no plan document, using raw text as summary")
		return planDocument{}, false
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		logger.Warn("plan document is not valid JSON", "error", err)
		return planDocument{}, false
	}
	if err := r.schema.Validate(parsed); err != nil {
		logger.Warn("plan document failed schema validation", "error", err)
		return planDocument{}, false
	}
	var plan planDocument
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		logger.Warn("plan document decode failed", "error", err)
		return planDocument{}, false
	}
	return plan, true
}

// executePlan runs the plan entries strictly in the order returned.
func (r *PlanRunner) executePlan(ctx context.Context, logger *slog.Logger, job *store.Job, tools []registry.Tool, plan planDocument) {
	toolsByName := make(map[string]registry.Tool, len(tools))
	for _, t := range tools {
		toolsByName[t.Name] = t
	}

	for i, entry := range plan.Actions {
		tool, ok := toolsByName[entry.Tool]
		if !ok {
			logger.Warn("plan references unknown tool, skipping entry",
				"position", i, "tool", entry.Tool)
			continue
		}

		started := time.Now()
		result, err := tool.Run(ctx, entry.Args)
		if err != nil {
			result = map[string]any{"error": err.Error()}
			if r.Metrics != nil {
				r.Metrics.ToolCallErrors.Add(ctx, 1,
					metric.WithAttributes(attribute.String("tool", entry.Tool)))
			}
		}
		if r.Metrics != nil {
			r.Metrics.ToolCallDuration.Record(ctx, time.Since(started).Seconds(),
				metric.WithAttributes(attribute.String("tool", entry.Tool)))
		}

		autoExecuted := entry.AutoExecute == nil || *entry.AutoExecute
		action := store.Action{
			JobID:        job.ID,
			CaseID:       job.CaseID,
			Tool:         entry.Tool,
			Reasoning:    entry.Reasoning,
			Args:         entry.Args,
			Result:       result,
			AutoExecuted: autoExecuted,
		}
		if !autoExecuted {
			// Advisory bookkeeping only: the action has already executed.
			action.ApprovalStatus = store.ApprovalPending
		}
		if _, err := r.Store.RecordAction(ctx, action); err != nil {
			logger.Error("failed to record action", "tool", entry.Tool, "error", err)
		}
	}
}

func (r *PlanRunner) buildPrompt(description string, gathered map[string]any, descriptors string) string {
	var sb strings.Builder
	sb.WriteString(description)
	if len(gathered) > 0 {
		contextJSON, err := json.Marshal(gathered)
		if err == nil {
			sb.WriteString("\n\nContext gathered for you:\n")
			sb.Write(contextJSON)
		}
	}
	sb.WriteString("\n\nAvailable actions:\n")
	sb.WriteString(descriptors)
	sb.WriteString("\n\nReply with a single JSON document and nothing else, in the form:\n")
	sb.WriteString(`{"actions":[{"tool":"<name>","args":{...},"reasoning":"<why>","autoExecute":true}],"summary":"<what you did and why>"}`)
	sb.WriteString("\nList the actions in the order they should run. Set autoExecute to false for anything a human should review.")
	return sb.String()
}

func (r *PlanRunner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
