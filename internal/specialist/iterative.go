package specialist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	otelx "github.com/meridian/caseagent/internal/otel"
	"github.com/meridian/caseagent/internal/registry"
	"github.com/meridian/caseagent/internal/store"
	"github.com/meridian/caseagent/internal/transport"
)

// DefaultMaxTurns is the iteration ceiling guaranteeing termination.
const DefaultMaxTurns = 20

// IterativeRunner is the multi-turn strategy: each model turn may request
// tool calls, whose results are fed back before the next turn. A reply with
// no tool calls ends the job with that reply as the summary.
type IterativeRunner struct {
	Invoker     transport.Invoker
	Store       *store.Store
	Logger      *slog.Logger
	Metrics     *otelx.Metrics
	MaxTurns    int
	CallTimeout time.Duration
}

var _ Runner = (*IterativeRunner)(nil)

// toolCallEnvelope is the reply shape that continues the loop.
type toolCallEnvelope struct {
	ToolCalls []toolCallRequest `json:"tool_calls"`
}

type toolCallRequest struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	Reasoning string         `json:"reasoning"`
}

func (r *IterativeRunner) Run(ctx context.Context, job *store.Job, task Task) (string, error) {
	logger := r.logger().With("job_id", job.ID, "specialist", job.Specialist)
	maxTurns := r.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	toolsByName := make(map[string]registry.Tool, len(task.Tools))
	for _, t := range task.Tools {
		toolsByName[t.Name] = t
	}
	descriptors, err := json.Marshal(registry.Descriptors(task.Tools))
	if err != nil {
		return "", fmt.Errorf("marshal tool descriptors: %w", err)
	}

	var transcript []string
	for turn := 1; turn <= maxTurns; turn++ {
		prompt := r.buildPrompt(task.Description, string(descriptors), transcript)

		started := time.Now()
		reply, err := r.Invoker.Invoke(ctx, transport.Request{Prompt: prompt, Timeout: r.CallTimeout})
		if r.Metrics != nil {
			r.Metrics.ModelCallDuration.Record(ctx, time.Since(started).Seconds(),
				metric.WithAttributes(attribute.String("strategy", "iterative")))
		}
		if err != nil {
			return "", fmt.Errorf("turn %d: %w", turn, err)
		}

		var envelope toolCallEnvelope
		if raw := extractJSON(reply); raw != "" {
			// A reply that is not the tool-call shape counts as completion.
			_ = json.Unmarshal([]byte(raw), &envelope)
		}
		if len(envelope.ToolCalls) == 0 {
			logger.Debug("model signalled completion", "turns", turn)
			return strings.TrimSpace(reply), nil
		}

		transcript = append(transcript, fmt.Sprintf("[model turn %d requested %d tool calls]", turn, len(envelope.ToolCalls)))
		for _, call := range envelope.ToolCalls {
			result := r.executeCall(ctx, logger, job, toolsByName, call)
			resultJSON, err := json.Marshal(result)
			if err != nil {
				resultJSON = []byte(`{"error":"result not serializable"}`)
			}
			transcript = append(transcript, fmt.Sprintf("[tool result] %s: %s", call.Tool, resultJSON))
		}
	}

	logger.Warn("iteration ceiling reached", "max_turns", maxTurns)
	return fmt.Sprintf("Reached the %d-turn iteration limit before the model signalled completion; work so far has been recorded as actions.", maxTurns), nil
}

// executeCall resolves and runs one requested tool call. Unknown names and
// executor errors become inline {error} results fed back to the model; only
// calls that resolved to a known tool are persisted as actions.
func (r *IterativeRunner) executeCall(ctx context.Context, logger *slog.Logger, job *store.Job, toolsByName map[string]registry.Tool, call toolCallRequest) map[string]any {
	tool, ok := toolsByName[call.Tool]
	if !ok {
		logger.Warn("model requested unknown tool", "tool", call.Tool)
		return map[string]any{"error": fmt.Sprintf("unknown tool %q", call.Tool)}
	}

	started := time.Now()
	result, err := tool.Run(ctx, call.Args)
	if err != nil {
		result = map[string]any{"error": err.Error()}
		if r.Metrics != nil {
			r.Metrics.ToolCallErrors.Add(ctx, 1,
				metric.WithAttributes(attribute.String("tool", call.Tool)))
		}
	}
	if r.Metrics != nil {
		r.Metrics.ToolCallDuration.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(attribute.String("tool", call.Tool)))
	}

	if _, err := r.Store.RecordAction(ctx, store.Action{
		JobID:        job.ID,
		CaseID:       job.CaseID,
		Tool:         call.Tool,
		Reasoning:    call.Reasoning,
		Args:         call.Args,
		Result:       result,
		AutoExecuted: true,
	}); err != nil {
		// A storage hiccup never aborts an otherwise-successful run.
		logger.Error("failed to record action", "tool", call.Tool, "error", err)
	}
	return result
}

func (r *IterativeRunner) buildPrompt(description, descriptors string, transcript []string) string {
	var sb strings.Builder
	sb.WriteString(description)
	sb.WriteString("\n\nYou can call the tools listed below. To call tools, reply with JSON only, in the form:\n")
	sb.WriteString(`{"tool_calls":[{"tool":"<name>","args":{...},"reasoning":"<why>"}]}`)
	sb.WriteString("\nWhen you are finished, reply with a plain-text summary instead (no JSON).\n\nTools:\n")
	sb.WriteString(descriptors)
	if len(transcript) > 0 {
		sb.WriteString("\n\nConversation so far:\n")
		sb.WriteString(strings.Join(transcript, "\n"))
	}
	return sb.String()
}

func (r *IterativeRunner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
