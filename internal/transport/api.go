package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 4096

// APIConfig configures the Anthropic Messages API transport.
type APIConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
	Logger    *slog.Logger
}

// API is the SDK-based equivalent of the CLI transport: same contract,
// network client instead of a subprocess.
type API struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	logger    *slog.Logger
}

var _ Invoker = (*API)(nil)

func NewAPI(cfg APIConfig) (*API, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key is not set", ErrSpawn)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("api transport: model is required")
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		client:    anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:     cfg.Model,
		maxTokens: maxTokens,
		logger:    logger,
	}, nil
}

func (a *API) Invoke(ctx context.Context, req Request) (string, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	message, err := a.client.Messages.New(callCtx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return "", fmt.Errorf("messages api call failed: %w", err)
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	a.logger.Debug("model call completed",
		"elapsed", time.Since(started).String(),
		"input_tokens", message.Usage.InputTokens,
		"output_tokens", message.Usage.OutputTokens)
	return strings.TrimSpace(sb.String()), nil
}
