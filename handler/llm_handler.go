package handler

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// LLMHandler is the default handler for LLM-kind tasks: it sends a
// prompt, assembled from task_config, to an Anthropic model and returns
// the model's text response. Specified abstractly by the contract — the
// core does not require any specific LLM provider, only that handlers
// return within max_exec_seconds or cooperate with cancellation, which
// this handler does by threading ctx straight into the SDK call.
type LLMHandler struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewLLMHandler builds the default LLM task handler against the given
// API key. model defaults to Claude 3.5 Sonnet when empty.
func NewLLMHandler(apiKey string, model anthropic.Model) *LLMHandler {
	if model == "" {
		model = anthropic.ModelClaude3_5SonnetLatest
	}
	return &LLMHandler{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// task_config shape consumed by the LLM handler: {prompt, system?,
// max_tokens?}.
type llmTaskConfig struct {
	Prompt    string `json:"prompt"`
	System    string `json:"system"`
	MaxTokens int64  `json:"max_tokens"`
}

func (h *LLMHandler) Execute(ctx context.Context, trigger TriggerView, run RunView) Result {
	cfg, err := decodeConfig[llmTaskConfig](trigger.TaskConfig)
	if err != nil {
		return Err("VALIDATION", "invalid task_config for llm handler", map[string]any{"error": err.Error()})
	}
	if cfg.Prompt == "" {
		return Err("VALIDATION", "task_config.prompt is required", nil)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.F(h.model),
		MaxTokens: anthropic.F(maxTokens),
		Messages: anthropic.F([]anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(cfg.Prompt)),
		}),
	}
	if cfg.System != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{
			anthropic.NewTextBlock(cfg.System),
		})
	}

	msg, err := h.client.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return Err("TIMEOUT", "llm call cancelled", map[string]any{"error": err.Error()})
		}
		return Err("HANDLER_ERROR", "llm call failed", map[string]any{"error": err.Error()})
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == anthropic.ContentBlockTypeText {
			text += block.Text
		}
	}
	if text == "" {
		return Err("HANDLER_ERROR", "llm returned no text content", nil)
	}
	return Ok(map[string]any{
		"text":          text,
		"stop_reason":   string(msg.StopReason),
		"input_tokens":  msg.Usage.InputTokens,
		"output_tokens": msg.Usage.OutputTokens,
		"note":          fmt.Sprintf("model=%s", h.model),
	})
}
