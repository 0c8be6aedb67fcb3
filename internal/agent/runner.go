// Package agent runs agent chat turns against an OpenAI-compatible model.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"ejunz/internal/config"
	"ejunz/pkg/protocol"
)

// ErrMaxToolRounds is returned when the model keeps calling tools past the limit
var ErrMaxToolRounds = errors.New("tool call rounds exhausted")

// ToolCaller executes tools on behalf of the model. *toolcall.Bridge satisfies it.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args json.RawMessage) (any, error)
}

// ChatInput is one agent turn
type ChatInput struct {
	Model        string
	SystemPrompt string
	Input        string
	Tools        []protocol.Tool
}

// Runner produces a reply, reporting text deltas as they stream
type Runner interface {
	Run(ctx context.Context, in ChatInput, onDelta func(string)) (string, error)
}

// OpenAIRunner streams chat completions and resolves tool calls through a ToolCaller
type OpenAIRunner struct {
	client        *openai.Client
	tools         ToolCaller
	model         string
	temperature   float32
	maxToolRounds int
	logger        *zap.Logger
}

// NewOpenAIRunner builds a runner for the configured endpoint
func NewOpenAIRunner(llm config.LLMConfig, maxToolRounds int, tools ToolCaller, logger *zap.Logger) *OpenAIRunner {
	cfg := openai.DefaultConfig(llm.APIKey)
	if llm.BaseURL != "" {
		cfg.BaseURL = llm.BaseURL
	}
	if maxToolRounds <= 0 {
		maxToolRounds = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIRunner{
		client:        openai.NewClientWithConfig(cfg),
		tools:         tools,
		model:         llm.Model,
		temperature:   llm.Temperature,
		maxToolRounds: maxToolRounds,
		logger:        logger.Named("agent"),
	}
}

// Run loops: stream a completion, execute any tool calls, feed the results
// back, until the model answers without tools.
func (r *OpenAIRunner) Run(ctx context.Context, in ChatInput, onDelta func(string)) (string, error) {
	model := in.Model
	if model == "" {
		model = r.model
	}

	var messages []openai.ChatCompletionMessage
	if in.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: in.SystemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: in.Input})

	tools := toOpenAITools(in.Tools)
	var content strings.Builder

	for round := 0; ; round++ {
		req := openai.ChatCompletionRequest{
			Model:       model,
			Messages:    messages,
			Temperature: r.temperature,
			Stream:      true,
		}
		if len(tools) > 0 && r.tools != nil {
			req.Tools = tools
		}

		text, calls, err := r.stream(ctx, req, onDelta)
		content.WriteString(text)
		if err != nil {
			return content.String(), err
		}
		if len(calls) == 0 {
			return content.String(), nil
		}
		if round >= r.maxToolRounds {
			return content.String(), fmt.Errorf("%w after %d rounds", ErrMaxToolRounds, round)
		}

		messages = append(messages, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			Content:   text,
			ToolCalls: calls,
		})
		for _, call := range calls {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    r.callTool(ctx, call),
				ToolCallID: call.ID,
			})
		}
	}
}

// stream reads one completion, returning its text and assembled tool calls
func (r *OpenAIRunner) stream(ctx context.Context, req openai.ChatCompletionRequest, onDelta func(string)) (string, []openai.ToolCall, error) {
	stream, err := r.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("failed to start completion: %w", err)
	}
	defer stream.Close()

	var (
		text  strings.Builder
		calls = make(map[int]*openai.ToolCall)
	)
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return text.String(), nil, fmt.Errorf("completion stream failed: %w", err)
		}
		for _, choice := range resp.Choices {
			if d := choice.Delta.Content; d != "" {
				text.WriteString(d)
				if onDelta != nil {
					onDelta(d)
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				call, ok := calls[idx]
				if !ok {
					call = &openai.ToolCall{Type: openai.ToolTypeFunction}
					calls[idx] = call
				}
				if tc.ID != "" {
					call.ID = tc.ID
				}
				if tc.Function.Name != "" {
					call.Function.Name = tc.Function.Name
				}
				call.Function.Arguments += tc.Function.Arguments
			}
		}
	}

	indexes := make([]int, 0, len(calls))
	for i := range calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	out := make([]openai.ToolCall, 0, len(calls))
	for _, i := range indexes {
		out = append(out, *calls[i])
	}
	return text.String(), out, nil
}

// callTool runs one call and renders its outcome for the model. Failures
// are reported to the model rather than aborting the turn.
func (r *OpenAIRunner) callTool(ctx context.Context, call openai.ToolCall) string {
	args := json.RawMessage(call.Function.Arguments)
	if len(strings.TrimSpace(call.Function.Arguments)) == 0 {
		args = json.RawMessage(`{}`)
	}

	result, err := r.tools.CallTool(ctx, call.Function.Name, args)
	if err != nil {
		r.logger.Info("tool call failed", zap.String("tool", call.Function.Name), zap.Error(err))
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	if s, ok := result.(string); ok {
		return s
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, "unencodable tool result")
	}
	return string(data)
}

func toOpenAITools(tools []protocol.Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var params any = json.RawMessage(`{"type":"object","properties":{}}`)
		if len(t.InputSchema) > 0 {
			params = t.InputSchema
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
