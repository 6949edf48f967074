package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aiclab/persona-agent/internal/httpkit"
)

// OpenAIClient speaks the OpenAI chat-completions wire format. The
// gemini, openai, and groq endpoints all accept it; the base URL
// selects the provider.
type OpenAIClient struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewOpenAIClient creates a reasoning-service client.
func NewOpenAIClient(baseURL, apiKey, model string, temperature float64, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	// Responses can take significant time before headers arrive (long
	// prompts, thinking). Use a generous response header timeout and no
	// global client timeout; ctx deadlines control cancellation.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &OpenAIClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		model:       model,
		temperature: temperature,
		logger:      logger.With("provider", "openai-compat"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// Wire types

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []map[string]any `json:"tools,omitempty"`
	StreamOpts  *streamOptions   `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"` // JSON-encoded
	} `json:"function"`
}

type openaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message      openaiWireMessage `json:"message"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
	Usage openaiUsage `json:"usage"`
}

type openaiWireMessage struct {
	Role             string           `json:"role"`
	Content          string           `json:"content"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openaiStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta        openaiWireMessage `json:"delta"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage"`
}

// Chat sends a non-streaming chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, messages, tools, nil)
}

// ChatStream sends a chat request, optionally streaming tokens via callback.
func (c *OpenAIClient) ChatStream(ctx context.Context, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	req := openaiRequest{
		Model:       c.model,
		Messages:    convertToWire(messages),
		Temperature: c.temperature,
		Stream:      stream,
		Tools:       tools,
	}
	if stream {
		req.StreamOpts = &streamOptions{IncludeUsage: true}
	}

	c.logger.Debug("preparing request",
		"model", c.model,
		"messages", len(req.Messages),
		"tools", len(tools),
		"stream", stream,
	)

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("reasoning service error %d: %s", resp.StatusCode, errBody)
	}

	if !stream {
		return c.handleNonStreaming(ctx, resp.Body)
	}
	return c.handleStreaming(ctx, resp.Body, callback)
}

func (c *OpenAIClient) handleNonStreaming(ctx context.Context, body io.Reader) (*ChatResponse, error) {
	var resp openaiResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty choices in response")
	}

	msg := resp.Choices[0].Message
	result := &ChatResponse{
		Model: resp.Model,
		Message: Message{
			Role:      "assistant",
			Content:   msg.Content,
			ToolCalls: convertToolCallsFromWire(msg.ToolCalls),
		},
		Reasoning:    msg.ReasoningContent,
		Done:         true,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)

	return result, nil
}

func (c *OpenAIClient) handleStreaming(ctx context.Context, body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	// Increase scanner buffer for large responses.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		contentBuilder   strings.Builder
		reasoningBuilder strings.Builder
		pendingCalls     = map[int]*openaiToolCall{} // by stream index
		argBufs          = map[int]*strings.Builder{}
		usage            openaiUsage
		model            string
	)

	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			break
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // Skip malformed events
		}

		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta

		if delta.ReasoningContent != "" {
			reasoningBuilder.WriteString(delta.ReasoningContent)
			callback(StreamEvent{Kind: KindReasoning, Reasoning: delta.ReasoningContent})
		}

		if delta.Content != "" {
			contentBuilder.WriteString(delta.Content)
			callback(StreamEvent{Kind: KindToken, Token: delta.Content})
		}

		for _, tc := range delta.ToolCalls {
			call, ok := pendingCalls[tc.Index]
			if !ok {
				cp := tc
				pendingCalls[tc.Index] = &cp
				argBufs[tc.Index] = &strings.Builder{}
				call = &cp
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Function.Name = tc.Function.Name
			}
			argBufs[tc.Index].WriteString(tc.Function.Arguments)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	// Assemble accumulated tool calls in stream order.
	indexes := make([]int, 0, len(pendingCalls))
	for i := range pendingCalls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var toolCalls []ToolCall
	for _, i := range indexes {
		wc := pendingCalls[i]
		wc.Function.Arguments = argBufs[i].String()
		toolCalls = append(toolCalls, fromWireToolCall(*wc))
	}

	resp := &ChatResponse{
		Model: model,
		Message: Message{
			Role:      "assistant",
			Content:   contentBuilder.String(),
			ToolCalls: toolCalls,
		},
		Reasoning:    reasoningBuilder.String(),
		Done:         true,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
	}

	c.logger.Debug("stream complete",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"content_len", len(resp.Message.Content),
		"tool_calls", len(resp.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "stream final content", "content", resp.Message.Content)

	return resp, nil
}

// convertToWire converts internal messages to the OpenAI wire format.
// Tool-call arguments are re-encoded as JSON strings.
func convertToWire(messages []Message) []openaiMessage {
	result := make([]openaiMessage, 0, len(messages))
	for _, msg := range messages {
		wm := openaiMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for i, tc := range msg.ToolCalls {
			args := tc.Function.Arguments
			if args == nil {
				args = map[string]any{}
			}
			encoded, err := json.Marshal(args)
			if err != nil {
				encoded = []byte("{}")
			}
			wc := openaiToolCall{
				ID:   tc.ID,
				Type: "function",
			}
			if wc.ID == "" {
				wc.ID = fmt.Sprintf("call_%s_%d", tc.Function.Name, i)
			}
			wc.Function.Name = tc.Function.Name
			wc.Function.Arguments = string(encoded)
			wm.ToolCalls = append(wm.ToolCalls, wc)
		}
		result = append(result, wm)
	}
	return result
}

func convertToolCallsFromWire(calls []openaiToolCall) []ToolCall {
	var result []ToolCall
	for _, wc := range calls {
		result = append(result, fromWireToolCall(wc))
	}
	return result
}

func fromWireToolCall(wc openaiToolCall) ToolCall {
	var args map[string]any
	if wc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(wc.Function.Arguments), &args); err != nil {
			args = map[string]any{"_raw": wc.Function.Arguments}
		}
	}
	tc := ToolCall{ID: wc.ID}
	tc.Function.Name = wc.Function.Name
	tc.Function.Arguments = args
	return tc
}
