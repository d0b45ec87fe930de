package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	DefaultBaseURL    = "https://api.anthropic.com"
	defaultMaxRetries = 3
)

// Anthropic calls the Messages API through the official SDK. The SDK
// retries network errors, 408, 409, 429 and 5xx on its own.
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic returns a client for baseURL. An empty baseURL selects the
// public API. Extra options are applied after the defaults.
func NewAnthropic(baseURL, apiKey string, opts ...option.RequestOption) *Anthropic {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(strings.TrimRight(baseURL, "/") + "/"),
		option.WithMaxRetries(defaultMaxRetries),
	}
	return &Anthropic{client: anthropic.NewClient(append(base, opts...)...)}
}

func (a *Anthropic) CreateMessage(ctx context.Context, req *Request) (*Response, error) {
	params, err := toMessageParams(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, providerError(apiErr)
		}
		return nil, fmt.Errorf("anthropic: sending request: %w", err)
	}

	resp := fromMessage(msg)
	slog.Debug("llm call",
		"model", resp.Model,
		"stop_reason", resp.StopReason,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

// providerError maps an SDK API error onto ProviderError. The body has the
// shape {"error":{"type":"...","message":"..."}}; anything else falls back
// to the raw text.
func providerError(apiErr *anthropic.Error) *ProviderError {
	raw := apiErr.RawJSON()
	if apiErr.Response != nil && apiErr.Response.Body != nil {
		if body, err := io.ReadAll(io.LimitReader(apiErr.Response.Body, 4096)); err == nil && len(body) > 0 {
			raw = string(body)
		}
	}

	var wireError struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	perr := &ProviderError{StatusCode: apiErr.StatusCode}
	if json.Unmarshal([]byte(raw), &wireError) == nil && wireError.Error.Message != "" {
		perr.Type = wireError.Error.Type
		perr.Message = wireError.Error.Message
		return perr
	}
	perr.Type = "unknown"
	perr.Message = strings.TrimSpace(raw)
	if perr.Message == "" {
		perr.Message = apiErr.Error()
	}
	return perr
}

func toMessageParams(req *Request) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  make([]anthropic.MessageParam, 0, len(req.Messages)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, m := range req.Messages {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			switch b.Type {
			case BlockText:
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			case BlockToolUse:
				input := b.Input
				// The API rejects a tool_use block without an input object.
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, input, b.Name))
			case BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			default:
				return params, fmt.Errorf("anthropic: unsupported content block %q", b.Type)
			}
		}
		if m.Role == RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(blocks...))
		}
	}
	for _, t := range req.Tools {
		tool, err := toToolParam(t)
		if err != nil {
			return params, err
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: tool})
	}
	return params, nil
}

func toToolParam(t Tool) (*anthropic.ToolParam, error) {
	var schema struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if len(t.InputSchema) > 0 {
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: tool %s input schema: %w", t.Name, err)
		}
	}
	tool := &anthropic.ToolParam{
		Name: t.Name,
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: schema.Properties,
			Required:   schema.Required,
		},
	}
	if t.Description != "" {
		tool.Description = anthropic.String(t.Description)
	}
	return tool, nil
}

func fromMessage(msg *anthropic.Message) *Response {
	resp := &Response{
		ID:         msg.ID,
		Model:      string(msg.Model),
		StopReason: StopReason(msg.StopReason),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
		Content: make([]ContentBlock, 0, len(msg.Content)),
	}
	for _, b := range msg.Content {
		switch b.Type {
		case BlockText:
			resp.Content = append(resp.Content, ContentBlock{Type: BlockText, Text: b.Text})
		case BlockToolUse:
			resp.Content = append(resp.Content, ContentBlock{Type: BlockToolUse, ID: b.ID, Name: b.Name, Input: b.Input})
		}
	}
	return resp
}
