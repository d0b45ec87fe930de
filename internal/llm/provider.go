// Package llm talks to a tool-use capable chat model.
package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// Client is the interface for model backends.
type Client interface {
	// CreateMessage sends one conversation turn and returns the model's
	// reply. Implementations must honor ctx cancellation.
	CreateMessage(ctx context.Context, req *Request) (*Response, error)
}

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Content block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// StopReason explains why the model stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// ContentBlock is one element of a message's content. Which fields are set
// depends on Type.
type ContentBlock struct {
	Type string

	// text
	Text string

	// tool_use
	ID    string
	Name  string
	Input json.RawMessage

	// tool_result
	ToolUseID string
	Content   string
	IsError   bool
}

// Message is a single conversation turn.
type Message struct {
	Role    Role
	Content []ContentBlock
}

// Tool describes a tool the model may call. InputSchema is a JSON Schema
// object.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is a model call.
type Request struct {
	Model     string
	System    string
	MaxTokens int
	Messages  []Message
	Tools     []Tool
}

// Usage reports token accounting for a single call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the model's reply to a Request.
type Response struct {
	ID         string
	Model      string
	Content    []ContentBlock
	StopReason StopReason
	Usage      Usage
}

// Text joins the text blocks of the response with newlines.
func (r *Response) Text() string {
	var parts []string
	for _, b := range r.Content {
		if b.Type == BlockText {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUses returns the tool_use blocks in the order the model emitted them.
func (r *Response) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range r.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// TextMessage builds a single-block text message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// ToolResult builds a tool_result block answering the tool_use with id.
func ToolResult(id, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: id, Content: content, IsError: isError}
}
