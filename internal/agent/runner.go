// Package agent runs the bounded tool-calling conversation that fixes one
// job inside its workspace.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"prbot/internal/cost"
	"prbot/internal/db"
	"prbot/internal/llm"
)

const (
	DefaultMaxTurns  = 30
	DefaultMaxTokens = 8096
	DefaultModel     = "claude-opus-4-6"

	// maxStoredOutput bounds the tool output kept in task history.
	maxStoredOutput = 2000
)

// ErrMaxTurns is returned when the model has not finished within the turn
// budget.
var ErrMaxTurns = errors.New("agent exceeded max turns")

// ProtocolError reports a stop reason the loop does not know how to handle.
type ProtocolError struct {
	StopReason llm.StopReason
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unexpected stop_reason: %s", e.StopReason)
}

// TaskSink records agent history. *db.Store satisfies it.
type TaskSink interface {
	AddTask(ctx context.Context, jobID, taskType string, content any) (db.JobTask, error)
}

// ToolUse is the content of a tool_use task.
type ToolUse struct {
	Tool   string         `json:"tool"`
	Input  map[string]any `json:"input"`
	Output string         `json:"output"`
}

// Runner drives one job's conversation. Zero values for MaxTurns and
// MaxTokens use the defaults.
type Runner struct {
	Client    llm.Client
	Model     string
	System    string
	MaxTokens int
	MaxTurns  int
	Tools     *Registry
}

// NewRunner returns a Runner with the default model, limits and tools.
func NewRunner(client llm.Client) *Runner {
	return &Runner{
		Client:    client,
		Model:     DefaultModel,
		System:    SystemPrompt,
		MaxTokens: DefaultMaxTokens,
		MaxTurns:  DefaultMaxTurns,
		Tools:     DefaultRegistry(),
	}
}

// Run converses with the model until it ends its turn. Every model message
// and tool call is written to sink before the next turn starts.
func (r *Runner) Run(ctx context.Context, job db.Job, repoDir, workBranch string, sink TaskSink) error {
	maxTurns := r.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	maxTokens := r.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	model := r.Model
	if model == "" {
		model = DefaultModel
	}
	system := r.System
	if system == "" {
		system = SystemPrompt
	}
	tools := r.Tools
	if tools == nil {
		tools = DefaultRegistry()
	}

	messages := []llm.Message{
		llm.TextMessage(llm.RoleUser, BuildUserPrompt(job, repoDir, workBranch)),
	}
	slog.Info("agent: starting", "job", db.ShortID(job.ID), "branch", workBranch,
		"max_turns", maxTurns, "tools", tools.Names(), "rate", cost.FormatRate(model))

	var usage llm.Usage
	defer func() {
		slog.Info("agent: usage", "job", db.ShortID(job.ID),
			"input_tokens", usage.InputTokens,
			"output_tokens", usage.OutputTokens,
			"est_cost", cost.FormatUSD(cost.Calculate(model, usage.InputTokens, usage.OutputTokens)))
	}()

	for turn := 1; turn <= maxTurns; turn++ {
		resp, err := r.Client.CreateMessage(ctx, &llm.Request{
			Model:     model,
			System:    system,
			MaxTokens: maxTokens,
			Messages:  messages,
			Tools:     tools.Definitions(),
		})
		if err != nil {
			return fmt.Errorf("agent turn %d: %w", turn, err)
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens

		if text := resp.Text(); text != "" {
			if _, err := sink.AddTask(ctx, job.ID, db.TaskMessage, text); err != nil {
				return fmt.Errorf("record message: %w", err)
			}
		}
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})

		switch resp.StopReason {
		case llm.StopEndTurn:
			slog.Info("agent: completed", "job", db.ShortID(job.ID), "turns", turn)
			return nil
		case llm.StopToolUse:
		default:
			return &ProtocolError{StopReason: resp.StopReason}
		}

		var results []llm.ContentBlock
		for _, use := range resp.ToolUses() {
			output := tools.Execute(ctx, use.Name, repoDir, use.Input)
			slog.Debug("agent: tool", "job", db.ShortID(job.ID), "tool", use.Name, "output_bytes", len(output))

			if _, err := sink.AddTask(ctx, job.ID, db.TaskToolUse, ToolUse{
				Tool:   use.Name,
				Input:  toolInputMap(use.Input),
				Output: truncateUTF8(output, maxStoredOutput),
			}); err != nil {
				return fmt.Errorf("record tool use: %w", err)
			}
			results = append(results, llm.ToolResult(use.ID, output, false))
		}
		if len(results) == 0 {
			return &ProtocolError{StopReason: resp.StopReason}
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: results})
	}

	return fmt.Errorf("%w (%d)", ErrMaxTurns, maxTurns)
}

// toolInputMap decodes a tool input for storage. Inputs that are not JSON
// objects are kept verbatim under "raw".
func toolInputMap(input json.RawMessage) map[string]any {
	m := map[string]any{}
	if len(input) == 0 {
		return m
	}
	if err := json.Unmarshal(input, &m); err != nil {
		return map[string]any{"raw": string(input)}
	}
	return m
}
