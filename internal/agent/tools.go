package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"prbot/internal/llm"
)

// Tool is one capability offered to the model. Run receives the raw JSON
// input the model produced and returns the text the model will see. Tool
// failures are reported in that text rather than as Go errors.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Run         func(ctx context.Context, repoDir string, input json.RawMessage) string
}

// Registry maps tool names to handlers.
type Registry struct {
	tools map[string]Tool
	order []string
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// DefaultRegistry returns the bash and write_file tools.
func DefaultRegistry() *Registry {
	return NewRegistry(BashTool(DefaultBashTimeout), WriteFileTool())
}

// Register adds t, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	if _, ok := r.tools[t.Name]; !ok {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Definitions returns the catalog sent to the model, in registration order.
func (r *Registry) Definitions() []llm.Tool {
	defs := make([]llm.Tool, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, llm.Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return defs
}

// Execute runs the named tool. Unknown names are reported to the model.
func (r *Registry) Execute(ctx context.Context, name, repoDir string, input json.RawMessage) string {
	t, ok := r.tools[name]
	if !ok {
		return fmt.Sprintf("Unknown tool: %s", name)
	}
	return t.Run(ctx, repoDir, input)
}

func decodeInput(input json.RawMessage, v any) error {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(input, v); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	return nil
}
