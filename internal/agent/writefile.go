package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"prbot/internal/safepath"
)

type writeFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteFileTool writes files inside the repository. Paths that resolve
// outside the repository root, including through symlinks, are refused.
func WriteFileTool() Tool {
	return Tool{
		Name:        "write_file",
		Description: "Write content to a file, creating or overwriting it.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {"type": "string", "description": "File path relative to the repository root"},
    "content": {"type": "string", "description": "File content to write"}
  },
  "required": ["path", "content"]
}`),
		Run: func(_ context.Context, repoDir string, raw json.RawMessage) string {
			var in writeFileInput
			if err := decodeInput(raw, &in); err != nil {
				return "[error] " + err.Error()
			}
			return writeFile(repoDir, in.Path, in.Content)
		},
	}
}

func writeFile(repoDir, path, content string) string {
	target, err := safepath.Resolve(repoDir, path)
	if err != nil {
		if errors.Is(err, safepath.ErrOutsideRoot) {
			return fmt.Sprintf("[error] Path outside repository: %s", path)
		}
		return "[error] " + err.Error()
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "[error] " + err.Error()
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return "[error] " + err.Error()
	}
	return fmt.Sprintf("Written %d bytes to %s", len(content), path)
}
