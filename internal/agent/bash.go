package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const (
	DefaultBashTimeout = 60 * time.Second
	// MaxBashTimeout caps a timeout requested by the model.
	MaxBashTimeout = 10 * time.Minute
	// maxBashOutput bounds what a single command can put into the
	// conversation.
	maxBashOutput = 100_000
)

type bashInput struct {
	Command string   `json:"command"`
	Timeout *float64 `json:"timeout"`
}

// BashTool runs shell commands with the repository root as working
// directory. Commands that do not set their own timeout get defaultTimeout.
func BashTool(defaultTimeout time.Duration) Tool {
	return Tool{
		Name: "bash",
		Description: "Run a shell command in the repository workspace. " +
			"Use this to read files (cat, grep), edit files, run tests, and git operations. " +
			"The working directory is set to the repository root.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "command": {"type": "string", "description": "The shell command to execute"},
    "timeout": {"type": "number", "description": "Timeout in seconds (default 60, max 600)"}
  },
  "required": ["command"]
}`),
		Run: func(ctx context.Context, repoDir string, raw json.RawMessage) string {
			var in bashInput
			if err := decodeInput(raw, &in); err != nil {
				return "[error] " + err.Error()
			}
			if strings.TrimSpace(in.Command) == "" {
				return "[error] command is required"
			}
			timeout, err := bashTimeout(in.Timeout, defaultTimeout)
			if err != nil {
				return "[error] " + err.Error()
			}
			return runBash(ctx, repoDir, in.Command, timeout)
		},
	}
}

// bashTimeout converts a requested timeout in seconds, clamped to
// MaxBashTimeout. The comparison happens before the Duration conversion so
// huge values cannot overflow.
func bashTimeout(seconds *float64, def time.Duration) (time.Duration, error) {
	if seconds == nil {
		return def, nil
	}
	s := *seconds
	if s <= 0 {
		return 0, fmt.Errorf("timeout must be a positive number of seconds, got %v", s)
	}
	if s >= MaxBashTimeout.Seconds() {
		return MaxBashTimeout, nil
	}
	return time.Duration(s * float64(time.Second)), nil
}

func runBash(ctx context.Context, dir, command string, timeout time.Duration) string {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out limitedBuffer
	out.limit = maxBashOutput
	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdout = &out
	cmd.Stderr = &out
	// Own process group so a timeout also kills anything the shell spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Sprintf("[timeout after %ds]", int(timeout.Seconds()))
	}

	output := strings.ToValidUTF8(out.String(), "\uFFFD")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Sprintf("[exit %d]\n%s", exitErr.ExitCode(), output)
		}
		return "[error] " + err.Error()
	}
	if output == "" {
		return "(no output)"
	}
	return output
}

// limitedBuffer keeps the first limit bytes written and counts the rest.
// exec serializes writes when Stdout and Stderr are the same writer.
type limitedBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	switch {
	case room <= 0:
		b.dropped += len(p)
	case len(p) > room:
		b.buf.Write(p[:room])
		b.dropped += len(p) - room
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	if b.dropped == 0 {
		return b.buf.String()
	}
	return fmt.Sprintf("%s\n... (%d bytes of output truncated)", b.buf.String(), b.dropped)
}
