package worker

import (
	"errors"

	"prbot/internal/agent"
	"prbot/internal/db"
	"prbot/internal/llm"
	"prbot/internal/workspace"
)

// IsFatal reports whether retrying err cannot succeed. Only provider errors
// for bad credentials or an exhausted account qualify; everything else,
// including unclassified errors, is retryable.
func IsFatal(err error) bool {
	return llm.IsFatal(err)
}

// failureKind names the failure class for logs.
func failureKind(err error) string {
	var perr *llm.ProviderError
	var protoErr *agent.ProtocolError
	switch {
	case workspace.IsError(err):
		return "workspace"
	case errors.Is(err, db.ErrNotFound):
		return "not_found"
	case errors.Is(err, agent.ErrMaxTurns), errors.As(err, &protoErr):
		return "agent_protocol"
	case errors.As(err, &perr):
		if perr.Fatal() {
			return "provider_fatal"
		}
		return "provider"
	default:
		return "other"
	}
}
