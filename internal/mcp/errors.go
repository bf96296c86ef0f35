package mcp

import (
	"errors"

	"github.com/nvandessel/cmrsim/internal/ratelimit"
	"github.com/nvandessel/cmrsim/internal/session"
)

// Codes used by the MCP layer in addition to session's codes.
const (
	CodeInvalidArgument = "invalid_argument"
	CodeUnknownSession  = "unknown_session"
	CodeTooManySessions = "too_many_sessions"
	CodeRateLimited     = "rate_limited"
)

// ToolError is returned by tool handlers. The SDK reports it to the client
// as a tool error whose text starts with the code.
type ToolError struct {
	Code    string
	Message string
	err     error
}

func (e *ToolError) Error() string {
	return e.Code + ": " + e.Message
}

func (e *ToolError) Unwrap() error {
	return e.err
}

// toolError wraps err with its stable code. Nil stays nil.
func toolError(err error) error {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return err
	}
	return &ToolError{Code: errorCode(err), Message: err.Error(), err: err}
}

func invalidArgument(msg string) error {
	return &ToolError{Code: CodeInvalidArgument, Message: msg}
}

// errorCode maps err to a stable machine-readable code.
func errorCode(err error) string {
	var te *ToolError
	switch {
	case errors.As(err, &te):
		return te.Code
	case errors.Is(err, session.ErrUnknownSession):
		return CodeUnknownSession
	case errors.Is(err, session.ErrTooManySessions):
		return CodeTooManySessions
	case errors.Is(err, ratelimit.ErrLimited):
		return CodeRateLimited
	default:
		return session.Code(err)
	}
}
