package convai

import (
	"errors"
	"fmt"
)

var (
	// ErrClosedWithoutFrame means the agent socket ended without a close frame.
	ErrClosedWithoutFrame = errors.New("convai: connection closed without close frame")

	// ErrUnexpectedMessageType is reported for frames that are not JSON text
	// or that cannot be acted on.
	ErrUnexpectedMessageType = errors.New("convai: unexpected message type")

	// ErrAgentNotFound is returned by the registry for unknown agent keys.
	ErrAgentNotFound = errors.New("convai: agent not found")

	// ErrConnClosed is returned when sending on a stopped or closed connection.
	ErrConnClosed = errors.New("convai: connection closed")
)

// CloseError is the terminal error for a close frame with a non-normal code.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("convai: connection closed with code %d", e.Code)
	}
	return fmt.Sprintf("convai: connection closed with code %d: %s", e.Code, e.Reason)
}

// ConnectError wraps a failure to establish an agent session.
type ConnectError struct {
	AgentID string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("convai: connect to agent %q: %v", e.AgentID, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
