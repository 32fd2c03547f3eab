package agent

import (
	"errors"
	"fmt"
)

// ErrorKind identifies where a run failed.
type ErrorKind string

const (
	ErrKindRouting      ErrorKind = "routing"
	ErrKindProvider     ErrorKind = "provider"
	ErrKindTool         ErrorKind = "tool"
	ErrKindContext      ErrorKind = "context"
	ErrKindCancelled    ErrorKind = "cancelled"
	ErrKindMutexTimeout ErrorKind = "mutexTimeout"
	ErrKindInternal     ErrorKind = "internal"
)

// Error is the failure surface producers see from a run.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("agent [%s]: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("agent [%s]: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an agent error.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// AsAgentError extracts an *Error from a chain.
func AsAgentError(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
