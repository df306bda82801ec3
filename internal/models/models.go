// Package models defines the core data structures for RelayDesk.
//
// It includes conversations, flow definitions, queues, agents, and the shared
// error and API response types used across modules.
package models

import (
	"errors"
	"fmt"
)

// Error variables for better error handling and testability
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrQueueNotFound        = errors.New("queue not found")
	ErrAgentNotFound        = errors.New("agent not found")
	ErrFlowNotFound         = errors.New("flow not found")
	ErrNoActiveFlow         = errors.New("conversation has no active flow")
	ErrBotInactive          = errors.New("bot is not active for this conversation")
	ErrIllegalTransition    = errors.New("illegal conversation status transition")
	ErrInvalidPriorityTier  = errors.New("invalid priority tier")
	ErrEmptyRecipient       = errors.New("recipient cannot be empty")
	ErrEmptyMessageBody     = errors.New("message body cannot be empty")
)

// ConfigurationError indicates a broken flow or queue configuration: an
// unknown node type, a missing start node, or a handoff to a nonexistent
// department, queue, or agent. It is fatal for the operation that hit it;
// the conversation stays in its last persisted state.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// NewConfigurationError creates a ConfigurationError with a formatted reason.
func NewConfigurationError(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err is (or wraps) a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// ExternalCallError wraps a failure or timeout from an external collaborator
// (script runner, database query, HTTP call, language model). It is
// recoverable when the failing node declares an error edge.
type ExternalCallError struct {
	Node string
	Err  error
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("external call failed at node %s: %v", e.Node, e.Err)
}

func (e *ExternalCallError) Unwrap() error {
	return e.Err
}

// IsExternalCallError reports whether err is (or wraps) an ExternalCallError.
func IsExternalCallError(err error) bool {
	var ee *ExternalCallError
	return errors.As(err, &ee)
}

// APIStatus represents the status field of an API response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
