package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// Role identifies the author of a Turn.
type Role string

const (
	RoleUser           Role = "user"
	RoleAssistant      Role = "assistant"
	RoleFunctionResult Role = "function_result"
)

// Marker flags a Turn with special meaning for the dispatch loop.
type Marker string

const (
	MarkerNone          Marker = ""
	MarkerClarification Marker = "clarification"
)

// Turn is one immutable entry of a user's conversation.
type Turn struct {
	ID      string `json:"id"`
	UserID  string `json:"user_id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Calls is set on assistant turns that requested function execution.
	Calls []FunctionCallRequest `json:"calls,omitempty"`

	// Call is set on function_result turns.
	Call *FunctionCallRecord `json:"call,omitempty"`

	Marker Marker `json:"marker,omitempty"`

	// ClarificationContext carries the question a user turn is answering.
	ClarificationContext string `json:"clarification_context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// FunctionCallRequest is a call the model asked for, before execution.
type FunctionCallRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// CallStatus is the lifecycle state of a FunctionCallRecord.
type CallStatus string

const (
	CallPending   CallStatus = "pending"
	CallSucceeded CallStatus = "succeeded"
	CallFailed    CallStatus = "failed"
)

// FunctionErrorKind classifies why a call failed.
type FunctionErrorKind string

const (
	FunctionNotFound        FunctionErrorKind = "function_not_found"
	FunctionValidationError FunctionErrorKind = "validation_error"
	FunctionExecutionError  FunctionErrorKind = "execution_error"
)

// FunctionError is the structured failure attached to a failed call.
type FunctionError struct {
	Kind    FunctionErrorKind `json:"kind"`
	Message string            `json:"message"`
}

func (e *FunctionError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// ErrCallTerminal is returned when a terminal call record is transitioned again.
var ErrCallTerminal = errors.New("function call already terminal")

// FunctionCallRecord tracks one function invocation from request to outcome.
type FunctionCallRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Status    CallStatus     `json:"status"`
	Result    any            `json:"result,omitempty"`
	Error     *FunctionError `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

// NewCallRecord returns a pending record for req.
func NewCallRecord(req FunctionCallRequest) *FunctionCallRecord {
	return &FunctionCallRecord{
		ID:        req.ID,
		Name:      req.Name,
		Arguments: req.Arguments,
		Status:    CallPending,
	}
}

// Terminal returns true once the record has succeeded or failed.
func (r *FunctionCallRecord) Terminal() bool {
	return r.Status == CallSucceeded || r.Status == CallFailed
}

// Succeed moves a pending record to succeeded.
func (r *FunctionCallRecord) Succeed(result any, took time.Duration) error {
	if r.Terminal() {
		return ErrCallTerminal
	}
	r.Status = CallSucceeded
	r.Result = result
	r.Duration = took
	return nil
}

// Fail moves a pending record to failed.
func (r *FunctionCallRecord) Fail(kind FunctionErrorKind, message string, took time.Duration) error {
	if r.Terminal() {
		return ErrCallTerminal
	}
	r.Status = CallFailed
	r.Error = &FunctionError{Kind: kind, Message: message}
	r.Duration = took
	return nil
}

// Content renders the outcome as the text fed back to the model.
func (r *FunctionCallRecord) Content() string {
	var payload any
	if r.Status == CallFailed && r.Error != nil {
		payload = map[string]any{"success": false, "error": r.Error}
	} else {
		payload = map[string]any{"success": true, "data": r.Result}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return `{"success":false,"error":{"kind":"execution_error","message":"unencodable result"}}`
	}
	return string(data)
}
