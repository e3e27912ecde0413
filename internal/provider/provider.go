// Package provider talks to model backends and fails over between them.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gaja-assistant/gaja-server/internal/domain"
	"github.com/gaja-assistant/gaja-server/internal/plugin"
)

// Kind tags the variant held by a Result.
type Kind int

const (
	KindText Kind = iota
	KindFunctionCalls
	KindClarification
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindFunctionCalls:
		return "function_calls"
	case KindClarification:
		return "clarification"
	default:
		return "unknown"
	}
}

// Clarification is a question the model wants answered before continuing.
type Clarification struct {
	Question string `json:"question"`
	Context  string `json:"context,omitempty"`
}

// Result is the normalized outcome of one model call.
type Result struct {
	Kind          Kind
	Text          string
	Calls         []domain.FunctionCallRequest
	Clarification *Clarification
	Provider      string
}

// Request is what every adapter receives.
type Request struct {
	System string
	Turns  []domain.Turn
	Tools  []plugin.Tool
}

// Adapter is a single model backend.
type Adapter interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Result, error)
}

// ErrProviderUnavailable is returned when every adapter in the chain failed
// or was skipped.
var ErrProviderUnavailable = errors.New("no provider available")

// TransientError is a failure worth retrying: timeouts, 5xx, rate limits,
// connection failures.
type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is a failure that retrying cannot fix: auth, malformed request,
// unusable response.
type FatalError struct {
	Provider string
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: fatal: %v", e.Provider, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// statusError classifies an HTTP status from a backend.
func statusError(provider string, status int, body string) error {
	err := fmt.Errorf("status %d: %s", status, body)
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return &TransientError{Provider: provider, Err: err}
	default:
		return &FatalError{Provider: provider, Err: err}
	}
}
