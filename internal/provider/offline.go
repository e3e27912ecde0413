package provider

import (
	"context"
)

const offlineReply = "I can't reach my language services right now. Please try again in a moment."

// OfflineAdapter always answers with a fixed message. Placed last in the
// chain it keeps the assistant responsive without any backend.
type OfflineAdapter struct {
	name  string
	reply string
}

// NewOfflineAdapter creates an offline adapter. An empty reply uses the default.
func NewOfflineAdapter(name, reply string) *OfflineAdapter {
	if reply == "" {
		reply = offlineReply
	}
	return &OfflineAdapter{name: name, reply: reply}
}

// Name implements Adapter.
func (a *OfflineAdapter) Name() string { return a.name }

// Complete implements Adapter.
func (a *OfflineAdapter) Complete(ctx context.Context, _ *Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransientError{Provider: a.name, Err: err}
	}
	return &Result{Kind: KindText, Text: a.reply}, nil
}
