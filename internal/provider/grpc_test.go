package provider

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gaja-assistant/gaja-server/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type sidecarFunc func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func (f sidecarFunc) Complete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return f(ctx, req)
}

func startSidecar(t *testing.T, impl CompletionServer) *GRPCAdapter {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterCompletionServer(srv, impl)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	a, err := NewGRPCAdapter("sidecar", "passthrough:///bufnet", nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestGRPCAdapterRoundTrip(t *testing.T) {
	t.Parallel()

	var seen sidecarRequest
	a := startSidecar(t, sidecarFunc(func(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		if err := fromStruct(req, &seen); err != nil {
			return nil, err
		}
		return structpb.NewStruct(map[string]any{
			"text": "",
			"calls": []any{map[string]any{
				"id": "c1", "name": "core_echo", "arguments": map[string]any{"text": "hi"},
			}},
		})
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.WaitReady(ctx))

	res, err := a.Complete(ctx, &Request{System: "sys", Turns: conversationWithCall()})
	require.NoError(t, err)
	require.Equal(t, KindFunctionCalls, res.Kind)
	assert.Equal(t, "c1", res.Calls[0].ID)
	assert.Equal(t, "hi", res.Calls[0].Arguments["text"])

	assert.Equal(t, "sys", seen.System)
	require.Len(t, seen.Turns, 3)
	assert.Equal(t, string(domain.RoleFunctionResult), seen.Turns[2].Role)
	assert.Equal(t, "call_1", seen.Turns[2].CallID)
}

func TestGRPCAdapterClarification(t *testing.T) {
	t.Parallel()
	a := startSidecar(t, sidecarFunc(func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]any{
			"clarification": map[string]any{"question": "Which light?", "context": "lights"},
		})
	}))

	res, err := a.Complete(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, KindClarification, res.Kind)
	assert.Equal(t, "Which light?", res.Clarification.Question)
}

func TestGRPCAdapterErrorCodes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code  codes.Code
		fatal bool
	}{
		{codes.Unauthenticated, true},
		{codes.InvalidArgument, true},
		{codes.Unavailable, false},
		{codes.ResourceExhausted, false},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			t.Parallel()
			a := startSidecar(t, sidecarFunc(func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
				return nil, status.Error(tt.code, "boom")
			}))
			_, err := a.Complete(context.Background(), &Request{})
			require.Error(t, err)
			assert.Equal(t, tt.fatal, IsFatal(err))
		})
	}
}
