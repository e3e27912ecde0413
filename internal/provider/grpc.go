package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gaja-assistant/gaja-server/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Completion service exposed by a model sidecar. Payloads are
// google.protobuf.Struct so the sidecar needs no generated stubs.
const (
	completionService = "gaja.provider.v1.Completion"
	completionMethod  = "/" + completionService + "/Complete"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCAdapter calls a model sidecar over gRPC.
type GRPCAdapter struct {
	name   string
	addr   string
	conn   *grpc.ClientConn
	logger *slog.Logger
}

// NewGRPCAdapter creates a client for the sidecar at target. No network I/O
// happens until the first call.
func NewGRPCAdapter(name, target string, logger *slog.Logger, opts ...grpc.DialOption) (*GRPCAdapter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                2 * time.Minute,
		Timeout:             10 * time.Second,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("create grpc client for %s: %w", target, err)
	}
	return &GRPCAdapter{name: name, addr: target, conn: conn, logger: logger}, nil
}

// Name implements Adapter.
func (a *GRPCAdapter) Name() string { return a.name }

// WaitReady blocks until the connection is ready or ctx ends.
func (a *GRPCAdapter) WaitReady(ctx context.Context) error {
	for {
		state := a.conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			a.conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !a.conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (a *GRPCAdapter) Close() {
	if err := a.conn.Close(); err != nil {
		a.logger.Warn("failed to close gRPC connection", "provider", a.name, "error", err)
	}
}

type sidecarTurn struct {
	Role      string                       `json:"role"`
	Content   string                       `json:"content"`
	Calls     []domain.FunctionCallRequest `json:"calls,omitempty"`
	CallID    string                       `json:"call_id,omitempty"`
	CallName  string                       `json:"call_name,omitempty"`
	Result    map[string]any               `json:"result,omitempty"`
	Clarifies string                       `json:"clarifies,omitempty"`
}

type sidecarTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type sidecarRequest struct {
	System string        `json:"system"`
	Turns  []sidecarTurn `json:"turns"`
	Tools  []sidecarTool `json:"tools"`
}

type sidecarResponse struct {
	Text          string                       `json:"text"`
	Calls         []domain.FunctionCallRequest `json:"calls"`
	Clarification *Clarification               `json:"clarification"`
}

// toStruct converts v to a Struct via JSON so nested slices of any element
// type are accepted.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func buildSidecarRequest(req *Request) sidecarRequest {
	out := sidecarRequest{System: req.System, Turns: []sidecarTurn{}, Tools: []sidecarTool{}}
	for _, t := range req.Turns {
		st := sidecarTurn{Role: string(t.Role), Content: t.Content, Calls: t.Calls, Clarifies: t.ClarificationContext}
		if t.Call != nil {
			st.CallID = t.Call.ID
			st.CallName = t.Call.Name
			st.Result = resultPayload(t)
		}
		out.Turns = append(out.Turns, st)
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, sidecarTool(tool))
	}
	return out
}

// Complete implements Adapter.
func (a *GRPCAdapter) Complete(ctx context.Context, req *Request) (*Result, error) {
	in, err := toStruct(buildSidecarRequest(req))
	if err != nil {
		return nil, &FatalError{Provider: a.name, Err: fmt.Errorf("encode request: %w", err)}
	}

	out := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, completionMethod, in, out); err != nil {
		return nil, grpcError(a.name, err)
	}

	var resp sidecarResponse
	if err := fromStruct(out, &resp); err != nil {
		return nil, &FatalError{Provider: a.name, Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.Clarification != nil && resp.Clarification.Question != "" {
		return &Result{Kind: KindClarification, Clarification: resp.Clarification}, nil
	}
	return normalize(a.name, resp.Text, resp.Calls)
}

func grpcError(provider string, err error) error {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.Unauthenticated, codes.PermissionDenied,
		codes.Unimplemented, codes.NotFound, codes.FailedPrecondition:
		return &FatalError{Provider: provider, Err: err}
	default:
		return &TransientError{Provider: provider, Err: err}
	}
}

// CompletionServer is implemented by model sidecars.
type CompletionServer interface {
	Complete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterCompletionServer registers impl on s under the completion service.
func RegisterCompletionServer(s *grpc.Server, impl CompletionServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: completionService,
		HandlerType: (*CompletionServer)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Complete",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(CompletionServer).Complete(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: completionMethod}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(CompletionServer).Complete(ctx, req.(*structpb.Struct))
				}
				return interceptor(ctx, in, info, handler)
			},
		}},
	}, impl)
}
