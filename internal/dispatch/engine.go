// Package dispatch runs one user turn: it asks the provider chain for a
// reply, executes requested functions and loops until a terminal outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gaja-assistant/gaja-server/internal/conversation"
	"github.com/gaja-assistant/gaja-server/internal/domain"
	"github.com/gaja-assistant/gaja-server/internal/metrics"
	"github.com/gaja-assistant/gaja-server/internal/plugin"
	"github.com/gaja-assistant/gaja-server/internal/provider"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultLoopCap bounds function execution cycles per user turn.
	DefaultLoopCap = 5
	// DefaultTurnTimeout bounds a whole user turn.
	DefaultTurnTimeout = 30 * time.Second
	// DefaultMaxParallel bounds concurrently running calls of one batch.
	DefaultMaxParallel = 8

	// FallbackAnswer is sent when the model keeps requesting functions.
	FallbackAnswer = "I could not complete this request"
	// ApologyAnswer is sent when no provider could be reached.
	ApologyAnswer = "Sorry, I can't reach my language services right now. Please try again in a moment."
)

// ErrLoopBudgetExceeded is attached to the outcome of a turn that hit the loop cap.
var ErrLoopBudgetExceeded = errors.New("function loop budget exceeded")

// OutcomeKind is the terminal state of a user turn.
type OutcomeKind string

const (
	OutcomeAnswer        OutcomeKind = "answer"
	OutcomeClarification OutcomeKind = "clarification"
	OutcomeApology       OutcomeKind = "apology"
)

// Outcome is the single terminal result of a user turn.
type Outcome struct {
	Kind          OutcomeKind
	Text          string
	Clarification *domain.ClarificationRequest
	Provider      string
	Cycles        int
	// Err is the internal cause of a fallback or apology. Never sent to users.
	Err error
}

// Input is one user utterance.
type Input struct {
	UserID    string
	SessionID string
	Text      string
	// Context holds facts sent by the client with the query, such as user_name.
	Context map[string]any
}

// Completer is the provider chain.
type Completer interface {
	Complete(ctx context.Context, window []domain.Turn, catalog *plugin.Catalog, facts map[string]any) (*provider.Result, error)
}

// CatalogSource builds the function catalog of a user.
type CatalogSource interface {
	Build(ctx context.Context, userID string) (*plugin.Catalog, error)
}

// Conversation is the append-only turn store.
type Conversation interface {
	Append(ctx context.Context, turn domain.Turn) (domain.Turn, error)
	Window(ctx context.Context, userID string, limit int) ([]domain.Turn, error)
}

// Recorder observes every appended turn, for transcripts.
type Recorder interface {
	RecordTurn(sessionID string, turn domain.Turn)
}

// Config tunes the engine.
type Config struct {
	WindowSize  int
	LoopCap     int
	TurnTimeout time.Duration
	MaxParallel int
}

// Engine runs user turns. It is safe for concurrent use across users; turns
// of the same user must be serialized by the caller.
type Engine struct {
	chain    Completer
	catalogs CatalogSource
	conv     Conversation
	recorder Recorder
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer

	mu      sync.Mutex
	pending map[string]*domain.ClarificationRequest
}

// NewEngine creates an engine.
func NewEngine(chain Completer, catalogs CatalogSource, conv Conversation, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = conversation.DefaultWindowSize
	}
	if cfg.LoopCap <= 0 {
		cfg.LoopCap = DefaultLoopCap
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	return &Engine{
		chain:    chain,
		catalogs: catalogs,
		conv:     conv,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/gaja-assistant/gaja-server/internal/dispatch"),
		pending:  make(map[string]*domain.ClarificationRequest),
	}
}

// SetRecorder installs a transcript recorder. Call before the first turn.
func (e *Engine) SetRecorder(r Recorder) {
	e.recorder = r
}

// Pending returns the unanswered clarification of a user, if any.
func (e *Engine) Pending(userID string) *domain.ClarificationRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	if req, ok := e.pending[userID]; ok {
		cp := *req
		return &cp
	}
	return nil
}

func (e *Engine) takePending(userID string) *domain.ClarificationRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	req := e.pending[userID]
	delete(e.pending, userID)
	return req
}

func (e *Engine) setPending(userID string, req *domain.ClarificationRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[userID] = req
}

// Forget drops per-user state held by the engine.
func (e *Engine) Forget(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, userID)
}

// Handle runs one user turn to its terminal outcome. It always returns
// exactly one outcome; internal failures become an apology.
func (e *Engine) Handle(ctx context.Context, in Input) Outcome {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.TurnTimeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "dispatch.turn", trace.WithAttributes(
		attribute.String("user.id", in.UserID),
		attribute.String("session.id", in.SessionID),
	))
	defer span.End()

	start := time.Now()
	out := e.run(ctx, in)

	metrics.TurnsTotal.WithLabelValues(string(out.Kind)).Inc()
	metrics.TurnDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("outcome", string(out.Kind)),
		attribute.Int("cycles", out.Cycles),
		attribute.String("provider", out.Provider),
	)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, string(out.Kind))
	}
	return out
}

func (e *Engine) run(ctx context.Context, in Input) Outcome {
	userTurn := domain.Turn{UserID: in.UserID, Role: domain.RoleUser, Content: in.Text}
	resolving := e.takePending(in.UserID)
	if resolving != nil {
		userTurn.ClarificationContext = resolving.Question
	}
	if _, err := e.append(ctx, in.SessionID, userTurn); err != nil {
		return e.apologize(ctx, in, 0, fmt.Errorf("append user turn: %w", err))
	}

	catalog, err := e.catalogs.Build(ctx, in.UserID)
	if err != nil {
		return e.apologize(ctx, in, 0, fmt.Errorf("build catalog: %w", err))
	}
	if resolving != nil {
		catalog = catalog.WithoutClarification()
	}

	for cycles := 0; ; {
		window, err := e.conv.Window(ctx, in.UserID, e.cfg.WindowSize)
		if err != nil {
			return e.apologize(ctx, in, cycles, fmt.Errorf("read window: %w", err))
		}

		res, err := e.chain.Complete(ctx, window, catalog, in.Context)
		if err != nil {
			return e.apologize(ctx, in, cycles, err)
		}

		switch res.Kind {
		case provider.KindText:
			return e.answer(ctx, in, res.Text, res.Provider, cycles, nil)

		case provider.KindClarification:
			if resolving != nil {
				// At most one clarification per ambiguity; the question ends the turn as an answer.
				e.logger.Warn("Provider asked again while resolving a clarification",
					"user_id", in.UserID, "provider", res.Provider)
				return e.answer(ctx, in, res.Clarification.Question, res.Provider, cycles, nil)
			}
			return e.clarify(ctx, in, res, cycles)

		case provider.KindFunctionCalls:
			if cycles >= e.cfg.LoopCap {
				metrics.LoopCapExceeded.Inc()
				e.logger.Warn("Function loop cap reached, sending fallback answer",
					"user_id", in.UserID, "cycles", cycles, "cap", e.cfg.LoopCap)
				return e.answer(ctx, in, FallbackAnswer, res.Provider, cycles, ErrLoopBudgetExceeded)
			}
			cycles++
			if err := e.executeBatch(ctx, in, catalog, res); err != nil {
				return e.apologize(ctx, in, cycles, err)
			}

		default:
			return e.apologize(ctx, in, cycles, fmt.Errorf("unknown result kind %s", res.Kind))
		}
	}
}

func (e *Engine) answer(ctx context.Context, in Input, text, providerName string, cycles int, cause error) Outcome {
	if _, err := e.append(ctx, in.SessionID, domain.Turn{UserID: in.UserID, Role: domain.RoleAssistant, Content: text}); err != nil {
		e.logger.Error("Failed to store assistant turn", "user_id", in.UserID, "error", err)
	}
	return Outcome{Kind: OutcomeAnswer, Text: text, Provider: providerName, Cycles: cycles, Err: cause}
}

func (e *Engine) apologize(ctx context.Context, in Input, cycles int, cause error) Outcome {
	e.logger.Warn("Turn ended with apology", "user_id", in.UserID, "cycles", cycles, "error", cause)
	if _, err := e.append(ctx, in.SessionID, domain.Turn{UserID: in.UserID, Role: domain.RoleAssistant, Content: ApologyAnswer}); err != nil {
		e.logger.Error("Failed to store apology turn", "user_id", in.UserID, "error", err)
	}
	return Outcome{Kind: OutcomeApology, Text: ApologyAnswer, Cycles: cycles, Err: cause}
}

func (e *Engine) clarify(ctx context.Context, in Input, res *provider.Result, cycles int) Outcome {
	turn, err := e.append(ctx, in.SessionID, domain.Turn{
		UserID:  in.UserID,
		Role:    domain.RoleAssistant,
		Content: res.Clarification.Question,
		Marker:  domain.MarkerClarification,
	})
	if err != nil {
		return e.apologize(ctx, in, cycles, fmt.Errorf("append clarification: %w", err))
	}

	req := &domain.ClarificationRequest{
		Question:  res.Clarification.Question,
		Context:   res.Clarification.Context,
		TurnID:    turn.ID,
		CreatedAt: turn.CreatedAt,
	}
	e.setPending(in.UserID, req)
	e.logger.Info("Clarification requested", "user_id", in.UserID, "provider", res.Provider)
	return Outcome{Kind: OutcomeClarification, Text: req.Question, Clarification: req, Provider: res.Provider, Cycles: cycles}
}

// executeBatch records the requested calls, runs them and appends one
// function_result turn per call in request order.
func (e *Engine) executeBatch(ctx context.Context, in Input, catalog *plugin.Catalog, res *provider.Result) error {
	if _, err := e.append(ctx, in.SessionID, domain.Turn{
		UserID:  in.UserID,
		Role:    domain.RoleAssistant,
		Content: strings.TrimSpace(res.Text),
		Calls:   res.Calls,
	}); err != nil {
		return fmt.Errorf("append function request: %w", err)
	}

	records := e.execute(ctx, catalog, res.Calls)

	for _, rec := range records {
		if _, err := e.append(ctx, in.SessionID, domain.Turn{
			UserID:  in.UserID,
			Role:    domain.RoleFunctionResult,
			Content: rec.Content(),
			Call:    rec,
		}); err != nil {
			return fmt.Errorf("append function result: %w", err)
		}
	}
	return nil
}

// execute runs a batch. Independent calls run concurrently, at most
// MaxParallel at a time; a call that references an earlier call waits for it
// and receives its result. Dependencies always point backwards, so a waiting
// call never holds the slot its dependency needs.
func (e *Engine) execute(ctx context.Context, catalog *plugin.Catalog, calls []domain.FunctionCallRequest) []*domain.FunctionCallRecord {
	ctx, span := e.tracer.Start(ctx, "dispatch.execute", trace.WithAttributes(attribute.Int("calls", len(calls))))
	defer span.End()

	deps := dependencies(calls)
	records := make([]*domain.FunctionCallRecord, len(calls))
	done := make([]chan struct{}, len(calls))
	for i := range done {
		done[i] = make(chan struct{})
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxParallel)
	for i, call := range calls {
		g.Go(func() error {
			defer close(done[i])

			var inputs []resolved
			for _, j := range deps[i] {
				<-done[j]
				inputs = append(inputs, resolved{call: calls[j], record: records[j]})
			}
			records[i] = e.executeOne(ctx, catalog, call, inputs)
			return nil
		})
	}
	// Failures are carried by the records.
	_ = g.Wait()
	return records
}

func (e *Engine) executeOne(ctx context.Context, catalog *plugin.Catalog, call domain.FunctionCallRequest, inputs []resolved) *domain.FunctionCallRecord {
	for _, in := range inputs {
		if in.record.Status == domain.CallFailed {
			rec := domain.NewCallRecord(call)
			_ = rec.Fail(domain.FunctionExecutionError, fmt.Sprintf("depends on failed call %s (%s)", in.call.ID, in.call.Name), 0)
			e.observe(rec)
			return rec
		}
	}
	if len(inputs) > 0 {
		if args, ok := substitute(call.Arguments, inputs).(map[string]any); ok {
			call.Arguments = args
		}
	}

	ctx, span := e.tracer.Start(ctx, "dispatch.function", trace.WithAttributes(
		attribute.String("function", call.Name),
		attribute.String("call.id", call.ID),
	))
	defer span.End()

	rec := catalog.Execute(ctx, call)
	if err := plugin.RecordError(rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(rec.Error.Kind))
		e.logger.Info("Function call failed", "function", call.Name, "call_id", call.ID, "error", err)
	}
	e.observe(rec)
	return rec
}

func (e *Engine) observe(rec *domain.FunctionCallRecord) {
	metrics.FunctionCalls.WithLabelValues(metrics.PluginOf(rec.Name), string(rec.Status)).Inc()
	metrics.FunctionLatency.Observe(rec.Duration.Seconds())
}

// append stores a turn. Turns are persisted even after the turn budget
// expires so the conversation never holds a call without its result.
func (e *Engine) append(ctx context.Context, sessionID string, turn domain.Turn) (domain.Turn, error) {
	stored, err := e.conv.Append(context.WithoutCancel(ctx), turn)
	if err != nil {
		return domain.Turn{}, err
	}
	if e.recorder != nil {
		e.recorder.RecordTurn(sessionID, stored)
	}
	return stored, nil
}
