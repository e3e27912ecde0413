package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gaja-assistant/gaja-server/internal/domain"
	"github.com/gaja-assistant/gaja-server/internal/metrics"
	"github.com/gaja-assistant/gaja-server/internal/plugin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultSystemPrompt is sent to every provider unless overridden.
const DefaultSystemPrompt = "You are Gaja, a voice assistant. Answer briefly in plain sentences suitable for speech. " +
	"Use the available functions when they help. If the request is ambiguous, call ask_for_clarification instead of guessing."

// ChainConfig controls retries, timeouts and circuit breaking.
type ChainConfig struct {
	CallTimeout      time.Duration
	RetryAttempts    int
	RetryInitial     time.Duration
	FailureThreshold int
	CoolDown         time.Duration
	SystemPrompt     string
	OnStateChange    StateListener
}

type member struct {
	adapter Adapter
	health  HealthTracker
}

// Chain tries adapters in order until one produces a usable result.
type Chain struct {
	members []member
	cfg     ChainConfig
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewChain builds a chain over adapters, highest priority first.
func NewChain(adapters []Adapter, cfg ChainConfig, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 2
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 250 * time.Millisecond
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}

	listener := func(name string, state domain.CircuitState) {
		metrics.CircuitState.WithLabelValues(name).Set(float64(state))
		logger.Warn("Provider circuit changed", "provider", name, "state", state.String())
		if cfg.OnStateChange != nil {
			cfg.OnStateChange(name, state)
		}
	}

	c := &Chain{
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("github.com/gaja-assistant/gaja-server/internal/provider"),
		now:    time.Now,
	}
	for _, a := range adapters {
		c.members = append(c.members, member{
			adapter: a,
			health:  NewCircuit(a.Name(), cfg.FailureThreshold, cfg.CoolDown, listener),
		})
		metrics.CircuitState.WithLabelValues(a.Name()).Set(float64(domain.CircuitClosed))
	}
	return c
}

// Complete sends the window and the catalog's tools to the first healthy
// adapter, failing over on error. Facts sent by the client are appended to
// the system prompt. It returns ErrProviderUnavailable when no adapter
// succeeds.
func (c *Chain) Complete(ctx context.Context, window []domain.Turn, catalog *plugin.Catalog, facts map[string]any) (*Result, error) {
	req := &Request{System: withFacts(c.cfg.SystemPrompt, facts), Turns: sanitize(window)}
	if catalog != nil {
		req.Tools = catalog.Tools()
	}

	var errs []error
	for _, m := range c.members {
		name := m.adapter.Name()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, ctx.Err())
		}
		if !m.health.Allow(c.now()) {
			metrics.ProviderRequests.WithLabelValues(name, "skipped").Inc()
			c.logger.Debug("Skipping provider with open circuit", "provider", name)
			continue
		}

		res, err := c.attempt(ctx, m, req)
		if err == nil {
			m.health.RecordSuccess(c.now())
			res.Provider = name
			return res, nil
		}
		if ctx.Err() != nil {
			m.health.Abandon()
			return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, ctx.Err())
		}

		c.logger.Warn("Provider failed, failing over", "provider", name, "error", err)
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: all circuits open", ErrProviderUnavailable)
	}
	return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, errors.Join(errs...))
}

// attempt calls one adapter, retrying transient failures with exponential
// backoff. Each try gets its own timeout and every failed try counts against
// the adapter's circuit. Retries stop once the circuit opens.
func (c *Chain) attempt(ctx context.Context, m member, req *Request) (*Result, error) {
	a := m.adapter
	name := a.Name()
	ctx, span := c.tracer.Start(ctx, "provider.complete", trace.WithAttributes(
		attribute.String("provider", name),
		attribute.Int("window.turns", len(req.Turns)),
		attribute.Int("tools", len(req.Tools)),
	))
	defer span.End()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.RetryInitial
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.cfg.RetryAttempts-1)), ctx)

	var result *Result
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()

		start := time.Now()
		res, err := a.Complete(callCtx, req)
		metrics.ProviderLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.ProviderRequests.WithLabelValues(name, "success").Inc()
			result = res
			return nil
		}
		if ctx.Err() != nil {
			// The caller gave up; that says nothing about the provider.
			return backoff.Permanent(err)
		}
		m.health.RecordFailure(c.now())
		if IsFatal(err) {
			metrics.ProviderRequests.WithLabelValues(name, "fatal").Inc()
			return backoff.Permanent(err)
		}
		metrics.ProviderRequests.WithLabelValues(name, "transient").Inc()
		var te *TransientError
		if !errors.As(err, &te) {
			err = &TransientError{Provider: name, Err: err}
		}
		if m.health.Snapshot().State == domain.CircuitOpen {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("Retrying provider", "provider", name, "error", err, "wait", wait)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("result.kind", result.Kind.String()))
	return result, nil
}

// maxFacts bounds how many client facts reach the prompt.
const maxFacts = 16

// withFacts renders client-supplied context as sorted key: value lines under
// the system prompt. Nested values are skipped.
func withFacts(system string, facts map[string]any) string {
	keys := make([]string, 0, len(facts))
	for k, v := range facts {
		switch v.(type) {
		case string, bool, float64, int, int64:
			if strings.TrimSpace(k) != "" {
				keys = append(keys, k)
			}
		}
	}
	if len(keys) == 0 {
		return system
	}
	sort.Strings(keys)
	if len(keys) > maxFacts {
		keys = keys[:maxFacts]
	}

	var b strings.Builder
	b.WriteString(system)
	b.WriteString("\n\nFacts provided by the user's device:")
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s: %v", k, facts[k])
	}
	return b.String()
}

// Snapshot returns the health of every adapter in chain order.
func (c *Chain) Snapshot() []domain.ProviderHealthState {
	out := make([]domain.ProviderHealthState, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m.health.Snapshot())
	}
	return out
}

// Names returns adapter names in chain order.
func (c *Chain) Names() []string {
	out := make([]string, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m.adapter.Name())
	}
	return out
}
