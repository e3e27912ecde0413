package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gaja-assistant/gaja-server/internal/domain"
)

// DefaultExecTimeout bounds a single plugin invocation.
const DefaultExecTimeout = 10 * time.Second

type entry struct {
	plugin   Plugin
	pluginID string
	schema   FunctionSchema
}

// Catalog is an immutable snapshot of the functions available to one user.
type Catalog struct {
	userID  string
	key     string
	entries map[string]entry
	tools   []Tool
	timeout time.Duration
	logger  *slog.Logger
}

// QualifiedName namespaces a plugin function as <plugin>_<function>.
func QualifiedName(pluginName, function string) string {
	return pluginName + "_" + function
}

func newCatalog(userID, key string, plugins []Plugin, timeout time.Duration, logger *slog.Logger) *Catalog {
	c := &Catalog{
		userID:  userID,
		key:     key,
		entries: make(map[string]entry),
		timeout: timeout,
		logger:  logger,
	}
	for _, p := range plugins {
		desc := p.Descriptor()
		for _, fn := range desc.Functions {
			name := QualifiedName(desc.Name, fn.Name)
			c.entries[name] = entry{plugin: p, pluginID: desc.Name, schema: fn}
			c.tools = append(c.tools, Tool{
				Name:        name,
				Description: fn.Description,
				Parameters:  fn.JSONSchema(),
			})
		}
	}
	c.tools = append(c.tools, ClarificationTool())
	return c
}

// UserID returns the user the catalog was built for.
func (c *Catalog) UserID() string { return c.userID }

// Key identifies the snapshot.
func (c *Catalog) Key() string { return c.key }

// Tools returns the functions to advertise to a model, including the
// clarification control function.
func (c *Catalog) Tools() []Tool {
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// WithoutClarification returns a view of the catalog that does not advertise
// the clarification function. Used for the turn that answers a question.
func (c *Catalog) WithoutClarification() *Catalog {
	view := *c
	view.tools = make([]Tool, 0, len(c.tools))
	for _, t := range c.tools {
		if t.Name != ClarificationFunction {
			view.tools = append(view.tools, t)
		}
	}
	return &view
}

// Has reports whether name resolves to a plugin function.
func (c *Catalog) Has(name string) bool {
	_, ok := c.entries[name]
	return ok
}

// Len returns the number of plugin functions.
func (c *Catalog) Len() int { return len(c.entries) }

// Execute validates and runs one call. Failures are reported in the returned
// record and never as a Go error or panic.
func (c *Catalog) Execute(ctx context.Context, req domain.FunctionCallRequest) *domain.FunctionCallRecord {
	rec := domain.NewCallRecord(req)
	start := time.Now()

	e, ok := c.entries[req.Name]
	if !ok {
		c.logger.Warn("Model requested unknown function", "user_id", c.userID, "function", req.Name)
		_ = rec.Fail(domain.FunctionNotFound, fmt.Sprintf("function %q is not available", req.Name), time.Since(start))
		return rec
	}

	args, err := validateArgs(e.schema, req.Arguments)
	if err != nil {
		_ = rec.Fail(domain.FunctionValidationError, err.Error(), time.Since(start))
		return rec
	}
	rec.Arguments = args

	res, err := c.invoke(ctx, e, args)
	took := time.Since(start)
	switch {
	case err != nil:
		c.logger.Warn("Plugin function failed", "user_id", c.userID, "function", req.Name, "error", err, "duration", took)
		_ = rec.Fail(domain.FunctionExecutionError, err.Error(), took)
	case !res.Success:
		msg := res.Error
		if msg == "" {
			msg = "plugin reported failure"
		}
		_ = rec.Fail(domain.FunctionExecutionError, msg, took)
	default:
		_ = rec.Succeed(res.Data, took)
	}
	return rec
}

type outcome struct {
	res Result
	err error
}

func (c *Catalog) invoke(ctx context.Context, e entry, args map[string]any) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("plugin %s panicked: %v", e.pluginID, r)}
			}
		}()
		res, err := e.plugin.Execute(ctx, e.schema.Name, args, c.userID)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("plugin %s timed out after %s", e.pluginID, c.timeout)
		}
		return Result{}, ctx.Err()
	}
}

// RecordError maps a failed record to the matching sentinel error.
// It returns nil for records that did not fail.
func RecordError(rec *domain.FunctionCallRecord) error {
	if rec == nil || rec.Status != domain.CallFailed || rec.Error == nil {
		return nil
	}
	switch rec.Error.Kind {
	case domain.FunctionNotFound:
		return fmt.Errorf("%w: %s", ErrFunctionNotFound, rec.Name)
	case domain.FunctionValidationError:
		return fmt.Errorf("%w: %s: %s", ErrFunctionValidation, rec.Name, rec.Error.Message)
	default:
		return fmt.Errorf("%w: %s: %s", ErrFunctionExecution, rec.Name, rec.Error.Message)
	}
}
