package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for a connector or migration run ID
	RunIDKey ContextKey = "run_id"
	// ProjectKeyKey is the context key for the project key
	ProjectKeyKey ContextKey = "project_key"
	// SourceKey is the context key for the memory source
	SourceKey ContextKey = "source"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID    string
	RunID      string
	ProjectKey string
	Source     string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithProjectKey adds a project key to the context
func WithProjectKey(ctx context.Context, projectKey string) context.Context {
	return context.WithValue(ctx, ProjectKeyKey, projectKey)
}

// WithSource adds a memory source to the context
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, SourceKey, source)
}

func getString(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return getString(ctx, TraceIDKey)
}

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string {
	return getString(ctx, RunIDKey)
}

// GetProjectKey retrieves the project key from the context
func GetProjectKey(ctx context.Context) string {
	return getString(ctx, ProjectKeyKey)
}

// GetSource retrieves the memory source from the context
func GetSource(ctx context.Context) string {
	return getString(ctx, SourceKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		RunID:      GetRunID(ctx),
		ProjectKey: GetProjectKey(ctx),
		Source:     GetSource(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RunID != "" {
		ctx = WithRunID(ctx, tc.RunID)
	}
	if tc.ProjectKey != "" {
		ctx = WithProjectKey(ctx, tc.ProjectKey)
	}
	if tc.Source != "" {
		ctx = WithSource(ctx, tc.Source)
	}
	return ctx
}

// NewRunContext starts a new run (connector sync or migration) for a project
// while keeping any trace ID already present.
func NewRunContext(ctx context.Context, projectKey string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithRunID(ctx, NewRunID())
	return WithProjectKey(ctx, projectKey)
}

// Detach returns a background context carrying the same tracing values.
// Used for work that must outlive the caller, such as async ingestion.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
