package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewIDs(t *testing.T) {
	assert.NotEmpty(t, NewTraceID())
	assert.NotEqual(t, NewTraceID(), NewTraceID())
	assert.NotEqual(t, NewRunID(), NewRunID())
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithProjectKey(ctx, "ACME")
	ctx = WithSource(ctx, "email")

	tc := FromContext(ctx)
	assert.Equal(t, &TraceContext{TraceID: "trace-1", RunID: "run-1", ProjectKey: "ACME", Source: "email"}, tc)

	rebuilt := NewContext(context.Background(), tc)
	assert.Equal(t, tc, FromContext(rebuilt))
}

func TestGetters_Empty(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetRunID(ctx))
	assert.Empty(t, GetProjectKey(ctx))
	assert.Empty(t, GetSource(ctx))
}

func TestNewRunContext(t *testing.T) {
	t.Run("keeps existing trace id", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "trace-1")
		ctx = NewRunContext(ctx, "ACME")

		assert.Equal(t, "trace-1", GetTraceID(ctx))
		assert.NotEmpty(t, GetRunID(ctx))
		assert.Equal(t, "ACME", GetProjectKey(ctx))
	})

	t.Run("creates trace id", func(t *testing.T) {
		ctx := NewRunContext(context.Background(), "ACME")
		assert.NotEmpty(t, GetTraceID(ctx))
	})
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithCancel(WithProjectKey(context.Background(), "ACME"))
	detached := Detach(parent)
	cancel()

	assert.Error(t, parent.Err())
	assert.NoError(t, detached.Err())
	assert.Equal(t, "ACME", GetProjectKey(detached))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithProjectKey(WithTraceID(context.Background(), "trace-1"), "ACME")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"trace-1"`)
	assert.Contains(t, out, `"project_key":"ACME"`)
	assert.NotContains(t, out, "run_id")
}
