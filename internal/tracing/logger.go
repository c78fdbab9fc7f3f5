package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return baseLogger
	}
	tc := FromContext(ctx)
	logger := baseLogger

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.RunID != "" {
		logger = logger.With().Str("run_id", tc.RunID).Logger()
	}
	if tc.ProjectKey != "" {
		logger = logger.With().Str("project_key", tc.ProjectKey).Logger()
	}
	if tc.Source != "" {
		logger = logger.With().Str("source", tc.Source).Logger()
	}

	return logger
}
