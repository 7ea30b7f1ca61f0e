package logger

import (
	"context"

	pcontext "github.com/hwcomposer/kmsatomic/pkg/context"
)

// TraceFields returns the commit tracing fields carried by ctx: commit id,
// operation and, when a start time was stamped, the elapsed milliseconds.
func TraceFields(ctx context.Context) []Field {
	if ctx == nil {
		return nil
	}

	var fields []Field
	if id := pcontext.GetCommitID(ctx); id != "unknown-commit" {
		fields = append(fields, WithField("commit_id", id))
	}
	if op := pcontext.GetOperation(ctx); op != "unknown-operation" {
		fields = append(fields, WithField("operation", op))
	}
	if pcontext.HasStartTime(ctx) {
		fields = append(fields, WithField("duration_ms", pcontext.GetDuration(ctx).Milliseconds()))
	}
	return fields
}

// WithContext returns a logger that prefixes every entry with the tracing
// fields of ctx. Duration is evaluated per entry.
func WithContext(ctx context.Context, logger Logger) Logger {
	if ctx == nil {
		return logger
	}
	return &contextualLogger{ctx: ctx, logger: logger}
}

type contextualLogger struct {
	ctx    context.Context
	logger Logger
}

func (cl *contextualLogger) fields(extra []Field) []Field {
	return append(TraceFields(cl.ctx), extra...)
}

func (cl *contextualLogger) Info(message string, fields ...Field) {
	cl.logger.Info(message, cl.fields(fields)...)
}

func (cl *contextualLogger) Error(message string, fields ...Field) {
	cl.logger.Error(message, cl.fields(fields)...)
}

func (cl *contextualLogger) Warn(message string, fields ...Field) {
	cl.logger.Warn(message, cl.fields(fields)...)
}

func (cl *contextualLogger) Debug(message string, fields ...Field) {
	cl.logger.Debug(message, cl.fields(fields)...)
}

func (cl *contextualLogger) Success(message string, fields ...Field) {
	cl.logger.Success(message, cl.fields(fields)...)
}

func (cl *contextualLogger) WithPipeline(pipeline string) Logger {
	return &contextualLogger{ctx: cl.ctx, logger: cl.logger.WithPipeline(pipeline)}
}
