// Package context carries commit tracing fields through the engine.
package context

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ctxKey int

// Context keys for commit tracing.
const (
	commitIDKey ctxKey = iota
	pipelineKey
	operationKey
	startTimeKey
)

const (
	unknownCommit    = "unknown-commit"
	unknownPipeline  = "unknown-pipeline"
	unknownOperation = "unknown-operation"
)

// WithCommitID adds a commit ID to the context
func WithCommitID(parent context.Context, commitID string) context.Context {
	if commitID == "" {
		commitID = GenerateCommitID()
	}
	return context.WithValue(parent, commitIDKey, commitID)
}

// GetCommitID retrieves the commit ID from context
func GetCommitID(ctx context.Context) string {
	if id, ok := ctx.Value(commitIDKey).(string); ok && id != "" {
		return id
	}
	return unknownCommit
}

// WithPipeline records which display pipeline the operation targets.
func WithPipeline(parent context.Context, pipeline string) context.Context {
	return context.WithValue(parent, pipelineKey, pipeline)
}

// GetPipeline retrieves the pipeline name from context
func GetPipeline(ctx context.Context) string {
	if p, ok := ctx.Value(pipelineKey).(string); ok && p != "" {
		return p
	}
	return unknownPipeline
}

// WithOperation adds an operation name to the context
func WithOperation(parent context.Context, operation string) context.Context {
	return context.WithValue(parent, operationKey, operation)
}

// GetOperation retrieves the operation name from context
func GetOperation(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey).(string); ok && op != "" {
		return op
	}
	return unknownOperation
}

// WithStartTime adds the operation start time to the context
func WithStartTime(parent context.Context, startTime time.Time) context.Context {
	return context.WithValue(parent, startTimeKey, startTime)
}

// GetStartTime retrieves the operation start time from context
func GetStartTime(ctx context.Context) time.Time {
	if t, ok := ctx.Value(startTimeKey).(time.Time); ok {
		return t
	}
	return time.Now()
}

// HasStartTime reports whether WithStartTime was applied.
func HasStartTime(ctx context.Context) bool {
	_, ok := ctx.Value(startTimeKey).(time.Time)
	return ok
}

// GetDuration calculates the duration since the start time in context
func GetDuration(ctx context.Context) time.Duration {
	return time.Since(GetStartTime(ctx))
}

// GenerateCommitID creates a new unique commit ID
func GenerateCommitID() string {
	return "commit_" + uuid.New().String()
}

// EnrichContext stamps a commit ID (unless one is present) and a start time.
func EnrichContext(parent context.Context) context.Context {
	ctx := parent
	if ctx == nil {
		ctx = context.Background()
	}

	if GetCommitID(ctx) == unknownCommit {
		ctx = WithCommitID(ctx, GenerateCommitID())
	}

	return WithStartTime(ctx, time.Now())
}

// TracingFields returns common tracing fields for structured logging
func TracingFields(ctx context.Context) map[string]interface{} {
	return map[string]interface{}{
		"commit_id":   GetCommitID(ctx),
		"pipeline":    GetPipeline(ctx),
		"operation":   GetOperation(ctx),
		"duration_ms": GetDuration(ctx).Milliseconds(),
	}
}
