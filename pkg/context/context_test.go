package context_test

import (
	stdctx "context"
	"strings"
	"testing"
	"time"

	"github.com/hwcomposer/kmsatomic/pkg/context"
)

func TestEnrichContext_AssignsCommitID(t *testing.T) {
	ctx := context.EnrichContext(stdctx.Background())

	id := context.GetCommitID(ctx)
	if !strings.HasPrefix(id, "commit_") {
		t.Fatalf("expected generated commit id, got %q", id)
	}

	again := context.EnrichContext(ctx)
	if got := context.GetCommitID(again); got != id {
		t.Errorf("existing commit id should be kept: got %q want %q", got, id)
	}
}

func TestDefaults(t *testing.T) {
	ctx := stdctx.Background()
	if got := context.GetCommitID(ctx); got != "unknown-commit" {
		t.Errorf("GetCommitID = %q", got)
	}
	if got := context.GetPipeline(ctx); got != "unknown-pipeline" {
		t.Errorf("GetPipeline = %q", got)
	}
	if got := context.GetOperation(ctx); got != "unknown-operation" {
		t.Errorf("GetOperation = %q", got)
	}
}

func TestTracingFields(t *testing.T) {
	ctx := context.WithPipeline(stdctx.Background(), "crtc-31")
	ctx = context.WithOperation(ctx, "execute_commit")
	ctx = context.WithCommitID(ctx, "commit_fixed")
	ctx = context.WithStartTime(ctx, time.Now().Add(-50*time.Millisecond))

	fields := context.TracingFields(ctx)
	if fields["pipeline"] != "crtc-31" || fields["operation"] != "execute_commit" || fields["commit_id"] != "commit_fixed" {
		t.Errorf("unexpected tracing fields: %v", fields)
	}
	if ms, _ := fields["duration_ms"].(int64); ms < 50 {
		t.Errorf("expected duration >= 50ms, got %v", fields["duration_ms"])
	}
}

func TestFieldsAreIndependent(t *testing.T) {
	ctx := context.WithPipeline(stdctx.Background(), "crtc-31")
	ctx = context.WithOperation(ctx, "execute_commit")
	ctx = context.EnrichContext(ctx)

	if got := context.GetPipeline(ctx); got != "crtc-31" {
		t.Errorf("GetPipeline = %q, want crtc-31", got)
	}
	if got := context.GetOperation(ctx); got != "execute_commit" {
		t.Errorf("GetOperation = %q, want execute_commit", got)
	}
	if got := context.GetCommitID(ctx); !strings.HasPrefix(got, "commit_") {
		t.Errorf("GetCommitID = %q, want a generated id", got)
	}
	if !context.HasStartTime(ctx) {
		t.Error("expected a start time")
	}
}
