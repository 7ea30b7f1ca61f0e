package logger_test

import (
	"bytes"
	stdctx "context"
	"errors"
	"strings"
	"testing"
	"time"

	pcontext "github.com/hwcomposer/kmsatomic/pkg/context"
	"github.com/hwcomposer/kmsatomic/pkg/logger"
)

func TestCreateLogger(t *testing.T) {
	log := logger.CreateLogger("", "info")
	if log == nil {
		t.Fatal("expected logger to be created")
	}
}

func TestCreateLogger_Levels(t *testing.T) {
	tests := []struct {
		level    string
		visible  []string
		filtered []string
	}{
		{"debug", []string{"DEBUG", "INFO", "WARN", "ERROR"}, nil},
		{"info", []string{"INFO", "WARN", "ERROR"}, []string{"DEBUG"}},
		{"warn", []string{"WARN", "ERROR"}, []string{"DEBUG", "INFO"}},
		{"error", []string{"ERROR"}, []string{"DEBUG", "INFO", "WARN"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			log := logger.CreateLoggerWithOutput("", tt.level, &buf)

			log.Debug("m")
			log.Info("m")
			log.Warn("m")
			log.Error("m")

			output := buf.String()
			for _, want := range tt.visible {
				if !strings.Contains(output, want+": ") {
					t.Errorf("expected %s line at level %s", want, tt.level)
				}
			}
			for _, skip := range tt.filtered {
				if strings.Contains(output, skip+": ") {
					t.Errorf("did not expect %s line at level %s", skip, tt.level)
				}
			}
		})
	}
}

func TestLogger_WithPipeline(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("", "info", &buf)

	log.WithPipeline("crtc-31").Info("commit accepted")

	output := buf.String()
	if !strings.Contains(output, "[crtc-31] commit accepted") {
		t.Errorf("expected pipeline prefix in log output, got %q", output)
	}
	if strings.Contains(output, "pipeline=") {
		t.Error("pipeline should not be repeated as a field")
	}
}

func TestLogger_FieldsAreSorted(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("", "info", &buf)

	log.Info("test message",
		logger.WithField("zeta", 1),
		logger.WithField("alpha", "a"),
		logger.WithError(errors.New("boom")),
	)

	output := buf.String()
	if !strings.Contains(output, "{alpha=a, error=boom, zeta=1}") {
		t.Errorf("expected sorted fields, got %q", output)
	}
}

func TestLogger_Success(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("", "info", &buf)

	log.Success("frame presented")

	if !strings.Contains(buf.String(), "frame presented") {
		t.Error("expected success message in log output")
	}
}

func TestLogger_ContextFields(t *testing.T) {
	var buf bytes.Buffer
	base := logger.CreateLoggerWithOutput("", "info", &buf)

	ctx := pcontext.WithCommitID(stdctx.Background(), "commit_abc")
	ctx = pcontext.WithOperation(ctx, "execute_commit")

	logger.WithContext(ctx, base).WithPipeline("crtc-40").Info("submitted")

	output := buf.String()
	for _, want := range []string{"[crtc-40]", "commit_id=commit_abc", "operation=execute_commit"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in %q", want, output)
		}
	}
	if strings.Contains(output, "duration_ms") {
		t.Error("duration should only be logged when a start time is set")
	}
}

func TestNewNopLogger(t *testing.T) {
	log := logger.NewNopLogger()
	log.Error("discarded")
	log.WithPipeline("x").Warn("discarded")
}

func TestConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	c := logger.NewConsoleLoggerWithOutput(&buf)
	c.Info("probing")
	c.Success("done")
	if !strings.Contains(buf.String(), "probing") || !strings.Contains(buf.String(), "done") {
		t.Errorf("unexpected console output %q", buf.String())
	}
}

func TestTraceFields(t *testing.T) {
	if got := logger.TraceFields(nil); got != nil {
		t.Errorf("TraceFields(nil) = %v, want nil", got)
	}

	ctx := pcontext.WithStartTime(stdctx.Background(), time.Now().Add(-time.Second))
	fields := logger.TraceFields(ctx)
	if len(fields) != 1 || fields[0].Key != "duration_ms" {
		t.Fatalf("TraceFields = %+v, want only duration_ms", fields)
	}
	if ms, _ := fields[0].Value.(int64); ms < 1000 {
		t.Errorf("duration_ms = %v, want >= 1000", fields[0].Value)
	}
}
