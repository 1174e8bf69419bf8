package attributes

import (
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/mrzor/bpf-pipeline/internal/procmeta"
)

func envSubject(env map[string]string) Subject {
	return unlinkSubject(&procmeta.ProcessMetadata{Environ: env})
}

func TestTraceIDEvaluator_ValidHex(t *testing.T) {
	evaluator, err := NewTraceIDEvaluator(`env["TRACE_ID"]`)
	if err != nil {
		t.Fatalf("NewTraceIDEvaluator() error = %v", err)
	}

	traceID, warnings, err := evaluator.EvaluateAndValidate(envSubject(map[string]string{
		"TRACE_ID": "0123456789abcdef0123456789abcdef",
	}))
	if err != nil {
		t.Fatalf("EvaluateAndValidate() error = %v", err)
	}

	if len(warnings) != 0 {
		t.Errorf("Expected no warnings for valid trace ID, got %d", len(warnings))
	}

	expected, err := trace.TraceIDFromHex("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("trace.TraceIDFromHex() error = %v", err)
	}
	if traceID != expected {
		t.Errorf("traceID = %v, want %v", traceID, expected)
	}
}

func TestTraceIDEvaluator_LiteralHex(t *testing.T) {
	evaluator, err := NewTraceIDEvaluator(`"a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4"`)
	if err != nil {
		t.Fatalf("NewTraceIDEvaluator() error = %v", err)
	}

	traceID, _, err := evaluator.EvaluateAndValidate(unlinkSubject(nil))
	if err != nil {
		t.Fatalf("EvaluateAndValidate() error = %v", err)
	}
	if traceID.String() != "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4" {
		t.Errorf("traceID = %s", traceID)
	}
}

func TestTraceIDEvaluator_InvalidHex(t *testing.T) {
	evaluator, err := NewTraceIDEvaluator(`env["SHORT_ID"]`)
	if err != nil {
		t.Fatalf("NewTraceIDEvaluator() error = %v", err)
	}

	subject := envSubject(map[string]string{"SHORT_ID": "short"})
	traceID, warnings, err := evaluator.EvaluateAndValidate(subject)
	if err != nil {
		t.Fatalf("EvaluateAndValidate() error = %v", err)
	}

	if len(warnings) != 2 {
		t.Errorf("Expected 2 warnings for invalid trace ID, got %d", len(warnings))
	}
	if traceID == (trace.TraceID{}) {
		t.Error("Expected non-zero trace ID (hashed)")
	}

	foundResult := false
	for _, w := range warnings {
		if w.Key == "_trace_id_expr_result" {
			foundResult = true
			if w.Value.AsString() != "short" {
				t.Errorf("_trace_id_expr_result = %q, want short", w.Value.AsString())
			}
		}
	}
	if !foundResult {
		t.Error("Missing _trace_id_expr_result warning")
	}

	// Hashing is deterministic.
	again, _, _ := evaluator.EvaluateAndValidate(subject)
	if again != traceID {
		t.Errorf("hashed trace ID changed between runs: %s != %s", again, traceID)
	}
}

func TestTraceIDEvaluator_NoExpression(t *testing.T) {
	evaluator, err := NewTraceIDEvaluator("")
	if err != nil {
		t.Fatalf("NewTraceIDEvaluator(\"\") error = %v", err)
	}

	traceID, warnings, err := evaluator.EvaluateAndValidate(unlinkSubject(nil))
	if err != nil {
		t.Fatalf("EvaluateAndValidate() error = %v", err)
	}
	if traceID != (trace.TraceID{}) {
		t.Error("Expected zero trace ID when no expression is configured")
	}
	if len(warnings) != 0 {
		t.Errorf("Expected no warnings, got %d", len(warnings))
	}
}

func TestTraceIDEvaluator_CompileError(t *testing.T) {
	if _, err := NewTraceIDEvaluator(`env[`); err == nil {
		t.Error("Expected compile error")
	}
}

func TestParentIDEvaluator_ValidHex(t *testing.T) {
	evaluator, err := NewParentIDEvaluator(`env["PARENT_SPAN_ID"]`)
	if err != nil {
		t.Fatalf("NewParentIDEvaluator() error = %v", err)
	}

	spanID, warnings, err := evaluator.EvaluateAndValidate(envSubject(map[string]string{
		"PARENT_SPAN_ID": "0123456789abcdef",
	}))
	if err != nil {
		t.Fatalf("EvaluateAndValidate() error = %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("Expected no warnings for valid span ID, got %d", len(warnings))
	}

	expected, err := trace.SpanIDFromHex("0123456789abcdef")
	if err != nil {
		t.Fatalf("trace.SpanIDFromHex() error = %v", err)
	}
	if spanID != expected {
		t.Errorf("spanID = %v, want %v", spanID, expected)
	}
}

func TestParentIDEvaluator_InvalidHex(t *testing.T) {
	evaluator, err := NewParentIDEvaluator(`env["INVALID_PARENT"]`)
	if err != nil {
		t.Fatalf("NewParentIDEvaluator() error = %v", err)
	}

	spanID, warnings, err := evaluator.EvaluateAndValidate(envSubject(map[string]string{
		"INVALID_PARENT": "notvalid",
	}))
	if err != nil {
		t.Fatalf("EvaluateAndValidate() error = %v", err)
	}
	if spanID != (trace.SpanID{}) {
		t.Error("Expected zero span ID for invalid parent")
	}
	if len(warnings) != 2 {
		t.Errorf("Expected 2 warnings for invalid parent ID, got %d", len(warnings))
	}
}

func TestParentIDEvaluator_NoExpression(t *testing.T) {
	evaluator, err := NewParentIDEvaluator("")
	if err != nil {
		t.Fatalf("NewParentIDEvaluator(\"\") error = %v", err)
	}

	spanID, warnings, err := evaluator.EvaluateAndValidate(unlinkSubject(nil))
	if err != nil {
		t.Fatalf("EvaluateAndValidate() error = %v", err)
	}
	if spanID != (trace.SpanID{}) {
		t.Error("Expected zero span ID when no expression is configured")
	}
	if len(warnings) != 0 {
		t.Errorf("Expected no warnings, got %d", len(warnings))
	}
}
