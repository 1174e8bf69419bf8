package attributes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TraceIDEvaluator handles evaluation and validation of trace ID expressions.
type TraceIDEvaluator struct {
	program *vm.Program
}

// NewTraceIDEvaluator compiles exprStr. An empty expression yields a zero
// trace ID, leaving the choice to the SDK.
func NewTraceIDEvaluator(exprStr string) (*TraceIDEvaluator, error) {
	if exprStr == "" {
		return &TraceIDEvaluator{}, nil
	}

	program, err := compileID(exprStr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile trace-id expression: %w", err)
	}
	return &TraceIDEvaluator{program: program}, nil
}

// EvaluateAndValidate returns the trace ID for s. A result that is not 32
// hex characters is hashed with SHA-256, and the returned warnings record
// the original value.
func (e *TraceIDEvaluator) EvaluateAndValidate(s Subject) (trace.TraceID, []attribute.KeyValue, error) {
	if e.program == nil {
		return trace.TraceID{}, nil, nil
	}

	resultStr, err := runID(e.program, s)
	if err != nil {
		return trace.TraceID{}, nil, fmt.Errorf("failed to evaluate trace-id expression: %w", err)
	}

	if len(resultStr) == 32 {
		if traceID, err := trace.TraceIDFromHex(resultStr); err == nil {
			return traceID, nil, nil
		}
	}

	hash := sha256.Sum256([]byte(resultStr))
	traceID, err := trace.TraceIDFromHex(hex.EncodeToString(hash[:16]))
	if err != nil {
		return trace.TraceID{}, nil, fmt.Errorf("failed to create trace ID from hash: %w", err)
	}

	warnings := []attribute.KeyValue{
		attribute.String("_trace_id_expr_result", resultStr),
		attribute.String("_trace_id_invalid_warning", fmt.Sprintf("Expression result %q is not a valid 32-char hex trace ID, used SHA-256 hash instead", resultStr)),
	}
	return traceID, warnings, nil
}

// ParentIDEvaluator handles evaluation and validation of parent span ID
// expressions, used to hang the run under an existing trace.
type ParentIDEvaluator struct {
	program *vm.Program
}

// NewParentIDEvaluator compiles exprStr. An empty expression yields no parent.
func NewParentIDEvaluator(exprStr string) (*ParentIDEvaluator, error) {
	if exprStr == "" {
		return &ParentIDEvaluator{}, nil
	}

	program, err := compileID(exprStr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile parent-id expression: %w", err)
	}
	return &ParentIDEvaluator{program: program}, nil
}

// EvaluateAndValidate returns the parent span ID for s. A result that is
// not 16 hex characters yields the zero span ID (no parent) and warnings.
func (e *ParentIDEvaluator) EvaluateAndValidate(s Subject) (trace.SpanID, []attribute.KeyValue, error) {
	if e.program == nil {
		return trace.SpanID{}, nil, nil
	}

	resultStr, err := runID(e.program, s)
	if err != nil {
		return trace.SpanID{}, nil, fmt.Errorf("failed to evaluate parent-id expression: %w", err)
	}

	if len(resultStr) == 16 {
		if spanID, err := trace.SpanIDFromHex(resultStr); err == nil {
			return spanID, nil, nil
		}
	}

	warnings := []attribute.KeyValue{
		attribute.String("_parent_id_expr_result", resultStr),
		attribute.String("_parent_id_invalid_warning", fmt.Sprintf("Expression result %q is not a valid 16-char hex span ID, using null parent ID instead", resultStr)),
	}
	return trace.SpanID{}, warnings, nil
}

func compileID(exprStr string) (*vm.Program, error) {
	return expr.Compile(exprStr, expr.Env(typeEnv))
}

func runID(program *vm.Program, s Subject) (string, error) {
	output, err := expr.Run(program, s.env())
	if err != nil {
		return "", err
	}
	return fmt.Sprint(output), nil
}
