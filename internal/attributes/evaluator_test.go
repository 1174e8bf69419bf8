package attributes

import (
	"testing"

	"github.com/mrzor/bpf-pipeline/internal/bpf"
	"github.com/mrzor/bpf-pipeline/internal/config"
	"github.com/mrzor/bpf-pipeline/internal/logging"
	"github.com/mrzor/bpf-pipeline/internal/procmeta"
)

func unlinkSubject(md *procmeta.ProcessMetadata) Subject {
	return Subject{
		Event:   bpf.Event{Pid: 1234, Comm: "rm", Filename: "/tmp/x"},
		Process: md,
	}
}

func TestEvaluator_Simple(t *testing.T) {
	attrs := []config.CustomAttribute{
		{Name: "test.attr", Expression: `env["FOO"]`},
		{Name: "arg.first", Expression: `args[0]`},
	}

	evaluator, err := NewEvaluator(attrs, logging.Discard())
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	result := evaluator.Evaluate(unlinkSubject(&procmeta.ProcessMetadata{
		Environ:     map[string]string{"FOO": "bar", "BAZ": "qux"},
		Args:        []string{"echo", "hello"},
		CmdlineFull: "echo hello",
	}))

	if len(result) != 2 {
		t.Fatalf("Expected 2 attributes, got %d", len(result))
	}
	if result[0].Key != "test.attr" || result[0].Value.AsString() != "bar" {
		t.Errorf("result[0] = %v, want test.attr=bar", result[0])
	}
	if result[1].Key != "arg.first" || result[1].Value.AsString() != "echo" {
		t.Errorf("result[1] = %v, want arg.first=echo", result[1])
	}
}

func TestEvaluator_EventFields(t *testing.T) {
	attrs := []config.CustomAttribute{
		{Name: "who", Expression: `comm + ":" + string(pid)`},
		{Name: "tmp", Expression: `file startsWith "/tmp/"`},
		{Name: "failed", Expression: `ret < 0`},
	}

	evaluator, err := NewEvaluator(attrs, logging.Discard())
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}
	if evaluator.NeedsProcess() {
		t.Error("event-only expressions should not need process metadata")
	}

	result := evaluator.Evaluate(unlinkSubject(nil))
	want := map[string]string{"who": "rm:1234", "tmp": "true", "failed": "false"}
	if len(result) != len(want) {
		t.Fatalf("Expected %d attributes, got %d", len(want), len(result))
	}
	for _, kv := range result {
		if got := kv.Value.AsString(); got != want[string(kv.Key)] {
			t.Errorf("%s = %q, want %q", kv.Key, got, want[string(kv.Key)])
		}
	}
}

func TestEvaluator_NeedsProcess(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{`pid`, false},
		{`comm == "bash"`, false},
		{`cmdline`, true},
		{`len(args) > 1`, true},
		{`env["HOME"]`, true},
		{`file + cmdline`, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			e, err := NewEvaluator([]config.CustomAttribute{{Name: "x", Expression: tt.expr}}, logging.Discard())
			if err != nil {
				t.Fatalf("NewEvaluator() error = %v", err)
			}
			if got := e.NeedsProcess(); got != tt.want {
				t.Errorf("NeedsProcess() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluator_MapExpansion(t *testing.T) {
	attrs := []config.CustomAttribute{
		{Name: "expanded", Expression: `env`},
	}

	evaluator, err := NewEvaluator(attrs, logging.Discard())
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	result := evaluator.Evaluate(unlinkSubject(&procmeta.ProcessMetadata{
		Environ: map[string]string{"FOO": "bar", "BAZ-1": "qux"},
	}))

	// Keys are expanded in sorted order and sanitized.
	if len(result) != 2 {
		t.Fatalf("Expected 2 attributes (map expansion), got %d", len(result))
	}
	if result[0].Key != "expanded.BAZ_1" || result[0].Value.AsString() != "qux" {
		t.Errorf("result[0] = %v, want expanded.BAZ_1=qux", result[0])
	}
	if result[1].Key != "expanded.FOO" || result[1].Value.AsString() != "bar" {
		t.Errorf("result[1] = %v, want expanded.FOO=bar", result[1])
	}
}

func TestSanitizeAttributeName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"simple", "simple"},
		{"with-dash", "with_dash"},
		{"with.dot", "with_dot"},
		{"with space", "with_space"},
		{"special!@#$%", "special_____"},
		{"mixed-123.test", "mixed_123_test"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitizeAttributeName(tt.input)
			if got != tt.want {
				t.Errorf("sanitizeAttributeName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestEvaluator_InvalidExpression(t *testing.T) {
	for _, src := range []string{`invalid syntax here`, `invalid_function()`, `unknown_var`} {
		_, err := NewEvaluator([]config.CustomAttribute{{Name: "bad", Expression: src}}, logging.Discard())
		if err == nil {
			t.Errorf("Expected compile error for %q", src)
		}
	}
}

func TestEvaluator_RuntimeErrorSkipsAttribute(t *testing.T) {
	attrs := []config.CustomAttribute{
		{Name: "second_arg", Expression: `args[1]`},
		{Name: "comm", Expression: `comm`},
	}

	evaluator, err := NewEvaluator(attrs, logging.Discard())
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	// args has one element, so args[1] fails at runtime.
	result := evaluator.Evaluate(unlinkSubject(&procmeta.ProcessMetadata{Args: []string{"rm"}}))
	if len(result) != 1 || result[0].Key != "comm" {
		t.Errorf("Expected only comm to survive, got %v", result)
	}
}

func TestEvaluator_MissingKey(t *testing.T) {
	attrs := []config.CustomAttribute{
		{Name: "exists", Expression: `env["EXISTS"]`},
		{Name: "missing", Expression: `env["MISSING"]`},
	}

	evaluator, err := NewEvaluator(attrs, logging.Discard())
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	result := evaluator.Evaluate(unlinkSubject(&procmeta.ProcessMetadata{
		Environ: map[string]string{"EXISTS": "value"},
	}))

	if len(result) != 2 {
		t.Fatalf("Expected 2 attributes, got %d", len(result))
	}
	if result[0].Value.AsString() != "value" {
		t.Errorf("result[0].Value = %q, want value", result[0].Value.AsString())
	}
	if result[1].Value.AsString() != "" {
		t.Errorf("result[1].Value = %q, want empty string", result[1].Value.AsString())
	}
}

func TestEvaluator_NilProcess(t *testing.T) {
	attrs := []config.CustomAttribute{
		{Name: "home", Expression: `env["HOME"]`},
		{Name: "argc", Expression: `len(args)`},
	}

	evaluator, err := NewEvaluator(attrs, logging.Discard())
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	result := evaluator.Evaluate(unlinkSubject(nil))
	if len(result) != 2 {
		t.Fatalf("Expected 2 attributes, got %d", len(result))
	}
	if result[0].Value.AsString() != "" || result[1].Value.AsString() != "0" {
		t.Errorf("Expected empty process variables, got %v", result)
	}
}

func TestEvaluator_Empty(t *testing.T) {
	evaluator, err := NewEvaluator(nil, nil)
	if err != nil {
		t.Fatalf("NewEvaluator(nil) error = %v", err)
	}
	if evaluator.Len() != 0 {
		t.Errorf("Len() = %d, want 0", evaluator.Len())
	}
	if result := evaluator.Evaluate(unlinkSubject(nil)); result != nil {
		t.Errorf("Expected nil result, got %v", result)
	}

	var nilEvaluator *Evaluator
	if nilEvaluator.Len() != 0 || nilEvaluator.NeedsProcess() {
		t.Error("nil Evaluator should behave as empty")
	}
}
