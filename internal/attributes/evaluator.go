package attributes

import (
	"fmt"
	"log/slog"
	"reflect"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mrzor/bpf-pipeline/internal/config"
)

// Evaluator handles compilation and evaluation of custom attribute expressions.
type Evaluator struct {
	customAttrs   []config.CustomAttribute
	compiledExprs []*vm.Program
	needsProcess  bool
	logger        *slog.Logger
}

// NewEvaluator pre-compiles all custom attribute expressions. A nil logger
// means slog.Default().
func NewEvaluator(customAttrs []config.CustomAttribute, logger *slog.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Evaluator{
		customAttrs:   customAttrs,
		compiledExprs: make([]*vm.Program, len(customAttrs)),
		logger:        logger.With("component", "attributes"),
	}
	for i, attr := range customAttrs {
		program, err := expr.Compile(attr.Expression, expr.Env(typeEnv))
		if err != nil {
			return nil, fmt.Errorf("failed to compile expression for attribute %q: %w", attr.Name, err)
		}
		e.compiledExprs[i] = program
		if referencesProcess(attr.Expression) {
			e.needsProcess = true
		}
	}
	return e, nil
}

// Len returns the number of configured attributes.
func (e *Evaluator) Len() int {
	if e == nil {
		return 0
	}
	return len(e.customAttrs)
}

// NeedsProcess reports whether any expression reads args, cmdline or env,
// which requires Subject.Process.
func (e *Evaluator) NeedsProcess() bool {
	return e != nil && e.needsProcess
}

// Evaluate runs every expression against s. Expressions that fail are
// logged and skipped. A map result expands into one attribute per key,
// named <attr>.<key>, in key order.
func (e *Evaluator) Evaluate(s Subject) []attribute.KeyValue {
	if e.Len() == 0 {
		return nil
	}

	env := s.env()
	var attrs []attribute.KeyValue
	for i, customAttr := range e.customAttrs {
		output, err := expr.Run(e.compiledExprs[i], env)
		if err != nil {
			e.logger.Warn("failed to evaluate attribute", "attribute", customAttr.Name, "pid", s.Event.Pid, "error", err)
			continue
		}
		attrs = append(attrs, expand(customAttr.Name, output)...)
	}
	return attrs
}

// expand converts an expression result to attributes.
func expand(name string, output any) []attribute.KeyValue {
	v := reflect.ValueOf(output)
	if v.Kind() != reflect.Map {
		return []attribute.KeyValue{attribute.String(name, fmt.Sprint(output))}
	}

	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
	})

	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, key := range keys {
		attrName := name + "." + sanitizeAttributeName(fmt.Sprint(key.Interface()))
		attrs = append(attrs, attribute.String(attrName, fmt.Sprint(v.MapIndex(key).Interface())))
	}
	return attrs
}

// sanitizeAttributeName replaces any character not in [a-zA-Z0-9_] with an
// underscore.
func sanitizeAttributeName(name string) string {
	result := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			result[i] = c
		} else {
			result[i] = '_'
		}
	}
	return string(result)
}
