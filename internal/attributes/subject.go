package attributes

import (
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"

	"github.com/mrzor/bpf-pipeline/internal/bpf"
	"github.com/mrzor/bpf-pipeline/internal/procmeta"
)

// Subject is what an expression is evaluated against: one decoded event
// and, when available, metadata of the process that emitted it.
type Subject struct {
	Event   bpf.Event
	Process *procmeta.ProcessMetadata
}

// processVars are the expression variables that need Subject.Process.
var processVars = map[string]bool{"args": true, "cmdline": true, "env": true}

func (s Subject) env() map[string]any {
	var (
		args    = []string{}
		cmdline string
		environ = map[string]string{}
	)
	if md := s.Process; md != nil {
		if md.Args != nil {
			args = md.Args
		}
		cmdline = md.CmdlineFull
		if md.Environ != nil {
			environ = md.Environ
		}
	}

	return map[string]any{
		"pid":     int(s.Event.Pid),
		"comm":    s.Event.Comm,
		"file":    s.Event.Filename,
		"ret":     s.Event.Ret,
		"args":    args,
		"cmdline": cmdline,
		"env":     environ,
	}
}

// typeEnv declares variable types for compilation.
var typeEnv = Subject{}.env()

type identCollector struct {
	found map[string]bool
}

func (c *identCollector) Visit(node *ast.Node) {
	if id, ok := (*node).(*ast.IdentifierNode); ok {
		c.found[id.Value] = true
	}
}

// referencesProcess reports whether src reads any process variable.
func referencesProcess(src string) bool {
	tree, err := parser.Parse(src)
	if err != nil {
		// Compilation reports the error; assume the worst here.
		return true
	}
	c := &identCollector{found: make(map[string]bool)}
	ast.Walk(&tree.Node, c)
	for name := range c.found {
		if processVars[name] {
			return true
		}
	}
	return false
}
