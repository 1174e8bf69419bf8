// Package attributes evaluates user expressions against decoded events.
//
// Expressions use the expr language and see these variables:
//
//	pid      int                the emitting process
//	comm     string             its command name
//	file     string             the filename carried by the record, if any
//	ret      int                the return value of return records
//	args     []string           argv, from /proc
//	cmdline  string             argv joined by spaces
//	env      map[string]string  the process environment, from /proc
//
// Three evaluators:
//   - Evaluator: custom span and line attributes
//   - TraceIDEvaluator: trace IDs (32 hex chars)
//   - ParentIDEvaluator: parent span IDs (16 hex chars)
//
// Invalid trace IDs are hashed with SHA-256 to produce valid IDs.
// Invalid parent IDs result in a null parent (zero span ID).
package attributes
