package config

import (
	"fmt"
	"strings"
)

// CustomAttribute is a named expression evaluated per event.
type CustomAttribute struct {
	Name       string
	Expression string
}

// ParseCustomAttribute parses a single NAME=EXPR definition. Only the
// first '=' separates the name, so the expression may contain more.
func ParseCustomAttribute(s string) (CustomAttribute, error) {
	name, expr, ok := strings.Cut(s, "=")
	if !ok {
		return CustomAttribute{}, fmt.Errorf("invalid attribute format %q, expected NAME=EXPR", s)
	}

	name = strings.TrimSpace(name)
	expr = strings.TrimSpace(expr)
	if name == "" {
		return CustomAttribute{}, fmt.Errorf("invalid attribute %q: name cannot be empty", s)
	}
	if expr == "" {
		return CustomAttribute{}, fmt.Errorf("invalid attribute %q: expression cannot be empty", s)
	}

	return CustomAttribute{Name: name, Expression: expr}, nil
}

// ParseAttributeString parses semicolon separated NAME=EXPR definitions.
// Empty sections are skipped.
func ParseAttributeString(s string) ([]CustomAttribute, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var attrs []CustomAttribute
	for _, part := range strings.Split(s, ";") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		a, err := ParseCustomAttribute(part)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, a)
	}
	return attrs, nil
}
