package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// VarEvaluator is a deliberately small evaluator over the instance's
// variable map, enough for guards and actions in tests and examples.
// Supported forms:
//
//	name             -> variable value (missing -> nil)
//	!name            -> negated truthiness
//	name == literal  -> equality against a literal
//	name != literal  -> inequality against a literal
//	name = literal   -> assignment, returns the value
//
// Literals are true/false, numbers, 'single-quoted' strings, or bare
// words. Real deployments plug their own Evaluator; the kernel treats the
// expression language as opaque either way.
type VarEvaluator struct{}

func (VarEvaluator) Evaluate(_ context.Context, expr string, ec ExecContext) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty expression")
	}

	if op, l, r, ok := splitBinary(expr); ok {
		switch op {
		case "==":
			v, _ := ec.Instance.Variable(l)
			return equalLiteral(v, r), nil
		case "!=":
			v, _ := ec.Instance.Variable(l)
			return !equalLiteral(v, r), nil
		case "=":
			v := parseLiteral(r)
			ec.Instance.SetVariable(l, v)
			return v, nil
		}
	}

	if rest, ok := strings.CutPrefix(expr, "!"); ok {
		v, _ := ec.Instance.Variable(strings.TrimSpace(rest))
		return !Truthy(v), nil
	}

	v, ok := ec.Instance.Variable(expr)
	if !ok {
		return nil, nil
	}
	return v, nil
}

func splitBinary(expr string) (op, left, right string, ok bool) {
	for _, candidate := range []string{"==", "!=", "="} {
		if i := strings.Index(expr, candidate); i > 0 {
			left = strings.TrimSpace(expr[:i])
			right = strings.TrimSpace(expr[i+len(candidate):])
			if left == "" || right == "" {
				return "", "", "", false
			}
			return candidate, left, right, true
		}
	}
	return "", "", "", false
}

func parseLiteral(s string) any {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1]
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func equalLiteral(v any, lit string) bool {
	want := parseLiteral(lit)
	if fmt.Sprintf("%v", v) == fmt.Sprintf("%v", want) {
		return true
	}
	return v == want
}
