package cadence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Eval evaluates a condition expression against vars.
// Supported, lowest precedence first:
//   - a || b, a && b
//   - unary ! for booleans
//   - comparisons: ==, !=, >=, <=, >, <
//   - functions: length(x), lower(x), contains(list_or_string, x)
//   - literals: numbers, booleans, null, quoted strings
//   - dot paths: card.stage_id, instance.successful_contacts
func Eval(expr string, vars map[string]any) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty expression")
	}

	for _, op := range []string{"||", "&&"} {
		if left, right, ok := splitOutsideQuotes(expr, op); ok {
			lv, err := Eval(left, vars)
			if err != nil {
				return nil, err
			}
			if op == "||" && truthy(lv) {
				return true, nil
			}
			if op == "&&" && !truthy(lv) {
				return false, nil
			}
			rv, err := Eval(right, vars)
			if err != nil {
				return nil, err
			}
			return truthy(rv), nil
		}
	}

	if strings.HasPrefix(expr, "!") && !strings.HasPrefix(expr, "!=") {
		val, err := Eval(expr[1:], vars)
		if err != nil {
			return nil, err
		}
		return !truthy(val), nil
	}

	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if left, right, ok := splitOutsideQuotes(expr, op); ok {
			lv, err := Eval(left, vars)
			if err != nil {
				return nil, err
			}
			rv, err := Eval(right, vars)
			if err != nil {
				return nil, err
			}
			return compare(lv, rv, op), nil
		}
	}

	if name, args, ok := parseCall(expr); ok {
		return call(name, args, vars)
	}

	if len(expr) >= 2 && (expr[0] == '\'' || expr[0] == '"') && expr[len(expr)-1] == expr[0] {
		return expr[1 : len(expr)-1], nil
	}
	switch expr {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "nil":
		return nil, nil
	}
	if n, err := strconv.ParseFloat(expr, 64); err == nil {
		return n, nil
	}
	if strings.ContainsAny(expr, " ()'\"") {
		return nil, fmt.Errorf("unsupported expression %q", expr)
	}
	return resolvePath(expr, vars), nil
}

// EvalBool evaluates expr and reports its truthiness.
func EvalBool(expr string, vars map[string]any) (bool, error) {
	v, err := Eval(expr, vars)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func parseCall(expr string) (string, []string, bool) {
	open := strings.IndexByte(expr, '(')
	if open <= 0 || !strings.HasSuffix(expr, ")") {
		return "", nil, false
	}
	name := expr[:open]
	for _, r := range name {
		if r != '_' && (r < 'a' || r > 'z') {
			return "", nil, false
		}
	}
	inner := expr[open+1 : len(expr)-1]
	var args []string
	for {
		left, right, ok := splitOutsideQuotes(inner, ",")
		if !ok {
			break
		}
		args = append(args, left)
		inner = right
	}
	if strings.TrimSpace(inner) != "" {
		args = append(args, strings.TrimSpace(inner))
	}
	return name, args, true
}

func call(name string, args []string, vars map[string]any) (any, error) {
	vals := make([]any, len(args))
	for i, a := range args {
		v, err := Eval(a, vars)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	switch name {
	case "length":
		if len(vals) != 1 {
			return nil, errors.New("length expects 1 argument")
		}
		switch v := vals[0].(type) {
		case []any:
			return float64(len(v)), nil
		case []string:
			return float64(len(v)), nil
		case string:
			return float64(len(v)), nil
		case map[string]any:
			return float64(len(v)), nil
		default:
			return float64(0), nil
		}
	case "lower":
		if len(vals) != 1 {
			return nil, errors.New("lower expects 1 argument")
		}
		return strings.ToLower(fmt.Sprint(vals[0])), nil
	case "contains":
		if len(vals) != 2 {
			return nil, errors.New("contains expects 2 arguments")
		}
		switch hay := vals[0].(type) {
		case string:
			return strings.Contains(hay, fmt.Sprint(vals[1])), nil
		case []any:
			for _, el := range hay {
				if compare(el, vals[1], "==") {
					return true, nil
				}
			}
			return false, nil
		case []string:
			for _, el := range hay {
				if el == fmt.Sprint(vals[1]) {
					return true, nil
				}
			}
			return false, nil
		default:
			return false, nil
		}
	default:
		return nil, fmt.Errorf("unknown function %s", name)
	}
}

// splitOutsideQuotes splits on the first occurrence of op that is not inside a
// quoted string or a call's parentheses.
func splitOutsideQuotes(expr, op string) (string, string, bool) {
	var quote byte
	depth := 0
	for i := 0; i <= len(expr)-len(op); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
			continue
		case c == '\'' || c == '"':
			quote = c
			continue
		case c == '(':
			depth++
			continue
		case c == ')':
			depth--
			continue
		}
		if depth != 0 || expr[i:i+len(op)] != op {
			continue
		}
		// ">" and "<" must not match the first half of ">=" or "<=".
		if (op == ">" || op == "<") && i+1 < len(expr) && expr[i+1] == '=' {
			continue
		}
		return strings.TrimSpace(expr[:i]), strings.TrimSpace(expr[i+len(op):]), true
	}
	return "", "", false
}

func resolvePath(path string, vars map[string]any) any {
	var cur any = vars
	for _, p := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]any:
			cur = m[p]
		case map[string]string:
			cur = m[p]
		default:
			return nil
		}
	}
	return cur
}

func compare(a, b any, op string) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return cmpOrdered(af, bf, op)
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return cmpOrdered(as, bs, op)
		}
	}
	switch op {
	case "==":
		return fmt.Sprint(a) == fmt.Sprint(b)
	case "!=":
		return fmt.Sprint(a) != fmt.Sprint(b)
	default:
		return false
	}
}

func cmpOrdered[T float64 | string](a, b T, op string) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		if f, ok := toFloat(v); ok {
			return f != 0
		}
		return true
	}
}
