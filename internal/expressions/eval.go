package expressions

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/rendis/convo/internal/state"
	"github.com/rendis/convo/pkg/schema"
)

// Evaluate parses (or fetches from cache) a condition and evaluates it
// against the context namespaces. The result is coerced to bool.
func Evaluate(expression string, c *state.Context) (bool, error) {
	ast, err := Compile(expression)
	if err != nil {
		return false, err
	}
	val, err := Eval(ast, c.Namespaces())
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExpression, "evaluate %q: %s", expression, err.Error()).WithCause(err)
	}
	return IsTruthy(val), nil
}

// Compile parses a condition, reusing the cached AST when available.
func Compile(expression string) (Expr, error) {
	return conditionCache.getOrCompile(expression, func(src string) (Expr, error) {
		ast, err := Parse(src)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExpression, "parse %q: %s", src, err.Error()).WithCause(err)
		}
		return ast, nil
	})
}

var conditionCache = newProgramCache[Expr]()

// Eval evaluates a parsed expression against a namespace map such as
// {"variables": {...}, "input": {...}}.
func Eval(e Expr, vars map[string]any) (any, error) {
	ev := &evaluator{vars: vars}
	return ev.eval(e)
}

type evaluator struct {
	vars map[string]any
}

func (ev *evaluator) eval(e Expr) (any, error) {
	switch n := e.(type) {
	case *LiteralExpr:
		return n.Value, nil

	case *IdentExpr:
		// Unknown roots resolve to nil.
		return ev.vars[n.Name], nil

	case *MemberExpr:
		obj, err := ev.eval(n.Object)
		if err != nil {
			return nil, err
		}
		return member(obj, n.Property), nil

	case *IndexExpr:
		obj, err := ev.eval(n.Object)
		if err != nil {
			return nil, err
		}
		idx, err := ev.eval(n.Index)
		if err != nil {
			return nil, err
		}
		return index(obj, idx)

	case *ArrayLiteral:
		out := make([]any, len(n.Elements))
		for i, el := range n.Elements {
			v, err := ev.eval(el)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil

	case *AnyOfExpr:
		out := make([]any, len(n.Values))
		for i, v := range n.Values {
			out[i] = v
		}
		return out, nil

	case *UnaryExpr:
		val, err := ev.eval(n.Operand)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case TokenNot:
			return !IsTruthy(val), nil
		case TokenIsEmpty:
			return isEmpty(val), nil
		}
		return nil, fmt.Errorf("unknown unary operator %s", n.Op)

	case *BinaryExpr:
		return ev.evalBinary(n)
	}
	return nil, fmt.Errorf("unknown expression type %T", e)
}

func (ev *evaluator) evalBinary(n *BinaryExpr) (any, error) {
	switch n.Op {
	case TokenAnd:
		left, err := ev.eval(n.Left)
		if err != nil {
			return nil, err
		}
		if !IsTruthy(left) {
			return false, nil
		}
		right, err := ev.eval(n.Right)
		if err != nil {
			return nil, err
		}
		return IsTruthy(right), nil

	case TokenOr:
		left, err := ev.eval(n.Left)
		if err != nil {
			return nil, err
		}
		if IsTruthy(left) {
			return true, nil
		}
		right, err := ev.eval(n.Right)
		if err != nil {
			return nil, err
		}
		return IsTruthy(right), nil
	}

	left, err := ev.eval(n.Left)
	if err != nil {
		return nil, err
	}

	if alt, ok := n.Right.(*AnyOfExpr); ok {
		for _, v := range alt.Values {
			if predicate(n.Op, left, v) {
				return true, nil
			}
		}
		return false, nil
	}

	right, err := ev.eval(n.Right)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case TokenEq:
		return isEqual(left, right), nil
	case TokenNeq:
		return !isEqual(left, right), nil
	case TokenGt, TokenGte, TokenLt, TokenLte:
		cmp, ok := compare(left, right)
		if !ok {
			return false, nil
		}
		switch n.Op {
		case TokenGt:
			return cmp > 0, nil
		case TokenGte:
			return cmp >= 0, nil
		case TokenLt:
			return cmp < 0, nil
		}
		return cmp <= 0, nil
	case TokenContains, TokenStartsWith, TokenEndsWith:
		return predicate(n.Op, left, right), nil
	case TokenContainsAny:
		return containsAny(left, right), nil
	case TokenContainsAll:
		return containsAll(left, right), nil
	}
	return nil, fmt.Errorf("unknown binary operator %s", n.Op)
}

// predicate applies contains, starts_with or ends_with. String predicates
// ignore case. contains on a list checks membership.
func predicate(op TokenKind, left, right any) bool {
	if op == TokenContains {
		if items, ok := asList(left); ok {
			for _, item := range items {
				if isEqual(item, right) {
					return true
				}
			}
			return false
		}
	}
	ls, lok := asString(left)
	rs, rok := asString(right)
	if !lok || !rok {
		return false
	}
	ls, rs = strings.ToLower(ls), strings.ToLower(rs)
	switch op {
	case TokenContains:
		return strings.Contains(ls, rs)
	case TokenStartsWith:
		return strings.HasPrefix(ls, rs)
	case TokenEndsWith:
		return strings.HasSuffix(ls, rs)
	}
	return false
}

func containsAny(left, right any) bool {
	items, ok := asList(left)
	if !ok {
		return false
	}
	for _, want := range candidates(right) {
		for _, item := range items {
			if isEqual(item, want) {
				return true
			}
		}
	}
	return false
}

func containsAll(left, right any) bool {
	items, ok := asList(left)
	if !ok {
		return false
	}
	wants := candidates(right)
	if len(wants) == 0 {
		return false
	}
	for _, want := range wants {
		found := false
		for _, item := range items {
			if isEqual(item, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// candidates turns the right operand of contains_any/contains_all into a
// list. A comma-separated string is split.
func candidates(v any) []any {
	if items, ok := asList(v); ok {
		return items
	}
	if s, ok := v.(string); ok {
		var out []any
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	if v == nil {
		return nil
	}
	return []any{v}
}

// IsTruthy coerces a value to bool.
// Falsy: nil, false, 0, "", empty list, empty map.
func IsTruthy(val any) bool {
	switch v := val.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	}
	if f, ok := toFloat64(val); ok {
		return f != 0
	}
	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	}
	return true
}

func isEmpty(val any) bool {
	if val == nil {
		return true
	}
	if s, ok := val.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	}
	return false
}

// isEqual compares numerically when both sides are numbers, or when one is a
// number and the other a numeric string; otherwise deep equality.
func isEqual(a, b any) bool {
	if af, bf, ok := numericPair(a, b); ok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b any) (int, bool) {
	if af, bf, ok := numericPair(a, b); ok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func numericPair(a, b any) (float64, float64, bool) {
	af, aNum := toFloat64(a)
	bf, bNum := toFloat64(b)
	switch {
	case aNum && bNum:
		return af, bf, true
	case aNum:
		if s, ok := b.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return af, f, true
			}
		}
	case bNum:
		if s, ok := a.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f, bf, true
			}
		}
	}
	return 0, 0, false
}

func toFloat64(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case nil:
		return "", false
	}
	if f, ok := toFloat64(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	}
	return nil, false
}

func member(obj any, prop string) any {
	switch v := obj.(type) {
	case nil:
		return nil
	case map[string]any:
		return v[prop]
	}
	if items, ok := asList(obj); ok {
		if i, err := strconv.Atoi(prop); err == nil && i >= 0 && i < len(items) {
			return items[i]
		}
		if prop == "length" {
			return float64(len(items))
		}
	}
	return nil
}

func index(obj any, idx any) (any, error) {
	if obj == nil {
		return nil, nil
	}
	if key, ok := idx.(string); ok {
		return member(obj, key), nil
	}
	f, ok := toFloat64(idx)
	if !ok {
		return nil, fmt.Errorf("invalid index type %T", idx)
	}
	items, ok := asList(obj)
	if !ok {
		return nil, nil
	}
	i := int(f)
	if i < 0 || i >= len(items) {
		return nil, nil
	}
	return items[i], nil
}
