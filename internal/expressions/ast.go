package expressions

import (
	"fmt"
	"strings"
)

// Expr is implemented by every condition AST node.
type Expr interface {
	expr()
	String() string
}

// BinaryExpr is a comparison, predicate or logical connective.
type BinaryExpr struct {
	Left  Expr
	Op    TokenKind
	Right Expr
}

func (e *BinaryExpr) expr() {}
func (e *BinaryExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", e.Left, e.Op, e.Right)
}

// UnaryExpr is a prefix not or a postfix is_empty.
type UnaryExpr struct {
	Op      TokenKind
	Operand Expr
}

func (e *UnaryExpr) expr() {}
func (e *UnaryExpr) String() string {
	if e.Op == TokenIsEmpty {
		return fmt.Sprintf("(%s is_empty)", e.Operand)
	}
	return fmt.Sprintf("(not %s)", e.Operand)
}

// LiteralExpr is a number, string, bool or null literal.
type LiteralExpr struct {
	Value any
}

func (e *LiteralExpr) expr() {}
func (e *LiteralExpr) String() string {
	switch v := e.Value.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// IdentExpr is a namespace root such as variables or input.
type IdentExpr struct {
	Name string
}

func (e *IdentExpr) expr()          {}
func (e *IdentExpr) String() string { return e.Name }

// MemberExpr is dotted property access.
type MemberExpr struct {
	Object   Expr
	Property string
}

func (e *MemberExpr) expr() {}
func (e *MemberExpr) String() string {
	return fmt.Sprintf("%s.%s", e.Object, e.Property)
}

// IndexExpr is bracketed index access.
type IndexExpr struct {
	Object Expr
	Index  Expr
}

func (e *IndexExpr) expr() {}
func (e *IndexExpr) String() string {
	return fmt.Sprintf("%s[%s]", e.Object, e.Index)
}

// ArrayLiteral is an inline array such as ["a", "b"].
type ArrayLiteral struct {
	Elements []Expr
}

func (e *ArrayLiteral) expr() {}
func (e *ArrayLiteral) String() string {
	parts := make([]string, len(e.Elements))
	for i, el := range e.Elements {
		parts[i] = el.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// AnyOfExpr is the operand produced when a string predicate's literal holds
// comma-separated alternatives. The predicate holds if any alternative matches.
type AnyOfExpr struct {
	Values []string
}

func (e *AnyOfExpr) expr() {}
func (e *AnyOfExpr) String() string {
	return fmt.Sprintf("anyOf(%s)", strings.Join(e.Values, "|"))
}
