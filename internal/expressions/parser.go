package expressions

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse parses a condition string into an AST.
func Parse(input string) (Expr, error) {
	tokens, err := Lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	if p.current().Kind == TokenEOF {
		return nil, fmt.Errorf("empty expression")
	}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.current().Kind != TokenEOF {
		return nil, fmt.Errorf("unexpected token %s at position %d", p.current().Kind, p.current().Pos)
	}
	return e, nil
}

type parser struct {
	tokens []Token
	pos    int
}

func (p *parser) current() Token {
	if p.pos >= len(p.tokens) {
		return Token{Kind: TokenEOF}
	}
	return p.tokens[p.pos]
}

func (p *parser) advance() Token {
	tok := p.current()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind TokenKind) (Token, error) {
	tok := p.current()
	if tok.Kind != kind {
		return tok, fmt.Errorf("expected %s but got %s at position %d", kind, tok.Kind, tok.Pos)
	}
	p.advance()
	return tok, nil
}

// Precedence, lowest first:
//  1. or
//  2. and
//  3. == !=
//  4. < <= > >=
//  5. contains starts_with ends_with contains_any contains_all
//  6. not, postfix is_empty
//  7. member and index access

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.current().Kind == TokenOr {
		op := p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Left: left, Op: op.Kind, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.current().Kind == TokenAnd {
		op := p.advance()
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Left: left, Op: op.Kind, Right: right}
	}
	return left, nil
}

func (p *parser) parseEquality() (Expr, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.current().Kind == TokenEq || p.current().Kind == TokenNeq {
		op := p.advance()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Left: left, Op: op.Kind, Right: right}
	}
	return left, nil
}

func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parsePredicate()
	if err != nil {
		return nil, err
	}
	for {
		switch p.current().Kind {
		case TokenGt, TokenGte, TokenLt, TokenLte:
			op := p.advance()
			right, err := p.parsePredicate()
			if err != nil {
				return nil, err
			}
			left = &BinaryExpr{Left: left, Op: op.Kind, Right: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parsePredicate() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	switch p.current().Kind {
	case TokenContains, TokenStartsWith, TokenEndsWith:
		op := p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{Left: left, Op: op.Kind, Right: splitAlternatives(right)}, nil
	case TokenContainsAny, TokenContainsAll:
		op := p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{Left: left, Op: op.Kind, Right: right}, nil
	}
	return left, nil
}

// splitAlternatives turns a string literal with commas into an AnyOfExpr.
func splitAlternatives(e Expr) Expr {
	lit, ok := e.(*LiteralExpr)
	if !ok {
		return e
	}
	s, ok := lit.Value.(string)
	if !ok || !strings.Contains(s, ",") {
		return e
	}
	var values []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	if len(values) == 0 {
		return e
	}
	return &AnyOfExpr{Values: values}
}

func (p *parser) parseUnary() (Expr, error) {
	if p.current().Kind == TokenNot {
		op := p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: op.Kind, Operand: operand}, nil
	}
	operand, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	if p.current().Kind == TokenIsEmpty {
		p.advance()
		return &UnaryExpr{Op: TokenIsEmpty, Operand: operand}, nil
	}
	return operand, nil
}

func (p *parser) parsePostfix() (Expr, error) {
	e, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		switch p.current().Kind {
		case TokenDot:
			p.advance()
			tok := p.current()
			switch {
			case tok.Kind == TokenIdent, tok.Kind == TokenNumber, isKeywordToken(tok.Kind):
				p.advance()
				e = &MemberExpr{Object: e, Property: tok.Value}
			default:
				return nil, fmt.Errorf("expected property name but got %s at position %d", tok.Kind, tok.Pos)
			}

		case TokenLBracket:
			p.advance()
			index, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(TokenRBracket); err != nil {
				return nil, err
			}
			e = &IndexExpr{Object: e, Index: index}

		default:
			return e, nil
		}
	}
}

func (p *parser) parsePrimary() (Expr, error) {
	tok := p.current()

	switch tok.Kind {
	case TokenNumber:
		p.advance()
		val, err := strconv.ParseFloat(tok.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at position %d", tok.Value, tok.Pos)
		}
		return &LiteralExpr{Value: val}, nil
	case TokenString:
		p.advance()
		return &LiteralExpr{Value: tok.Value}, nil
	case TokenTrue:
		p.advance()
		return &LiteralExpr{Value: true}, nil
	case TokenFalse:
		p.advance()
		return &LiteralExpr{Value: false}, nil
	case TokenNull:
		p.advance()
		return &LiteralExpr{Value: nil}, nil
	case TokenIdent:
		p.advance()
		return &IdentExpr{Name: tok.Value}, nil
	case TokenLParen:
		p.advance()
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRParen); err != nil {
			return nil, err
		}
		return e, nil
	case TokenLBracket:
		return p.parseArrayLiteral()
	default:
		return nil, fmt.Errorf("unexpected token %s at position %d", tok.Kind, tok.Pos)
	}
}

func (p *parser) parseArrayLiteral() (Expr, error) {
	p.advance()
	var elements []Expr

	if p.current().Kind == TokenRBracket {
		p.advance()
		return &ArrayLiteral{Elements: elements}, nil
	}

	for {
		elem, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		elements = append(elements, elem)
		if p.current().Kind != TokenComma {
			break
		}
		p.advance()
	}

	if _, err := p.expect(TokenRBracket); err != nil {
		return nil, err
	}
	return &ArrayLiteral{Elements: elements}, nil
}

func isKeywordToken(kind TokenKind) bool {
	switch kind {
	case TokenAnd, TokenOr, TokenNot, TokenContains, TokenStartsWith, TokenEndsWith,
		TokenContainsAny, TokenContainsAll, TokenIsEmpty, TokenTrue, TokenFalse, TokenNull:
		return true
	}
	return false
}
