package expressions

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// TokenKind identifies the type of a condition token.
type TokenKind int

const (
	TokenIdent TokenKind = iota
	TokenNumber
	TokenString

	TokenEq  // ==
	TokenNeq // !=
	TokenGt  // >
	TokenGte // >=
	TokenLt  // <
	TokenLte // <=
	TokenAnd // && and
	TokenOr  // || or
	TokenNot // ! not

	TokenContains    // contains
	TokenStartsWith  // starts_with
	TokenEndsWith    // ends_with
	TokenContainsAny // contains_any
	TokenContainsAll // contains_all
	TokenIsEmpty     // is_empty

	TokenDot
	TokenLBracket
	TokenRBracket
	TokenLParen
	TokenRParen
	TokenComma

	TokenTrue
	TokenFalse
	TokenNull
	TokenEOF
)

var tokenNames = map[TokenKind]string{
	TokenIdent:       "identifier",
	TokenNumber:      "number",
	TokenString:      "string",
	TokenEq:          "==",
	TokenNeq:         "!=",
	TokenGt:          ">",
	TokenGte:         ">=",
	TokenLt:          "<",
	TokenLte:         "<=",
	TokenAnd:         "and",
	TokenOr:          "or",
	TokenNot:         "not",
	TokenContains:    "contains",
	TokenStartsWith:  "starts_with",
	TokenEndsWith:    "ends_with",
	TokenContainsAny: "contains_any",
	TokenContainsAll: "contains_all",
	TokenIsEmpty:     "is_empty",
	TokenDot:         ".",
	TokenLBracket:    "[",
	TokenRBracket:    "]",
	TokenLParen:      "(",
	TokenRParen:      ")",
	TokenComma:       ",",
	TokenTrue:        "true",
	TokenFalse:       "false",
	TokenNull:        "null",
	TokenEOF:         "EOF",
}

func (k TokenKind) String() string {
	if name, ok := tokenNames[k]; ok {
		return name
	}
	return fmt.Sprintf("token(%d)", int(k))
}

// Token is a lexed token with its byte offset in the source.
type Token struct {
	Kind  TokenKind
	Value string
	Pos   int
}

// keywords accepts snake_case, camelCase and hyphenated spellings of the predicates.
var keywords = map[string]TokenKind{
	"and":          TokenAnd,
	"or":           TokenOr,
	"not":          TokenNot,
	"contains":     TokenContains,
	"starts_with":  TokenStartsWith,
	"startsWith":   TokenStartsWith,
	"starts-with":  TokenStartsWith,
	"ends_with":    TokenEndsWith,
	"endsWith":     TokenEndsWith,
	"ends-with":    TokenEndsWith,
	"contains_any": TokenContainsAny,
	"containsAny":  TokenContainsAny,
	"contains-any": TokenContainsAny,
	"contains_all": TokenContainsAll,
	"containsAll":  TokenContainsAll,
	"contains-all": TokenContainsAll,
	"is_empty":     TokenIsEmpty,
	"isEmpty":      TokenIsEmpty,
	"is-empty":     TokenIsEmpty,
	"true":         TokenTrue,
	"false":        TokenFalse,
	"null":         TokenNull,
}

type lexer struct {
	src    string
	pos    int
	tokens []Token
}

// Lex tokenizes a condition string. Template braces ({{ and }}) are accepted
// around paths and ignored.
func Lex(src string) ([]Token, error) {
	l := &lexer{src: src}
	if err := l.lexAll(); err != nil {
		return nil, err
	}
	return l.tokens, nil
}

func (l *lexer) lexAll() error {
	for {
		l.skipWhitespace()
		if l.pos >= len(l.src) {
			l.tokens = append(l.tokens, Token{Kind: TokenEOF, Pos: l.pos})
			return nil
		}

		if strings.HasPrefix(l.src[l.pos:], "{{") || strings.HasPrefix(l.src[l.pos:], "}}") {
			l.pos += 2
			continue
		}

		ch, _ := utf8.DecodeRuneInString(l.src[l.pos:])
		if l.tryDouble(ch) || l.trySingle(ch) {
			continue
		}

		switch {
		case ch == '"' || ch == '\'':
			if err := l.lexString(byte(ch)); err != nil {
				return err
			}
		case isDigit(ch) || (ch == '-' && l.negativeAllowed()):
			l.lexNumber()
		case isIdentStart(ch):
			l.lexIdent()
		default:
			return fmt.Errorf("unexpected character %q at position %d", string(ch), l.pos)
		}
	}
}

func (l *lexer) tryDouble(ch rune) bool {
	next := l.peek(1)
	switch {
	case ch == '=' && next == '=':
		l.emit(TokenEq, 2)
	case ch == '!' && next == '=':
		l.emit(TokenNeq, 2)
	case ch == '>' && next == '=':
		l.emit(TokenGte, 2)
	case ch == '<' && next == '=':
		l.emit(TokenLte, 2)
	case ch == '&' && next == '&':
		l.emit(TokenAnd, 2)
	case ch == '|' && next == '|':
		l.emit(TokenOr, 2)
	default:
		return false
	}
	return true
}

func (l *lexer) trySingle(ch rune) bool {
	switch ch {
	case '>':
		l.emit(TokenGt, 1)
	case '<':
		l.emit(TokenLt, 1)
	case '!':
		l.emit(TokenNot, 1)
	case '.':
		l.emit(TokenDot, 1)
	case '[':
		l.emit(TokenLBracket, 1)
	case ']':
		l.emit(TokenRBracket, 1)
	case '(':
		l.emit(TokenLParen, 1)
	case ')':
		l.emit(TokenRParen, 1)
	case ',':
		l.emit(TokenComma, 1)
	default:
		return false
	}
	return true
}

func (l *lexer) peek(offset int) byte {
	if l.pos+offset >= len(l.src) {
		return 0
	}
	return l.src[l.pos+offset]
}

func (l *lexer) emit(kind TokenKind, width int) {
	l.tokens = append(l.tokens, Token{Kind: kind, Value: l.src[l.pos : l.pos+width], Pos: l.pos})
	l.pos += width
}

func (l *lexer) skipWhitespace() {
	for l.pos < len(l.src) {
		ch, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if !unicode.IsSpace(ch) {
			return
		}
		l.pos += size
	}
}

func (l *lexer) lexString(quote byte) error {
	start := l.pos
	l.pos++
	var sb strings.Builder

	for l.pos < len(l.src) {
		ch := l.src[l.pos]
		if ch == '\\' && l.pos+1 < len(l.src) {
			esc := l.src[l.pos+1]
			switch esc {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(esc)
			}
			l.pos += 2
			continue
		}
		if ch == quote {
			l.pos++
			l.tokens = append(l.tokens, Token{Kind: TokenString, Value: sb.String(), Pos: start})
			return nil
		}
		sb.WriteByte(ch)
		l.pos++
	}
	return fmt.Errorf("unterminated string at position %d", start)
}

func (l *lexer) lexNumber() {
	start := l.pos
	if l.src[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.src) && isDigit(rune(l.src[l.pos])) {
		l.pos++
	}
	if l.pos < len(l.src) && l.src[l.pos] == '.' && l.pos+1 < len(l.src) && isDigit(rune(l.src[l.pos+1])) {
		l.pos++
		for l.pos < len(l.src) && isDigit(rune(l.src[l.pos])) {
			l.pos++
		}
	}
	l.tokens = append(l.tokens, Token{Kind: TokenNumber, Value: l.src[start:l.pos], Pos: start})
}

func (l *lexer) lexIdent() {
	start := l.pos
	l.pos = l.scanWord(l.pos)

	// Hyphenated predicates such as starts-with are joined only when the
	// joined word is a keyword.
	for l.pos < len(l.src) && l.src[l.pos] == '-' {
		end := l.scanWord(l.pos + 1)
		if end == l.pos+1 {
			break
		}
		if _, ok := keywords[l.src[start:end]]; !ok {
			break
		}
		l.pos = end
	}

	word := l.src[start:l.pos]
	kind := TokenIdent
	if kw, ok := keywords[word]; ok {
		kind = kw
	}
	l.tokens = append(l.tokens, Token{Kind: kind, Value: word, Pos: start})
}

func (l *lexer) scanWord(from int) int {
	pos := from
	for pos < len(l.src) {
		ch, size := utf8.DecodeRuneInString(l.src[pos:])
		if !isIdentPart(ch) {
			break
		}
		pos += size
	}
	return pos
}

// negativeAllowed treats '-' as a sign when it cannot be a binary operator.
func (l *lexer) negativeAllowed() bool {
	if l.pos+1 >= len(l.src) || !isDigit(rune(l.src[l.pos+1])) {
		return false
	}
	if len(l.tokens) == 0 {
		return true
	}
	switch l.tokens[len(l.tokens)-1].Kind {
	case TokenIdent, TokenNumber, TokenString, TokenRParen, TokenRBracket,
		TokenTrue, TokenFalse, TokenNull:
		return false
	}
	return true
}

func isDigit(ch rune) bool {
	return ch >= '0' && ch <= '9'
}

func isIdentStart(ch rune) bool {
	return ch == '_' || unicode.IsLetter(ch)
}

func isIdentPart(ch rune) bool {
	return ch == '_' || unicode.IsLetter(ch) || unicode.IsDigit(ch)
}
