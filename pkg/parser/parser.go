// Package parser implements the Feeny language parser.
//
// The parser converts a token stream (from pkg/lexer) into an
// Abstract Syntax Tree (pkg/ast). It uses recursive descent with a
// two-token lookahead window (curTok/peekTok), the same shape as a
// hand-written Pratt parser without the precedence-climbing table:
// Feeny's operator grammar is small enough that each precedence level
// gets its own function instead.
//
// Grammar (informal, matching spec §1/§6):
//
//	program    := scope-stmt
//	scope-stmt := (var-decl | fn-decl | expr)*      ; folded right into ScopeSeq
//	expr       := assign
//	assign     := lvalue "=" assign | compare
//	compare    := term (("<" | "<=" | ">" | ">=" | "==") term)*
//	term       := factor (("+" | "-") factor)*
//	factor     := unary (("*" | "/" | "%") unary)*
//	unary      := "-" unary | chain
//	chain      := primary (("[" expr ("," expr)* "]") | ("." IDENT ("(" args ")")?) | ("(" args ")"))*
//	primary    := INTEGER | "null" | "(" expr ")" | IDENT
//	            | "if" expr ":" body ("else" ":" body)?
//	            | "while" expr ":" body
//	            | "object" expr? ":" INDENT slot-stmt* DEDENT
//	            | "array" "(" expr "," expr ")"
//	            | "printf" "(" STRING ("," expr)* ")"
//	body       := INDENT scope-stmt DEDENT | expr   ; expr: written on the ':' line
//
// Function and method declarations take the same body after their ':'.
//
// Errors are fatal and reported eagerly, mirroring the reference
// parser's fail-on-first-error behavior (it calls exit(1) rather than
// collecting a list) — Parse returns the first error it hits instead.
package parser

import (
	"fmt"
	"strconv"

	"github.com/kristofer/feeny/pkg/ast"
	"github.com/kristofer/feeny/pkg/lexer"
)

// Parser holds the token-lookahead state for one parse.
type Parser struct {
	l       *lexer.Lexer
	curTok  lexer.Token
	peekTok lexer.Token
	err     error
}

// New creates a parser over source, primed with the first two tokens.
func New(source string) (*Parser, error) {
	p := &Parser{l: lexer.New(source)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Parser) advance() error {
	p.curTok = p.peekTok
	tok, err := p.l.NextToken()
	if err != nil {
		return err
	}
	p.peekTok = tok
	return nil
}

func (p *Parser) check(tt lexer.TokenType) bool { return p.curTok.Type == tt }

func (p *Parser) match(tt lexer.TokenType) (bool, error) {
	if p.check(tt) {
		return true, p.advance()
	}
	return false, nil
}

func (p *Parser) consume(tt lexer.TokenType, msg string) error {
	if p.check(tt) {
		return p.advance()
	}
	return p.errorf("%s (got %s %q at line %d)", msg, p.curTok.Type, p.curTok.Literal, p.curTok.Line)
}

func (p *Parser) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("parser: "+format, args...)
}

// Parse parses a complete program and checks for trailing input.
func Parse(source string) (*ast.Program, error) {
	p, err := New(source)
	if err != nil {
		return nil, err
	}
	top, err := p.parseScopeStatement()
	if err != nil {
		return nil, err
	}
	if !p.check(lexerTokenEOF) {
		return nil, p.errorf("expected end of input, got %s at line %d", p.curTok.Type, p.curTok.Line)
	}
	return &ast.Program{Top: top}, nil
}

const lexerTokenEOF = lexer.TokenEOF

// parseScopeStatement parses statements until EOF or DEDENT, folding
// them right into a ScopeSeq chain (or a single statement, or an
// implicit `null` if the block is empty).
func (p *Parser) parseScopeStatement() (ast.ScopeStatement, error) {
	var stmts []ast.ScopeStatement
	for !p.check(lexer.TokenEOF) && !p.check(lexer.TokenDedent) {
		var stmt ast.ScopeStatement
		var err error
		switch p.curTok.Type {
		case lexer.TokenVar:
			stmt, err = p.parseVarDecl()
		case lexer.TokenDefn:
			stmt, err = p.parseFnDecl()
		default:
			var expr ast.Expression
			expr, err = p.parseExpr()
			if err == nil {
				stmt = &ast.ScopeExp{Exp: expr}
			}
		}
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}

	switch len(stmts) {
	case 0:
		return &ast.ScopeExp{Exp: &ast.NullLit{}}, nil
	case 1:
		return stmts[0], nil
	default:
		result := stmts[len(stmts)-1]
		for i := len(stmts) - 2; i >= 0; i-- {
			result = &ast.ScopeSeq{A: stmts[i], B: result}
		}
		return result, nil
	}
}

func (p *Parser) parseVarDecl() (ast.ScopeStatement, error) {
	if err := p.consume(lexer.TokenVar, "expected 'var'"); err != nil {
		return nil, err
	}
	if !p.check(lexer.TokenIdentifier) {
		return nil, p.errorf("expected variable name")
	}
	name := p.curTok.Literal
	if name == "this" {
		return nil, p.errorf("'this' is a reserved name")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.consume(lexer.TokenEqual, "expected '=' after variable name"); err != nil {
		return nil, err
	}
	init, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &ast.ScopeVar{Name: name, Init: init}, nil
}

func (p *Parser) parseFnDecl() (ast.ScopeStatement, error) {
	if err := p.consume(lexer.TokenDefn, "expected 'defn'"); err != nil {
		return nil, err
	}
	if !p.check(lexer.TokenIdentifier) {
		return nil, p.errorf("expected function name")
	}
	name := p.curTok.Literal
	if err := p.advance(); err != nil {
		return nil, err
	}
	params, err := p.parseParamList()
	if err != nil {
		return nil, err
	}
	if err := p.consume(lexer.TokenColon, "expected ':' after function declaration"); err != nil {
		return nil, err
	}
	body, err := p.parseIndentedBlock()
	if err != nil {
		return nil, err
	}
	return &ast.ScopeFn{Name: name, Params: params, Body: body}, nil
}

func (p *Parser) parseParamList() ([]string, error) {
	if err := p.consume(lexer.TokenLParen, "expected '(' before parameter list"); err != nil {
		return nil, err
	}
	var params []string
	if !p.check(lexer.TokenRParen) {
		for {
			if !p.check(lexer.TokenIdentifier) {
				return nil, p.errorf("expected parameter name")
			}
			params = append(params, p.curTok.Literal)
			if err := p.advance(); err != nil {
				return nil, err
			}
			ok, err := p.match(lexer.TokenComma)
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
		}
	}
	if err := p.consume(lexer.TokenRParen, "expected ')' after parameters"); err != nil {
		return nil, err
	}
	return params, nil
}

// parseIndentedBlock consumes INDENT scope-stmt DEDENT, or, when no INDENT
// follows the ':', a single expression written on the same line as the
// ':' (as in `method get(): 1`).
func (p *Parser) parseIndentedBlock() (ast.ScopeStatement, error) {
	if !p.check(lexer.TokenIndent) {
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &ast.ScopeExp{Exp: expr}, nil
	}
	if err := p.consume(lexer.TokenIndent, "expected an indented block"); err != nil {
		return nil, err
	}
	body, err := p.parseScopeStatement()
	if err != nil {
		return nil, err
	}
	if err := p.consume(lexer.TokenDedent, "expected dedent at end of block"); err != nil {
		return nil, err
	}
	return body, nil
}

func (p *Parser) parseSlotStatement() (ast.SlotStatement, error) {
	switch {
	case p.check(lexer.TokenVar):
		if err := p.advance(); err != nil {
			return nil, err
		}
		if !p.check(lexer.TokenIdentifier) {
			return nil, p.errorf("expected field name")
		}
		name := p.curTok.Literal
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.consume(lexer.TokenEqual, "expected '=' after field name"); err != nil {
			return nil, err
		}
		init, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &ast.SlotVar{Name: name, Init: init}, nil

	case p.check(lexer.TokenMethod):
		if err := p.advance(); err != nil {
			return nil, err
		}
		if !p.check(lexer.TokenIdentifier) {
			return nil, p.errorf("expected method name")
		}
		name := p.curTok.Literal
		if err := p.advance(); err != nil {
			return nil, err
		}
		params, err := p.parseParamList()
		if err != nil {
			return nil, err
		}
		if err := p.consume(lexer.TokenColon, "expected ':' after method declaration"); err != nil {
			return nil, err
		}
		body, err := p.parseIndentedBlock()
		if err != nil {
			return nil, err
		}
		return &ast.SlotMethod{Name: name, Params: params, Body: body}, nil

	default:
		return nil, p.errorf("expected 'var' or 'method' declaration, got %s", p.curTok.Type)
	}
}

func (p *Parser) parseExpr() (ast.Expression, error) {
	return p.parseAssign()
}

// parseAssign handles `lvalue = expr`. The grammar first parses a
// normal compare-expression, then reinterprets it as an assignment
// target if a bare '=' follows; `a[i] = v` (compiled as CallSlot "get")
// is rewritten into a CallSlot "set" call with the value appended.
func (p *Parser) parseAssign() (ast.Expression, error) {
	expr, err := p.parseCompare()
	if err != nil {
		return nil, err
	}
	if !isAssignable(expr) || !p.check(lexer.TokenEqual) {
		return expr, nil
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	rhs, err := p.parseAssign()
	if err != nil {
		return nil, err
	}
	switch target := expr.(type) {
	case *ast.Ref:
		return &ast.Set{Name: target.Name, Value: rhs}, nil
	case *ast.Slot:
		return &ast.SetSlot{Name: target.Name, Receiver: target.Receiver, Value: rhs}, nil
	case *ast.CallSlot: // only "get" reaches here, per isAssignable
		return &ast.CallSlot{Name: "set", Receiver: target.Receiver, Args: append(append([]ast.Expression{}, target.Args...), rhs)}, nil
	default:
		return nil, p.errorf("invalid assignment target")
	}
}

func isAssignable(e ast.Expression) bool {
	switch v := e.(type) {
	case *ast.Ref, *ast.Slot:
		return true
	case *ast.CallSlot:
		return v.Name == "get"
	default:
		return false
	}
}

func (p *Parser) parseCompare() (ast.Expression, error) {
	expr, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		name, ok := compareOpName(p.curTok.Type)
		if !ok {
			return expr, nil
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		rhs, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		expr = &ast.CallSlot{Name: name, Receiver: expr, Args: []ast.Expression{rhs}}
	}
}

func compareOpName(tt lexer.TokenType) (string, bool) {
	switch tt {
	case lexer.TokenLt:
		return "lt", true
	case lexer.TokenLe:
		return "le", true
	case lexer.TokenGt:
		return "gt", true
	case lexer.TokenGe:
		return "ge", true
	case lexer.TokenEq:
		return "eq", true
	default:
		return "", false
	}
}

func (p *Parser) parseTerm() (ast.Expression, error) {
	expr, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for p.check(lexer.TokenPlus) || p.check(lexer.TokenMinus) {
		name := "add"
		if p.curTok.Type == lexer.TokenMinus {
			name = "sub"
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		rhs, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		expr = &ast.CallSlot{Name: name, Receiver: expr, Args: []ast.Expression{rhs}}
	}
	return expr, nil
}

func (p *Parser) parseFactor() (ast.Expression, error) {
	expr, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var name string
		switch p.curTok.Type {
		case lexer.TokenStar:
			name = "mul"
		case lexer.TokenSlash:
			name = "div"
		case lexer.TokenPercent:
			name = "mod"
		default:
			return expr, nil
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		rhs, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		expr = &ast.CallSlot{Name: name, Receiver: expr, Args: []ast.Expression{rhs}}
	}
}

// parseUnary desugars `-e` into `0.sub(e)`, matching the reference
// compiler: Feeny has no dedicated negation opcode.
func (p *Parser) parseUnary() (ast.Expression, error) {
	if p.check(lexer.TokenMinus) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ast.CallSlot{Name: "sub", Receiver: &ast.IntLit{Value: 0}, Args: []ast.Expression{operand}}, nil
	}
	return p.parseChain()
}

// parseChain handles postfix `.name`, `.name(args)`, `(args)`, and
// `[args]` (array sugar for `.get`/`.set`) applied to a primary
// expression. Printf/Array/Object never take postfix operators.
func (p *Parser) parseChain() (ast.Expression, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	switch expr.(type) {
	case *ast.Printf, *ast.Array, *ast.Object:
		return expr, nil
	}

	isBareRef := func() bool { _, ok := expr.(*ast.Ref); return ok }

	for {
		switch {
		case p.check(lexer.TokenLBracket):
			if err := p.advance(); err != nil {
				return nil, err
			}
			args, err := p.parseExprListUntil(lexer.TokenRBracket)
			if err != nil {
				return nil, err
			}
			if err := p.consume(lexer.TokenRBracket, "expected ']' after index"); err != nil {
				return nil, err
			}
			expr = &ast.CallSlot{Name: "get", Receiver: expr, Args: args}

		case p.check(lexer.TokenDot):
			if err := p.advance(); err != nil {
				return nil, err
			}
			if !p.check(lexer.TokenIdentifier) {
				return nil, p.errorf("expected property name after '.'")
			}
			name := p.curTok.Literal
			if err := p.advance(); err != nil {
				return nil, err
			}
			if ok, err := p.match(lexer.TokenLParen); err != nil {
				return nil, err
			} else if ok {
				args, err := p.parseExprListUntil(lexer.TokenRParen)
				if err != nil {
					return nil, err
				}
				if err := p.consume(lexer.TokenRParen, "expected ')' after arguments"); err != nil {
					return nil, err
				}
				expr = &ast.CallSlot{Name: name, Receiver: expr, Args: args}
			} else {
				expr = &ast.Slot{Name: name, Receiver: expr}
			}

		case p.check(lexer.TokenLParen):
			if !isBareRef() {
				return nil, p.errorf("invalid call syntax")
			}
			name := expr.(*ast.Ref).Name
			if err := p.advance(); err != nil {
				return nil, err
			}
			args, err := p.parseExprListUntil(lexer.TokenRParen)
			if err != nil {
				return nil, err
			}
			if err := p.consume(lexer.TokenRParen, "expected ')' after arguments"); err != nil {
				return nil, err
			}
			expr = &ast.Call{Name: name, Args: args}

		default:
			return expr, nil
		}
	}
}

func (p *Parser) parseExprListUntil(end lexer.TokenType) ([]ast.Expression, error) {
	var args []ast.Expression
	if p.check(end) {
		return args, nil
	}
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, e)
		ok, err := p.match(lexer.TokenComma)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
	}
	return args, nil
}

func (p *Parser) parsePrimary() (ast.Expression, error) {
	switch p.curTok.Type {
	case lexer.TokenInteger:
		lit := p.curTok.Literal
		if err := p.advance(); err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(lit, 10, 32)
		if err != nil {
			return nil, p.errorf("invalid integer literal %q", lit)
		}
		return &ast.IntLit{Value: int32(n)}, nil

	case lexer.TokenNull:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &ast.NullLit{}, nil

	case lexer.TokenLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.consume(lexer.TokenRParen, "expected ')' after expression"); err != nil {
			return nil, err
		}
		return expr, nil

	case lexer.TokenIdentifier:
		name := p.curTok.Literal
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &ast.Ref{Name: name}, nil

	case lexer.TokenIf:
		return p.parseIf()

	case lexer.TokenWhile:
		return p.parseWhile()

	case lexer.TokenObject:
		return p.parseObject()

	case lexer.TokenArray:
		return p.parseArray()

	case lexer.TokenPrintf:
		return p.parsePrintf()

	default:
		return nil, p.errorf("unexpected token %s %q", p.curTok.Type, p.curTok.Literal)
	}
}

func (p *Parser) parseIf() (ast.Expression, error) {
	if err := p.advance(); err != nil { // consume 'if'
		return nil, err
	}
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.consume(lexer.TokenColon, "expected ':' after if condition"); err != nil {
		return nil, err
	}
	thenBranch, err := p.parseIndentedBlock()
	if err != nil {
		return nil, err
	}
	elseBranch := ast.ScopeStatement(&ast.ScopeExp{Exp: &ast.NullLit{}})
	if ok, err := p.match(lexer.TokenElse); err != nil {
		return nil, err
	} else if ok {
		if err := p.consume(lexer.TokenColon, "expected ':' after 'else'"); err != nil {
			return nil, err
		}
		elseBranch, err = p.parseIndentedBlock()
		if err != nil {
			return nil, err
		}
	}
	return &ast.If{Cond: cond, Then: thenBranch, Else: elseBranch}, nil
}

func (p *Parser) parseWhile() (ast.Expression, error) {
	if err := p.advance(); err != nil { // consume 'while'
		return nil, err
	}
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.consume(lexer.TokenColon, "expected ':' after while condition"); err != nil {
		return nil, err
	}
	body, err := p.parseIndentedBlock()
	if err != nil {
		return nil, err
	}
	return &ast.While{Cond: cond, Body: body}, nil
}

func (p *Parser) parseObject() (ast.Expression, error) {
	if err := p.advance(); err != nil { // consume 'object'
		return nil, err
	}
	var parent ast.Expression
	if !p.check(lexer.TokenColon) {
		var err error
		parent, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	if err := p.consume(lexer.TokenColon, "expected ':' after object declaration"); err != nil {
		return nil, err
	}
	if err := p.consume(lexer.TokenIndent, "expected indentation after object declaration"); err != nil {
		return nil, err
	}
	var slots []ast.SlotStatement
	for !p.check(lexer.TokenDedent) && !p.check(lexer.TokenEOF) {
		slot, err := p.parseSlotStatement()
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	if err := p.consume(lexer.TokenDedent, "expected dedent after object declaration"); err != nil {
		return nil, err
	}
	return &ast.Object{Parent: parent, Slots: slots}, nil
}

func (p *Parser) parseArray() (ast.Expression, error) {
	if err := p.advance(); err != nil { // consume 'array'
		return nil, err
	}
	if err := p.consume(lexer.TokenLParen, "expected '(' after 'array'"); err != nil {
		return nil, err
	}
	length, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.consume(lexer.TokenComma, "expected ',' after array length"); err != nil {
		return nil, err
	}
	init, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.consume(lexer.TokenRParen, "expected ')' after array initializer"); err != nil {
		return nil, err
	}
	return &ast.Array{Length: length, Init: init}, nil
}

func (p *Parser) parsePrintf() (ast.Expression, error) {
	if err := p.advance(); err != nil { // consume 'printf'
		return nil, err
	}
	if err := p.consume(lexer.TokenLParen, "expected '(' after 'printf'"); err != nil {
		return nil, err
	}
	if !p.check(lexer.TokenString) {
		return nil, p.errorf("expected string literal in printf")
	}
	format := p.curTok.Literal
	if err := p.advance(); err != nil {
		return nil, err
	}
	var args []ast.Expression
	for {
		ok, err := p.match(lexer.TokenComma)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	if err := p.consume(lexer.TokenRParen, "expected ')' after printf arguments"); err != nil {
		return nil, err
	}
	return &ast.Printf{Format: format, Args: args}, nil
}
