package dsl

// Parse tokenizes and parses DSL source into a Document. On the first
// unrecoverable error it returns a single positioned diagnostic and no
// document: downstream stages assume a structurally valid tree.
func Parse(src string) (*Document, *Diagnostic) {
	toks, lexErr := newLexer(src).tokens()
	if lexErr != nil {
		return nil, &Diagnostic{Code: ErrParse, Message: lexErr.msg, Line: lexErr.line, Column: lexErr.col}
	}
	p := &parser{toks: toks}
	doc := &Document{}
	for p.peek().kind != tEOF {
		rule, diag := p.parseRule()
		if diag != nil {
			return nil, diag
		}
		doc.Rules = append(doc.Rules, rule)
	}
	return doc, nil
}

// ParseExpr parses a single condition expression. Used by the rule-program
// loader, whose block bodies share the DSL condition grammar.
func ParseExpr(src string) (Expr, *Diagnostic) {
	toks, lexErr := newLexer(src).tokens()
	if lexErr != nil {
		return nil, &Diagnostic{Code: ErrParse, Message: lexErr.msg, Line: lexErr.line, Column: lexErr.col}
	}
	p := &parser{toks: toks}
	e, diag := p.parseOr()
	if diag != nil {
		return nil, diag
	}
	if trailing := p.peek(); trailing.kind != tEOF {
		return nil, p.errorf(trailing, "unexpected trailing input")
	}
	return e, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, msg string) *Diagnostic {
	return &Diagnostic{Code: ErrParse, Message: msg, Line: t.line, Column: t.col}
}

func isReserved(word string) bool {
	switch word {
	case "allow", "deny", "if", "and", "or", "not", "in", "true", "false":
		return true
	}
	return false
}

func (p *parser) parseRule() (Rule, *Diagnostic) {
	tok := p.next()
	if tok.kind != tIdent || (tok.text != "allow" && tok.text != "deny") {
		return Rule{}, p.errorf(tok, "expected 'allow' or 'deny'")
	}
	rule := Rule{Line: tok.line, Col: tok.col}
	if tok.text == "deny" {
		rule.Effect = EffectDeny
	}
	action := p.next()
	if action.kind != tIdent || isReserved(action.text) {
		return Rule{}, p.errorf(action, "expected action identifier")
	}
	rule.Action = action.text
	resource := p.next()
	if resource.kind != tIdent || isReserved(resource.text) {
		return Rule{}, p.errorf(resource, "expected resource type identifier")
	}
	rule.ResourceType = resource.text
	ifTok := p.next()
	if ifTok.kind != tIdent || ifTok.text != "if" {
		return Rule{}, p.errorf(ifTok, "expected 'if'")
	}
	cond, diag := p.parseOr()
	if diag != nil {
		return Rule{}, diag
	}
	rule.Condition = cond
	return rule, nil
}

// Precedence, highest to lowest: parentheses, not, comparison/in, and, or.

func (p *parser) parseOr() (Expr, *Diagnostic) {
	left, diag := p.parseAnd()
	if diag != nil {
		return nil, diag
	}
	var operands []Expr
	for p.peek().kind == tIdent && p.peek().text == "or" {
		if operands == nil {
			operands = []Expr{left}
		}
		p.next()
		right, diag := p.parseAnd()
		if diag != nil {
			return nil, diag
		}
		operands = append(operands, right)
	}
	if operands == nil {
		return left, nil
	}
	line, col := operands[0].Pos()
	return &Logical{Op: OpOr, Operands: operands, Line: line, Col: col}, nil
}

func (p *parser) parseAnd() (Expr, *Diagnostic) {
	left, diag := p.parseUnary()
	if diag != nil {
		return nil, diag
	}
	var operands []Expr
	for p.peek().kind == tIdent && p.peek().text == "and" {
		if operands == nil {
			operands = []Expr{left}
		}
		p.next()
		right, diag := p.parseUnary()
		if diag != nil {
			return nil, diag
		}
		operands = append(operands, right)
	}
	if operands == nil {
		return left, nil
	}
	line, col := operands[0].Pos()
	return &Logical{Op: OpAnd, Operands: operands, Line: line, Col: col}, nil
}

func (p *parser) parseUnary() (Expr, *Diagnostic) {
	if p.peek().kind == tIdent && p.peek().text == "not" {
		tok := p.next()
		inner, diag := p.parseUnary()
		if diag != nil {
			return nil, diag
		}
		return &Logical{Op: OpNot, Operands: []Expr{inner}, Line: tok.line, Col: tok.col}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, *Diagnostic) {
	tok := p.next()
	if tok.kind == tLParen {
		inner, diag := p.parseOr()
		if diag != nil {
			return nil, diag
		}
		closing := p.next()
		if closing.kind != tRParen {
			return nil, p.errorf(closing, "expected ')'")
		}
		return inner, nil
	}
	if tok.kind != tIdent || isReserved(tok.text) {
		return nil, p.errorf(tok, "expected attribute path")
	}
	path := tok.text
	op := p.next()
	if op.kind == tIdent && op.text == "in" {
		values, diag := p.parseArray()
		if diag != nil {
			return nil, diag
		}
		return &Membership{Path: path, Values: values, Line: tok.line, Col: tok.col}, nil
	}
	if op.kind != tOp {
		return nil, p.errorf(op, "expected comparison operator or 'in'")
	}
	operand, diag := p.parseOperand()
	if diag != nil {
		return nil, diag
	}
	return &Comparison{Path: path, Op: op.text, Right: operand, Line: tok.line, Col: tok.col}, nil
}

func (p *parser) parseOperand() (Operand, *Diagnostic) {
	tok := p.next()
	switch tok.kind {
	case tString:
		return Operand{Lit: Literal{Kind: LitString, Str: tok.text}}, nil
	case tNumber:
		return Operand{Lit: Literal{Kind: LitNumber, Num: tok.num}}, nil
	case tIdent:
		if tok.text == "true" || tok.text == "false" {
			return Operand{Lit: Literal{Kind: LitBool, Bool: tok.text == "true"}}, nil
		}
		if isReserved(tok.text) {
			return Operand{}, p.errorf(tok, "expected literal or attribute path")
		}
		return Operand{IsPath: true, Path: tok.text}, nil
	default:
		return Operand{}, p.errorf(tok, "expected literal or attribute path")
	}
}

func (p *parser) parseArray() ([]Literal, *Diagnostic) {
	open := p.next()
	if open.kind != tLBracket {
		return nil, p.errorf(open, "expected '['")
	}
	var values []Literal
	if p.peek().kind == tRBracket {
		p.next()
		return values, nil
	}
	for {
		tok := p.next()
		switch tok.kind {
		case tString:
			values = append(values, Literal{Kind: LitString, Str: tok.text})
		case tNumber:
			values = append(values, Literal{Kind: LitNumber, Num: tok.num})
		case tIdent:
			if tok.text != "true" && tok.text != "false" {
				return nil, p.errorf(tok, "expected literal in array")
			}
			values = append(values, Literal{Kind: LitBool, Bool: tok.text == "true"})
		default:
			return nil, p.errorf(tok, "expected literal in array")
		}
		sep := p.next()
		if sep.kind == tRBracket {
			return values, nil
		}
		if sep.kind != tComma {
			return nil, p.errorf(sep, "expected ',' or ']'")
		}
	}
}
