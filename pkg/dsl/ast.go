package dsl

import (
	"strconv"
	"strings"
)

// Effect is the outcome a rule contributes when its condition matches.
type Effect int

const (
	EffectAllow Effect = iota
	EffectDeny
)

func (e Effect) String() string {
	if e == EffectDeny {
		return "deny"
	}
	return "allow"
}

// Document is an ordered sequence of parsed rules. It is immutable once
// produced by Parse and discarded after compilation.
type Document struct {
	Rules []Rule
}

type Rule struct {
	Effect       Effect
	Action       string
	ResourceType string
	Condition    Expr
	Line         int
	Col          int
}

// Expr is the closed set of condition forms: Comparison, Membership and
// Logical. New operators are added as variants, never by open dispatch.
type Expr interface {
	exprNode()
	Pos() (line, col int)
}

// Comparison tests an attribute path against a literal or another path.
type Comparison struct {
	Path  string
	Op    string // == != < <= > >=
	Right Operand
	Line  int
	Col   int
}

func (c *Comparison) exprNode()       {}
func (c *Comparison) Pos() (int, int) { return c.Line, c.Col }

// Operand is the right-hand side of a comparison.
type Operand struct {
	IsPath bool
	Path   string
	Lit    Literal
}

// Membership tests an attribute path against a literal array.
type Membership struct {
	Path   string
	Values []Literal
	Line   int
	Col    int
}

func (m *Membership) exprNode()       {}
func (m *Membership) Pos() (int, int) { return m.Line, m.Col }

type LogicalOp int

const (
	OpAnd LogicalOp = iota
	OpOr
	OpNot
)

func (op LogicalOp) String() string {
	switch op {
	case OpOr:
		return "or"
	case OpNot:
		return "not"
	default:
		return "and"
	}
}

// Logical combines operands with and/or/not. Not has exactly one operand.
type Logical struct {
	Op       LogicalOp
	Operands []Expr
	Line     int
	Col      int
}

func (l *Logical) exprNode()       {}
func (l *Logical) Pos() (int, int) { return l.Line, l.Col }

type LitKind int

const (
	LitString LitKind = iota
	LitNumber
	LitBool
)

func (k LitKind) String() string {
	switch k {
	case LitNumber:
		return "number"
	case LitBool:
		return "boolean"
	default:
		return "string"
	}
}

type Literal struct {
	Kind LitKind
	Str  string
	Num  float64
	Bool bool
}

// Render produces the canonical source form of a literal. Used by the code
// generator, so it must be deterministic.
func (l Literal) Render() string {
	switch l.Kind {
	case LitNumber:
		return strconv.FormatFloat(l.Num, 'f', -1, 64)
	case LitBool:
		return strconv.FormatBool(l.Bool)
	default:
		return strconv.Quote(l.Str)
	}
}

// Render produces the canonical source form of an expression.
func Render(e Expr) string {
	var b strings.Builder
	renderExpr(&b, e, false)
	return b.String()
}

func renderExpr(b *strings.Builder, e Expr, parenthesize bool) {
	switch v := e.(type) {
	case *Comparison:
		b.WriteString(v.Path)
		b.WriteString(" ")
		b.WriteString(v.Op)
		b.WriteString(" ")
		if v.Right.IsPath {
			b.WriteString(v.Right.Path)
		} else {
			b.WriteString(v.Right.Lit.Render())
		}
	case *Membership:
		b.WriteString(v.Path)
		b.WriteString(" in [")
		for i, lit := range v.Values {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(lit.Render())
		}
		b.WriteString("]")
	case *Logical:
		if v.Op == OpNot {
			b.WriteString("not ")
			renderExpr(b, v.Operands[0], true)
			return
		}
		if parenthesize {
			b.WriteString("(")
		}
		for i, op := range v.Operands {
			if i > 0 {
				b.WriteString(" ")
				b.WriteString(v.Op.String())
				b.WriteString(" ")
			}
			_, inner := op.(*Logical)
			renderExpr(b, op, inner)
		}
		if parenthesize {
			b.WriteString(")")
		}
	}
}

// Conjuncts flattens nested top-level ands into a list of conjuncts.
func Conjuncts(e Expr) []Expr {
	l, ok := e.(*Logical)
	if !ok || l.Op != OpAnd {
		return []Expr{e}
	}
	out := make([]Expr, 0, len(l.Operands))
	for _, op := range l.Operands {
		out = append(out, Conjuncts(op)...)
	}
	return out
}

// Depth reports the maximum logical nesting depth of an expression.
// Comparisons and memberships count as depth 1.
func Depth(e Expr) int {
	l, ok := e.(*Logical)
	if !ok {
		return 1
	}
	max := 0
	for _, op := range l.Operands {
		if d := Depth(op); d > max {
			max = d
		}
	}
	return max + 1
}
