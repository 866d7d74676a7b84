package dsl

import "fmt"

// MaxNestingDepth bounds logical condition trees so evaluation stays cheap
// and decidable.
const MaxNestingDepth = 8

type attrType int

const (
	attrString attrType = iota
	attrNumber
	attrStringList
)

func (t attrType) String() string {
	switch t {
	case attrNumber:
		return "number"
	case attrStringList:
		return "string list"
	default:
		return "string"
	}
}

// Schema is the fixed ABAC attribute namespace. Policies may only reference
// these paths; unknown paths are authoring errors, not runtime lookups.
var schema = map[string]attrType{
	"subject.tenant_id":       attrString,
	"subject.user_id":         attrString,
	"subject.device_id":       attrString,
	"subject.roles":           attrStringList,
	"subject.clearance_level": attrNumber,
	"subject.device_location": attrString,

	"action": attrString,

	"resource.type":           attrString,
	"resource.id":             attrString,
	"resource.classification": attrString,
	"resource.region":         attrString,
	"resource.owner_tenant":   attrString,
	"resource.owner_user":     attrString,

	"environment.time":           attrString,
	"environment.country":        attrString,
	"environment.network":        attrString,
	"environment.risk_score":     attrNumber,
	"environment.bandwidth_used": attrNumber,
	"environment.message_count":  attrNumber,
}

// KnownAttribute reports whether path is part of the ABAC schema.
func KnownAttribute(path string) bool {
	_, ok := schema[path]
	return ok
}

// Validate walks a parsed document and returns every authoring problem it
// finds; an empty slice means the document is valid. Checks are independent
// and never fail fast, so an editor can surface all of them at once.
func Validate(doc *Document, tenantID string) []Diagnostic {
	var out []Diagnostic
	for i := range doc.Rules {
		rule := &doc.Rules[i]
		if rule.Effect == EffectAllow && !hasTenantGuardrail(rule.Condition, tenantID) {
			out = append(out, Diagnostic{
				Code:      ErrMissingGuardrail,
				Message:   fmt.Sprintf("allow rule for %s %s has no tenant guardrail conjunct", rule.Action, rule.ResourceType),
				Line:      rule.Line,
				Column:    rule.Col,
				Attribute: "subject.tenant_id",
			})
		}
		out = append(out, checkExpr(rule.Condition)...)
		if d := Depth(rule.Condition); d > MaxNestingDepth {
			line, col := rule.Condition.Pos()
			out = append(out, Diagnostic{
				Code:    ErrExcessiveNesting,
				Message: fmt.Sprintf("condition nesting depth %d exceeds limit %d", d, MaxNestingDepth),
				Line:    line,
				Column:  col,
			})
		}
	}
	return out
}

// hasTenantGuardrail reports whether a top-level conjunct binds the policy
// to its owning tenant: subject.tenant_id compared for equality against the
// tenant literal or against resource.owner_tenant (either orientation).
// This is the invariant preventing cross-tenant leakage by author mistake.
func hasTenantGuardrail(cond Expr, tenantID string) bool {
	for _, conjunct := range Conjuncts(cond) {
		c, ok := conjunct.(*Comparison)
		if !ok || c.Op != "==" {
			continue
		}
		if c.Path == "subject.tenant_id" {
			if c.Right.IsPath && c.Right.Path == "resource.owner_tenant" {
				return true
			}
			if !c.Right.IsPath && c.Right.Lit.Kind == LitString && c.Right.Lit.Str == tenantID {
				return true
			}
		}
		if c.Path == "resource.owner_tenant" && c.Right.IsPath && c.Right.Path == "subject.tenant_id" {
			return true
		}
	}
	return false
}

func checkExpr(e Expr) []Diagnostic {
	switch v := e.(type) {
	case *Comparison:
		return checkComparison(v)
	case *Membership:
		return checkMembership(v)
	case *Logical:
		var out []Diagnostic
		for _, op := range v.Operands {
			out = append(out, checkExpr(op)...)
		}
		return out
	}
	return nil
}

func checkComparison(c *Comparison) []Diagnostic {
	var out []Diagnostic
	leftType, leftKnown := schema[c.Path]
	if !leftKnown {
		out = append(out, unknownAttribute(c.Path, c.Line, c.Col))
	}
	if c.Right.IsPath {
		rightType, rightKnown := schema[c.Right.Path]
		if !rightKnown {
			out = append(out, unknownAttribute(c.Right.Path, c.Line, c.Col))
		}
		if leftKnown && rightKnown && leftType != rightType {
			out = append(out, Diagnostic{
				Code:      ErrInvalidLiteral,
				Message:   fmt.Sprintf("cannot compare %s attribute %s with %s attribute %s", leftType, c.Path, rightType, c.Right.Path),
				Line:      c.Line,
				Column:    c.Col,
				Attribute: c.Path,
			})
		}
		if leftKnown && isOrderingOp(c.Op) && leftType != attrNumber {
			out = append(out, orderingOnNonNumber(c.Path, c.Op, c.Line, c.Col))
		}
		return out
	}
	if !leftKnown {
		return out
	}
	if leftType == attrStringList {
		out = append(out, Diagnostic{
			Code:      ErrInvalidLiteral,
			Message:   fmt.Sprintf("list attribute %s only supports 'in'", c.Path),
			Line:      c.Line,
			Column:    c.Col,
			Attribute: c.Path,
		})
		return out
	}
	if isOrderingOp(c.Op) {
		if leftType != attrNumber || c.Right.Lit.Kind != LitNumber {
			out = append(out, orderingOnNonNumber(c.Path, c.Op, c.Line, c.Col))
		}
		return out
	}
	if !literalMatches(leftType, c.Right.Lit.Kind) {
		out = append(out, Diagnostic{
			Code:      ErrInvalidLiteral,
			Message:   fmt.Sprintf("%s literal %s does not match %s attribute %s", c.Right.Lit.Kind, c.Right.Lit.Render(), leftType, c.Path),
			Line:      c.Line,
			Column:    c.Col,
			Attribute: c.Path,
		})
	}
	return out
}

func checkMembership(m *Membership) []Diagnostic {
	var out []Diagnostic
	leftType, leftKnown := schema[m.Path]
	if !leftKnown {
		out = append(out, unknownAttribute(m.Path, m.Line, m.Col))
	}
	if len(m.Values) == 0 {
		out = append(out, Diagnostic{
			Code:      ErrInvalidLiteral,
			Message:   "membership array must not be empty",
			Line:      m.Line,
			Column:    m.Col,
			Attribute: m.Path,
		})
		return out
	}
	kind := m.Values[0].Kind
	for _, lit := range m.Values[1:] {
		if lit.Kind != kind {
			out = append(out, Diagnostic{
				Code:      ErrInvalidLiteral,
				Message:   fmt.Sprintf("membership array mixes %s and %s literals", kind, lit.Kind),
				Line:      m.Line,
				Column:    m.Col,
				Attribute: m.Path,
			})
			return out
		}
	}
	if !leftKnown {
		return out
	}
	elemOK := false
	switch leftType {
	case attrString, attrStringList:
		elemOK = kind == LitString
	case attrNumber:
		elemOK = kind == LitNumber
	}
	if !elemOK {
		out = append(out, Diagnostic{
			Code:      ErrInvalidLiteral,
			Message:   fmt.Sprintf("membership array of %s literals does not match %s attribute %s", kind, leftType, m.Path),
			Line:      m.Line,
			Column:    m.Col,
			Attribute: m.Path,
		})
	}
	return out
}

func unknownAttribute(path string, line, col int) Diagnostic {
	return Diagnostic{
		Code:      ErrUnknownAttribute,
		Message:   fmt.Sprintf("attribute %s is not part of the ABAC schema", path),
		Line:      line,
		Column:    col,
		Attribute: path,
	}
}

func orderingOnNonNumber(path, op string, line, col int) Diagnostic {
	return Diagnostic{
		Code:      ErrInvalidLiteral,
		Message:   fmt.Sprintf("operator %s requires numeric attribute and literal (attribute %s)", op, path),
		Line:      line,
		Column:    col,
		Attribute: path,
	}
}

func literalMatches(t attrType, k LitKind) bool {
	switch t {
	case attrString:
		return k == LitString
	case attrNumber:
		return k == LitNumber
	default:
		return false
	}
}

func isOrderingOp(op string) bool {
	switch op {
	case "<", "<=", ">", ">=":
		return true
	}
	return false
}
