package ruleprog

import (
	"math"

	"bastion/pkg/dsl"
	"bastion/pkg/models"
)

// Evaluation is fail-closed by construction: any comparison or membership
// over an attribute the input does not carry resolves to false, never to an
// error, so conditions over optional fields deny automatically.

func evalExpr(e dsl.Expr, in *models.ABACInput) bool {
	switch v := e.(type) {
	case *dsl.Logical:
		switch v.Op {
		case dsl.OpAnd:
			for _, op := range v.Operands {
				if !evalExpr(op, in) {
					return false
				}
			}
			return true
		case dsl.OpOr:
			for _, op := range v.Operands {
				if evalExpr(op, in) {
					return true
				}
			}
			return false
		default: // not
			return !evalExpr(v.Operands[0], in)
		}
	case *dsl.Comparison:
		return evalComparison(v, in)
	case *dsl.Membership:
		return evalMembership(v, in)
	}
	return false
}

func evalComparison(c *dsl.Comparison, in *models.ABACInput) bool {
	if c.Right.IsPath {
		if ln, ok := resolveNumber(c.Path, in); ok {
			rn, ok := resolveNumber(c.Right.Path, in)
			return ok && compareNumbers(ln, c.Op, rn)
		}
		ls, ok := resolveString(c.Path, in)
		if !ok {
			return false
		}
		rs, ok := resolveString(c.Right.Path, in)
		return ok && compareStrings(ls, c.Op, rs)
	}
	switch c.Right.Lit.Kind {
	case dsl.LitNumber:
		ln, ok := resolveNumber(c.Path, in)
		return ok && compareNumbers(ln, c.Op, c.Right.Lit.Num)
	case dsl.LitString:
		ls, ok := resolveString(c.Path, in)
		return ok && compareStrings(ls, c.Op, c.Right.Lit.Str)
	default:
		// No boolean attributes in the schema.
		return false
	}
}

func evalMembership(m *dsl.Membership, in *models.ABACInput) bool {
	if list, ok := resolveList(m.Path, in); ok {
		for _, item := range list {
			for _, lit := range m.Values {
				if lit.Kind == dsl.LitString && lit.Str == item {
					return true
				}
			}
		}
		return false
	}
	if s, ok := resolveString(m.Path, in); ok {
		for _, lit := range m.Values {
			if lit.Kind == dsl.LitString && lit.Str == s {
				return true
			}
		}
		return false
	}
	if n, ok := resolveNumber(m.Path, in); ok {
		for _, lit := range m.Values {
			if lit.Kind == dsl.LitNumber && numbersEqual(n, lit.Num) {
				return true
			}
		}
	}
	return false
}

func compareStrings(l, op, r string) bool {
	switch op {
	case "==":
		return l == r
	case "!=":
		return l != r
	default:
		// Ordering over strings is rejected by the validator; a stray
		// program still fails closed.
		return false
	}
}

func compareNumbers(l float64, op string, r float64) bool {
	switch op {
	case "==":
		return numbersEqual(l, r)
	case "!=":
		return !numbersEqual(l, r)
	case "<":
		return l < r
	case "<=":
		return l <= r
	case ">":
		return l > r
	case ">=":
		return l >= r
	}
	return false
}

func numbersEqual(l, r float64) bool {
	return math.Abs(l-r) < 1e-9
}

// resolveString resolves a string-typed attribute. An empty value counts as
// absent.
func resolveString(path string, in *models.ABACInput) (string, bool) {
	var v string
	switch path {
	case "subject.tenant_id":
		v = in.Subject.TenantID
	case "subject.user_id":
		v = in.Subject.UserID
	case "subject.device_id":
		v = in.Subject.DeviceID
	case "subject.device_location":
		v = in.Subject.DeviceLocation
	case "action":
		v = in.Action
	case "resource.type":
		v = in.Resource.Type
	case "resource.id":
		v = in.Resource.ID
	case "resource.classification":
		v = in.Resource.Classification
	case "resource.region":
		v = in.Resource.Region
	case "resource.owner_tenant":
		v = in.Resource.OwnerTenant
	case "resource.owner_user":
		v = in.Resource.OwnerUser
	case "environment.time":
		v = in.Environment.Time
	case "environment.country":
		v = in.Environment.Country
	case "environment.network":
		v = in.Environment.Network
	default:
		return "", false
	}
	return v, v != ""
}

func resolveNumber(path string, in *models.ABACInput) (float64, bool) {
	var v *float64
	switch path {
	case "subject.clearance_level":
		v = in.Subject.ClearanceLevel
	case "environment.risk_score":
		v = in.Environment.RiskScore
	case "environment.bandwidth_used":
		v = in.Environment.BandwidthUsed
	case "environment.message_count":
		v = in.Environment.MessageCount
	default:
		return 0, false
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

func resolveList(path string, in *models.ABACInput) ([]string, bool) {
	if path == "subject.roles" {
		return in.Subject.Roles, len(in.Subject.Roles) > 0
	}
	return nil, false
}
