package dsl

import (
	"fmt"
	"strings"
)

// CompiledPolicy is generated rule-language source plus the tenant-scoped
// namespace it targets. A pure function of (document, tenant).
type CompiledPolicy struct {
	Namespace string `json:"namespace"`
	Source    string `json:"source"`
}

// Compile runs the full parse -> validate -> generate pipeline. Generation
// never runs on a document with outstanding diagnostics.
func Compile(src, tenantID string) (CompiledPolicy, []Diagnostic) {
	doc, diag := Parse(src)
	if diag != nil {
		return CompiledPolicy{}, []Diagnostic{*diag}
	}
	if diags := Validate(doc, tenantID); len(diags) > 0 {
		return CompiledPolicy{}, diags
	}
	return Generate(doc, tenantID), nil
}

// Generate lowers a validated document into a default-deny rule program.
// Allow rules combine by OR: any matching allow block permits. Deny rules
// never flip the allow verdict; they populate the deny_reason surface the
// evaluator consults when allow is false, so the boolean algebra stays a
// single predicate while refusals keep audit-quality explanations.
// Deterministic: identical (document, tenant) input yields byte-identical
// source.
func Generate(doc *Document, tenantID string) CompiledPolicy {
	ns := Namespace(tenantID)
	var b strings.Builder
	fmt.Fprintf(&b, "package %s\n\n", ns)
	b.WriteString("default allow = false\n")
	for i := range doc.Rules {
		rule := &doc.Rules[i]
		b.WriteString("\n")
		switch rule.Effect {
		case EffectDeny:
			fmt.Fprintf(&b, "deny_reason[%q] {\n", denyReason(rule))
		default:
			b.WriteString("allow {\n")
		}
		fmt.Fprintf(&b, "\taction == %q\n", rule.Action)
		fmt.Fprintf(&b, "\tresource.type == %q\n", rule.ResourceType)
		fmt.Fprintf(&b, "\t%s\n", Render(rule.Condition))
		b.WriteString("}\n")
	}
	return CompiledPolicy{Namespace: ns, Source: b.String()}
}

// denyReason builds the human-readable refusal explanation for a deny rule.
func denyReason(rule *Rule) string {
	return fmt.Sprintf("deny %s %s: %s", rule.Action, rule.ResourceType, Render(rule.Condition))
}

// Namespace maps a tenant identifier onto a rule-program package name.
func Namespace(tenantID string) string {
	var b strings.Builder
	b.WriteString("policies.")
	for _, r := range strings.ToLower(tenantID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
