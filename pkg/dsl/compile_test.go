package dsl

import (
	"strings"
	"testing"
)

const euPolicy = `allow read sensor_data if subject.tenant_id == "tenant-eu" and resource.region == "EU" and subject.device_location in ["DE", "FR", "NL"]`

func TestCompileProducesNamespacedProgram(t *testing.T) {
	t.Parallel()
	compiled, diags := Compile(euPolicy, "tenant-eu")
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %+v", diags)
	}
	if compiled.Namespace != "policies.tenant_eu" {
		t.Fatalf("unexpected namespace: %s", compiled.Namespace)
	}
	if !strings.HasPrefix(compiled.Source, "package policies.tenant_eu\n") {
		t.Fatalf("missing package line:\n%s", compiled.Source)
	}
	if !strings.Contains(compiled.Source, "default allow = false") {
		t.Fatalf("missing default deny:\n%s", compiled.Source)
	}
	if !strings.Contains(compiled.Source, "allow {") {
		t.Fatalf("missing allow block:\n%s", compiled.Source)
	}
	if !strings.Contains(compiled.Source, `action == "read"`) {
		t.Fatalf("missing implicit action guard:\n%s", compiled.Source)
	}
	if !strings.Contains(compiled.Source, `resource.type == "sensor_data"`) {
		t.Fatalf("missing implicit resource guard:\n%s", compiled.Source)
	}
}

func TestCompileDeterministic(t *testing.T) {
	t.Parallel()
	src := euPolicy + "\n" + `deny write sensor_data if environment.bandwidth_used >= 100`
	first, diags := Compile(src, "tenant-eu")
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %+v", diags)
	}
	for i := 0; i < 10; i++ {
		again, diags := Compile(src, "tenant-eu")
		if len(diags) != 0 {
			t.Fatalf("unexpected diagnostics on run %d: %+v", i, diags)
		}
		if again.Source != first.Source {
			t.Fatalf("generated source differs between runs:\n%s\n---\n%s", first.Source, again.Source)
		}
	}
}

func TestCompileMissingGuardrail(t *testing.T) {
	t.Parallel()
	src := `allow read sensor_data if resource.region == "EU"`
	compiled, diags := Compile(src, "tenant-eu")
	if compiled.Source != "" {
		t.Fatalf("expected no compiled output, got:\n%s", compiled.Source)
	}
	if len(diags) == 0 {
		t.Fatal("expected diagnostics")
	}
	found := false
	for _, d := range diags {
		if d.Code == ErrMissingGuardrail {
			found = true
			if d.Attribute != "subject.tenant_id" {
				t.Fatalf("guardrail diagnostic attribute = %q", d.Attribute)
			}
		}
	}
	if !found {
		t.Fatalf("missing guardrail code in %+v", diags)
	}
}

func TestCompileGuardrailForms(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"literal":        `allow read doc if subject.tenant_id == "tenant-a"`,
		"owner_tenant":   `allow read doc if subject.tenant_id == resource.owner_tenant`,
		"reversed_owner": `allow read doc if resource.owner_tenant == subject.tenant_id`,
	}
	for name, src := range cases {
		src := src
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, diags := Compile(src, "tenant-a"); len(diags) != 0 {
				t.Fatalf("unexpected diagnostics: %+v", diags)
			}
		})
	}
}

func TestCompileGuardrailWrongTenantLiteral(t *testing.T) {
	t.Parallel()
	src := `allow read doc if subject.tenant_id == "tenant-b"`
	_, diags := Compile(src, "tenant-a")
	if len(diags) == 0 || diags[0].Code != ErrMissingGuardrail {
		t.Fatalf("expected missing-guardrail, got %+v", diags)
	}
}

func TestCompileDenyRuleNeedsNoGuardrail(t *testing.T) {
	t.Parallel()
	src := euPolicy + "\n" + `deny write sensor_data if environment.bandwidth_used >= 100`
	compiled, diags := Compile(src, "tenant-eu")
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %+v", diags)
	}
	if !strings.Contains(compiled.Source, "deny_reason[") {
		t.Fatalf("missing deny_reason block:\n%s", compiled.Source)
	}
	if !strings.Contains(compiled.Source, "bandwidth_used") {
		t.Fatalf("deny reason should mention the condition:\n%s", compiled.Source)
	}
}

func TestCompileDiagnostics(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		src  string
		code ErrorKind
	}{
		{"parse error", `allow read if subject.tenant_id == "t"`, ErrParse},
		{"unterminated string", `allow read doc if subject.tenant_id == "t`, ErrParse},
		{"unknown attribute", `allow read doc if subject.tenant_id == "t" and subject.badge_color == "red"`, ErrUnknownAttribute},
		{"string ordering", `allow read doc if subject.tenant_id == "t" and resource.region > "EU"`, ErrInvalidLiteral},
		{"number vs string", `allow read doc if subject.tenant_id == "t" and subject.clearance_level == "high"`, ErrInvalidLiteral},
		{"mixed array", `allow read doc if subject.tenant_id == "t" and subject.roles in ["admin", 3]`, ErrInvalidLiteral},
		{"empty array", `allow read doc if subject.tenant_id == "t" and subject.roles in []`, ErrInvalidLiteral},
		{"list equality", `allow read doc if subject.tenant_id == "t" and subject.roles == "admin"`, ErrInvalidLiteral},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, diags := Compile(tc.src, "t")
			if len(diags) == 0 {
				t.Fatal("expected diagnostics")
			}
			for _, d := range diags {
				if d.Code == tc.code {
					if d.Line == 0 {
						t.Fatalf("diagnostic missing position: %+v", d)
					}
					return
				}
			}
			t.Fatalf("expected code %s in %+v", tc.code, diags)
		})
	}
}

func TestCompileExcessiveNesting(t *testing.T) {
	t.Parallel()
	cond := `subject.tenant_id == "t"`
	for i := 0; i < 9; i++ {
		cond = "not (" + cond + " and environment.country == \"DE\")"
	}
	_, diags := Compile("allow read doc if "+cond, "t")
	found := false
	for _, d := range diags {
		if d.Code == ErrExcessiveNesting {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected excessive-nesting, got %+v", diags)
	}
}

func TestValidateCollectsAllDiagnostics(t *testing.T) {
	t.Parallel()
	src := `allow read doc if subject.badge_color == "red" and environment.moon_phase == "full"`
	_, diags := Compile(src, "t")
	// Guardrail plus two unknown attributes.
	if len(diags) < 3 {
		t.Fatalf("expected all diagnostics at once, got %+v", diags)
	}
}

func TestNamespaceSanitizesTenantID(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"tenant-eu":   "policies.tenant_eu",
		"Tenant A.1":  "policies.tenant_a_1",
		"t":           "policies.t",
		"42-widgets!": "policies.42_widgets_",
	}
	for in, want := range cases {
		if got := Namespace(in); got != want {
			t.Fatalf("Namespace(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParsePrecedence(t *testing.T) {
	t.Parallel()
	doc, diag := Parse(`allow read doc if subject.tenant_id == "t" or environment.country == "DE" and environment.network == "corp"`)
	if diag != nil {
		t.Fatalf("parse failed: %+v", diag)
	}
	top, ok := doc.Rules[0].Condition.(*Logical)
	if !ok || top.Op != OpOr {
		t.Fatalf("expected or at top level, got %#v", doc.Rules[0].Condition)
	}
	if len(top.Operands) != 2 {
		t.Fatalf("expected 2 or-operands, got %d", len(top.Operands))
	}
	if inner, ok := top.Operands[1].(*Logical); !ok || inner.Op != OpAnd {
		t.Fatalf("expected and under or, got %#v", top.Operands[1])
	}
}

func TestParseHaltsOnFirstError(t *testing.T) {
	t.Parallel()
	doc, diag := Parse("allow read doc if subject.tenant_id ==\nallow write doc if subject.tenant_id == \"t\"")
	if diag == nil {
		t.Fatal("expected parse error")
	}
	if doc != nil {
		t.Fatal("expected no partial document")
	}
}

func TestRenderRoundTripsThroughParseExpr(t *testing.T) {
	t.Parallel()
	sources := []string{
		`subject.tenant_id == "tenant-eu" and resource.region == "EU"`,
		`subject.device_location in ["DE", "FR", "NL"]`,
		`environment.bandwidth_used >= 100`,
		`not environment.network == "public" or subject.clearance_level > 3`,
	}
	for _, src := range sources {
		expr, diag := ParseExpr(src)
		if diag != nil {
			t.Fatalf("parse %q: %+v", src, diag)
		}
		rendered := Render(expr)
		again, diag := ParseExpr(rendered)
		if diag != nil {
			t.Fatalf("reparse %q: %+v", rendered, diag)
		}
		if Render(again) != rendered {
			t.Fatalf("render not stable: %q vs %q", rendered, Render(again))
		}
	}
}
