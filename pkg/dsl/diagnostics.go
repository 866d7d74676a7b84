package dsl

import "fmt"

// ErrorKind is the closed set of compilation diagnostic codes.
type ErrorKind string

const (
	ErrParse            ErrorKind = "parse-error"
	ErrMissingGuardrail ErrorKind = "missing-tenant-guardrail"
	ErrUnknownAttribute ErrorKind = "unknown-attribute"
	ErrInvalidLiteral   ErrorKind = "invalid-literal"
	ErrExcessiveNesting ErrorKind = "excessive-nesting"
)

// Diagnostic is a positioned compile-time finding. Diagnostics are values
// returned to the caller, never panics.
type Diagnostic struct {
	Code      ErrorKind `json:"code"`
	Message   string    `json:"message"`
	Line      int       `json:"line"`
	Column    int       `json:"column"`
	Attribute string    `json:"attribute,omitempty"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s (line %d, column %d)", d.Code, d.Message, d.Line, d.Column)
}
