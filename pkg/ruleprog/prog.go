// Package ruleprog loads compiled rule programs and evaluates them against
// ABAC inputs. A loaded Program is immutable: all condition expressions are
// parsed once at load time so the per-request path does no parsing and no
// I/O.
package ruleprog

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"bastion/pkg/dsl"
	"bastion/pkg/models"
)

// Program is one tenant's loaded rule-evaluation instance.
type Program struct {
	Namespace    string
	defaultAllow bool
	allows       []ruleBlock
	denies       []denyBlock
}

type ruleBlock struct {
	conjuncts []dsl.Expr
}

type denyBlock struct {
	reason    string
	conjuncts []dsl.Expr
}

// Parse reads generated rule-language source into a Program. The dialect is
// the compiler's output contract: a package line, a default-allow line, and
// allow / deny_reason blocks whose body lines are condition expressions.
func Parse(source string) (*Program, error) {
	prog := &Program{}
	scanner := bufio.NewScanner(strings.NewReader(source))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	var allow *ruleBlock
	var deny *denyBlock
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		inBlock := allow != nil || deny != nil
		switch {
		case line == "}":
			if !inBlock {
				return nil, fmt.Errorf("unexpected '}' at line %d", lineNo)
			}
			if allow != nil {
				prog.allows = append(prog.allows, *allow)
				allow = nil
			} else {
				prog.denies = append(prog.denies, *deny)
				deny = nil
			}
		case inBlock:
			expr, diag := dsl.ParseExpr(line)
			if diag != nil {
				return nil, fmt.Errorf("invalid condition at line %d: %s", lineNo, diag.Message)
			}
			if allow != nil {
				allow.conjuncts = append(allow.conjuncts, expr)
			} else {
				deny.conjuncts = append(deny.conjuncts, expr)
			}
		case strings.HasPrefix(line, "package "):
			if prog.Namespace != "" {
				return nil, fmt.Errorf("duplicate package declaration at line %d", lineNo)
			}
			ns := strings.TrimSpace(strings.TrimPrefix(line, "package "))
			if ns == "" {
				return nil, fmt.Errorf("empty package name at line %d", lineNo)
			}
			prog.Namespace = ns
		case strings.HasPrefix(line, "default allow"):
			value := strings.TrimSpace(strings.TrimPrefix(line, "default allow"))
			value = strings.TrimSpace(strings.TrimPrefix(value, ":="))
			value = strings.TrimSpace(strings.TrimPrefix(value, "="))
			switch value {
			case "false":
				prog.defaultAllow = false
			case "true":
				prog.defaultAllow = true
			default:
				return nil, fmt.Errorf("invalid default allow %q at line %d", value, lineNo)
			}
		case line == "allow {":
			allow = &ruleBlock{}
		case strings.HasPrefix(line, "deny_reason[") && strings.HasSuffix(line, "] {"):
			raw := strings.TrimSuffix(strings.TrimPrefix(line, "deny_reason["), "] {")
			reason, err := strconv.Unquote(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid deny_reason key at line %d: %v", lineNo, err)
			}
			deny = &denyBlock{reason: reason}
		default:
			return nil, fmt.Errorf("unknown statement at line %d: %s", lineNo, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if allow != nil || deny != nil {
		return nil, fmt.Errorf("unterminated block at end of program")
	}
	if prog.Namespace == "" {
		return nil, fmt.Errorf("rule program missing package declaration")
	}
	return prog, nil
}

// Allow evaluates the allow predicate: the OR of all allow blocks, each
// block an AND of its conjuncts. Falls back to the program default (false
// for generated programs).
func (p *Program) Allow(in *models.ABACInput) bool {
	for i := range p.allows {
		if matches(p.allows[i].conjuncts, in) {
			return true
		}
	}
	return p.defaultAllow
}

// DenyReasons returns the explanations of every deny block matching the
// input, in program order. Consulted only when Allow is false.
func (p *Program) DenyReasons(in *models.ABACInput) []string {
	var out []string
	for i := range p.denies {
		if matches(p.denies[i].conjuncts, in) {
			out = append(out, p.denies[i].reason)
		}
	}
	return out
}

// Rules reports block counts, used for load-time logging.
func (p *Program) Rules() (allows, denies int) {
	return len(p.allows), len(p.denies)
}

func matches(conjuncts []dsl.Expr, in *models.ABACInput) bool {
	if len(conjuncts) == 0 {
		return false
	}
	for _, c := range conjuncts {
		if !evalExpr(c, in) {
			return false
		}
	}
	return true
}
