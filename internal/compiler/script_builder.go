package compiler

import (
	"fmt"
	"regexp"
	"strings"
)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

func isValidIdentifier(s string) bool {
	return identifierRegex.MatchString(s)
}

func quote(s string) string {
	if isValidIdentifier(s) {
		return s
	}
	return fmt.Sprintf("%q", s)
}

// ScriptBuilder builds nftables scripts for atomic application. Every line
// it emits is part of one transaction handed to `nft -f -`.
type ScriptBuilder struct {
	lines     []string
	tableName string
	family    string
}

// NewScriptBuilder creates a new script builder for the given table.
func NewScriptBuilder(tableName, family string) *ScriptBuilder {
	return &ScriptBuilder{
		tableName: tableName,
		family:    family,
		lines:     make([]string, 0, 100),
	}
}

// AddLine adds a raw nft command line to the script.
func (b *ScriptBuilder) AddLine(line string) {
	b.lines = append(b.lines, line)
}

// AddTable adds a table creation command.
func (b *ScriptBuilder) AddTable() {
	b.AddLine(fmt.Sprintf("add table %s %s", b.family, b.tableName))
}

// AddTableWithComment adds a table creation command with a metadata
// comment embedding version and policy hash for traceability.
func (b *ScriptBuilder) AddTableWithComment(comment string) {
	if comment == "" {
		b.AddTable()
		return
	}
	b.AddLine(fmt.Sprintf("add table %s %s { comment %q; }", b.family, b.tableName, comment))
}

// AddChain adds a base chain with hook, priority and default policy, or a
// regular chain when chainType and hook are empty.
func (b *ScriptBuilder) AddChain(name, chainType, hook string, priority int, chainPolicy string) {
	qName := quote(name)
	if chainType != "" && hook != "" {
		policyStr := ""
		if chainPolicy != "" {
			policyStr = fmt.Sprintf("policy %s; ", chainPolicy)
		}
		b.AddLine(fmt.Sprintf("add chain %s %s %s { type %s hook %s priority %d; %s}",
			b.family, b.tableName, qName, chainType, hook, priority, policyStr))
	} else {
		b.AddLine(fmt.Sprintf("add chain %s %s %s", b.family, b.tableName, qName))
	}
}

// AddRule adds a rule to a chain. comment is optional; it is skipped if
// the rule expression already carries one.
func (b *ScriptBuilder) AddRule(chainName, ruleExpr string, comment ...string) {
	commentClause := ""
	if len(comment) > 0 && comment[0] != "" && !strings.Contains(ruleExpr, "comment ") {
		commentClause = fmt.Sprintf(" comment %q", comment[0])
	}
	b.AddLine(fmt.Sprintf("add rule %s %s %s %s%s", b.family, b.tableName, quote(chainName), ruleExpr, commentClause))
}

// AddSet adds a named set with interval support for CIDR elements.
func (b *ScriptBuilder) AddSet(name, setType string) {
	b.AddLine(fmt.Sprintf("add set %s %s %s { type %s; flags interval; }",
		b.family, b.tableName, quote(name), setType))
}

// AddElements populates a named set in batches so no single line grows
// unbounded.
func (b *ScriptBuilder) AddElements(setName string, elements []string, batchSize int) {
	if batchSize <= 0 {
		batchSize = 500
	}
	for i := 0; i < len(elements); i += batchSize {
		end := i + batchSize
		if end > len(elements) {
			end = len(elements)
		}
		b.AddLine(fmt.Sprintf("add element %s %s %s { %s }",
			b.family, b.tableName, quote(setName), strings.Join(elements[i:end], ", ")))
	}
}

// Build returns the assembled script.
func (b *ScriptBuilder) Build() string {
	if len(b.lines) == 0 {
		return ""
	}
	return strings.Join(b.lines, "\n") + "\n"
}
