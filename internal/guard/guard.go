// Package guard enforces the safety policy around the structured query tool
// and memory writes: read-only statements, cost ceilings, key hygiene.
package guard

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Policy defines the limits applied to tool invocations.
type Policy struct {
	MaxQueryBytes     int64         `json:"max_query_bytes"`
	MaxRows           int           `json:"max_rows"`
	QueryTimeout      time.Duration `json:"query_timeout"`
	AllowedTableGlobs []string      `json:"allowed_table_globs"`
	MaxStatementLen   int           `json:"max_statement_len"`
	MaxMemoryKeyLen   int           `json:"max_memory_key_len"`
	MaxMemoryValueLen int           `json:"max_memory_value_len"`
}

// DefaultPolicy provides safe defaults.
var DefaultPolicy = Policy{
	MaxQueryBytes:     10_000_000_000,
	MaxRows:           1000,
	QueryTimeout:      30 * time.Second,
	AllowedTableGlobs: []string{"*"},
	MaxStatementLen:   8192,
	MaxMemoryKeyLen:   64,
	MaxMemoryValueLen: 4000,
}

// Violation represents a specific breach of policy.
type Violation struct {
	Rule    string
	Message string
	Fatal   bool
}

// Guard enforces the policy.
type Guard struct {
	policy Policy
}

func New(p Policy) *Guard {
	return &Guard{policy: p}
}

// Policy returns the guard's current policy configuration.
func (g *Guard) Policy() Policy {
	return g.policy
}

var mutatingKeywords = []string{
	"insert", "update", "delete", "drop", "create", "alter", "truncate",
	"merge", "replace", "grant", "revoke",
}

var (
	lineCommentRe  = regexp.MustCompile(`--[^\n]*`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	identRe        = regexp.MustCompile("(?i)\\b(?:from|join)\\s+[`\"]?([a-zA-Z_][a-zA-Z0-9_.]*)")
	wordRe         = regexp.MustCompile(`[a-zA-Z_]+`)
)

// CheckStatement verifies a query is a single read-only statement.
// It never executes anything; this is the pre-flight legality gate.
func (g *Guard) CheckStatement(sql string) *Violation {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return &Violation{Rule: "empty_statement", Message: "query statement is empty", Fatal: false}
	}

	if g.policy.MaxStatementLen > 0 && len(trimmed) > g.policy.MaxStatementLen {
		return &Violation{
			Rule:    "statement_too_long",
			Message: fmt.Sprintf("statement exceeds %d characters", g.policy.MaxStatementLen),
		}
	}

	stripped := stripComments(trimmed)

	// A trailing separator is tolerated; an interior one means multiple
	// statements and is always rejected.
	body := strings.TrimRight(stripped, "; \t\r\n")
	if strings.Contains(body, ";") {
		return &Violation{Rule: "multiple_statements", Message: "multiple statements are not allowed"}
	}

	lower := strings.ToLower(stripped)
	for _, word := range wordRe.FindAllString(lower, -1) {
		for _, kw := range mutatingKeywords {
			if word == kw {
				return &Violation{
					Rule:    "mutating_keyword",
					Message: fmt.Sprintf("statement contains prohibited keyword %q; only SELECT queries are allowed", strings.ToUpper(kw)),
				}
			}
		}
	}

	if !strings.HasPrefix(lower, "select") && !strings.HasPrefix(lower, "with") {
		return &Violation{
			Rule:    "not_read_only",
			Message: "only SELECT queries are allowed",
		}
	}

	return nil
}

// CheckTables verifies every referenced table matches an allowed glob.
func (g *Guard) CheckTables(sql string) *Violation {
	if len(g.policy.AllowedTableGlobs) == 0 {
		return nil
	}

	for _, m := range identRe.FindAllStringSubmatch(stripComments(sql), -1) {
		table := m[1]
		allowed := false
		for _, pattern := range g.policy.AllowedTableGlobs {
			if ok, err := doublestar.Match(pattern, table); err == nil && ok {
				allowed = true
				break
			}
		}
		if !allowed {
			return &Violation{
				Rule:    "allowed_table_globs",
				Message: "table access not allowed: " + table,
			}
		}
	}
	return nil
}

// CheckCost verifies a dry-run byte estimate against the configured ceiling.
func (g *Guard) CheckCost(estimatedBytes int64) *Violation {
	if g.policy.MaxQueryBytes > 0 && estimatedBytes > g.policy.MaxQueryBytes {
		return &Violation{
			Rule: "max_query_bytes",
			Message: fmt.Sprintf("query too expensive: estimated %d bytes exceeds ceiling of %d bytes",
				estimatedBytes, g.policy.MaxQueryBytes),
		}
	}
	return nil
}

var memoryKeyRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// CheckMemoryKey validates a memory key: bounded length, no path-like
// separators, conservative character set.
func (g *Guard) CheckMemoryKey(key string) *Violation {
	if strings.TrimSpace(key) == "" {
		return &Violation{Rule: "memory_key_empty", Message: "memory key cannot be empty"}
	}
	if g.policy.MaxMemoryKeyLen > 0 && len(key) > g.policy.MaxMemoryKeyLen {
		return &Violation{
			Rule:    "memory_key_too_long",
			Message: fmt.Sprintf("memory key exceeds %d characters", g.policy.MaxMemoryKeyLen),
		}
	}
	if !memoryKeyRe.MatchString(key) {
		return &Violation{
			Rule:    "memory_key_format",
			Message: "memory key may only contain letters, digits, underscore and hyphen",
		}
	}
	return nil
}

// CheckMemoryValue validates a memory value's size.
func (g *Guard) CheckMemoryValue(value string) *Violation {
	if strings.TrimSpace(value) == "" {
		return &Violation{Rule: "memory_value_empty", Message: "memory value cannot be empty"}
	}
	if g.policy.MaxMemoryValueLen > 0 && len(value) > g.policy.MaxMemoryValueLen {
		return &Violation{
			Rule:    "memory_value_too_long",
			Message: fmt.Sprintf("memory value exceeds %d characters", g.policy.MaxMemoryValueLen),
		}
	}
	return nil
}

func stripComments(sql string) string {
	out := blockCommentRe.ReplaceAllString(sql, " ")
	return lineCommentRe.ReplaceAllString(out, " ")
}
