package redact

import (
	"log/slog"
	"regexp"
)

// Rule is a config-facing redaction rule. Pattern is compiled once at
// pipeline construction; invalid patterns are logged and skipped.
type Rule struct {
	Name        string `yaml:"name" json:"name"`
	Pattern     string `yaml:"pattern" json:"pattern"`
	Replacement string `yaml:"replacement" json:"replacement"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// CompiledRule holds a pre-compiled regex rule with its replacement.
type CompiledRule struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// builtinRules returns the built-in redaction rules in application order.
// Bearer runs before secret_key so "Bearer sk-..." collapses into a single
// placeholder instead of a placeholder nested inside a partial match.
func builtinRules(includeEmail bool) []Rule {
	rules := []Rule{
		{
			Name:        "pan",
			Pattern:     `\b\d(?:[ -]?\d){12,18}\b`,
			Replacement: "[REDACTED_PAN]",
			Description: "Payment card numbers (13-19 digits, optional separators)",
		},
		{
			Name:        "ssn",
			Pattern:     `\b\d{3}-\d{2}-\d{4}\b`,
			Replacement: "[REDACTED_SSN]",
			Description: "US social security numbers",
		},
		{
			Name:        "bearer",
			Pattern:     `(?i)\bbearer\s+[A-Za-z0-9._~+/-]+=*`,
			Replacement: "[REDACTED_BEARER]",
			Description: "Bearer authorization tokens",
		},
		{
			Name:        "secret_key",
			Pattern:     `\bsk[-_][A-Za-z0-9_-]{16,}\b`,
			Replacement: "[REDACTED_SECRET_KEY]",
			Description: "Provider secret keys (sk_/sk- prefixed)",
		},
		{
			Name:        "aws_access_key",
			Pattern:     `\bAKIA[A-Z0-9]{16}\b`,
			Replacement: "[REDACTED_AWS_ACCESS_KEY]",
			Description: "AWS access key IDs",
		},
	}
	if includeEmail {
		rules = append(rules, Rule{
			Name:        "email",
			Pattern:     `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9]+(?:[.-][A-Za-z0-9]+)*\.[A-Za-z]{2,63}\b`,
			Replacement: "[REDACTED_EMAIL]",
			Description: "Email addresses",
		})
	}
	return rules
}

// compileRules compiles rules in order. Invalid patterns are logged and
// skipped so one bad custom rule cannot take down the pipeline.
func compileRules(rules []Rule) []*CompiledRule {
	compiled := make([]*CompiledRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			slog.Error("Failed to compile redaction rule, skipping",
				"rule", r.Name, "error", err)
			continue
		}
		compiled = append(compiled, &CompiledRule{
			Name:        r.Name,
			Regex:       re,
			Replacement: r.Replacement,
			Description: r.Description,
		})
	}
	return compiled
}
