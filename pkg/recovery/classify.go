// Package recovery classifies task failures and recommends what to do next:
// retry with backoff, hand the task to a fallback agent, spawn a diagnostic
// review, or abort.
package recovery

import (
	"context"
	"errors"
	"strings"
)

// Kind is the classified failure category.
type Kind string

const (
	KindTimeout         Kind = "timeout"
	KindAPIRateLimit    Kind = "api-rate-limit"
	KindAPINetwork      Kind = "api-network"
	KindToolPermission  Kind = "tool-permission"
	KindToolMissingFile Kind = "tool-missing-file"
	KindAgentSyntax     Kind = "agent-syntax"
	KindAgentTestFail   Kind = "agent-test-fail"
	KindMemory          Kind = "memory"
	KindUnknown         Kind = "unknown"
)

// Strategy is the recommended recovery action for a failure kind.
type Strategy string

const (
	StrategyRetry    Strategy = "retry"
	StrategyFallback Strategy = "fallback-agent"
	StrategyDiagnose Strategy = "diagnose"
	StrategyAbort    Strategy = "abort"
)

// rule matches a failure kind by lowercase substrings. Rules are evaluated
// in order; the first match wins.
type rule struct {
	kind    Kind
	markers []string
}

var classificationRules = []rule{
	{KindTimeout, []string{
		"timed out", "timeout", "deadline exceeded",
	}},
	{KindAPIRateLimit, []string{
		"rate limit", "rate_limit", "too many requests", "quota exceeded", "429",
	}},
	{KindAPINetwork, []string{
		"connection refused", "connection reset", "no such host",
		"unexpected eof", "broken pipe", "bad gateway", "service unavailable",
		"network is unreachable",
	}},
	{KindToolPermission, []string{
		"permission denied", "operation not permitted", "access denied", "forbidden",
	}},
	{KindToolMissingFile, []string{
		"no such file", "file not found", "does not exist", "enoent",
	}},
	{KindAgentSyntax, []string{
		"syntax error", "invalid json", "unexpected token", "parse error",
		"malformed", "undeclared name", "undefined:",
	}},
	{KindAgentTestFail, []string{
		"--- fail", "test failed", "tests failed", "assertion failed",
	}},
	{KindMemory, []string{
		"out of memory", "cannot allocate", "oom killed",
	}},
}

var strategies = map[Kind]Strategy{
	KindTimeout:         StrategyRetry,
	KindAPIRateLimit:    StrategyRetry,
	KindAPINetwork:      StrategyRetry,
	KindToolPermission:  StrategyAbort,
	KindToolMissingFile: StrategyDiagnose,
	KindAgentSyntax:     StrategyFallback,
	KindAgentTestFail:   StrategyFallback,
	KindMemory:          StrategyAbort,
	KindUnknown:         StrategyDiagnose,
}

// Classify maps error text to a failure kind by substring matching.
func Classify(errText string) Kind {
	lower := strings.ToLower(errText)
	for _, r := range classificationRules {
		for _, marker := range r.markers {
			if strings.Contains(lower, marker) {
				return r.kind
			}
		}
	}
	return KindUnknown
}

// ClassifyError classifies a Go error. Context errors are recognised with
// errors.Is before falling back to text matching, so wrapped cancellations
// are not misread by their message.
func ClassifyError(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return Classify(err.Error())
}

// StrategyFor returns the recommended strategy for a failure kind.
func StrategyFor(kind Kind) Strategy {
	if s, ok := strategies[kind]; ok {
		return s
	}
	return StrategyDiagnose
}
