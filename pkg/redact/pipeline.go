// Package redact strips credentials and personal data from text before it
// is persisted or sent to an agent backend.
package redact

import (
	"log/slog"
	"sync"
)

// PostHook is an additive transform applied after the rule sweep, on the
// egress path only (message retrieval, channel replies). Hooks must be
// defensive: return the input unchanged on any internal failure.
type PostHook func(string) string

// Options configures pipeline construction.
type Options struct {
	// IncludeEmail enables the built-in email rule. Off by default because
	// commit authorship and reviewer mentions legitimately carry addresses.
	IncludeEmail bool `yaml:"include_email" json:"include_email"`

	// CustomRules are appended after the built-in rules, in order.
	CustomRules []Rule `yaml:"custom_rules,omitempty" json:"custom_rules,omitempty"`
}

// Pipeline applies ordered redaction rules to inbound text. Created once at
// application startup. Thread-safe and stateless aside from compiled rules.
type Pipeline struct {
	rules []*CompiledRule

	mu        sync.RWMutex
	postHooks []PostHook
}

// NewPipeline compiles the built-in rules plus any custom rules. All rules
// are compiled eagerly; invalid custom patterns are logged and skipped.
func NewPipeline(opts Options) *Pipeline {
	all := builtinRules(opts.IncludeEmail)
	all = append(all, opts.CustomRules...)

	p := &Pipeline{rules: compileRules(all)}

	slog.Info("Redaction pipeline initialized",
		"rules", len(p.rules),
		"custom_rules", len(opts.CustomRules),
		"email_rule", opts.IncludeEmail)
	return p
}

// Apply runs every rule in order and reports whether any rule fired.
// Callers persisting the result must flag the record as redacted when the
// second return value is true.
func (p *Pipeline) Apply(s string) (string, bool) {
	if s == "" {
		return s, false
	}
	out := s
	changed := false
	for _, rule := range p.rules {
		replaced := rule.Regex.ReplaceAllString(out, rule.Replacement)
		if replaced != out {
			changed = true
			out = replaced
		}
	}
	return out, changed
}

// AddPostHook registers an egress transform. Hooks run after Apply in
// registration order.
func (p *Pipeline) AddPostHook(h PostHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.postHooks = append(p.postHooks, h)
}

// ApplyEgress runs the rule sweep followed by all registered post-hooks.
// Used when previously stored text leaves the system (API reads, channel
// replies); the stored row is never rewritten.
func (p *Pipeline) ApplyEgress(s string) string {
	out, _ := p.Apply(s)

	p.mu.RLock()
	hooks := p.postHooks
	p.mu.RUnlock()

	for _, h := range hooks {
		out = h(out)
	}
	return out
}

// RuleNames returns the active rule names in application order.
func (p *Pipeline) RuleNames() []string {
	names := make([]string, len(p.rules))
	for i, r := range p.rules {
		names[i] = r.Name
	}
	return names
}
