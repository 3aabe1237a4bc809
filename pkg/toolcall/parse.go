// Package toolcall implements the tool-call interpreter: it extracts
// invocation blocks from agent output, repairs or rejects malformed JSON,
// runs each call through the guardrails enforcer, executes it, and formats
// the results for the next agent turn.
package toolcall

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Invocation is one tool-call block parsed out of an assistant turn.
type Invocation struct {
	Raw        string // JSON text inside the block
	Tool       string
	Args       map[string]any
	ParseError error
}

// blockPatterns match the accepted invocation syntaxes. The marker pair
// <tool_call>...</tool_call> is primary; a fenced block labelled tool and
// the [[tool]] pair are accepted fallbacks.
var blockPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)<tool_call>\s*(.*?)\s*</tool_call>`),
	regexp.MustCompile("(?s)```tool\\s*\n(.*?)\n?```"),
	regexp.MustCompile(`(?s)\[\[tool\]\]\s*(.*?)\s*\[\[/tool\]\]`),
}

// wireInvocation accepts both field spellings agents use in the wild.
type wireInvocation struct {
	Tool      string         `json:"tool"`
	Name      string         `json:"name"`
	Args      map[string]any `json:"args"`
	Arguments map[string]any `json:"arguments"`
}

type span struct {
	start int
	end   int
	raw   string
}

// ParseInvocations extracts every invocation block from response in source
// order. Blocks that fail to decode carry their ParseError; the interpreter
// decides whether to repair them.
func ParseInvocations(response string) []Invocation {
	var spans []span
	for _, pattern := range blockPatterns {
		for _, m := range pattern.FindAllStringSubmatchIndex(response, -1) {
			spans = append(spans, span{start: m[0], end: m[1], raw: response[m[2]:m[3]]})
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var invocations []Invocation
	lastEnd := -1
	for _, s := range spans {
		// A fenced fallback inside an already-matched marker pair is the
		// same block seen twice; keep the outer match only.
		if s.start < lastEnd {
			continue
		}
		lastEnd = s.end

		inv := Invocation{Raw: s.raw}
		inv.Tool, inv.Args, inv.ParseError = decodeInvocation(s.raw)
		invocations = append(invocations, inv)
	}
	return invocations
}

// decodeInvocation parses the block JSON and normalizes the field spellings.
func decodeInvocation(raw string) (string, map[string]any, error) {
	var wire wireInvocation
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return "", nil, fmt.Errorf("invalid tool call JSON: %w", err)
	}

	tool := wire.Tool
	if tool == "" {
		tool = wire.Name
	}
	args := wire.Args
	if args == nil {
		args = wire.Arguments
	}
	if args == nil {
		args = map[string]any{}
	}
	return strings.TrimSpace(tool), args, nil
}
