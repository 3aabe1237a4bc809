package recovery

import (
	"fmt"
	"strings"
)

// promptEscaper neutralises characters that could break out of the prompt
// structure: backticks would open or close fenced blocks, angle brackets
// could forge tool-call or marker syntax.
var promptEscaper = strings.NewReplacer(
	"`", "&#96;",
	"<", "&lt;",
	">", "&gt;",
)

// EscapePromptText sanitises failure-derived text before it is embedded in
// a prompt template.
func EscapePromptText(s string) string {
	return promptEscaper.Replace(s)
}

// FallbackInput carries the typed fields of a fallback task description.
type FallbackInput struct {
	OriginalGoal string
	FailedAgent  string
	ErrorText    string
	Progress     string
}

// BuildFallbackDescription renders the task description handed to a fallback
// agent. All embedded free text is escaped; the fallback starts from attempt
// zero with this description as its goal.
func BuildFallbackDescription(in FallbackInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A previous agent (%s) failed to complete this task.\n\n", EscapePromptText(in.FailedAgent))
	fmt.Fprintf(&b, "Original goal:\n%s\n\n", EscapePromptText(in.OriginalGoal))
	fmt.Fprintf(&b, "Failure:\n%s\n\n", EscapePromptText(in.ErrorText))
	if in.Progress != "" {
		fmt.Fprintf(&b, "Progress so far:\n%s\n\n", EscapePromptText(in.Progress))
	}
	b.WriteString("Take over this task. Account for the failure above before repeating the same approach.")
	return b.String()
}

// DiagnosticInput carries the typed fields of a diagnostic prompt.
type DiagnosticInput struct {
	TaskTitle   string
	Description string
	ErrorText   string
	Attempts    int
}

// BuildDiagnosticPrompt renders the prompt for a diagnostic reviewer spawn.
// Diagnostic output is recorded alongside the task and does not consume an
// attempt.
func BuildDiagnosticPrompt(in DiagnosticInput) string {
	var b strings.Builder
	b.WriteString("Diagnose why the following task keeps failing. Do not fix it; explain the root cause and recommend a next step.\n\n")
	fmt.Fprintf(&b, "Task: %s\n", EscapePromptText(in.TaskTitle))
	if in.Description != "" {
		fmt.Fprintf(&b, "Description:\n%s\n", EscapePromptText(in.Description))
	}
	fmt.Fprintf(&b, "Attempts so far: %d\n\n", in.Attempts)
	fmt.Fprintf(&b, "Last failure:\n%s\n", EscapePromptText(in.ErrorText))
	return b.String()
}
