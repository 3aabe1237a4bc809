package gates

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/crewline/foreman/pkg/audit"
	"github.com/crewline/foreman/pkg/models"
)

// failCountRe picks up verdicts such as "3 tests failed" or "0 failed".
var failCountRe = regexp.MustCompile(`(?i)\b(\d+)\s+(?:tests?\s+)?fail(?:ed|ures?|ing)?\b`)

var passPhrases = []string{
	"all tests pass",
	"tests passed",
	"0 failed",
	"no failures",
}

var failPhrases = []string{
	"tests failed",
	"test failed",
	"failing test",
	"test failures",
}

// checkTests delegates to the tester agent and parses its verdict.
func (r *Runner) checkTests(ctx context.Context, task *models.Task) (bool, string) {
	if r.call == nil {
		return false, "tests-pass gate requires a tester agent but none is wired"
	}
	response, err := r.call(ctx, r.cfg.TesterAgent, buildTesterPrompt(task))
	if err != nil {
		return false, fmt.Sprintf("tester agent failed: %v", err)
	}
	return r.parseTesterVerdict(response)
}

func (r *Runner) parseTesterVerdict(response string) (bool, string) {
	lower := strings.ToLower(response)

	// Explicit failures win over pass phrases so "3 tests failed, the rest
	// passed" cannot slip through.
	for _, m := range failCountRe.FindAllStringSubmatch(response, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n == 0 {
			continue
		}
		return false, fmt.Sprintf("%d test(s) failed\n\n%s", n, audit.Truncate(response, feedbackLimit))
	}
	for _, phrase := range failPhrases {
		if strings.Contains(lower, phrase) {
			return false, "tests failed\n\n" + audit.Truncate(response, feedbackLimit)
		}
	}

	for _, phrase := range passPhrases {
		if strings.Contains(lower, phrase) {
			return true, ""
		}
	}

	if r.cfg.AmbiguousIsPass {
		return true, ""
	}
	return false, "tester verdict was ambiguous\n\n" + audit.Truncate(response, feedbackLimit)
}

// checkReview delegates to the reviewer agent. The gate passes iff the
// response contains "approved" and not "changes_requested".
func (r *Runner) checkReview(ctx context.Context, task *models.Task, attemptText string) (bool, string) {
	if r.call == nil {
		return false, "review-approved gate requires a reviewer agent but none is wired"
	}
	response, err := r.call(ctx, r.cfg.ReviewerAgent, buildReviewerPrompt(task, attemptText))
	if err != nil {
		return false, fmt.Sprintf("reviewer agent failed: %v", err)
	}

	lower := strings.ToLower(response)
	if strings.Contains(lower, "approved") && !strings.Contains(lower, "changes_requested") {
		return true, ""
	}
	return false, "review not approved\n\n" + audit.Truncate(response, feedbackLimit)
}

func buildTesterPrompt(task *models.Task) string {
	var sb strings.Builder
	sb.WriteString("## Task Under Test\n\n")
	fmt.Fprintf(&sb, "**Title:** %s\n\n", task.Title)
	if task.Description != "" {
		sb.WriteString(task.Description)
		sb.WriteString("\n\n")
	}
	writeTargetFiles(&sb, task.TargetFiles)
	sb.WriteString(`## Instructions

Run the tests relevant to this change and report the outcome.
End your response with exactly one verdict line:
- "all tests pass" when everything passes
- "<n> tests failed" followed by the failing tests and their output
`)
	return sb.String()
}

func buildReviewerPrompt(task *models.Task, attemptText string) string {
	var sb strings.Builder
	sb.WriteString("## Task Under Review\n\n")
	fmt.Fprintf(&sb, "**Title:** %s\n\n", task.Title)
	if task.Description != "" {
		sb.WriteString(task.Description)
		sb.WriteString("\n\n")
	}
	writeTargetFiles(&sb, task.TargetFiles)
	if attemptText != "" {
		sb.WriteString("## Implementer Response\n\n")
		sb.WriteString(attemptText)
		sb.WriteString("\n\n")
	}
	sb.WriteString(`## Instructions

Review the change against the task. Inspect the target files as needed.
End your response with exactly one verdict line:
- "approved" when the change is acceptable
- "changes_requested" followed by what must change
`)
	return sb.String()
}

func writeTargetFiles(sb *strings.Builder, files []string) {
	if len(files) == 0 {
		return
	}
	sb.WriteString("## Target Files\n\n")
	for _, f := range files {
		fmt.Fprintf(sb, "- %s\n", f)
	}
	sb.WriteString("\n")
}
