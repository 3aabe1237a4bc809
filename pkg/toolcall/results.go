package toolcall

import (
	"fmt"
	"strings"

	"github.com/crewline/foreman/pkg/audit"
)

// FormatResults renders per-invocation outcomes as the tagged block fed back
// to the agent. Output is truncated at outputLimit bytes with a marker; the
// untruncated hash already lives in the audit trail.
func FormatResults(results []InvocationResult, outputLimit int) string {
	var b strings.Builder
	b.WriteString("<tool_results>\n")

	for i, r := range results {
		name := r.Invocation.Tool
		if name == "" {
			name = "unknown"
		}
		fmt.Fprintf(&b, "[%d] %s: %s\n", i+1, name, statusOf(r))

		if r.Result != nil {
			if r.Result.Error != "" {
				fmt.Fprintf(&b, "error: %s\n", r.Result.Error)
			}
			if r.Result.Output != "" {
				out, _ := audit.TruncateWithHash(r.Result.Output, outputLimit)
				b.WriteString(out)
				if !strings.HasSuffix(out, "\n") {
					b.WriteString("\n")
				}
			}
		}
		if i < len(results)-1 {
			b.WriteString("\n")
		}
	}

	b.WriteString("</tool_results>")
	return b.String()
}

func statusOf(r InvocationResult) string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Result != nil && r.Result.Success:
		return "ok"
	default:
		return "failed"
	}
}
