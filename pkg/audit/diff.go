package audit

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// maxDiffContent caps how much content the differ will process; larger
// payloads get a placeholder hunk instead of a real diff.
const maxDiffContent = 1 << 20

// UnifiedDiff renders a unified diff between old and new content with a/ b/
// file headers. Returns the patch text and the added/removed line counts.
// Binary and oversized content short-circuit to a placeholder.
func UnifiedDiff(oldContent, newContent, target string) (string, int, int) {
	if oldContent == newContent {
		return "", 0, 0
	}
	if isBinary(oldContent) || isBinary(newContent) {
		return fmt.Sprintf("Binary target %s changed", target), 0, 0
	}
	if len(oldContent) > maxDiffContent || len(newContent) > maxDiffContent {
		diff := fmt.Sprintf("--- a/%s\n+++ b/%s\n@@ content exceeds %d bytes, diff omitted @@\n",
			target, target, maxDiffContent)
		return diff, 0, 0
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldContent, newContent, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	patches := dmp.PatchMake(oldContent, diffs)
	patchText := dmp.PatchToText(patches)

	added, removed := countLineChanges(diffs)

	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", target, target)
	b.WriteString(patchText)
	return b.String(), added, removed
}

// countLineChanges tallies added and removed lines from raw diff spans.
func countLineChanges(diffs []diffmatchpatch.Diff) (added, removed int) {
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += strings.Count(d.Text, "\n")
			if !strings.HasSuffix(d.Text, "\n") {
				added++
			}
		case diffmatchpatch.DiffDelete:
			removed += strings.Count(d.Text, "\n")
			if !strings.HasSuffix(d.Text, "\n") {
				removed++
			}
		}
	}
	return added, removed
}

// isBinary reports whether content looks binary (null byte in the first 8000
// bytes).
func isBinary(content string) bool {
	checkLen := len(content)
	if checkLen > 8000 {
		checkLen = 8000
	}
	for i := 0; i < checkLen; i++ {
		if content[i] == 0 {
			return true
		}
	}
	return false
}
