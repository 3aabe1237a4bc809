package audit

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashContent(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashContent(nil), "empty input hashes to the well-known empty digest")

	assert.Equal(t, HashContent([]byte("abc")), HashString("abc"))
	assert.NotEqual(t, HashString("abc"), HashString("abd"))
	assert.Len(t, HashString("anything"), 64)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 100))
	assert.Equal(t, "hello", Truncate("hello", 0))

	got := Truncate(strings.Repeat("y", 300), 50)
	assert.True(t, strings.HasPrefix(got, strings.Repeat("y", 50)))
	assert.Contains(t, got, "[truncated: original 300 bytes]")
}

func TestTruncateWithHash(t *testing.T) {
	t.Run("short body passes through", func(t *testing.T) {
		got, hash := TruncateWithHash("hello", 100)
		assert.Equal(t, "hello", got)
		assert.Equal(t, HashString("hello"), hash)
	})

	t.Run("zero max disables truncation", func(t *testing.T) {
		got, _ := TruncateWithHash("hello", 0)
		assert.Equal(t, "hello", got)
	})

	t.Run("long body keeps original hash", func(t *testing.T) {
		original := strings.Repeat("x", 500)
		got, hash := TruncateWithHash(original, 100)

		assert.Equal(t, HashString(original), hash, "hash covers the original, not the truncation")
		assert.True(t, strings.HasPrefix(got, strings.Repeat("x", 100)))
		assert.Contains(t, got, "[truncated: original 500 bytes]")
		assert.Less(t, len(got), len(original))
	})

	t.Run("cut lands on rune boundary", func(t *testing.T) {
		original := strings.Repeat("é", 10) // two bytes per rune
		got, _ := TruncateWithHash(original, 5)

		marker := strings.Index(got, "\n[truncated")
		require.Greater(t, marker, 0)
		assert.Equal(t, strings.Repeat("é", 2), got[:marker], "mid-rune byte is dropped")
	})
}

func TestCompressDiffRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("-old line\n+new line\n"), 1024)
	require.Greater(t, len(original), DiffCompressThreshold)

	compressed, isCompressed := CompressDiff(original)
	require.True(t, isCompressed)
	assert.Less(t, len(compressed), len(original))

	restored, err := DecompressDiff(compressed, true)
	require.NoError(t, err)
	assert.Equal(t, original, restored, "round trip is byte-exact")
}

func TestCompressDiff_SmallPayloadStoredRaw(t *testing.T) {
	small := []byte("+one line\n")
	stored, isCompressed := CompressDiff(small)
	assert.False(t, isCompressed)
	assert.Equal(t, small, stored)

	restored, err := DecompressDiff(stored, false)
	require.NoError(t, err)
	assert.Equal(t, small, restored)
}

func TestDecompressDiff_CorruptPayload(t *testing.T) {
	_, err := DecompressDiff([]byte("not gzip at all"), true)
	assert.Error(t, err)
}

func TestUnifiedDiff(t *testing.T) {
	t.Run("identical content yields empty diff", func(t *testing.T) {
		diff, added, removed := UnifiedDiff("same", "same", "a.go")
		assert.Empty(t, diff)
		assert.Zero(t, added)
		assert.Zero(t, removed)
	})

	t.Run("change produces patch with headers", func(t *testing.T) {
		diff, added, _ := UnifiedDiff("alpha\n", "alpha\nbeta\n", "pkg/x.go")
		assert.Contains(t, diff, "--- a/pkg/x.go")
		assert.Contains(t, diff, "+++ b/pkg/x.go")
		assert.Contains(t, diff, "@@")
		assert.Contains(t, diff, "beta")
		assert.GreaterOrEqual(t, added, 1)
	})

	t.Run("deletion counts removed lines", func(t *testing.T) {
		diff, _, removed := UnifiedDiff("one\ntwo\nthree\n", "one\n", "a.go")
		assert.NotEmpty(t, diff)
		assert.GreaterOrEqual(t, removed, 2)
	})

	t.Run("binary content short-circuits", func(t *testing.T) {
		diff, _, _ := UnifiedDiff("ok", "bad\x00byte", "blob.bin")
		assert.Equal(t, "Binary target blob.bin changed", diff)
	})

	t.Run("oversized content is skipped", func(t *testing.T) {
		big := strings.Repeat("a", maxDiffContent+1)
		diff, _, _ := UnifiedDiff("", big, "huge.txt")
		assert.Contains(t, diff, "diff omitted")
	})
}
